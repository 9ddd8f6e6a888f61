package drive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/tonimelisma/drivedav/internal/metrics"
)

// downloadURLExpiry is how long the remote keeps a download URL valid.
const downloadURLExpiry = 4 * time.Hour

type downloadURLRequest struct {
	DriveID   string `json:"drive_id"`
	FileID    string `json:"file_id"`
	ExpireSec int    `json:"expire_sec"`
}

type downloadURLResponse struct {
	URL        string `json:"url"`
	Expiration string `json:"expiration"`
}

// DownloadURL returns a pre-signed URL for the content of file id.
func (c *Client) DownloadURL(ctx context.Context, id string) (*DownloadLink, error) {
	var resp downloadURLResponse

	err := c.Do(ctx, "download_url", "/v2/file/get_download_url", downloadURLRequest{
		DriveID:   c.driveID,
		FileID:    id,
		ExpireSec: int(downloadURLExpiry / time.Second),
	}, &resp)
	if err != nil {
		return nil, err
	}

	if resp.URL == "" {
		return nil, fmt.Errorf("%w: download url response for %s has no url", ErrFatal, id)
	}

	exp, err := time.Parse(time.RFC3339, resp.Expiration)
	if err != nil {
		exp = time.Now().Add(downloadURLExpiry)
	}

	return &DownloadLink{URL: resp.URL, Expiration: exp}, nil
}

// DownloadRange opens the byte range [offset, offset+length) of a pre-signed
// URL. A length of zero or less reads to the end. The caller closes the
// returned reader. ErrURLExpired means the URL must be fetched again.
func (c *Client) DownloadRange(ctx context.Context, url string, offset, length int64) (io.ReadCloser, error) {
	resp, err := c.doPreSigned(ctx, "download", func() (*http.Request, error) {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
		if reqErr != nil {
			return nil, fmt.Errorf("drive: creating download request: %w", reqErr)
		}

		switch {
		case length > 0:
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))
		case offset > 0:
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
		}

		return req, nil
	})
	if err != nil {
		return nil, err
	}

	body := c.bandwidth.WrapReadCloser(ctx, resp.Body)

	// The server ignored the Range header: skip to offset ourselves.
	if resp.StatusCode == http.StatusOK && offset > 0 {
		if _, err := io.CopyN(io.Discard, body, offset); err != nil {
			body.Close()
			return nil, fmt.Errorf("%w: skipping to offset %d: %w", ErrTransient, offset, err)
		}
	}

	if resp.StatusCode == http.StatusOK && length > 0 {
		return &countingReader{r: io.LimitReader(body, length), c: body}, nil
	}

	return &countingReader{r: body, c: body}, nil
}

// doPreSigned sends requests to pre-signed URLs, which carry their own
// authorization. Network errors, throttling and 5xx are retried; 403 means
// the URL expired. The URL is never logged.
func (c *Client) doPreSigned(
	ctx context.Context, op string, build func() (*http.Request, error),
) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		req, err := build()
		if err != nil {
			return nil, err
		}

		req.Header.Set("User-Agent", userAgent)
		req.Header.Set("Referer", referer)

		resp, err := c.httpClient.Do(req)

		var failure error

		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, fmt.Errorf("drive: %s canceled: %w", op, ctx.Err())
			}

			failure = fmt.Errorf("%w: %s: %w", ErrTransient, op, err)
		case resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices:
			metrics.APIRequest(op, "ok")
			return resp, nil
		case resp.StatusCode == http.StatusForbidden:
			resp.Body.Close()
			metrics.APIRequest(op, "url_expired")

			return nil, ErrURLExpired
		default:
			failure = readAPIError(resp)
		}

		if !retryable(failure) || attempt >= c.retry.MaxRetries {
			metrics.APIRequest(op, outcome(failure))
			return nil, failure
		}

		delay := c.retry.Delay(attempt)
		c.logger.Warn("retrying pre-signed request",
			slog.String("op", op),
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", delay),
			slog.String("error", failure.Error()),
		)
		metrics.APIRetry(outcome(failure))

		if sleepErr := c.sleepFunc(ctx, delay); sleepErr != nil {
			return nil, fmt.Errorf("drive: %s canceled: %w", op, sleepErr)
		}
	}
}

// countingReader reports downloaded bytes to metrics.
type countingReader struct {
	r io.Reader
	c io.Closer
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	if n > 0 {
		metrics.Downloaded(int64(n))
	}

	return n, err
}

func (cr *countingReader) Close() error {
	return cr.c.Close()
}

// IsURLExpired reports whether err means a pre-signed URL must be refreshed.
func IsURLExpired(err error) bool {
	return errors.Is(err, ErrURLExpired)
}
