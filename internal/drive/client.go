package drive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/oauth2"

	"github.com/tonimelisma/drivedav/internal/backoff"
	"github.com/tonimelisma/drivedav/internal/bandwidth"
	"github.com/tonimelisma/drivedav/internal/metrics"
)

const (
	// DefaultBaseURL is the API host for personal accounts.
	DefaultBaseURL = "https://api.aliyundrive.com"

	// DefaultPartSize is the upload part size when Options.PartSize is zero.
	DefaultPartSize = 10 * 1024 * 1024

	userAgent = "drivedav/0.1"
	referer   = "https://www.aliyundrive.com/"
)

// CredentialSource provides bearer credentials. Defined at the consumer;
// auth.Manager is the production implementation.
type CredentialSource interface {
	Credential(ctx context.Context) (*oauth2.Token, error)
	RefreshRejected(ctx context.Context, rejected string) (*oauth2.Token, error)
}

// Options configures a Client.
type Options struct {
	BaseURL     string
	DriveID     string
	HTTPClient  *http.Client
	Credentials CredentialSource
	Retry       backoff.Policy
	// Trash selects the recycle bin for Remove. Must be false for accounts
	// without a trash endpoint.
	Trash    bool
	DeviceID string
	PartSize int64
	// Bandwidth throttles transfer bodies. Nil means unlimited.
	Bandwidth *bandwidth.Limiter
	Logger    *slog.Logger
}

// Client talks to the cloud drive API. It holds no cached state.
type Client struct {
	baseURL    string
	driveID    string
	httpClient *http.Client
	creds      CredentialSource
	retry      backoff.Policy
	trash      bool
	deviceID   string
	partSize   int64
	bandwidth  *bandwidth.Limiter
	logger     *slog.Logger

	// sleepFunc waits between retries. Tests override it to avoid real delays.
	sleepFunc backoff.SleepFunc
}

// NewClient creates a Client.
func NewClient(opts Options) *Client {
	c := &Client{
		baseURL:    opts.BaseURL,
		driveID:    opts.DriveID,
		httpClient: opts.HTTPClient,
		creds:      opts.Credentials,
		retry:      opts.Retry,
		trash:      opts.Trash,
		deviceID:   opts.DeviceID,
		partSize:   opts.PartSize,
		bandwidth:  opts.Bandwidth,
		logger:     opts.Logger,
		sleepFunc:  backoff.Sleep,
	}

	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}

	if c.httpClient == nil {
		c.httpClient = http.DefaultClient
	}

	if c.partSize <= 0 {
		c.partSize = DefaultPartSize
	}

	if c.logger == nil {
		c.logger = slog.Default()
	}

	return c
}

// DriveID returns the drive the client operates on.
func (c *Client) DriveID() string {
	return c.driveID
}

type apiErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Do POSTs a JSON request to path and decodes a 2xx response into out (if
// non-nil). Transient and rate-limited failures are retried up to the policy
// bound. A 401 forces exactly one credential refresh followed by one more try.
func (c *Client) Do(ctx context.Context, op, path string, in, out any) error {
	var payload []byte

	if in != nil {
		var err error

		payload, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("drive: marshaling %s request: %w", op, err)
		}
	}

	err := c.doWithRetry(ctx, op, path, payload, out)
	if ctx.Err() == nil {
		metrics.APIRequest(op, outcome(err))
	}

	return err
}

func (c *Client) doWithRetry(ctx context.Context, op, path string, payload []byte, out any) error {
	refreshed := false

	for attempt := 0; ; {
		tok, err := c.creds.Credential(ctx)
		if err != nil {
			return fmt.Errorf("drive: obtaining credential: %w", err)
		}

		resp, err := c.doOnce(ctx, path, tok, payload)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("drive: request canceled: %w", ctx.Err())
			}

			if attempt < c.retry.MaxRetries {
				delay := c.retry.Delay(attempt)
				c.logger.Warn("retrying after network error",
					slog.String("op", op),
					slog.Int("attempt", attempt+1),
					slog.Duration("backoff", delay),
					slog.String("error", err.Error()),
				)
				metrics.APIRetry("network")

				if sleepErr := c.sleepFunc(ctx, delay); sleepErr != nil {
					return fmt.Errorf("drive: request canceled: %w", sleepErr)
				}

				attempt++

				continue
			}

			return fmt.Errorf("%w: %s failed after %d attempts: %w", ErrTransient, op, attempt+1, err)
		}

		if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
			return c.decodeSuccess(op, resp, out)
		}

		apiErr := readAPIError(resp)

		if errors.Is(apiErr, ErrUnauthorized) && !refreshed {
			c.logger.Info("credential rejected, forcing refresh", slog.String("op", op))

			if _, err := c.creds.RefreshRejected(ctx, tok.AccessToken); err != nil {
				return fmt.Errorf("drive: refreshing credential after 401: %w", err)
			}

			refreshed = true

			continue
		}

		if retryable(apiErr) && attempt < c.retry.MaxRetries {
			delay := c.retryDelay(resp, attempt)
			c.logger.Warn("retrying after HTTP error",
				slog.String("op", op),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", delay),
			)
			metrics.APIRetry(outcome(apiErr))

			if err := c.sleepFunc(ctx, delay); err != nil {
				return fmt.Errorf("drive: request canceled: %w", err)
			}

			attempt++

			continue
		}

		if attempt > 0 {
			c.logger.Error("request failed after retries",
				slog.String("op", op),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempts", attempt+1),
			)
		}

		return apiErr
	}
}

// doOnce sends a single authenticated request.
func (c *Client) doOnce(ctx context.Context, path string, tok *oauth2.Token, payload []byte) (*http.Response, error) {
	body := io.Reader(http.NoBody)
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	tokenType := tok.Type()
	req.Header.Set("Authorization", tokenType+" "+tok.AccessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Referer", referer)

	if c.deviceID != "" {
		req.Header.Set("X-Device-Id", c.deviceID)
	}

	return c.httpClient.Do(req)
}

func (c *Client) decodeSuccess(op string, resp *http.Response, out any) error {
	defer resp.Body.Close()

	if out == nil {
		if _, err := io.Copy(io.Discard, resp.Body); err != nil {
			return fmt.Errorf("%w: draining %s response: %w", ErrTransient, op, err)
		}

		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decoding %s response: %w", ErrFatal, op, err)
	}

	c.logger.Debug("request succeeded",
		slog.String("op", op),
		slog.Int("status", resp.StatusCode),
	)

	return nil
}

// readAPIError consumes and closes an error response.
func readAPIError(resp *http.Response) *APIError {
	defer resp.Body.Close()

	data, readErr := io.ReadAll(resp.Body)

	var body apiErrorBody
	if readErr == nil {
		_ = json.Unmarshal(data, &body)
	}

	if body.Message == "" {
		body.Message = http.StatusText(resp.StatusCode)
	}

	return &APIError{
		StatusCode: resp.StatusCode,
		Code:       body.Code,
		Message:    body.Message,
		RequestID:  resp.Header.Get("X-Ca-Request-Id"),
		Err:        classify(resp.StatusCode, body.Code),
	}
}

// retryDelay honors Retry-After on 429 and falls back to the policy.
func (c *Client) retryDelay(resp *http.Response, attempt int) time.Duration {
	if resp.StatusCode == http.StatusTooManyRequests {
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if seconds, err := strconv.Atoi(ra); err == nil && seconds > 0 {
				return time.Duration(seconds) * time.Second
			}
		}
	}

	return c.retry.Delay(attempt)
}
