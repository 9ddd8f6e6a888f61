package drive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/tonimelisma/drivedav/internal/metrics"
)

type partInfo struct {
	PartNumber int    `json:"part_number"`
	UploadURL  string `json:"upload_url,omitempty"`
}

type uploadURLRequest struct {
	DriveID      string     `json:"drive_id"`
	FileID       string     `json:"file_id"`
	UploadID     string     `json:"upload_id"`
	PartInfoList []partInfo `json:"part_info_list"`
}

type uploadURLResponse struct {
	PartInfoList []partInfo `json:"part_info_list"`
}

type completeRequest struct {
	DriveID  string `json:"drive_id"`
	FileID   string `json:"file_id"`
	UploadID string `json:"upload_id"`
}

// Upload creates a new file named name under parentID with exactly size
// bytes read from r. The content is sent in parts of Options.PartSize.
// An existing entry with the same name yields ErrConflict; callers that
// replace files remove the old one first.
func (c *Client) Upload(ctx context.Context, parentID, name string, r io.Reader, size int64) (*Item, error) {
	if size < 0 {
		return nil, fmt.Errorf("drive: upload %s: negative size %d", name, size)
	}

	parts := int((size + c.partSize - 1) / c.partSize)
	if parts == 0 {
		parts = 1
	}

	c.logger.Info("uploading file",
		slog.String("parent_id", parentID),
		slog.String("name", name),
		slog.Int64("size", size),
		slog.Int("parts", parts),
	)

	partList := make([]partInfo, parts)
	for i := range partList {
		partList[i].PartNumber = i + 1
	}

	var created createResponse

	err := c.Do(ctx, "create_file", "/adrive/v2/file/createWithFolders", createRequest{
		DriveID:       c.driveID,
		ParentFileID:  parentID,
		Name:          name,
		Type:          "file",
		CheckNameMode: "refuse",
		Size:          &size,
		PartInfoList:  partList,
	}, &created)
	if err != nil {
		return nil, err
	}

	if created.Exist {
		return nil, &APIError{StatusCode: http.StatusConflict, Code: "AlreadyExist.File", Message: name + " already exists", Err: ErrConflict}
	}

	if len(created.PartInfoList) != parts {
		return nil, fmt.Errorf("%w: create returned %d upload urls for %d parts", ErrFatal, len(created.PartInfoList), parts)
	}

	buf := make([]byte, min(c.partSize, max(size, 1)))
	remaining := size

	for i := range created.PartInfoList {
		n := min(c.partSize, remaining)

		if _, err := io.ReadFull(r, buf[:n]); err != nil {
			return nil, fmt.Errorf("drive: reading part %d of %s: %w", i+1, name, err)
		}

		if err := c.uploadPart(ctx, &created, i, buf[:n]); err != nil {
			return nil, err
		}

		metrics.Uploaded(n)
		remaining -= n
	}

	var done itemResponse

	if err := c.Do(ctx, "complete_upload", "/v2/file/complete", completeRequest{
		DriveID:  c.driveID,
		FileID:   created.FileID,
		UploadID: created.UploadID,
	}, &done); err != nil {
		return nil, err
	}

	item := done.toItem(c.logger)

	c.logger.Debug("upload complete",
		slog.String("item_id", item.ID),
		slog.String("name", item.Name),
	)

	return &item, nil
}

// uploadPart PUTs one part. An expired URL is refreshed once.
func (c *Client) uploadPart(ctx context.Context, created *createResponse, idx int, data []byte) error {
	for refreshed := false; ; refreshed = true {
		url := created.PartInfoList[idx].UploadURL

		resp, err := c.doPreSigned(ctx, "upload_part", func() (*http.Request, error) {
			req, reqErr := http.NewRequestWithContext(ctx, http.MethodPut, url,
				c.bandwidth.WrapReader(ctx, bytes.NewReader(data)))
			if reqErr != nil {
				return nil, fmt.Errorf("drive: creating part upload request: %w", reqErr)
			}

			req.ContentLength = int64(len(data))

			return req, nil
		})

		switch {
		case err == nil:
			resp.Body.Close()
			return nil
		case errors.Is(err, ErrConflict):
			// PartAlreadyExist: an earlier attempt landed.
			return nil
		case errors.Is(err, ErrURLExpired) && !refreshed:
			if refreshErr := c.refreshUploadURLs(ctx, created); refreshErr != nil {
				return refreshErr
			}
		default:
			return fmt.Errorf("drive: uploading part %d: %w", idx+1, err)
		}
	}
}

func (c *Client) refreshUploadURLs(ctx context.Context, created *createResponse) error {
	c.logger.Debug("refreshing upload urls", slog.String("file_id", created.FileID))

	parts := make([]partInfo, len(created.PartInfoList))
	for i := range parts {
		parts[i].PartNumber = created.PartInfoList[i].PartNumber
	}

	var resp uploadURLResponse

	if err := c.Do(ctx, "upload_url", "/v2/file/get_upload_url", uploadURLRequest{
		DriveID:      c.driveID,
		FileID:       created.FileID,
		UploadID:     created.UploadID,
		PartInfoList: parts,
	}, &resp); err != nil {
		return err
	}

	if len(resp.PartInfoList) != len(created.PartInfoList) {
		return fmt.Errorf("%w: upload url refresh returned %d parts, want %d",
			ErrFatal, len(resp.PartInfoList), len(created.PartInfoList))
	}

	created.PartInfoList = resp.PartInfoList

	return nil
}
