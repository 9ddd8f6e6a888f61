package drive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// listPageSize is the page limit for list requests (API maximum).
const listPageSize = 200

// Timestamp validation bounds. Timestamps outside this range are replaced
// with the current time and a warning is logged.
const (
	minValidYear = 1970
	maxValidYear = 2100
)

// ErrMoveNoParent is returned when Move is called without a target parent.
// Same-parent renames go through Rename.
var ErrMoveNoParent = errors.New("drive: move requires a target parent")

// itemResponse mirrors the API file object. Unexported; callers use Item.
type itemResponse struct {
	FileID          string `json:"file_id"`
	ParentFileID    string `json:"parent_file_id"`
	Name            string `json:"name"`
	FileName        string `json:"file_name"`
	Type            string `json:"type"`
	Size            int64  `json:"size"`
	ContentHash     string `json:"content_hash"`
	ContentHashName string `json:"content_hash_name"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`
}

type listRequest struct {
	DriveID        string `json:"drive_id"`
	ParentFileID   string `json:"parent_file_id"`
	Limit          int    `json:"limit"`
	Marker         string `json:"marker,omitempty"`
	OrderBy        string `json:"order_by"`
	OrderDirection string `json:"order_direction"`
}

type listResponse struct {
	Items      []itemResponse `json:"items"`
	NextMarker string         `json:"next_marker"`
}

type fileRequest struct {
	DriveID string `json:"drive_id"`
	FileID  string `json:"file_id"`
}

type createRequest struct {
	DriveID       string     `json:"drive_id"`
	ParentFileID  string     `json:"parent_file_id"`
	Name          string     `json:"name"`
	Type          string     `json:"type"`
	CheckNameMode string     `json:"check_name_mode"`
	Size          *int64     `json:"size,omitempty"`
	PartInfoList  []partInfo `json:"part_info_list,omitempty"`
}

type createResponse struct {
	FileID       string     `json:"file_id"`
	ParentFileID string     `json:"parent_file_id"`
	FileName     string     `json:"file_name"`
	Type         string     `json:"type"`
	UploadID     string     `json:"upload_id"`
	Exist        bool       `json:"exist"`
	RapidUpload  bool       `json:"rapid_upload"`
	PartInfoList []partInfo `json:"part_info_list"`
}

type updateRequest struct {
	DriveID       string `json:"drive_id"`
	FileID        string `json:"file_id"`
	Name          string `json:"name"`
	CheckNameMode string `json:"check_name_mode"`
}

type moveRequest struct {
	DriveID        string `json:"drive_id"`
	FileID         string `json:"file_id"`
	ToParentFileID string `json:"to_parent_file_id"`
	NewName        string `json:"new_name,omitempty"`
}

// toItem normalizes an API file object.
func (r *itemResponse) toItem(logger *slog.Logger) Item {
	name := r.Name
	if name == "" {
		name = r.FileName
	}

	return Item{
		ID:              r.FileID,
		ParentID:        r.ParentFileID,
		Name:            name,
		IsFolder:        r.Type == "folder",
		Size:            r.Size,
		ContentHash:     r.ContentHash,
		ContentHashName: r.ContentHashName,
		CreatedAt:       parseTimestamp(r.CreatedAt, "created_at", r.FileID, logger),
		ModifiedAt:      parseTimestamp(r.UpdatedAt, "updated_at", r.FileID, logger),
	}
}

// parseTimestamp parses an RFC3339 timestamp and validates the year range.
func parseTimestamp(raw, field, itemID string, logger *slog.Logger) time.Time {
	if raw == "" {
		return time.Now().UTC()
	}

	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		logger.Warn("invalid timestamp, using current time",
			slog.String("field", field),
			slog.String("item_id", itemID),
			slog.String("raw", raw),
			slog.String("error", err.Error()),
		)

		return time.Now().UTC()
	}

	if t.Year() < minValidYear || t.Year() > maxValidYear {
		logger.Warn("timestamp out of valid range, using current time",
			slog.String("field", field),
			slog.String("item_id", itemID),
			slog.String("raw", raw),
		)

		return time.Now().UTC()
	}

	return t
}

// ListChildren returns all children of a folder in API order, following
// pagination markers.
func (c *Client) ListChildren(ctx context.Context, parentID string) ([]Item, error) {
	c.logger.Debug("listing children", slog.String("parent_id", parentID))

	var (
		items  []Item
		marker string
		page   = 1
	)

	for {
		var resp listResponse

		err := c.Do(ctx, "list", "/adrive/v3/file/list", listRequest{
			DriveID:        c.driveID,
			ParentFileID:   parentID,
			Limit:          listPageSize,
			Marker:         marker,
			OrderBy:        "name",
			OrderDirection: "ASC",
		}, &resp)
		if err != nil {
			return nil, err
		}

		for i := range resp.Items {
			items = append(items, resp.Items[i].toItem(c.logger))
		}

		c.logger.Debug("fetched children page",
			slog.Int("page", page),
			slog.Int("count", len(resp.Items)),
		)

		if resp.NextMarker == "" {
			break
		}

		marker = resp.NextMarker
		page++
	}

	c.logger.Debug("listed children",
		slog.String("parent_id", parentID),
		slog.Int("total_items", len(items)),
	)

	return items, nil
}

// GetItem retrieves a single item by ID.
func (c *Client) GetItem(ctx context.Context, id string) (*Item, error) {
	var resp itemResponse
	if err := c.Do(ctx, "get", "/v2/file/get", fileRequest{DriveID: c.driveID, FileID: id}, &resp); err != nil {
		return nil, err
	}

	item := resp.toItem(c.logger)

	return &item, nil
}

// CreateFolder creates a folder under parentID. An existing entry with the
// same name yields ErrConflict.
func (c *Client) CreateFolder(ctx context.Context, parentID, name string) (*Item, error) {
	c.logger.Info("creating folder",
		slog.String("parent_id", parentID),
		slog.String("name", name),
	)

	var resp createResponse

	err := c.Do(ctx, "create_folder", "/adrive/v2/file/createWithFolders", createRequest{
		DriveID:       c.driveID,
		ParentFileID:  parentID,
		Name:          name,
		Type:          "folder",
		CheckNameMode: "refuse",
	}, &resp)
	if err != nil {
		return nil, err
	}

	if resp.Exist {
		return nil, &APIError{StatusCode: http.StatusConflict, Code: "AlreadyExist.File", Message: name + " already exists", Err: ErrConflict}
	}

	now := time.Now().UTC()

	return &Item{
		ID:         resp.FileID,
		ParentID:   parentID,
		Name:       name,
		IsFolder:   true,
		CreatedAt:  now,
		ModifiedAt: now,
	}, nil
}

// Trash moves an item to the recycle bin.
func (c *Client) Trash(ctx context.Context, id string) error {
	c.logger.Info("trashing item", slog.String("item_id", id))

	return c.Do(ctx, "trash", "/v2/recyclebin/trash", fileRequest{DriveID: c.driveID, FileID: id}, nil)
}

// Delete removes an item permanently.
func (c *Client) Delete(ctx context.Context, id string) error {
	c.logger.Info("deleting item", slog.String("item_id", id))

	return c.Do(ctx, "delete", "/v3/file/delete", fileRequest{DriveID: c.driveID, FileID: id}, nil)
}

// Remove trashes or permanently deletes id depending on Options.Trash.
func (c *Client) Remove(ctx context.Context, id string) error {
	if c.trash {
		return c.Trash(ctx, id)
	}

	return c.Delete(ctx, id)
}

// Rename changes an item's name in place.
func (c *Client) Rename(ctx context.Context, id, newName string) (*Item, error) {
	c.logger.Info("renaming item",
		slog.String("item_id", id),
		slog.String("new_name", newName),
	)

	var resp itemResponse

	err := c.Do(ctx, "rename", "/v3/file/update", updateRequest{
		DriveID:       c.driveID,
		FileID:        id,
		Name:          newName,
		CheckNameMode: "refuse",
	}, &resp)
	if err != nil {
		return nil, err
	}

	item := resp.toItem(c.logger)

	return &item, nil
}

// Move moves an item under newParentID, optionally renaming it.
func (c *Client) Move(ctx context.Context, id, newParentID, newName string) error {
	if newParentID == "" {
		return ErrMoveNoParent
	}

	c.logger.Info("moving item",
		slog.String("item_id", id),
		slog.String("new_parent_id", newParentID),
		slog.String("new_name", newName),
	)

	if err := c.Do(ctx, "move", "/v3/file/move", moveRequest{
		DriveID:        c.driveID,
		FileID:         id,
		ToParentFileID: newParentID,
		NewName:        newName,
	}, nil); err != nil {
		return fmt.Errorf("drive: moving %s: %w", id, err)
	}

	return nil
}
