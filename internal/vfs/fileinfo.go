package vfs

import (
	"context"
	"io/fs"
	"mime"
	"path"
	"strings"
	"time"

	"golang.org/x/net/webdav"

	"github.com/tonimelisma/drivedav/internal/drive"
)

// fileInfo adapts a drive.Item to fs.FileInfo. It also answers ETag and
// content type from metadata so the protocol layer never downloads content
// to compute them.
type fileInfo struct {
	item drive.Item
	name string
}

var (
	_ webdav.ETager       = (*fileInfo)(nil)
	_ webdav.ContentTyper = (*fileInfo)(nil)
)

func newFileInfo(item drive.Item, name string) *fileInfo {
	if name == "" {
		name = "/"
	}

	return &fileInfo{item: item, name: name}
}

func (i *fileInfo) Name() string { return i.name }
func (i *fileInfo) Size() int64  { return i.item.Size }
func (i *fileInfo) IsDir() bool  { return i.item.IsFolder }
func (i *fileInfo) Sys() any     { return i.item }

func (i *fileInfo) Mode() fs.FileMode {
	if i.item.IsFolder {
		return fs.ModeDir | 0o755
	}

	return 0o644
}

func (i *fileInfo) ModTime() time.Time {
	if i.item.ModifiedAt.IsZero() {
		return i.item.CreatedAt
	}

	return i.item.ModifiedAt
}

// ETag returns the quoted content hash. Without one the protocol layer
// falls back to its modtime/size tag.
func (i *fileInfo) ETag(context.Context) (string, error) {
	if i.item.IsFolder || i.item.ContentHash == "" {
		return "", webdav.ErrNotImplemented
	}

	return `"` + strings.ToLower(i.item.ContentHash) + `"`, nil
}

// ContentType guesses from the extension only.
func (i *fileInfo) ContentType(context.Context) (string, error) {
	if i.item.IsFolder {
		return "", webdav.ErrNotImplemented
	}

	if ct := mime.TypeByExtension(path.Ext(i.name)); ct != "" {
		return ct, nil
	}

	return "application/octet-stream", nil
}
