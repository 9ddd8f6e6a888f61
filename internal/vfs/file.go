package vfs

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"time"

	"github.com/google/uuid"

	"github.com/tonimelisma/drivedav/internal/drive"
)

// linkSafety is how long before expiry a cached download URL is replaced.
const linkSafety = time.Minute

// stagingSuffix marks the temporary sibling a replacement is uploaded under.
const stagingSuffix = ".drivedav-upload"

// readFile streams a remote file. The body stays open across sequential
// reads; a seek elsewhere reopens it at the new offset.
type readFile struct {
	fs   *FileSystem
	ctx  context.Context //nolint:containedctx // webdav.File has no ctx on Read
	name string
	item drive.Item

	offset int64
	link   *drive.DownloadLink
	body   io.ReadCloser
	buf    *bufio.Reader
	bodyAt int64
}

func (r *readFile) Read(p []byte) (int, error) {
	if r.offset >= r.item.Size {
		return 0, io.EOF
	}

	if r.body == nil || r.bodyAt != r.offset {
		if err := r.open(); err != nil {
			return 0, r.fs.pathErr("read", r.name, err)
		}
	}

	n, err := r.buf.Read(p)
	r.offset += int64(n)
	r.bodyAt += int64(n)

	if err != nil && !errors.Is(err, io.EOF) {
		r.closeBody()
		return n, r.fs.pathErr("read", r.name, err)
	}

	return n, err
}

// open (re)opens the body at r.offset, refreshing the download URL once if
// it has expired.
func (r *readFile) open() error {
	r.closeBody()

	for refreshed := false; ; refreshed = true {
		if r.link == nil || time.Until(r.link.Expiration) < linkSafety {
			link, err := r.fs.remote.DownloadURL(r.ctx, r.item.ID)
			if err != nil {
				return err
			}

			r.link = link
		}

		body, err := r.fs.remote.DownloadRange(r.ctx, r.link.URL, r.offset, 0)
		if drive.IsURLExpired(err) && !refreshed {
			r.fs.logger.Debug("download url expired, refreshing", slog.String("path", r.name))
			r.link = nil

			continue
		}

		if err != nil {
			return err
		}

		r.body = body
		r.buf = bufio.NewReaderSize(body, r.fs.bufSize)
		r.bodyAt = r.offset

		return nil
	}
}

func (r *readFile) closeBody() {
	if r.body != nil {
		r.body.Close()
		r.body = nil
		r.buf = nil
	}
}

func (r *readFile) Seek(offset int64, whence int) (int64, error) {
	var abs int64

	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = r.offset + offset
	case io.SeekEnd:
		abs = r.item.Size + offset
	default:
		return 0, r.fs.pathErr("seek", r.name, fs.ErrInvalid)
	}

	if abs < 0 {
		return 0, r.fs.pathErr("seek", r.name, fs.ErrInvalid)
	}

	r.offset = abs

	return abs, nil
}

func (r *readFile) Close() error {
	r.closeBody()
	return nil
}

func (r *readFile) Readdir(int) ([]fs.FileInfo, error) {
	return nil, r.fs.pathErr("readdir", r.name, ErrNotADirectory)
}

func (r *readFile) Stat() (fs.FileInfo, error) {
	return newFileInfo(r.item, path.Base(r.name)), nil
}

func (r *readFile) Write([]byte) (int, error) {
	return 0, r.fs.pathErr("write", r.name, fs.ErrPermission)
}

// dirFile lists a remote folder.
type dirFile struct {
	fs   *FileSystem
	ctx  context.Context //nolint:containedctx // webdav.File has no ctx on Readdir
	name string
	item drive.Item

	children []fs.FileInfo
	listed   bool
	pos      int
}

func (d *dirFile) Readdir(count int) ([]fs.FileInfo, error) {
	if !d.listed {
		items, err := d.fs.resolver.List(d.ctx, d.name)
		if err != nil {
			return nil, d.fs.pathErr("readdir", d.name, err)
		}

		d.children = make([]fs.FileInfo, 0, len(items))
		seen := make(map[string]bool, len(items))

		for _, it := range items {
			// Duplicate names resolve to the first occurrence; list only that one.
			if seen[it.Name] {
				continue
			}

			seen[it.Name] = true
			d.children = append(d.children, newFileInfo(it, it.Name))
		}

		d.listed = true
	}

	rest := d.children[d.pos:]

	if count <= 0 {
		d.pos = len(d.children)
		return rest, nil
	}

	if len(rest) == 0 {
		return nil, io.EOF
	}

	n := min(count, len(rest))
	d.pos += n

	return rest[:n], nil
}

func (d *dirFile) Stat() (fs.FileInfo, error) {
	return newFileInfo(d.item, path.Base(d.name)), nil
}

func (d *dirFile) Read([]byte) (int, error) {
	return 0, d.fs.pathErr("read", d.name, fs.ErrInvalid)
}

func (d *dirFile) Seek(offset int64, whence int) (int64, error) {
	if offset == 0 && whence == io.SeekStart {
		d.pos = 0
		return 0, nil
	}

	return 0, d.fs.pathErr("seek", d.name, fs.ErrInvalid)
}

func (d *dirFile) Write([]byte) (int, error) {
	return 0, d.fs.pathErr("write", d.name, fs.ErrPermission)
}

func (d *dirFile) Close() error {
	return nil
}

// uploadFile spools writes to a local temp file and uploads on Close,
// replacing the file that existed at open time, if any.
type uploadFile struct {
	fs        *FileSystem
	ctx       context.Context //nolint:containedctx // webdav.File has no ctx on Close
	name      string
	parentID  string
	replaceID string
	tmp       *os.File
	size      int64
	closed    bool
}

func (u *uploadFile) Write(p []byte) (int, error) {
	n, err := u.tmp.Write(p)
	if err != nil {
		return n, u.fs.pathErr("write", u.name, fmt.Errorf("%w: spooling upload: %w", ErrIO, err))
	}

	// Writes after a seek back overwrite; size is the high-water mark.
	pos, err := u.tmp.Seek(0, io.SeekCurrent)
	if err != nil {
		return n, u.fs.pathErr("write", u.name, fmt.Errorf("%w: spooling upload: %w", ErrIO, err))
	}

	u.size = max(u.size, pos)

	return n, nil
}

func (u *uploadFile) Read([]byte) (int, error) {
	return 0, u.fs.pathErr("read", u.name, fs.ErrPermission)
}

func (u *uploadFile) Seek(offset int64, whence int) (int64, error) {
	pos, err := u.tmp.Seek(offset, whence)
	if err != nil {
		return 0, u.fs.pathErr("seek", u.name, err)
	}

	return pos, nil
}

func (u *uploadFile) Readdir(int) ([]fs.FileInfo, error) {
	return nil, u.fs.pathErr("readdir", u.name, ErrNotADirectory)
}

// Stat describes the spooled content; the protocol layer calls it before Close.
func (u *uploadFile) Stat() (fs.FileInfo, error) {
	now := time.Now()

	return newFileInfo(drive.Item{Name: path.Base(u.name), Size: u.size, CreatedAt: now, ModifiedAt: now}, path.Base(u.name)), nil
}

func (u *uploadFile) Close() error {
	if u.closed {
		return nil
	}

	u.closed = true

	defer func() {
		u.tmp.Close()
		os.Remove(u.tmp.Name())
	}()

	if _, err := u.tmp.Seek(0, io.SeekStart); err != nil {
		return u.fs.pathErr("close", u.name, fmt.Errorf("%w: rewinding spool file: %w", ErrIO, err))
	}

	remote := u.fs.resolver.RemotePath(u.name)
	base := path.Base(u.name)

	var (
		item *drive.Item
		err  error
	)

	if u.replaceID == "" {
		item, err = u.fs.remote.Upload(u.ctx, u.parentID, base, u.tmp, u.size)
		u.fs.resolver.Invalidate(remote, false)
	} else {
		item, err = u.replace(remote, base)
	}

	if err != nil {
		return u.fs.pathErr("close", u.name, err)
	}

	u.fs.resolver.Remember(remote, *item)

	u.fs.logger.Info("uploaded file",
		slog.String("path", u.name),
		slog.Int64("size", u.size),
		slog.Bool("replaced", u.replaceID != ""),
	)

	return nil
}

// replace uploads under a staging name next to the old file, and only after
// that succeeds removes the old file and renames the new one into place. A
// failed upload leaves the old file untouched.
func (u *uploadFile) replace(remote, base string) (*drive.Item, error) {
	staging := fmt.Sprintf(".%s.%s%s", base, uuid.NewString()[:8], stagingSuffix)
	stagingRemote := path.Join(path.Dir(remote), staging)

	defer func() {
		u.fs.resolver.Invalidate(remote, false)
		u.fs.resolver.Invalidate(stagingRemote, false)
	}()

	staged, err := u.fs.remote.Upload(u.ctx, u.parentID, staging, u.tmp, u.size)
	if err != nil {
		return nil, err
	}

	if err := u.fs.remote.Remove(u.ctx, u.replaceID); err != nil && !errors.Is(err, drive.ErrNotFound) {
		if cleanupErr := u.fs.remote.Remove(u.ctx, staged.ID); cleanupErr != nil {
			u.fs.logger.Warn("failed to remove staged upload",
				slog.String("path", u.name),
				slog.String("staging", staging),
				slog.String("error", cleanupErr.Error()),
			)
		}

		return nil, err
	}

	item, err := u.fs.remote.Rename(u.ctx, staged.ID, base)
	if err != nil {
		u.fs.logger.Error("replaced file left under staging name",
			slog.String("path", u.name),
			slog.String("staging", staging),
			slog.String("error", err.Error()),
		)

		return nil, err
	}

	return item, nil
}
