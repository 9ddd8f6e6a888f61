package vfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"

	"golang.org/x/net/webdav"
	"golang.org/x/text/unicode/norm"

	"github.com/tonimelisma/drivedav/internal/dircache"
	"github.com/tonimelisma/drivedav/internal/drive"
)

// ErrIO is the generic failure reported to clients when the remote fails in
// a way that has no filesystem equivalent.
var ErrIO = errors.New("vfs: input/output error")

// errReadOnly rejects mutations in read-only mode.
var errReadOnly = errors.New("vfs: read-only filesystem")

// DefaultReadBufferSize is the download buffer used when Options leaves it zero.
const DefaultReadBufferSize = 10 * 1024 * 1024

// Remote is the drive surface the filesystem needs. *drive.Client
// implements it.
type Remote interface {
	Lister
	CreateFolder(ctx context.Context, parentID, name string) (*drive.Item, error)
	Remove(ctx context.Context, id string) error
	Rename(ctx context.Context, id, newName string) (*drive.Item, error)
	Move(ctx context.Context, id, newParentID, newName string) error
	DownloadURL(ctx context.Context, id string) (*drive.DownloadLink, error)
	DownloadRange(ctx context.Context, url string, offset, length int64) (io.ReadCloser, error)
	Upload(ctx context.Context, parentID, name string, r io.Reader, size int64) (*drive.Item, error)
}

// Options configures a FileSystem.
type Options struct {
	Remote Remote
	Cache  *dircache.Cache
	// Root is the remote folder served as "/".
	Root           string
	ReadOnly       bool
	ReadBufferSize int
	// TempDir holds upload spool files. Empty uses the OS temp dir.
	TempDir string
	Logger  *slog.Logger
}

// FileSystem implements webdav.FileSystem over the remote drive.
type FileSystem struct {
	remote   Remote
	resolver *Resolver
	readOnly bool
	bufSize  int
	tempDir  string
	logger   *slog.Logger
}

var _ webdav.FileSystem = (*FileSystem)(nil)

// New creates a FileSystem.
func New(opts Options) *FileSystem {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	bufSize := opts.ReadBufferSize
	if bufSize <= 0 {
		bufSize = DefaultReadBufferSize
	}

	return &FileSystem{
		remote:   opts.Remote,
		resolver: NewResolver(opts.Remote, opts.Cache, opts.Root, logger),
		readOnly: opts.ReadOnly,
		bufSize:  bufSize,
		tempDir:  opts.TempDir,
		logger:   logger,
	}
}

// Resolver exposes the path resolver for read-only callers such as the CLI.
func (f *FileSystem) Resolver() *Resolver {
	return f.resolver
}

// clean normalizes a request path: NFC, absolute, cleaned.
func clean(name string) string {
	return dircache.Key(norm.NFC.String(name))
}

// Mkdir creates a folder. The parent must exist.
func (f *FileSystem) Mkdir(ctx context.Context, name string, _ os.FileMode) error {
	name = clean(name)

	if f.readOnly {
		return f.pathErr("mkdir", name, errReadOnly)
	}

	if f.resolver.IsRoot(name) {
		return f.pathErr("mkdir", name, fs.ErrExist)
	}

	parent, err := f.resolveDir(ctx, path.Dir(name))
	if err != nil {
		return f.pathErr("mkdir", name, err)
	}

	remote := f.resolver.RemotePath(name)

	_, err = f.remote.CreateFolder(ctx, parent.ID, path.Base(name))
	f.resolver.Invalidate(remote, false)

	if err != nil {
		return f.pathErr("mkdir", name, err)
	}

	f.logger.Info("created folder", slog.String("path", name))

	return nil
}

// OpenFile opens name for reading, or for writing when flag asks for it.
// Writes are spooled locally and uploaded on Close.
func (f *FileSystem) OpenFile(ctx context.Context, name string, flag int, _ os.FileMode) (webdav.File, error) {
	name = clean(name)

	if flag&(os.O_WRONLY|os.O_RDWR|os.O_CREATE|os.O_TRUNC|os.O_APPEND) != 0 {
		return f.openForWrite(ctx, name, flag)
	}

	item, err := f.resolver.Resolve(ctx, name)
	if err != nil {
		return nil, f.pathErr("open", name, err)
	}

	if item.IsFolder {
		return &dirFile{fs: f, ctx: ctx, name: name, item: *item}, nil
	}

	return &readFile{fs: f, ctx: ctx, name: name, item: *item}, nil
}

func (f *FileSystem) openForWrite(ctx context.Context, name string, flag int) (webdav.File, error) {
	if f.readOnly {
		return nil, f.pathErr("open", name, errReadOnly)
	}

	if f.resolver.IsRoot(name) {
		return nil, f.pathErr("open", name, fs.ErrInvalid)
	}

	parent, err := f.resolveDir(ctx, path.Dir(name))
	if err != nil {
		return nil, f.pathErr("open", name, err)
	}

	existing, err := f.resolver.Resolve(ctx, name)

	switch {
	case err == nil && existing.IsFolder:
		return nil, f.pathErr("open", name, fs.ErrInvalid)
	case err == nil && flag&os.O_EXCL != 0:
		return nil, f.pathErr("open", name, fs.ErrExist)
	case err == nil && flag&os.O_CREATE == 0 && flag&os.O_TRUNC == 0:
		// In-place edits would need the old content; remote files are
		// replaced whole.
		return nil, f.pathErr("open", name, fs.ErrPermission)
	case err != nil && !isNotFound(err):
		return nil, f.pathErr("open", name, err)
	case err != nil && flag&os.O_CREATE == 0:
		return nil, f.pathErr("open", name, fs.ErrNotExist)
	}

	tmp, err := os.CreateTemp(f.tempDir, "upload-*")
	if err != nil {
		return nil, f.pathErr("open", name, fmt.Errorf("%w: creating spool file: %w", ErrIO, err))
	}

	uf := &uploadFile{
		fs:       f,
		ctx:      ctx,
		name:     name,
		parentID: parent.ID,
		tmp:      tmp,
	}

	if err == nil {
		uf.replaceID = existing.ID
	}

	return uf, nil
}

// RemoveAll removes name and, for folders, everything below it. A missing
// path is not an error.
func (f *FileSystem) RemoveAll(ctx context.Context, name string) error {
	name = clean(name)

	if f.readOnly {
		return f.pathErr("remove", name, errReadOnly)
	}

	if f.resolver.IsRoot(name) {
		return f.pathErr("remove", name, fs.ErrPermission)
	}

	item, err := f.resolver.Resolve(ctx, name)
	if isNotFound(err) {
		return nil
	}

	if err != nil {
		return f.pathErr("remove", name, err)
	}

	remote := f.resolver.RemotePath(name)

	err = f.remote.Remove(ctx, item.ID)
	f.resolver.Invalidate(remote, item.IsFolder)

	if err != nil && !errors.Is(err, drive.ErrNotFound) {
		return f.pathErr("remove", name, err)
	}

	f.logger.Info("removed", slog.String("path", name), slog.Bool("folder", item.IsFolder))

	return nil
}

// Rename renames or moves oldName to newName. The target must not exist;
// the protocol layer removes it first when overwriting.
func (f *FileSystem) Rename(ctx context.Context, oldName, newName string) error {
	oldName = clean(oldName)
	newName = clean(newName)

	if f.readOnly {
		return f.pathErr("rename", oldName, errReadOnly)
	}

	if f.resolver.IsRoot(oldName) || f.resolver.IsRoot(newName) {
		return f.pathErr("rename", oldName, fs.ErrPermission)
	}

	if oldName == newName {
		return nil
	}

	item, err := f.resolver.Resolve(ctx, oldName)
	if err != nil {
		return f.pathErr("rename", oldName, err)
	}

	if _, err := f.resolver.Resolve(ctx, newName); err == nil {
		return f.pathErr("rename", newName, fs.ErrExist)
	} else if !isNotFound(err) {
		return f.pathErr("rename", newName, err)
	}

	oldRemote := f.resolver.RemotePath(oldName)
	newRemote := f.resolver.RemotePath(newName)
	newBase := path.Base(newName)

	if path.Dir(oldName) == path.Dir(newName) {
		_, err = f.remote.Rename(ctx, item.ID, newBase)
	} else {
		var parent *drive.Item

		parent, err = f.resolveDir(ctx, path.Dir(newName))
		if err != nil {
			return f.pathErr("rename", newName, err)
		}

		movedName := ""
		if newBase != item.Name {
			movedName = newBase
		}

		err = f.remote.Move(ctx, item.ID, parent.ID, movedName)
	}

	f.resolver.Invalidate(oldRemote, item.IsFolder)
	f.resolver.Invalidate(newRemote, item.IsFolder)

	if err != nil {
		return f.pathErr("rename", oldName, err)
	}

	f.logger.Info("renamed",
		slog.String("from", oldName),
		slog.String("to", newName),
	)

	return nil
}

// Stat returns file info for name.
func (f *FileSystem) Stat(ctx context.Context, name string) (os.FileInfo, error) {
	name = clean(name)

	item, err := f.resolver.Resolve(ctx, name)
	if err != nil {
		return nil, f.pathErr("stat", name, err)
	}

	return newFileInfo(*item, path.Base(name)), nil
}

// resolveDir resolves p and requires a folder.
func (f *FileSystem) resolveDir(ctx context.Context, p string) (*drive.Item, error) {
	item, err := f.resolver.Resolve(ctx, p)
	if err != nil {
		return nil, err
	}

	if !item.IsFolder {
		return nil, fmt.Errorf("%w: %s", ErrNotADirectory, p)
	}

	return item, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, drive.ErrNotFound)
}

// pathErr translates err into the *os.PathError vocabulary the protocol
// layer checks with os.IsNotExist and friends. Those checks only look one
// level deep, so Err is always a bare fs sentinel or ErrIO.
func (f *FileSystem) pathErr(op, name string, err error) error {
	if err == nil {
		return nil
	}

	var target error

	switch {
	case errors.Is(err, fs.ErrNotExist), isNotFound(err):
		target = fs.ErrNotExist
	case errors.Is(err, fs.ErrExist), errors.Is(err, drive.ErrConflict):
		target = fs.ErrExist
	case errors.Is(err, errReadOnly), errors.Is(err, fs.ErrPermission):
		target = fs.ErrPermission
	case errors.Is(err, ErrNotADirectory), errors.Is(err, fs.ErrInvalid):
		target = fs.ErrInvalid
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return &os.PathError{Op: op, Path: name, Err: err}
	default:
		f.logger.Warn("remote operation failed",
			slog.String("op", op),
			slog.String("path", name),
			slog.String("error", err.Error()),
		)

		target = ErrIO
	}

	return &os.PathError{Op: op, Path: name, Err: target}
}
