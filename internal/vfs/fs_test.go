package vfs

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/webdav"

	"github.com/tonimelisma/drivedav/internal/dircache"
	"github.com/tonimelisma/drivedav/internal/drive"
)

func newTestFS(t *testing.T, remote Remote, readOnly bool) *FileSystem {
	t.Helper()

	cache, err := dircache.New(dircache.Options{Capacity: 100, TTL: time.Hour})
	require.NoError(t, err)

	return New(Options{
		Remote:         remote,
		Cache:          cache,
		Root:           "/",
		ReadOnly:       readOnly,
		ReadBufferSize: 16,
		TempDir:        t.TempDir(),
	})
}

func TestStat(t *testing.T) {
	remote := newFakeRemote()
	docs := remote.add(drive.RootID, "docs", true, "")
	remote.add(docs, "a.txt", false, "hello")

	fsys := newTestFS(t, remote, false)
	ctx := context.Background()

	root, err := fsys.Stat(ctx, "/")
	require.NoError(t, err)
	assert.True(t, root.IsDir())

	fi, err := fsys.Stat(ctx, "/docs/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "a.txt", fi.Name())
	assert.Equal(t, int64(5), fi.Size())
	assert.False(t, fi.IsDir())
	assert.Equal(t, os.FileMode(0o644), fi.Mode())

	etag, err := fi.(webdav.ETager).ETag(ctx)
	require.NoError(t, err)
	assert.Equal(t, `"hash2"`, etag)

	ct, err := fi.(webdav.ContentTyper).ContentType(ctx)
	require.NoError(t, err)
	assert.Contains(t, ct, "text/plain")

	_, err = fsys.Stat(ctx, "/docs/missing")
	assert.True(t, os.IsNotExist(err))
}

func TestStat_NormalizesToNFC(t *testing.T) {
	remote := newFakeRemote()
	remote.add(drive.RootID, "caf\u00e9", false, "x")

	fsys := newTestFS(t, remote, false)

	_, err := fsys.Stat(context.Background(), "/cafe\u0301")
	require.NoError(t, err)
}

func TestOpenFile_ReadWithSeek(t *testing.T) {
	remote := newFakeRemote()
	remote.add(drive.RootID, "f.bin", false, "0123456789abcdefghijklmnopqrstuvwxyz")

	fsys := newTestFS(t, remote, false)
	ctx := context.Background()

	f, err := fsys.OpenFile(ctx, "/f.bin", os.O_RDONLY, 0)
	require.NoError(t, err)
	defer f.Close()

	size, err := f.Seek(0, io.SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(36), size)

	_, err = f.Seek(10, io.SeekStart)
	require.NoError(t, err)

	buf := make([]byte, 5)
	_, err = io.ReadFull(f, buf)
	require.NoError(t, err)
	assert.Equal(t, "abcde", string(buf))

	// Sequential read continues on the same body.
	_, err = io.ReadFull(f, buf)
	require.NoError(t, err)
	assert.Equal(t, "fghij", string(buf))

	_, err = f.Seek(-3, io.SeekEnd)
	require.NoError(t, err)

	rest, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "xyz", string(rest))
}

func TestOpenFile_RefreshesExpiredDownloadURL(t *testing.T) {
	remote := newFakeRemote()
	remote.add(drive.RootID, "f", false, "data")
	remote.urlExpired = 1

	fsys := newTestFS(t, remote, false)

	f, err := fsys.OpenFile(context.Background(), "/f", os.O_RDONLY, 0)
	require.NoError(t, err)
	defer f.Close()

	data, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "data", string(data))
}

func TestOpenFile_Readdir(t *testing.T) {
	remote := newFakeRemote()
	remote.add(drive.RootID, "a", false, "")
	remote.add(drive.RootID, "b", true, "")
	remote.add(drive.RootID, "a", false, "dup")
	remote.add(drive.RootID, "c", false, "")

	fsys := newTestFS(t, remote, false)

	d, err := fsys.OpenFile(context.Background(), "/", os.O_RDONLY, 0)
	require.NoError(t, err)
	defer d.Close()

	page, err := d.Readdir(2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "a", page[0].Name())
	assert.True(t, page[1].IsDir())

	page, err = d.Readdir(2)
	require.NoError(t, err)
	require.Len(t, page, 1, "duplicate name listed once")
	assert.Equal(t, "c", page[0].Name())

	_, err = d.Readdir(2)
	assert.ErrorIs(t, err, io.EOF)
}

func TestMkdir_VisibleImmediately(t *testing.T) {
	remote := newFakeRemote()
	fsys := newTestFS(t, remote, false)
	ctx := context.Background()

	// Prime the root listing so a stale cache would hide the new folder.
	_, err := fsys.Stat(ctx, "/new")
	require.True(t, os.IsNotExist(err))

	require.NoError(t, fsys.Mkdir(ctx, "/new", 0o755))

	fi, err := fsys.Stat(ctx, "/new")
	require.NoError(t, err)
	assert.True(t, fi.IsDir())

	err = fsys.Mkdir(ctx, "/new", 0o755)
	assert.True(t, os.IsExist(err))

	err = fsys.Mkdir(ctx, "/missing/child", 0o755)
	assert.True(t, os.IsNotExist(err))
}

func writeFile(t *testing.T, fsys *FileSystem, name, content string) {
	t.Helper()

	f, err := fsys.OpenFile(context.Background(), name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	require.NoError(t, err)

	_, err = io.Copy(f, strings.NewReader(content))
	require.NoError(t, err)

	fi, err := f.Stat()
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), fi.Size())

	require.NoError(t, f.Close())
}

func TestUpload_NewAndReplace(t *testing.T) {
	remote := newFakeRemote()
	old := remote.add(drive.RootID, "f.txt", false, "old")

	fsys := newTestFS(t, remote, false)
	ctx := context.Background()

	_, err := fsys.Stat(ctx, "/f.txt")
	require.NoError(t, err)

	writeFile(t, fsys, "/f.txt", "new content")
	assert.Contains(t, remote.removed, old)

	entries, err := fsys.resolver.List(ctx, "/")
	require.NoError(t, err)
	require.Len(t, entries, 1, "no staging sibling left behind")
	assert.Equal(t, "f.txt", entries[0].Name)

	fi, err := fsys.Stat(ctx, "/f.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(11), fi.Size(), "stat after upload sees the new file")

	f, err := fsys.OpenFile(ctx, "/f.txt", os.O_RDONLY, 0)
	require.NoError(t, err)

	data, err := io.ReadAll(f)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	assert.Equal(t, "new content", string(data))

	writeFile(t, fsys, "/g.txt", "")

	fi, err = fsys.Stat(ctx, "/g.txt")
	require.NoError(t, err)
	assert.Zero(t, fi.Size())
}

// uploadFailure fails every upload, as a dropped connection would.
type uploadFailure struct {
	*fakeRemote
}

func (u uploadFailure) Upload(context.Context, string, string, io.Reader, int64) (*drive.Item, error) {
	return nil, drive.ErrTransient
}

func TestUpload_FailedReplaceKeepsOldFile(t *testing.T) {
	remote := newFakeRemote()
	old := remote.add(drive.RootID, "f.txt", false, "old content")

	fsys := newTestFS(t, uploadFailure{remote}, false)
	ctx := context.Background()

	f, err := fsys.OpenFile(ctx, "/f.txt", os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	require.NoError(t, err)

	_, err = f.Write([]byte("new content"))
	require.NoError(t, err)

	err = f.Close()

	var pe *os.PathError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ErrIO, pe.Err)
	assert.NotContains(t, remote.removed, old)

	r, err := fsys.OpenFile(ctx, "/f.txt", os.O_RDONLY, 0)
	require.NoError(t, err)

	data, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, "old content", string(data))
}

func TestUpload_SeekBackOverwriteKeepsSize(t *testing.T) {
	remote := newFakeRemote()
	fsys := newTestFS(t, remote, false)
	ctx := context.Background()

	f, err := fsys.OpenFile(ctx, "/f.txt", os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	require.NoError(t, err)

	_, err = f.Write([]byte("hello world"))
	require.NoError(t, err)

	_, err = f.Seek(0, io.SeekStart)
	require.NoError(t, err)

	_, err = f.Write([]byte("HE"))
	require.NoError(t, err)

	fi, err := f.Stat()
	require.NoError(t, err)
	assert.Equal(t, int64(11), fi.Size())

	require.NoError(t, f.Close())

	r, err := fsys.OpenFile(ctx, "/f.txt", os.O_RDONLY, 0)
	require.NoError(t, err)

	data, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, "HEllo world", string(data))
}

func TestUpload_SpoolFileRemoved(t *testing.T) {
	remote := newFakeRemote()
	fsys := newTestFS(t, remote, false)

	writeFile(t, fsys, "/f", "x")

	entries, err := os.ReadDir(fsys.tempDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestOpenFile_WriteOntoFolderIsInvalid(t *testing.T) {
	remote := newFakeRemote()
	remote.add(drive.RootID, "dir", true, "")

	fsys := newTestFS(t, remote, false)

	_, err := fsys.OpenFile(context.Background(), "/dir", os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrInvalid)
}

func TestRemoveAll(t *testing.T) {
	remote := newFakeRemote()
	docs := remote.add(drive.RootID, "docs", true, "")
	remote.add(docs, "a.txt", false, "x")

	fsys := newTestFS(t, remote, false)
	ctx := context.Background()

	_, err := fsys.Stat(ctx, "/docs/a.txt")
	require.NoError(t, err)

	require.NoError(t, fsys.RemoveAll(ctx, "/docs"))

	_, err = fsys.Stat(ctx, "/docs/a.txt")
	assert.True(t, os.IsNotExist(err), "subtree must not be served from cache")

	_, err = fsys.Stat(ctx, "/docs")
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, fsys.RemoveAll(ctx, "/docs"), "missing path is not an error")

	err = fsys.RemoveAll(ctx, "/")
	assert.True(t, os.IsPermission(err))
}

func TestRename_SameParent(t *testing.T) {
	remote := newFakeRemote()
	remote.add(drive.RootID, "old.txt", false, "x")

	fsys := newTestFS(t, remote, false)
	ctx := context.Background()

	_, err := fsys.Stat(ctx, "/old.txt")
	require.NoError(t, err)

	require.NoError(t, fsys.Rename(ctx, "/old.txt", "/new.txt"))

	_, err = fsys.Stat(ctx, "/old.txt")
	assert.True(t, os.IsNotExist(err))

	_, err = fsys.Stat(ctx, "/new.txt")
	require.NoError(t, err)
}

func TestRename_MoveAcrossFolders(t *testing.T) {
	remote := newFakeRemote()
	src := remote.add(drive.RootID, "src", true, "")
	remote.add(drive.RootID, "dst", true, "")
	sub := remote.add(src, "sub", true, "")
	remote.add(sub, "deep.txt", false, "deep")

	fsys := newTestFS(t, remote, false)
	ctx := context.Background()

	_, err := fsys.Stat(ctx, "/src/sub/deep.txt")
	require.NoError(t, err)

	require.NoError(t, fsys.Rename(ctx, "/src/sub", "/dst/moved"))

	_, err = fsys.Stat(ctx, "/src/sub/deep.txt")
	assert.True(t, os.IsNotExist(err))

	fi, err := fsys.Stat(ctx, "/dst/moved/deep.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(4), fi.Size())
}

func TestRename_TargetExists(t *testing.T) {
	remote := newFakeRemote()
	remote.add(drive.RootID, "a", false, "")
	remote.add(drive.RootID, "b", false, "")

	fsys := newTestFS(t, remote, false)

	err := fsys.Rename(context.Background(), "/a", "/b")
	assert.True(t, os.IsExist(err))
}

func TestReadOnly_RejectsMutationsBeforeRemote(t *testing.T) {
	remote := newFakeRemote()
	remote.add(drive.RootID, "a", false, "x")

	fsys := newTestFS(t, remote, true)
	ctx := context.Background()

	assert.True(t, os.IsPermission(fsys.Mkdir(ctx, "/d", 0)))
	assert.True(t, os.IsPermission(fsys.RemoveAll(ctx, "/a")))
	assert.True(t, os.IsPermission(fsys.Rename(ctx, "/a", "/b")))

	_, err := fsys.OpenFile(ctx, "/a", os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0)
	assert.True(t, os.IsPermission(err))

	assert.Zero(t, remote.lists(drive.RootID), "nothing reached the remote")
	assert.Empty(t, remote.removed)

	// Reads still work.
	_, err = fsys.Stat(ctx, "/a")
	require.NoError(t, err)
}

func TestPathErr_RemoteOutageIsIO(t *testing.T) {
	remote := newFakeRemote()
	remote.failWith = drive.ErrTransient

	fsys := newTestFS(t, remote, false)

	_, err := fsys.Stat(context.Background(), "/a")

	var pe *os.PathError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ErrIO, pe.Err)
	assert.False(t, os.IsNotExist(err))
}

func TestWebDAVHandler_PutGetPropfind(t *testing.T) {
	remote := newFakeRemote()
	fsys := newTestFS(t, remote, false)

	srv := httptest.NewServer(&webdav.Handler{FileSystem: fsys, LockSystem: webdav.NewMemLS()})
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPut, srv.URL+"/hello.txt", strings.NewReader("hi there"))
	require.NoError(t, err)

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, err = srv.Client().Get(srv.URL + "/hello.txt")
	require.NoError(t, err)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hi there", string(body))

	req, err = http.NewRequest("PROPFIND", srv.URL+"/", nil)
	require.NoError(t, err)
	req.Header.Set("Depth", "1")

	resp, err = srv.Client().Do(req)
	require.NoError(t, err)

	body, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMultiStatus, resp.StatusCode)
	assert.Contains(t, string(body), "hello.txt")

	resp, err = srv.Client().Get(srv.URL + "/missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
