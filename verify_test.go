package main

import (
	"context"
	"crypto/sha1" //nolint:gosec // matches the drive's hash
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/drivedav/internal/drive"
)

func sha1Upper(s string) string {
	sum := sha1.Sum([]byte(s)) //nolint:gosec // test fixture
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

func TestContentHasher(t *testing.T) {
	t.Parallel()

	assert.Nil(t, contentHasher(&drive.Item{}))
	assert.Nil(t, contentHasher(&drive.Item{ContentHash: "x", ContentHashName: "crc64"}))
	assert.NotNil(t, contentHasher(&drive.Item{ContentHash: "x", ContentHashName: "SHA1"}))
}

func TestVerifyContentHash(t *testing.T) {
	t.Parallel()

	item := &drive.Item{ContentHash: sha1Upper("payload"), ContentHashName: "sha1"}

	h := contentHasher(item)
	_, _ = h.Write([]byte("payload"))
	require.NoError(t, verifyContentHash(item, h))

	h = contentHasher(item)
	_, _ = h.Write([]byte("tampered"))
	assert.ErrorIs(t, verifyContentHash(item, h), errHashMismatch)

	assert.NoError(t, verifyContentHash(item, nil))
}

func TestDownloadFile_VerifiesHash(t *testing.T) {
	t.Parallel()

	remote := newMemRemote()
	good := remote.add(drive.RootID, "good.txt", false, "verified body")
	bad := remote.add(drive.RootID, "bad.txt", false, "actual body")

	remote.mu.Lock()
	remote.nodes[good].item.ContentHash = sha1Upper("verified body")
	remote.nodes[good].item.ContentHashName = "sha1"
	remote.nodes[bad].item.ContentHash = sha1Upper("expected body")
	remote.nodes[bad].item.ContentHashName = "sha1"
	remote.mu.Unlock()

	fsys := newTestFileSystem(t, remote)
	dir := t.TempDir()

	_, err := downloadFile(context.Background(), fsys, "/good.txt", filepath.Join(dir, "good.txt"))
	require.NoError(t, err)

	local := filepath.Join(dir, "bad.txt")

	_, err = downloadFile(context.Background(), fsys, "/bad.txt", local)
	require.ErrorIs(t, err, errHashMismatch)

	for _, p := range []string{local, local + ".partial"} {
		_, statErr := os.Stat(p)
		assert.True(t, os.IsNotExist(statErr), "%s must not exist", p)
	}
}
