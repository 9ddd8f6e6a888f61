package main

import (
	"crypto/sha1" //nolint:gosec // the drive publishes SHA-1 content hashes
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"strings"

	"github.com/tonimelisma/drivedav/internal/drive"
)

// errHashMismatch means the downloaded bytes differ from the remote content
// hash. The partial file is discarded.
var errHashMismatch = errors.New("content hash mismatch")

// contentHasher returns a hasher matching the item's published content hash,
// or nil when the item has none we can verify.
func contentHasher(item *drive.Item) hash.Hash {
	if item.ContentHash == "" {
		return nil
	}

	if strings.EqualFold(item.ContentHashName, "sha1") {
		return sha1.New() //nolint:gosec // see import
	}

	return nil
}

// verifyContentHash compares the digest in h with the item's hash. A nil
// hasher skips verification.
func verifyContentHash(item *drive.Item, h hash.Hash) error {
	if h == nil {
		return nil
	}

	got := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(got, item.ContentHash) {
		return fmt.Errorf("%w: remote %s, local %s", errHashMismatch, strings.ToLower(item.ContentHash), got)
	}

	return nil
}
