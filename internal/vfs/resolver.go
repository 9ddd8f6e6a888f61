// Package vfs maps filesystem paths onto the remote drive. Resolver walks
// cached directory listings to turn a path into a remote item; FileSystem
// implements golang.org/x/net/webdav.FileSystem on top of it and keeps the
// cache consistent with every mutation it performs.
package vfs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tonimelisma/drivedav/internal/dircache"
	"github.com/tonimelisma/drivedav/internal/drive"
)

// Resolution failures.
var (
	ErrNotFound      = errors.New("vfs: no such file or directory")
	ErrNotADirectory = errors.New("vfs: not a directory")
)

// listingTimeout bounds a shared listing fetch once detached from the caller.
const listingTimeout = 5 * time.Minute

// Lister fetches the children of a remote folder in remote order.
type Lister interface {
	ListChildren(ctx context.Context, parentID string) ([]drive.Item, error)
}

// Resolver maps paths to remote items through the entry cache. Paths given
// to Resolver are relative to the configured root; cache keys are absolute
// remote paths.
type Resolver struct {
	lister Lister
	cache  *dircache.Cache
	root   string
	logger *slog.Logger

	group singleflight.Group
}

// NewResolver creates a Resolver. root is the remote folder presented as "/".
func NewResolver(lister Lister, cache *dircache.Cache, root string, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}

	return &Resolver{
		lister: lister,
		cache:  cache,
		root:   dircache.Key(root),
		logger: logger,
	}
}

// RemotePath maps a client path to the absolute remote path used as cache key.
func (r *Resolver) RemotePath(p string) string {
	return dircache.Key(path.Join(r.root, dircache.Key(p)))
}

// IsRoot reports whether p names the served root.
func (r *Resolver) IsRoot(p string) bool {
	return dircache.Key(p) == "/"
}

func rootItem() *drive.Item {
	return &drive.Item{ID: drive.RootID, Name: "", IsFolder: true}
}

// Resolve returns the item at p. The walk starts at the drive root and
// consults one cached listing per level, fetching it on a miss. When a
// listing holds duplicate names, the first in remote order wins.
func (r *Resolver) Resolve(ctx context.Context, p string) (*drive.Item, error) {
	return r.resolveRemote(ctx, r.RemotePath(p))
}

func (r *Resolver) resolveRemote(ctx context.Context, remote string) (*drive.Item, error) {
	if remote == "/" {
		return rootItem(), nil
	}

	if e, ok := r.cache.Get(remote); ok && !e.IsListing() {
		it := *e.Item
		return &it, nil
	}

	components := strings.Split(strings.TrimPrefix(remote, "/"), "/")
	cur := rootItem()
	dir := "/"

	for i, name := range components {
		if !cur.IsFolder {
			return nil, fmt.Errorf("%w: %s", ErrNotADirectory, dir)
		}

		items, err := r.listing(ctx, dir, cur.ID)
		if err != nil {
			return nil, err
		}

		next := findFirst(items, name)
		if next == nil {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path.Join(dir, name))
		}

		cur = next
		dir = path.Join(dir, name)

		if i < len(components)-1 && !cur.IsFolder {
			return nil, fmt.Errorf("%w: %s", ErrNotADirectory, dir)
		}
	}

	return cur, nil
}

// List returns the children of the folder at p in remote order.
func (r *Resolver) List(ctx context.Context, p string) ([]drive.Item, error) {
	remote := r.RemotePath(p)

	item, err := r.resolveRemote(ctx, remote)
	if err != nil {
		return nil, err
	}

	if !item.IsFolder {
		return nil, fmt.Errorf("%w: %s", ErrNotADirectory, remote)
	}

	return r.listing(ctx, remote, item.ID)
}

// Invalidate drops cached state for the remote path and its parent, and the
// whole subtree when subtree is set. It must run before a mutation reports
// success.
func (r *Resolver) Invalidate(remote string, subtree bool) {
	r.cache.Invalidate(remote)

	if subtree {
		r.cache.InvalidatePrefix(remote)
	}

	// Later callers must not join a listing fetch that started before the
	// mutation.
	r.group.Forget(remote)
	r.group.Forget(path.Dir(remote))
}

// Remember caches a freshly created or uploaded leaf so an immediate stat
// needs no listing.
func (r *Resolver) Remember(remote string, item drive.Item) {
	r.cache.PutItem(remote, item)
}

// listing returns the children of dir (remote id), from cache or remote.
// Concurrent misses for one directory share a fetch.
func (r *Resolver) listing(ctx context.Context, dir, id string) ([]drive.Item, error) {
	if e, ok := r.cache.Get(dir); ok && e.IsListing() {
		return e.Items, nil
	}

	ch := r.group.DoChan(dir, func() (any, error) {
		gen := r.cache.Generation()

		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), listingTimeout)
		defer cancel()

		items, err := r.lister.ListChildren(fctx, id)
		if err != nil {
			return nil, err
		}

		if !r.cache.PutListingAt(dir, items, gen) {
			r.logger.Debug("listing raced a mutation, not caching", slog.String("path", dir))
		}

		return items, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}

		items, _ := res.Val.([]drive.Item)

		return items, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("vfs: listing %s: %w", dir, ctx.Err())
	}
}

func findFirst(items []drive.Item, name string) *drive.Item {
	for i := range items {
		if items[i].Name == name {
			it := items[i]
			return &it
		}
	}

	return nil
}
