// Package dircache is the path-keyed entry cache consulted before any remote
// listing. Entries expire after a TTL and the least recently used entry is
// evicted when the cache is full; the two policies are independent. The cache
// never fetches anything itself.
package dircache

import (
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/tonimelisma/drivedav/internal/drive"
	"github.com/tonimelisma/drivedav/internal/metrics"
)

// Defaults applied when Options fields are zero.
const (
	DefaultCapacity = 1000
	DefaultTTL      = 600 * time.Second
)

// Entry is a cached directory listing (Items, in remote order) or a single
// leaf (Item). Entries are immutable once stored; callers must not modify
// the Items slice.
type Entry struct {
	Items      []drive.Item
	Item       *drive.Item
	InsertedAt time.Time
}

// IsListing reports whether the entry holds a directory listing.
func (e *Entry) IsListing() bool {
	return e.Item == nil
}

// Options configures a Cache.
type Options struct {
	Capacity int
	TTL      time.Duration
	Now      func() time.Time
	Logger   *slog.Logger
}

// Cache is safe for concurrent use. One mutex guards all state and is never
// held across anything but in-memory work.
type Cache struct {
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger

	mu  sync.Mutex
	lru *simplelru.LRU[string, *Entry]
	// gen advances on every invalidation so fills started earlier can be
	// rejected.
	gen uint64
}

// New creates a Cache.
func New(opts Options) (*Cache, error) {
	if opts.Capacity < 0 {
		return nil, fmt.Errorf("dircache: capacity must be positive, got %d", opts.Capacity)
	}

	if opts.TTL < 0 {
		return nil, errors.New("dircache: ttl must be positive")
	}

	capacity := opts.Capacity
	if capacity == 0 {
		capacity = DefaultCapacity
	}

	c := &Cache{
		ttl:    opts.TTL,
		now:    opts.Now,
		logger: opts.Logger,
	}

	if c.ttl == 0 {
		c.ttl = DefaultTTL
	}

	if c.now == nil {
		c.now = time.Now
	}

	if c.logger == nil {
		c.logger = slog.Default()
	}

	lru, err := simplelru.NewLRU[string, *Entry](capacity, nil)
	if err != nil {
		return nil, fmt.Errorf("dircache: %w", err)
	}

	c.lru = lru

	return c, nil
}

// Key normalizes p into the form used as a cache key: absolute, cleaned,
// no trailing slash.
func Key(p string) string {
	return path.Clean("/" + p)
}

// Get returns the entry for p if present and younger than the TTL. A hit
// marks the entry most recently used. Expired entries are dropped.
func (c *Cache) Get(p string) (*Entry, bool) {
	key := Key(p)

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Get(key)
	if !ok {
		metrics.CacheMiss()
		return nil, false
	}

	if c.now().Sub(e.InsertedAt) >= c.ttl {
		c.lru.Remove(key)
		metrics.CacheExpired()

		return nil, false
	}

	metrics.CacheHit()

	return e, true
}

// Put stores e under p, stamping its insertion time. When full, the least
// recently used entry is evicted first.
func (c *Cache) Put(p string, e Entry) {
	key := Key(p)
	e.InsertedAt = c.now()

	c.mu.Lock()
	evicted := c.lru.Add(key, &e)
	c.mu.Unlock()

	if evicted {
		metrics.CacheEviction()
		c.logger.Debug("cache evicted least recently used entry", slog.String("admitted", key))
	}
}

// PutListing caches the children of directory p.
func (c *Cache) PutListing(p string, items []drive.Item) {
	c.Put(p, Entry{Items: items})
}

// Generation returns the invalidation counter. Read it before fetching a
// listing and pass it to PutListingAt.
func (c *Cache) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.gen
}

// PutListingAt caches the children of p unless an invalidation happened
// since gen was read. A fetch that raced a mutation may hold pre-mutation
// data and must not be cached. Reports whether the listing was stored.
func (c *Cache) PutListingAt(p string, items []drive.Item, gen uint64) bool {
	key := Key(p)
	e := &Entry{Items: items, InsertedAt: c.now()}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return false
	}

	evicted := c.lru.Add(key, e)
	c.mu.Unlock()

	if evicted {
		metrics.CacheEviction()
	}

	return true
}

// PutItem caches a single leaf at p.
func (c *Cache) PutItem(p string, item drive.Item) {
	c.Put(p, Entry{Item: &item})
}

// Invalidate removes p and its parent's listing.
func (c *Cache) Invalidate(p string) {
	key := Key(p)
	parent := path.Dir(key)

	c.mu.Lock()
	c.gen++
	n := 0

	if c.lru.Remove(key) {
		n++
	}

	if parent != key && c.lru.Remove(parent) {
		n++
	}
	c.mu.Unlock()

	if n > 0 {
		metrics.CacheInvalidation(n)
	}

	c.logger.Debug("cache invalidated",
		slog.String("path", key),
		slog.Int("removed", n),
	)
}

// InvalidatePrefix removes p and every entry below it.
func (c *Cache) InvalidatePrefix(p string) {
	key := Key(p)

	prefix := key + "/"
	if key == "/" {
		prefix = "/"
	}

	c.mu.Lock()
	c.gen++
	n := 0

	for _, k := range c.lru.Keys() {
		if k == key || strings.HasPrefix(k, prefix) {
			c.lru.Remove(k)
			n++
		}
	}
	c.mu.Unlock()

	if n > 0 {
		metrics.CacheInvalidation(n)
	}

	c.logger.Debug("cache subtree invalidated",
		slog.String("path", key),
		slog.Int("removed", n),
	)
}

// Len returns the number of resident entries, including expired ones not
// yet dropped.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.lru.Len()
}
