// Package cache provides a bounded, time-expiring result cache for the URL
// analysis entry point.
package cache

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// ResultCacheOptions configures the cache.
type ResultCacheOptions struct {
	// TTL is how long an entry stays valid. Defaults to 30 minutes.
	TTL time.Duration

	// MaxSize is the hard capacity bound. Defaults to 100 entries.
	MaxSize int
}

type entry struct {
	data       any
	insertedAt time.Time
}

// ResultCache is a TTL cache with a hard capacity bound. On overflow the
// oldest 20% of entries by insertion timestamp are evicted. Expiry is checked
// lazily on read; no background timers run.
type ResultCache struct {
	mu      sync.Mutex
	entries map[string]entry
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

// NewResultCache creates a cache from options.
func NewResultCache(opts ResultCacheOptions) *ResultCache {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	maxSize := opts.MaxSize
	if maxSize <= 0 {
		maxSize = 100
	}
	return &ResultCache{
		entries: make(map[string]entry),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// SetNow overrides the clock for tests.
func (c *ResultCache) SetNow(now func() time.Time) {
	if now == nil {
		return
	}
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

// Get returns the cached value for key if present and unexpired.
func (c *ResultCache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().Sub(e.insertedAt) >= c.ttl {
		delete(c.entries, key)
		return nil, false
	}
	return e.data, true
}

// Set stores value under key, evicting the oldest 20% of entries when the
// capacity bound is exceeded.
func (c *ResultCache) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = entry{data: value, insertedAt: c.now()}
	if len(c.entries) <= c.maxSize {
		return
	}

	type aged struct {
		key string
		at  time.Time
	}
	all := make([]aged, 0, len(c.entries))
	for k, e := range c.entries {
		all = append(all, aged{key: k, at: e.insertedAt})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].at.Before(all[j].at) })

	evict := len(c.entries) / 5
	if evict < 1 {
		evict = 1
	}
	for _, a := range all[:evict] {
		delete(c.entries, a.key)
	}
}

// Size returns the current number of entries.
func (c *ResultCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Fingerprint builds the normalized cache key for a URL analysis request:
// URL lowercased with any trailing slash removed, context trimmed and
// lowercased, category as-is.
func Fingerprint(url, contextText, category string) string {
	u := strings.ToLower(strings.TrimSpace(url))
	u = strings.TrimSuffix(u, "/")
	ctx := strings.ToLower(strings.TrimSpace(contextText))
	return u + "|" + ctx + "|" + category
}
