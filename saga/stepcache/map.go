package stepcache

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MapCache is an unbounded in-memory cache backed by a map.
//
// Reads take a shared lock and are cheap; expired entries are evicted lazily
// on the read path. Use LRUCache when the working set must be bounded.
type MapCache struct {
	mu      sync.RWMutex
	entries map[string]mapEntry
	now     func() time.Time
}

type mapEntry struct {
	result    json.RawMessage
	expiresAt time.Time // zero value means no expiry
}

// NewMapCache creates an empty unbounded cache.
func NewMapCache() *MapCache {
	return &MapCache{
		entries: make(map[string]mapEntry),
		now:     time.Now,
	}
}

// Get returns the cached result for key. Entries past their expiry miss and
// are removed.
func (c *MapCache) Get(_ context.Context, key string) (json.RawMessage, bool, error) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		return nil, false, nil
	}
	if !e.expiresAt.IsZero() && c.now().After(e.expiresAt) {
		c.mu.Lock()
		// Re-check under the write lock; another writer may have refreshed it.
		if cur, ok := c.entries[key]; ok && !cur.expiresAt.IsZero() && c.now().After(cur.expiresAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return nil, false, nil
	}
	return e.result, true, nil
}

// Put stores a result, overwriting any prior entry.
func (c *MapCache) Put(_ context.Context, key string, result json.RawMessage, ttl time.Duration) error {
	e := mapEntry{result: result}
	if ttl > 0 {
		e.expiresAt = c.now().Add(ttl)
	}

	c.mu.Lock()
	c.entries[key] = e
	c.mu.Unlock()
	return nil
}

// Len returns the number of entries currently stored, including any expired
// entries not yet lazily evicted.
func (c *MapCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
