package stepcache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// LRUCache is a bounded in-memory cache with least-recently-used eviction.
//
// When the entry count reaches capacity, the least recently touched entry is
// evicted to make room. Expired entries miss on read and are removed.
type LRUCache struct {
	inner *lru.Cache[string, mapEntry]
	now   func() time.Time
}

// NewLRUCache creates a bounded cache holding at most capacity entries.
// A capacity of 0 or less uses DefaultCapacity.
func NewLRUCache(capacity int) (*LRUCache, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	inner, err := lru.New[string, mapEntry](capacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}
	return &LRUCache{inner: inner, now: time.Now}, nil
}

// Get returns the cached result for key. Expired entries miss and are
// removed without counting as a recent use.
func (c *LRUCache) Get(_ context.Context, key string) (json.RawMessage, bool, error) {
	e, ok := c.inner.Get(key)
	if !ok {
		return nil, false, nil
	}
	if !e.expiresAt.IsZero() && c.now().After(e.expiresAt) {
		c.inner.Remove(key)
		return nil, false, nil
	}
	return e.result, true, nil
}

// Put stores a result, overwriting any prior entry and evicting the least
// recently used entry if the cache is full.
func (c *LRUCache) Put(_ context.Context, key string, result json.RawMessage, ttl time.Duration) error {
	e := mapEntry{result: result}
	if ttl > 0 {
		e.expiresAt = c.now().Add(ttl)
	}
	c.inner.Add(key, e)
	return nil
}

// Len returns the number of entries currently stored.
func (c *LRUCache) Len() int {
	return c.inner.Len()
}
