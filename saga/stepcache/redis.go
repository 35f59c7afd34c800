package stepcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache is a Redis-backed cache for multi-process deployments.
//
// Several engine processes sharing one Redis instance share memoized step
// results, so a step computed by one worker is a hit for all of them. TTLs
// are enforced by Redis itself rather than lazily on read.
//
// Note that single-flight coalescing (Memoizer) remains per-process; two
// processes can still race to compute the same key, with last-write-wins on
// the Put. That matches the at-least-once execution model.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache creates a cache over an existing Redis client.
//
// The prefix namespaces keys within the Redis keyspace (e.g. "sagakit:steps").
// An empty prefix stores keys verbatim.
//
// Example:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	cache := stepcache.NewRedisCache(client, "sagakit:steps")
func NewRedisCache(client *redis.Client, prefix string) *RedisCache {
	return &RedisCache{client: client, prefix: prefix}
}

// Get returns the cached result for key. Keys expired by Redis miss.
func (c *RedisCache) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	val, err := c.client.Get(ctx, c.namespaced(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	return val, true, nil
}

// Put stores a result with the given TTL. A zero ttl stores the entry
// without expiry.
func (c *RedisCache) Put(ctx context.Context, key string, result json.RawMessage, ttl time.Duration) error {
	if err := c.client.Set(ctx, c.namespaced(key), []byte(result), ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (c *RedisCache) namespaced(key string) string {
	if c.prefix == "" {
		return key
	}
	return c.prefix + ":" + key
}
