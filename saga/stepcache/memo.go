package stepcache

import (
	"context"
	"encoding/json"
	"time"

	"golang.org/x/sync/singleflight"
)

// Memoizer adds single-flight semantics to a Cache: when multiple callers
// ask for the same key concurrently and it is not cached, exactly one of them
// runs the producer; the rest wait and share its result. This is the
// guarantee that keeps duplicate workflow ticks from paying for the same LLM
// call twice.
type Memoizer struct {
	cache      Cache
	group      singleflight.Group
	defaultTTL time.Duration
}

// NewMemoizer wraps a cache backend. defaultTTL applies to entries stored by
// Do; zero means entries never expire.
func NewMemoizer(cache Cache, defaultTTL time.Duration) *Memoizer {
	return &Memoizer{cache: cache, defaultTTL: defaultTTL}
}

// Do returns the memoized result for (stepName, inputHash), computing and
// storing it on a miss. Concurrent calls for the same key share a single
// producer invocation.
//
// hit reports whether the result came from the cache without running (or
// waiting on) the producer. Callers abandoned by context cancellation return
// ctx.Err(); the in-flight computation itself continues so other waiters can
// still use its result.
func (m *Memoizer) Do(ctx context.Context, stepName, inputHash string, compute func(context.Context) (json.RawMessage, error)) (result json.RawMessage, hit bool, err error) {
	return m.DoTTL(ctx, stepName, inputHash, m.defaultTTL, compute)
}

// DoTTL is Do with an explicit TTL for the stored entry, overriding the
// memoizer default. Zero means the entry never expires.
func (m *Memoizer) DoTTL(ctx context.Context, stepName, inputHash string, ttl time.Duration, compute func(context.Context) (json.RawMessage, error)) (result json.RawMessage, hit bool, err error) {
	key := Key(stepName, inputHash)

	if cached, found, err := m.cache.Get(ctx, key); err != nil {
		return nil, false, err
	} else if found {
		return cached, true, nil
	}

	ch := m.group.DoChan(key, func() (any, error) {
		// Re-check inside the flight: a racing producer may have filled the
		// entry between our miss and this callback.
		if cached, found, err := m.cache.Get(ctx, key); err == nil && found {
			return cached, nil
		}

		out, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		if err := m.cache.Put(ctx, key, out, ttl); err != nil {
			return nil, err
		}
		return out, nil
	})

	select {
	case <-ctx.Done():
		m.group.Forget(key)
		return nil, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, false, res.Err
		}
		return res.Val.(json.RawMessage), false, nil
	}
}

// Cache exposes the underlying backend, mainly for direct Put/Get in tests
// and for pre-warming.
func (m *Memoizer) Cache() Cache {
	return m.cache
}
