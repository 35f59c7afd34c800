// Package stepcache memoizes step outputs so re-executed workflows and
// retried runs don't pay for the same LLM or tool invocation twice.
//
// Entries are keyed by "{stepName}:{inputHash}", where the input hash is the
// hex SHA-256 of the canonical JSON form of the step input. Because the event
// ledger's projection is deterministic, replaying a run reproduces the same
// input hashes and therefore the same cache hits.
//
// Three backends are provided: an unbounded concurrent map, a bounded LRU,
// and Redis for multi-process deployments. Wrap any backend in a Memoizer to
// get single-flight semantics: concurrent callers computing the same key
// share one in-flight execution.
package stepcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/relayworks/sagakit/saga/event"
)

// DefaultCapacity is the default entry bound for the LRU backend.
const DefaultCapacity = 10000

// Cache stores memoized step results.
//
// Implementations must be safe for concurrent use. A zero ttl means the entry
// never expires; reads after expiry must miss (lazy eviction is fine).
type Cache interface {
	// Get returns the cached result for key, or found=false on a miss.
	Get(ctx context.Context, key string) (result json.RawMessage, found bool, err error)

	// Put stores a result, overwriting any prior entry for the key.
	Put(ctx context.Context, key string, result json.RawMessage, ttl time.Duration) error
}

// Key builds the cache key for a step name and input hash.
// Format: "{stepName}:{inputHash}".
func Key(stepName, inputHash string) string {
	return stepName + ":" + inputHash
}

// InputHash computes the hex SHA-256 hash of the canonical JSON encoding of
// the step input. Inputs that are JSON-equal always hash identically.
func InputHash(input any) (string, error) {
	canonical, err := event.CanonicalJSON(input)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
