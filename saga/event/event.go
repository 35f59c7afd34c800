// Package event provides the append-only, hash-chained event ledger that
// backs durable workflow runs.
//
// Every workflow run writes its history as a stream of typed events. Each
// event carries a content hash computed over the previous event's hash, the
// event kind, and the canonical JSON form of the payload, so a stream can be
// verified end-to-end and any tampering is detectable. Streams replay
// deterministically: folding the same events through the same reducer always
// produces the same state, which is what makes step memoization sound.
package event

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Event is a single record in a workflow event stream.
//
// Within a stream, Seq is dense and strictly increasing starting at 1.
// Hash is the hex-encoded SHA-256 of PrevHash ∥ Kind ∥ canonical(Payload);
// the first event of a stream has an empty PrevHash.
type Event struct {
	// StreamID identifies the stream (normally the workflow run ID).
	StreamID string `json:"stream_id"`

	// Seq is the 1-indexed position of this event within its stream.
	Seq uint64 `json:"seq"`

	// Timestamp is the append time in UTC.
	Timestamp time.Time `json:"timestamp"`

	// Kind is the event type tag (e.g. "StepCompleted", "ApprovalRequested").
	Kind string `json:"kind"`

	// Payload is the canonical JSON body of the event.
	Payload json.RawMessage `json:"payload"`

	// PrevHash is the Hash of the preceding event, empty for the first event.
	PrevHash string `json:"prev_hash"`

	// Hash is the hex SHA-256 content hash of this event.
	Hash string `json:"hash"`
}

// Record is an event waiting to be appended: a kind plus an arbitrary
// JSON-serializable payload. The ledger assigns sequence numbers, timestamps,
// and hashes at append time.
type Record struct {
	Kind    string
	Payload any
}

// CanonicalJSON returns the canonical JSON encoding of v: object keys sorted,
// numbers preserved as their literal form, UTF-8 text. Two values that are
// JSON-equal always canonicalize to identical bytes, which is required for
// stable content hashes and cache keys.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return canonicalizeRaw(raw)
}

// canonicalizeRaw re-encodes already-marshaled JSON into canonical form.
// encoding/json sorts map keys during Marshal, so a decode/encode round trip
// through interface values yields sorted-key output. Decoding with UseNumber
// keeps numeric literals intact instead of forcing float64 formatting.
func canonicalizeRaw(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}

	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return out, nil
}

// ComputeHash returns the hex SHA-256 hash for an event with the given chain
// position. The payload must already be canonical JSON.
func ComputeHash(prevHash, kind string, canonicalPayload []byte) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write([]byte(kind))
	h.Write(canonicalPayload)
	return hex.EncodeToString(h.Sum(nil))
}

// Rehash recomputes the content hash of e from its own fields. Used by
// verification; does not modify e.
func Rehash(e Event) (string, error) {
	canonical, err := canonicalizeRaw(e.Payload)
	if err != nil {
		return "", err
	}
	return ComputeHash(e.PrevHash, e.Kind, canonical), nil
}
