package event

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrIntegrityViolation indicates a broken hash chain or a sequence gap in an
// event stream. A run whose stream fails verification must not be resumed
// automatically; operator intervention is required.
var ErrIntegrityViolation = errors.New("event stream integrity violation")

// StreamStore persists event streams. Implementations must make Append atomic
// per stream: either all events in the batch are stored or none are.
//
// The ledger serializes appends per stream before calling the store, so
// implementations never see interleaved batches for the same stream, but they
// may see concurrent appends for different streams.
type StreamStore interface {
	// Append stores a batch of events for one stream.
	Append(ctx context.Context, streamID string, events []Event) error

	// Load returns all events for a stream in sequence order.
	// Returns an empty slice (not an error) for an unknown stream.
	Load(ctx context.Context, streamID string) ([]Event, error)
}

// Ledger is the append-only event log for workflow runs.
//
// It assigns sequence numbers and content hashes, serializes concurrent
// appends per stream, and provides verification and deterministic projection
// over a pluggable StreamStore.
type Ledger struct {
	store StreamStore

	mu    sync.Mutex
	tails map[string]*streamTail
}

// streamTail caches the chain position of a stream so appends do not reload
// the full stream each time. Guarded by its own mutex, which also serializes
// appends for the stream.
type streamTail struct {
	mu       sync.Mutex
	loaded   bool
	lastSeq  uint64
	lastHash string
}

// NewLedger creates a ledger over the given store.
func NewLedger(store StreamStore) *Ledger {
	return &Ledger{
		store: store,
		tails: make(map[string]*streamTail),
	}
}

// Append hashes and stores the given records at the tail of the stream,
// returning the fully populated events. The whole batch is appended
// atomically; concurrent appends to the same stream are serialized.
func (l *Ledger) Append(ctx context.Context, streamID string, records []Record) ([]Event, error) {
	if len(records) == 0 {
		return nil, nil
	}
	if streamID == "" {
		return nil, errors.New("stream ID cannot be empty")
	}

	tail := l.tail(streamID)
	tail.mu.Lock()
	defer tail.mu.Unlock()

	if !tail.loaded {
		existing, err := l.store.Load(ctx, streamID)
		if err != nil {
			return nil, fmt.Errorf("load stream %s: %w", streamID, err)
		}
		if n := len(existing); n > 0 {
			tail.lastSeq = existing[n-1].Seq
			tail.lastHash = existing[n-1].Hash
		}
		tail.loaded = true
	}

	events := make([]Event, 0, len(records))
	seq := tail.lastSeq
	prevHash := tail.lastHash
	now := time.Now().UTC()

	for _, rec := range records {
		canonical, err := CanonicalJSON(rec.Payload)
		if err != nil {
			return nil, fmt.Errorf("event %q: %w", rec.Kind, err)
		}
		seq++
		e := Event{
			StreamID:  streamID,
			Seq:       seq,
			Timestamp: now,
			Kind:      rec.Kind,
			Payload:   canonical,
			PrevHash:  prevHash,
			Hash:      ComputeHash(prevHash, rec.Kind, canonical),
		}
		prevHash = e.Hash
		events = append(events, e)
	}

	if err := l.store.Append(ctx, streamID, events); err != nil {
		return nil, fmt.Errorf("append stream %s: %w", streamID, err)
	}

	tail.lastSeq = seq
	tail.lastHash = prevHash
	return events, nil
}

// Load returns all events for a stream in sequence order.
func (l *Ledger) Load(ctx context.Context, streamID string) ([]Event, error) {
	return l.store.Load(ctx, streamID)
}

// Verify recomputes the hash chain of a stream end-to-end.
//
// Returns false if any sequence number is out of order, any PrevHash does not
// match the preceding event's Hash, or any content hash does not match its
// recomputation. Returns an error only for store access failures.
func (l *Ledger) Verify(ctx context.Context, streamID string) (bool, error) {
	events, err := l.store.Load(ctx, streamID)
	if err != nil {
		return false, err
	}

	prevHash := ""
	for i, e := range events {
		if e.Seq != uint64(i)+1 {
			return false, nil
		}
		if e.PrevHash != prevHash {
			return false, nil
		}
		want, err := Rehash(e)
		if err != nil {
			return false, nil
		}
		if e.Hash != want {
			return false, nil
		}
		prevHash = e.Hash
	}
	return true, nil
}

// Project folds a stream's events into a state value. The fold is
// deterministic: identical streams produce identical results for the same
// reducer, regardless of when or where the projection runs.
func Project[T any](ctx context.Context, l *Ledger, streamID string, init T, reduce func(T, Event) (T, error)) (T, error) {
	events, err := l.store.Load(ctx, streamID)
	if err != nil {
		return init, err
	}

	acc := init
	for _, e := range events {
		acc, err = reduce(acc, e)
		if err != nil {
			return acc, fmt.Errorf("project stream %s at seq %d: %w", streamID, e.Seq, err)
		}
	}
	return acc, nil
}

func (l *Ledger) tail(streamID string) *streamTail {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.tails[streamID]
	if !ok {
		t = &streamTail{}
		l.tails[streamID] = t
	}
	return t
}
