package store

import (
	"context"
	"sync"

	"github.com/relayworks/sagakit/saga/event"
)

// MemStore is an in-memory implementation of event.StreamStore.
//
// Designed for:
//   - Testing and development
//   - Single-process workflows
//   - Short-lived runs where durability isn't required
//
// MemStore is thread-safe. Data is lost when the process terminates; use
// SQLiteStore or MySQLStore when runs must survive restarts.
type MemStore struct {
	mu      sync.RWMutex
	streams map[string][]event.Event
}

// NewMemStore creates an empty in-memory stream store.
func NewMemStore() *MemStore {
	return &MemStore{
		streams: make(map[string][]event.Event),
	}
}

// Append stores a batch of events at the tail of a stream. The batch is
// applied atomically under the store lock.
func (m *MemStore) Append(_ context.Context, streamID string, events []event.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.streams[streamID] = append(m.streams[streamID], events...)
	return nil
}

// Load returns a copy of all events for a stream in sequence order.
// Unknown streams yield an empty slice.
func (m *MemStore) Load(_ context.Context, streamID string) ([]event.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := m.streams[streamID]
	out := make([]event.Event, len(events))
	copy(out, events)
	return out, nil
}

// Streams returns the IDs of all streams with at least one event.
// Ordering is unspecified.
func (m *MemStore) Streams() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.streams))
	for id := range m.streams {
		ids = append(ids, id)
	}
	return ids
}
