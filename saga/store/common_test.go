package store

import (
	"context"
	"fmt"
	"testing"

	"github.com/relayworks/sagakit/saga/event"
)

// testEvents builds a small hand-chained stream for store-level tests. Hash
// correctness is the ledger's business; stores only persist.
func testEvents(streamID string, n int) []event.Event {
	events := make([]event.Event, 0, n)
	prev := ""
	for i := 1; i <= n; i++ {
		hash := fmt.Sprintf("hash-%s-%d", streamID, i)
		events = append(events, event.Event{
			StreamID: streamID,
			Seq:      uint64(i),
			Kind:     "TestEvent",
			Payload:  []byte(fmt.Sprintf(`{"n":%d}`, i)),
			PrevHash: prev,
			Hash:     hash,
		})
		prev = hash
	}
	return events
}

// runStreamStoreTests exercises the event.StreamStore contract against any
// backend.
func runStreamStoreTests(t *testing.T, s event.StreamStore) {
	t.Helper()
	ctx := context.Background()

	t.Run("load unknown stream", func(t *testing.T) {
		events, err := s.Load(ctx, "no-such-stream")
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if len(events) != 0 {
			t.Errorf("unknown stream returned %d events", len(events))
		}
	})

	t.Run("append and load", func(t *testing.T) {
		want := testEvents("stream-a", 3)
		if err := s.Append(ctx, "stream-a", want); err != nil {
			t.Fatalf("Append: %v", err)
		}

		got, err := s.Load(ctx, "stream-a")
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if len(got) != len(want) {
			t.Fatalf("loaded %d events, want %d", len(got), len(want))
		}
		for i := range want {
			if got[i].Seq != want[i].Seq || got[i].Kind != want[i].Kind ||
				got[i].Hash != want[i].Hash || got[i].PrevHash != want[i].PrevHash {
				t.Errorf("event %d = %+v, want %+v", i, got[i], want[i])
			}
			if string(got[i].Payload) != string(want[i].Payload) {
				t.Errorf("event %d payload = %s, want %s", i, got[i].Payload, want[i].Payload)
			}
		}
	})

	t.Run("streams are isolated", func(t *testing.T) {
		if err := s.Append(ctx, "stream-b", testEvents("stream-b", 2)); err != nil {
			t.Fatalf("Append: %v", err)
		}

		a, err := s.Load(ctx, "stream-a")
		if err != nil {
			t.Fatalf("Load a: %v", err)
		}
		b, err := s.Load(ctx, "stream-b")
		if err != nil {
			t.Fatalf("Load b: %v", err)
		}
		if len(a) != 3 || len(b) != 2 {
			t.Errorf("stream sizes = (%d, %d), want (3, 2)", len(a), len(b))
		}
	})

	t.Run("incremental append", func(t *testing.T) {
		full := testEvents("stream-c", 4)
		if err := s.Append(ctx, "stream-c", full[:2]); err != nil {
			t.Fatalf("Append first batch: %v", err)
		}
		if err := s.Append(ctx, "stream-c", full[2:]); err != nil {
			t.Fatalf("Append second batch: %v", err)
		}

		got, err := s.Load(ctx, "stream-c")
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if len(got) != 4 {
			t.Fatalf("loaded %d events, want 4", len(got))
		}
		for i, e := range got {
			if e.Seq != uint64(i)+1 {
				t.Errorf("event %d seq = %d", i, e.Seq)
			}
		}
	})
}
