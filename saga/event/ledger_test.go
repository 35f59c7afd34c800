package event

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
)

// memStore is a minimal in-memory StreamStore for ledger tests, kept local
// to avoid an import cycle with the store package.
type memStore struct {
	mu      sync.Mutex
	streams map[string][]Event
}

func newMemStore() *memStore {
	return &memStore{streams: make(map[string][]Event)}
}

func (m *memStore) Append(_ context.Context, streamID string, events []Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streams[streamID] = append(m.streams[streamID], events...)
	return nil
}

func (m *memStore) Load(_ context.Context, streamID string) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.streams[streamID]))
	copy(out, m.streams[streamID])
	return out, nil
}

func (m *memStore) tamper(streamID string, seq int, mutate func(*Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mutate(&m.streams[streamID][seq-1])
}

func TestLedgerAppendAssignsChainPositions(t *testing.T) {
	l := NewLedger(newMemStore())
	ctx := context.Background()

	events, err := l.Append(ctx, "w1", []Record{
		{Kind: "RunStarted", Payload: map[string]any{"runId": "w1"}},
		{Kind: "StepCompleted", Payload: map[string]any{"node": "a"}},
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("returned %d events", len(events))
	}

	if events[0].Seq != 1 || events[1].Seq != 2 {
		t.Errorf("seqs = %d, %d", events[0].Seq, events[1].Seq)
	}
	if events[0].PrevHash != "" {
		t.Errorf("first PrevHash = %q, want empty", events[0].PrevHash)
	}
	if events[1].PrevHash != events[0].Hash {
		t.Error("chain link broken between events 1 and 2")
	}
	if events[0].Timestamp.IsZero() {
		t.Error("timestamp not assigned")
	}

	// A second batch continues the chain.
	more, err := l.Append(ctx, "w1", []Record{{Kind: "RunTerminated", Payload: map[string]any{}}})
	if err != nil {
		t.Fatalf("second Append: %v", err)
	}
	if more[0].Seq != 3 || more[0].PrevHash != events[1].Hash {
		t.Errorf("continuation = seq %d prev %q", more[0].Seq, more[0].PrevHash)
	}
}

func TestLedgerAppendValidation(t *testing.T) {
	l := NewLedger(newMemStore())
	ctx := context.Background()

	if _, err := l.Append(ctx, "", []Record{{Kind: "X", Payload: nil}}); err == nil {
		t.Error("empty stream ID accepted")
	}
	events, err := l.Append(ctx, "w1", nil)
	if err != nil || events != nil {
		t.Errorf("empty batch = (%v, %v), want (nil, nil)", events, err)
	}
	if _, err := l.Append(ctx, "w1", []Record{{Kind: "X", Payload: func() {}}}); err == nil {
		t.Error("unmarshalable payload accepted")
	}
}

func TestLedgerResumesTailFromStore(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()

	first := NewLedger(store)
	if _, err := first.Append(ctx, "w1", []Record{{Kind: "A", Payload: map[string]any{"n": 1}}}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	// A fresh ledger over the same store (a restarted process) must pick up
	// the chain where it left off.
	second := NewLedger(store)
	if _, err := second.Append(ctx, "w1", []Record{{Kind: "B", Payload: map[string]any{"n": 2}}}); err != nil {
		t.Fatalf("Append after restart: %v", err)
	}

	ok, err := second.Verify(ctx, "w1")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !ok {
		t.Error("chain broken across ledger restart")
	}
}

func TestLedgerVerify(t *testing.T) {
	seed := func(t *testing.T) (*Ledger, *memStore) {
		t.Helper()
		store := newMemStore()
		l := NewLedger(store)
		for i := 1; i <= 5; i++ {
			_, err := l.Append(context.Background(), "w1", []Record{
				{Kind: "Tick", Payload: map[string]any{"n": i}},
			})
			if err != nil {
				t.Fatalf("Append: %v", err)
			}
		}
		return l, store
	}

	t.Run("intact chain", func(t *testing.T) {
		l, _ := seed(t)
		ok, err := l.Verify(context.Background(), "w1")
		if err != nil || !ok {
			t.Errorf("Verify = (%v, %v), want (true, nil)", ok, err)
		}
	})

	t.Run("empty stream verifies", func(t *testing.T) {
		l, _ := seed(t)
		ok, err := l.Verify(context.Background(), "unknown")
		if err != nil || !ok {
			t.Errorf("Verify = (%v, %v), want (true, nil)", ok, err)
		}
	})

	t.Run("tampered payload", func(t *testing.T) {
		l, store := seed(t)
		store.tamper("w1", 3, func(e *Event) {
			e.Payload = json.RawMessage(`{"n":999}`)
		})
		if ok, _ := l.Verify(context.Background(), "w1"); ok {
			t.Error("tampered payload passed verification")
		}
	})

	t.Run("tampered kind", func(t *testing.T) {
		l, store := seed(t)
		store.tamper("w1", 2, func(e *Event) { e.Kind = "Forged" })
		if ok, _ := l.Verify(context.Background(), "w1"); ok {
			t.Error("tampered kind passed verification")
		}
	})

	t.Run("broken link", func(t *testing.T) {
		l, store := seed(t)
		store.tamper("w1", 4, func(e *Event) { e.PrevHash = "bogus" })
		if ok, _ := l.Verify(context.Background(), "w1"); ok {
			t.Error("broken link passed verification")
		}
	})

	t.Run("sequence gap", func(t *testing.T) {
		l, store := seed(t)
		store.tamper("w1", 3, func(e *Event) { e.Seq = 7 })
		if ok, _ := l.Verify(context.Background(), "w1"); ok {
			t.Error("sequence gap passed verification")
		}
	})
}

func TestLedgerProject(t *testing.T) {
	l := NewLedger(newMemStore())
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		_, err := l.Append(ctx, "w1", []Record{
			{Kind: "Add", Payload: map[string]any{"n": i}},
		})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	sum := func(acc int, e Event) (int, error) {
		var p struct {
			N int `json:"n"`
		}
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return acc, err
		}
		return acc + p.N, nil
	}

	got, err := Project(ctx, l, "w1", 0, sum)
	if err != nil {
		t.Fatalf("Project: %v", err)
	}
	if got != 10 {
		t.Errorf("projection = %d, want 10", got)
	}

	// Projection is deterministic: same stream, same reducer, same result.
	again, err := Project(ctx, l, "w1", 0, sum)
	if err != nil {
		t.Fatalf("second Project: %v", err)
	}
	if again != got {
		t.Errorf("repeated projection diverged: %d vs %d", again, got)
	}
}

func TestLedgerProjectErrorNamesPosition(t *testing.T) {
	l := NewLedger(newMemStore())
	ctx := context.Background()
	if _, err := l.Append(ctx, "w1", []Record{{Kind: "X", Payload: map[string]any{}}}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	_, err := Project(ctx, l, "w1", 0, func(acc int, e Event) (int, error) {
		return 0, fmt.Errorf("reducer exploded")
	})
	if err == nil {
		t.Fatal("Project swallowed the reducer error")
	}
}

func TestLedgerConcurrentAppendsSameStream(t *testing.T) {
	l := NewLedger(newMemStore())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				_, err := l.Append(ctx, "shared", []Record{
					{Kind: "Tick", Payload: map[string]any{"writer": n, "j": j}},
				})
				if err != nil {
					t.Errorf("Append: %v", err)
				}
			}
		}(i)
	}
	wg.Wait()

	events, err := l.Load(ctx, "shared")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(events) != 200 {
		t.Fatalf("stream has %d events, want 200", len(events))
	}

	ok, err := l.Verify(ctx, "shared")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !ok {
		t.Error("concurrent appends broke the chain")
	}
}
