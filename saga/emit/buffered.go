package emit

import "sync"

// BufferedEmitter retains events in memory, grouped by run.
//
// Intended for tests and interactive debugging: assert on the exact event
// sequence a run produced, or dump a run's history after a failure. Memory
// grows with event volume; call Clear when a run's history is no longer
// needed.
type BufferedEmitter struct {
	mu    sync.RWMutex
	byRun map[string][]Event
}

// NewBufferedEmitter creates an empty buffered emitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{byRun: make(map[string][]Event)}
}

// Emit appends the event to its run's history.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	b.byRun[event.RunID] = append(b.byRun[event.RunID], event)
	b.mu.Unlock()
}

// History returns a copy of the events recorded for runID, in emission
// order.
func (b *BufferedEmitter) History(runID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	events := b.byRun[runID]
	out := make([]Event, len(events))
	copy(out, events)
	return out
}

// Messages returns just the Msg field of each recorded event for runID, in
// emission order. Convenient for sequence assertions in tests.
func (b *BufferedEmitter) Messages(runID string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	events := b.byRun[runID]
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Msg
	}
	return out
}

// Clear drops the recorded history for runID.
func (b *BufferedEmitter) Clear(runID string) {
	b.mu.Lock()
	delete(b.byRun, runID)
	b.mu.Unlock()
}
