// Package emit provides pluggable observability for workflow execution.
//
// The scheduler emits an Event at each significant point in a run: tick
// start and end, cache hits, agent selection, budget warnings, loop
// detections, approval requests, and terminal transitions. Emitters route
// those events to a backend without slowing the run down.
//
// Provided emitters:
//   - LogEmitter: structured text or JSONL output to any io.Writer
//   - OTelEmitter: one OpenTelemetry span per event
//   - BufferedEmitter: in-memory history, for tests and debugging
//   - NullEmitter: discards everything
package emit

// Emitter receives observability events from workflow execution.
//
// Implementations must be safe for concurrent use and must not panic; a
// failing backend should drop or buffer events rather than disturb the run.
type Emitter interface {
	// Emit sends one event to the backend. Must not block the scheduler.
	Emit(event Event)
}

// Event is one observability record from a run.
type Event struct {
	// RunID identifies the workflow run that emitted this event.
	RunID string

	// Tick is the scheduler tick number (1-indexed). Zero for run-level
	// events such as run_started and run_completed.
	Tick int

	// NodeID identifies the graph node involved, if any.
	NodeID string

	// AgentID identifies the agent selected for the step, if any.
	AgentID string

	// Msg names the event, e.g. "tick_start", "cache_hit",
	// "loop_detected", "approval_requested", "run_completed".
	Msg string

	// Meta carries additional structured data. Common keys: "duration_ms",
	// "error", "tokens", "resource", "detector", "decision".
	Meta map[string]any
}
