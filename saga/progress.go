package saga

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ExecutorState is the lifecycle state of an executor at the moment a
// progress entry was recorded.
type ExecutorState string

const (
	ExecutorExecuting ExecutorState = "Executing"
	ExecutorSignaling ExecutorState = "Signaling"
	ExecutorWaiting   ExecutorState = "Waiting"
	ExecutorCompleted ExecutorState = "Completed"
	ExecutorFailed    ExecutorState = "Failed"
)

// ProgressEntry is one chronological record of executor activity. The loop
// detector reads these; operators read them for audit.
type ProgressEntry struct {
	EntryID    string
	TaskID     string
	ExecutorID string

	// Action names what the executor did, e.g. "generate", "retry".
	Action string

	// Output is the executor's textual output, if any. Normalized output
	// equality and embedding similarity both key off this field.
	Output string

	// ProgressMade reports whether the entry advanced the run. A window of
	// entries with no progress triggers recovery.
	ProgressMade bool

	// Artifacts lists identifiers of artifacts the entry produced.
	Artifacts []string

	Timestamp      time.Time
	Duration       time.Duration
	TokensConsumed int

	// Signal carries an optional executor-to-scheduler signal.
	Signal string

	ExecutorState ExecutorState
}

// ProgressLedger is the append-only, time-ordered record of executor
// actions within one run. Safe for concurrent use, though the scheduler is
// the only writer during normal operation.
type ProgressLedger struct {
	mu      sync.RWMutex
	entries []ProgressEntry
	now     func() time.Time
}

// NewProgressLedger creates an empty ledger.
func NewProgressLedger() *ProgressLedger {
	return &ProgressLedger{now: time.Now}
}

// Append records an entry. Missing EntryID and Timestamp are filled in.
func (l *ProgressLedger) Append(entry ProgressEntry) ProgressEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.now()
	}
	l.entries = append(l.entries, entry)
	return entry
}

// Entries returns a copy of all entries in append order.
func (l *ProgressLedger) Entries() []ProgressEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]ProgressEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Window returns a copy of the most recent n entries in append order.
func (l *ProgressLedger) Window(n int) []ProgressEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if n > len(l.entries) {
		n = len(l.entries)
	}
	out := make([]ProgressEntry, n)
	copy(out, l.entries[len(l.entries)-n:])
	return out
}

// Len returns the number of recorded entries.
func (l *ProgressLedger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Task is one unit of work tracked by a TaskLedger.
type Task struct {
	ID          string
	Description string
}

// TaskLedger is an immutable record of the original request and its task
// decomposition, fingerprinted so divergence is detectable.
type TaskLedger struct {
	OriginalRequest string
	Tasks           []Task

	// ContentHash is the hex SHA-256 over the request and every task's id
	// and description, in order. Recomputed by WithTask.
	ContentHash string
}

// NewTaskLedger creates a ledger for the given request with no tasks.
func NewTaskLedger(originalRequest string) TaskLedger {
	l := TaskLedger{OriginalRequest: originalRequest}
	l.ContentHash = l.computeHash()
	return l
}

// WithTask returns a new ledger with the task appended and the content hash
// recomputed. The receiver is unchanged.
func (l TaskLedger) WithTask(task Task) TaskLedger {
	tasks := make([]Task, 0, len(l.Tasks)+1)
	tasks = append(tasks, l.Tasks...)
	tasks = append(tasks, task)

	next := TaskLedger{OriginalRequest: l.OriginalRequest, Tasks: tasks}
	next.ContentHash = next.computeHash()
	return next
}

func (l TaskLedger) computeHash() string {
	h := sha256.New()
	h.Write([]byte(l.OriginalRequest))
	for _, t := range l.Tasks {
		h.Write([]byte(t.ID))
		h.Write([]byte(t.Description))
	}
	return hex.EncodeToString(h.Sum(nil))
}
