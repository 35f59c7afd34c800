package emit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

// LogEmitter writes events to a writer in text or JSONL form.
//
// Text mode produces one human-readable line per event:
//
//	[tick_start] runID=run-001 tick=3 nodeID=draft agentID=writer-a
//
// JSON mode produces one JSON object per line:
//
//	{"runID":"run-001","tick":3,"nodeID":"draft","agentID":"writer-a","msg":"tick_start","meta":null}
type LogEmitter struct {
	mu       sync.Mutex
	writer   io.Writer
	jsonMode bool
}

// NewLogEmitter creates an emitter writing to writer. A nil writer defaults
// to os.Stdout. jsonMode selects JSONL output over text.
func NewLogEmitter(writer io.Writer, jsonMode bool) *LogEmitter {
	if writer == nil {
		writer = os.Stdout
	}
	return &LogEmitter{writer: writer, jsonMode: jsonMode}
}

// Emit writes one line for the event. Write errors are swallowed; a broken
// log destination must not disturb the run.
func (l *LogEmitter) Emit(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.jsonMode {
		l.emitJSON(event)
	} else {
		l.emitText(event)
	}
}

func (l *LogEmitter) emitJSON(event Event) {
	data, err := json.Marshal(struct {
		RunID   string         `json:"runID"`
		Tick    int            `json:"tick"`
		NodeID  string         `json:"nodeID"`
		AgentID string         `json:"agentID,omitempty"`
		Msg     string         `json:"msg"`
		Meta    map[string]any `json:"meta"`
	}{
		RunID:   event.RunID,
		Tick:    event.Tick,
		NodeID:  event.NodeID,
		AgentID: event.AgentID,
		Msg:     event.Msg,
		Meta:    event.Meta,
	})
	if err != nil {
		fmt.Fprintf(l.writer, "{\"error\":\"failed to marshal event: %v\"}\n", err)
		return
	}
	fmt.Fprintf(l.writer, "%s\n", data)
}

func (l *LogEmitter) emitText(event Event) {
	fmt.Fprintf(l.writer, "[%s] runID=%s tick=%d nodeID=%s",
		event.Msg, event.RunID, event.Tick, event.NodeID)
	if event.AgentID != "" {
		fmt.Fprintf(l.writer, " agentID=%s", event.AgentID)
	}
	if len(event.Meta) > 0 {
		if metaJSON, err := json.Marshal(event.Meta); err == nil {
			fmt.Fprintf(l.writer, " meta=%s", metaJSON)
		} else {
			fmt.Fprintf(l.writer, " meta=%v", event.Meta)
		}
	}
	fmt.Fprint(l.writer, "\n")
}
