package saga

import (
	"context"
	"fmt"
	"strings"

	"github.com/relayworks/sagakit/saga/vector"
)

// Loop detection defaults.
const (
	// DefaultLoopWindow is how many recent progress entries the detector
	// inspects.
	DefaultLoopWindow = 10

	// DefaultExactThreshold is how many identical entries constitute exact
	// repetition.
	DefaultExactThreshold = 2

	// DefaultSemanticThreshold is the cosine similarity above which two
	// outputs count as semantically repeated.
	DefaultSemanticThreshold = 0.85
)

// LoopKind classifies a detected repetition pattern.
type LoopKind string

const (
	LoopExactRepetition    LoopKind = "ExactRepetition"
	LoopSemanticRepetition LoopKind = "SemanticRepetition"
	LoopOscillation        LoopKind = "Oscillation"
	LoopNoProgress         LoopKind = "NoProgress"
)

// RecoveryStrategy is the corrective action a detection prescribes. The
// detector only reports; the scheduler applies the strategy on its next
// tick.
type RecoveryStrategy string

const (
	// RecoveryInjectVariation adds a variation constraint to the next
	// step's metadata so the executor breaks out of verbatim repetition.
	RecoveryInjectVariation RecoveryStrategy = "InjectVariation"

	// RecoveryForceRotation excludes recently used executors from agent
	// selection for the next picks.
	RecoveryForceRotation RecoveryStrategy = "ForceRotation"

	// RecoverySynthesize injects both sides of an oscillation as context
	// for the next step.
	RecoverySynthesize RecoveryStrategy = "Synthesize"

	// RecoveryDecompose invokes the graph-level decomposition hook.
	RecoveryDecompose RecoveryStrategy = "Decompose"

	// RecoveryEscalate raises a LoopEscalation approval for a human.
	// Chosen by the scheduler when decomposition attempts are exhausted.
	RecoveryEscalate RecoveryStrategy = "Escalate"
)

// Detection describes one detected loop and its prescribed recovery.
type Detection struct {
	Kind     LoopKind
	Recovery RecoveryStrategy

	// Executors lists the executor ids implicated in the pattern.
	Executors []string

	// Detail is a human-readable description for events and logs.
	Detail string
}

// LoopDetector classifies repetition patterns in a run's recent progress
// entries.
//
// Four detectors run in fixed priority order, first match wins: exact
// repetition, semantic repetition, oscillation, no progress. A window with
// no duplicates and all entries making progress never matches.
type LoopDetector struct {
	window            int
	exactThreshold    int
	semanticThreshold float64
	embedder          vector.Embedder
}

// NewLoopDetector creates a detector with the given window size and
// semantic similarity threshold; non-positive values take the defaults.
// A nil embedder disables semantic detection.
func NewLoopDetector(window int, semanticThreshold float64, embedder vector.Embedder) *LoopDetector {
	if window <= 0 {
		window = DefaultLoopWindow
	}
	if semanticThreshold <= 0 {
		semanticThreshold = DefaultSemanticThreshold
	}
	return &LoopDetector{
		window:            window,
		exactThreshold:    DefaultExactThreshold,
		semanticThreshold: semanticThreshold,
		embedder:          embedder,
	}
}

// Window returns the detector's window size.
func (d *LoopDetector) Window() int {
	return d.window
}

// Detect inspects the most recent window of entries and reports the first
// matching pattern, or ok=false when the window looks healthy.
func (d *LoopDetector) Detect(ctx context.Context, entries []ProgressEntry) (Detection, bool) {
	if len(entries) > d.window {
		entries = entries[len(entries)-d.window:]
	}
	if len(entries) == 0 {
		return Detection{}, false
	}

	if det, ok := d.detectExact(entries); ok {
		return det, true
	}
	if det, ok := d.detectSemantic(ctx, entries); ok {
		return det, true
	}
	if det, ok := d.detectOscillation(entries); ok {
		return det, true
	}
	if det, ok := d.detectNoProgress(entries); ok {
		return det, true
	}
	return Detection{}, false
}

// detectExact finds >= exactThreshold entries sharing identical
// (executor, action, normalized output).
func (d *LoopDetector) detectExact(entries []ProgressEntry) (Detection, bool) {
	type signature struct {
		executor string
		action   string
		output   string
	}

	counts := make(map[signature]int)
	for _, e := range entries {
		sig := signature{e.ExecutorID, e.Action, normalizeOutput(e.Output)}
		counts[sig]++
		if counts[sig] >= d.exactThreshold {
			return Detection{
				Kind:      LoopExactRepetition,
				Recovery:  RecoveryInjectVariation,
				Executors: []string{e.ExecutorID},
				Detail: fmt.Sprintf("%d identical %q actions by %s",
					counts[sig], e.Action, e.ExecutorID),
			}, true
		}
	}
	return Detection{}, false
}

// detectSemantic finds >= 2 output pairs with cosine similarity above the
// threshold. Exactly-equal outputs are the exact detector's business and
// are skipped here.
func (d *LoopDetector) detectSemantic(ctx context.Context, entries []ProgressEntry) (Detection, bool) {
	if d.embedder == nil {
		return Detection{}, false
	}

	type embedded struct {
		executor string
		output   string
		vec      []float64
	}

	items := make([]embedded, 0, len(entries))
	for _, e := range entries {
		if e.Output == "" {
			continue
		}
		vec, err := d.embedder.Embed(ctx, e.Output)
		if err != nil {
			// Embedding failure degrades to the remaining detectors.
			return Detection{}, false
		}
		items = append(items, embedded{e.ExecutorID, normalizeOutput(e.Output), vec})
	}

	similarPairs := 0
	executors := make(map[string]bool)
	for i := 0; i < len(items); i++ {
		for j := i + 1; j < len(items); j++ {
			if items[i].output == items[j].output {
				continue
			}
			if vector.Cosine(items[i].vec, items[j].vec) > d.semanticThreshold {
				similarPairs++
				executors[items[i].executor] = true
				executors[items[j].executor] = true
			}
		}
	}
	if similarPairs < 2 {
		return Detection{}, false
	}

	ids := make([]string, 0, len(executors))
	for id := range executors {
		ids = append(ids, id)
	}
	return Detection{
		Kind:      LoopSemanticRepetition,
		Recovery:  RecoveryForceRotation,
		Executors: ids,
		Detail:    fmt.Sprintf("%d near-duplicate output pairs above %.2f similarity", similarPairs, d.semanticThreshold),
	}, true
}

// detectOscillation finds a strict ABAB executor pattern over the trailing
// 4 or more entries.
func (d *LoopDetector) detectOscillation(entries []ProgressEntry) (Detection, bool) {
	if len(entries) < 4 {
		return Detection{}, false
	}

	tail := entries[len(entries)-4:]
	a, b := tail[0].ExecutorID, tail[1].ExecutorID
	if a == b {
		return Detection{}, false
	}
	if tail[2].ExecutorID != a || tail[3].ExecutorID != b {
		return Detection{}, false
	}

	return Detection{
		Kind:      LoopOscillation,
		Recovery:  RecoverySynthesize,
		Executors: []string{a, b},
		Detail:    fmt.Sprintf("executors %s and %s alternating", a, b),
	}, true
}

// detectNoProgress fires when every entry in a full window reports no
// progress. A partial window is inconclusive.
func (d *LoopDetector) detectNoProgress(entries []ProgressEntry) (Detection, bool) {
	if len(entries) < d.window {
		return Detection{}, false
	}
	for _, e := range entries {
		if e.ProgressMade {
			return Detection{}, false
		}
	}

	executors := make(map[string]bool)
	for _, e := range entries {
		executors[e.ExecutorID] = true
	}
	ids := make([]string, 0, len(executors))
	for id := range executors {
		ids = append(ids, id)
	}

	return Detection{
		Kind:      LoopNoProgress,
		Recovery:  RecoveryDecompose,
		Executors: ids,
		Detail:    fmt.Sprintf("no progress across %d entries", len(entries)),
	}, true
}

func normalizeOutput(output string) string {
	return strings.Join(strings.Fields(strings.ToLower(output)), " ")
}
