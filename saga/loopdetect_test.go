package saga

import (
	"context"
	"fmt"
	"testing"

	"github.com/relayworks/sagakit/saga/vector"
)

func entry(executor, action, output string, progress bool) ProgressEntry {
	return ProgressEntry{
		ExecutorID:   executor,
		Action:       action,
		Output:       output,
		ProgressMade: progress,
	}
}

func TestDetectExactRepetition(t *testing.T) {
	d := NewLoopDetector(10, 0.85, nil)
	entries := []ProgressEntry{
		entry("a", "generate", "Result: 42", true),
		entry("a", "generate", "  result:   42  ", true), // same after normalization
	}

	det, ok := d.Detect(context.Background(), entries)
	if !ok {
		t.Fatal("no detection")
	}
	if det.Kind != LoopExactRepetition {
		t.Errorf("Kind = %v, want ExactRepetition", det.Kind)
	}
	if det.Recovery != RecoveryInjectVariation {
		t.Errorf("Recovery = %v, want InjectVariation", det.Recovery)
	}
	if len(det.Executors) != 1 || det.Executors[0] != "a" {
		t.Errorf("Executors = %v, want [a]", det.Executors)
	}
}

func TestDetectExactRequiresSameSignature(t *testing.T) {
	d := NewLoopDetector(10, 0.85, nil)
	entries := []ProgressEntry{
		entry("a", "generate", "Result: 42", true),
		entry("b", "generate", "Result: 42", true), // different executor
		entry("a", "review", "Result: 42", true),   // different action
	}

	if _, ok := d.Detect(context.Background(), entries); ok {
		t.Error("detection fired without a repeated (executor, action, output) triple")
	}
}

func TestDetectSemanticRepetition(t *testing.T) {
	d := NewLoopDetector(10, 0.85, vector.NewHashingEmbedder(0))
	// Near-identical outputs that are not exactly equal: high cosine
	// similarity under the hashing embedder, two or more similar pairs.
	entries := []ProgressEntry{
		entry("a", "gen", "the quick brown fox jumps over the lazy dog today", true),
		entry("b", "gen", "the quick brown fox jumps over the lazy dog tonight", true),
		entry("c", "gen", "the quick brown fox jumps over the lazy dog again", true),
	}

	det, ok := d.Detect(context.Background(), entries)
	if !ok {
		t.Fatal("no detection")
	}
	if det.Kind != LoopSemanticRepetition {
		t.Errorf("Kind = %v, want SemanticRepetition", det.Kind)
	}
	if det.Recovery != RecoveryForceRotation {
		t.Errorf("Recovery = %v, want ForceRotation", det.Recovery)
	}
}

func TestDetectSemanticDisabledWithoutEmbedder(t *testing.T) {
	d := NewLoopDetector(10, 0.85, nil)
	entries := []ProgressEntry{
		entry("a", "gen", "the quick brown fox jumps over the lazy dog today", true),
		entry("b", "gen", "the quick brown fox jumps over the lazy dog tonight", true),
		entry("c", "gen", "the quick brown fox jumps over the lazy dog again", true),
	}

	if _, ok := d.Detect(context.Background(), entries); ok {
		t.Error("semantic detection fired with a nil embedder")
	}
}

func TestDetectOscillation(t *testing.T) {
	d := NewLoopDetector(10, 0.85, nil)
	entries := []ProgressEntry{
		entry("a", "propose", "plan 1", true),
		entry("b", "reject", "no 1", true),
		entry("a", "propose", "plan 2", true),
		entry("b", "reject", "no 2", true),
	}

	det, ok := d.Detect(context.Background(), entries)
	if !ok {
		t.Fatal("no detection")
	}
	if det.Kind != LoopOscillation {
		t.Errorf("Kind = %v, want Oscillation", det.Kind)
	}
	if det.Recovery != RecoverySynthesize {
		t.Errorf("Recovery = %v, want Synthesize", det.Recovery)
	}
}

func TestDetectOscillationRequiresStrictABAB(t *testing.T) {
	d := NewLoopDetector(10, 0.85, nil)
	entries := []ProgressEntry{
		entry("a", "x", "1", true),
		entry("b", "x", "2", true),
		entry("a", "x", "3", true),
		entry("c", "x", "4", true), // breaks the pattern
	}

	if _, ok := d.Detect(context.Background(), entries); ok {
		t.Error("detection fired without a strict ABAB tail")
	}
}

func TestDetectNoProgress(t *testing.T) {
	d := NewLoopDetector(4, 0.85, nil)
	entries := []ProgressEntry{
		entry("a", "try1", "fail one", false),
		entry("b", "try2", "fail two", false),
		entry("c", "try3", "fail three", false),
		entry("d", "try4", "fail four", false),
	}

	det, ok := d.Detect(context.Background(), entries)
	if !ok {
		t.Fatal("no detection")
	}
	if det.Kind != LoopNoProgress {
		t.Errorf("Kind = %v, want NoProgress", det.Kind)
	}
	if det.Recovery != RecoveryDecompose {
		t.Errorf("Recovery = %v, want Decompose", det.Recovery)
	}
}

func TestDetectNoProgressNeedsFullWindow(t *testing.T) {
	d := NewLoopDetector(10, 0.85, nil)
	entries := []ProgressEntry{
		entry("a", "try1", "fail one", false),
		entry("b", "try2", "fail two", false),
	}

	if _, ok := d.Detect(context.Background(), entries); ok {
		t.Error("NoProgress fired on a partial window")
	}
}

func TestDetectPriorityExactBeforeOscillation(t *testing.T) {
	d := NewLoopDetector(10, 0.85, nil)
	// The trailing four entries oscillate AND executor a repeats itself
	// verbatim; exact repetition must win.
	entries := []ProgressEntry{
		entry("a", "gen", "same thing", true),
		entry("b", "gen", "other one", true),
		entry("a", "gen", "same thing", true),
		entry("b", "gen", "other two", true),
	}

	det, ok := d.Detect(context.Background(), entries)
	if !ok {
		t.Fatal("no detection")
	}
	if det.Kind != LoopExactRepetition {
		t.Errorf("Kind = %v, want ExactRepetition to take priority", det.Kind)
	}
}

func TestDetectHealthyWindow(t *testing.T) {
	d := NewLoopDetector(10, 0.85, nil)
	entries := make([]ProgressEntry, 0, 10)
	for i := 0; i < 10; i++ {
		entries = append(entries, entry(
			fmt.Sprintf("agent-%d", i%3),
			fmt.Sprintf("action-%d", i),
			fmt.Sprintf("completely unrelated output number %d with distinct words %d", i, i*i),
			true,
		))
	}

	if det, ok := d.Detect(context.Background(), entries); ok {
		t.Errorf("healthy window detected as %v", det.Kind)
	}
}

func TestDetectTrimsToWindow(t *testing.T) {
	d := NewLoopDetector(3, 0.85, nil)
	// The duplicates fall outside the 3-entry window.
	entries := []ProgressEntry{
		entry("a", "gen", "dup", true),
		entry("a", "gen", "dup", true),
		entry("b", "gen", "fresh one here", true),
		entry("c", "gen", "another fresh", true),
		entry("d", "gen", "third fresh", true),
	}

	if det, ok := d.Detect(context.Background(), entries); ok {
		t.Errorf("stale entries outside the window detected as %v", det.Kind)
	}
}

func TestNormalizeOutput(t *testing.T) {
	tests := []struct{ in, want string }{
		{"Hello  World", "hello world"},
		{"  a\tb\nc  ", "a b c"},
		{"SAME", "same"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := normalizeOutput(tt.in); got != tt.want {
			t.Errorf("normalizeOutput(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
