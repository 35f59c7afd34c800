package saga

import (
	"errors"
	"testing"
)

func TestConditionRegistryEvaluate(t *testing.T) {
	reg := NewConditionRegistry()
	reg.Register("done", func(s State) bool { return s.GetBool("done") })

	got, err := reg.Evaluate("done", State{Fields: map[string]any{"done": true}})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !got {
		t.Error("Evaluate = false, want true")
	}

	got, err = reg.Evaluate("done", State{Fields: map[string]any{}})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if got {
		t.Error("Evaluate = true, want false")
	}
}

func TestConditionRegistryUnknown(t *testing.T) {
	reg := NewConditionRegistry()

	_, err := reg.Evaluate("missing", State{})
	if !errors.Is(err, ErrUnknownCondition) {
		t.Fatalf("err = %v, want ErrUnknownCondition", err)
	}
	if reg.Has("missing") {
		t.Error("Has(missing) = true")
	}
}

func TestConditionRegistryLastWriteWins(t *testing.T) {
	reg := NewConditionRegistry()
	reg.Register("p", func(State) bool { return false })
	reg.Register("p", func(State) bool { return true })

	got, err := reg.Evaluate("p", State{})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !got {
		t.Error("re-registration did not replace the predicate")
	}
}
