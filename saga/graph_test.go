package saga

import (
	"context"
	"errors"
	"testing"
)

func noopHandler(ctx context.Context, s State, sc StepContext) (StepResult, error) {
	return StepResult{}, nil
}

func TestJoinModeRequired(t *testing.T) {
	tests := []struct {
		mode  JoinMode
		total int
		want  int
	}{
		{JoinAll, 3, 3},
		{JoinAny, 3, 1},
		{JoinQuorum(2), 3, 2},
		{JoinQuorum(5), 3, 3}, // clamped
		{JoinMode{}, 4, 4},    // zero value behaves as all
	}
	for _, tt := range tests {
		if got := tt.mode.Required(tt.total); got != tt.want {
			t.Errorf("%s.Required(%d) = %d, want %d", tt.mode, tt.total, got, tt.want)
		}
	}
}

func TestGraphValidate(t *testing.T) {
	valid := func() *Graph {
		return &Graph{
			ID:    "g",
			Entry: "start",
			Nodes: map[string]*Node{
				"start": {ID: "start", Kind: NodeStep, Handler: noopHandler, Next: "end"},
				"end":   {ID: "end", Kind: NodeTerminal},
			},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Graph)
		wantErr bool
	}{
		{"valid graph", func(*Graph) {}, false},
		{"missing entry", func(g *Graph) { g.Entry = "" }, true},
		{"entry not a node", func(g *Graph) { g.Entry = "ghost" }, true},
		{"step without handler", func(g *Graph) { g.Nodes["start"].Handler = nil }, true},
		{"step without next", func(g *Graph) { g.Nodes["start"].Next = "" }, true},
		{"dangling next", func(g *Graph) { g.Nodes["start"].Next = "ghost" }, true},
		{"dangling failure edge", func(g *Graph) { g.Nodes["start"].OnFailure = "ghost" }, true},
		{"no terminal reachable", func(g *Graph) {
			g.Nodes["start"].Next = "start"
			delete(g.Nodes, "end")
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := valid()
			tt.mutate(g)
			err := g.Validate(nil)
			if tt.wantErr {
				if !errors.Is(err, ErrValidationFailed) {
					t.Errorf("err = %v, want ErrValidationFailed", err)
				}
			} else if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestGraphValidatePredicates(t *testing.T) {
	g := &Graph{
		ID:    "g",
		Entry: "check",
		Nodes: map[string]*Node{
			"check": {ID: "check", Kind: NodeBranch, PredicateID: "ready", IfTrue: "end", IfFalse: "end"},
			"end":   {ID: "end", Kind: NodeTerminal},
		},
	}

	// Without a registry, predicate references are not checked.
	if err := g.Validate(nil); err != nil {
		t.Fatalf("Validate(nil): %v", err)
	}

	empty := NewConditionRegistry()
	if err := g.Validate(empty); !errors.Is(err, ErrValidationFailed) {
		t.Errorf("unregistered predicate err = %v, want ErrValidationFailed", err)
	}

	reg := NewConditionRegistry()
	reg.Register("ready", func(State) bool { return true })
	if err := g.Validate(reg); err != nil {
		t.Errorf("registered predicate: %v", err)
	}
}

func TestGraphValidateLoop(t *testing.T) {
	g := &Graph{
		ID:    "g",
		Entry: "loop",
		Nodes: map[string]*Node{
			"loop": {ID: "loop", Kind: NodeLoop, ExitConditionID: "done", MaxIterations: 3, Body: "work", Next: "end"},
			"work": {ID: "work", Kind: NodeStep, Handler: noopHandler, Next: "loop"},
			"end":  {ID: "end", Kind: NodeTerminal},
		},
	}
	if err := g.Validate(nil); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	g.Nodes["loop"].MaxIterations = 0
	if err := g.Validate(nil); !errors.Is(err, ErrValidationFailed) {
		t.Errorf("zero maxIterations err = %v, want ErrValidationFailed", err)
	}
}

func TestGraphValidateFork(t *testing.T) {
	g := &Graph{
		ID:    "g",
		Entry: "fork",
		Nodes: map[string]*Node{
			"fork":      {ID: "fork", Kind: NodeFork, Branches: []string{"a", "b"}, JoinID: "fork.join"},
			"a":         {ID: "a", Kind: NodeStep, Handler: noopHandler, Next: "fork.join"},
			"b":         {ID: "b", Kind: NodeStep, Handler: noopHandler, Next: "fork.join"},
			"fork.join": {ID: "fork.join", Kind: NodeJoin, Mode: JoinAll, Next: "end"},
			"end":       {ID: "end", Kind: NodeTerminal},
		},
	}
	if err := g.Validate(nil); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	g.Nodes["fork"].Branches = nil
	if err := g.Validate(nil); !errors.Is(err, ErrValidationFailed) {
		t.Errorf("empty branches err = %v, want ErrValidationFailed", err)
	}
}
