package saga

import (
	"errors"
	"testing"
	"time"
)

func TestBuilderLinearChain(t *testing.T) {
	g, err := NewBuilder("linear").
		Step("a", noopHandler).
		Step("b", noopHandler).
		Terminal("end").
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if g.Entry != "a" {
		t.Errorf("Entry = %q, want a", g.Entry)
	}
	if got := g.Nodes["a"].Next; got != "b" {
		t.Errorf("a.Next = %q, want b", got)
	}
	if got := g.Nodes["b"].Next; got != "end" {
		t.Errorf("b.Next = %q, want end", got)
	}
}

func TestBuilderStepOptions(t *testing.T) {
	g, err := NewBuilder("opts").
		Step("work", noopHandler,
			WithRetry(3, 10*time.Millisecond),
			WithStepTimeout(time.Second),
			WithTask(TaskFeatures{Category: "Code"}),
			WithMemo(time.Minute),
			WithEstimatedCost(map[ResourceType]float64{ResourceTokens: 500}),
		).
		Terminal("end").
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	n := g.Nodes["work"]
	if n.Retry.MaxAttempts != 3 || n.Retry.Backoff != 10*time.Millisecond {
		t.Errorf("Retry = %+v", n.Retry)
	}
	if n.Timeout != time.Second {
		t.Errorf("Timeout = %v", n.Timeout)
	}
	if n.Task == nil || n.Task.Category != "Code" {
		t.Errorf("Task = %+v", n.Task)
	}
	if !n.Memoize || n.MemoizeTTL != time.Minute {
		t.Errorf("Memoize = %v ttl %v", n.Memoize, n.MemoizeTTL)
	}
	if n.EstimatedCost[ResourceTokens] != 500 {
		t.Errorf("EstimatedCost = %v", n.EstimatedCost)
	}
}

func TestBuilderIf(t *testing.T) {
	g, err := NewBuilder("cond").
		Step("first", noopHandler).
		If("check", "ready",
			func(b *Builder) { b.Step("yes", noopHandler) },
			func(b *Builder) { b.Step("no", noopHandler) },
		).
		Terminal("end").
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	check := g.Nodes["check"]
	if check.IfTrue != "yes" || check.IfFalse != "no" {
		t.Errorf("arms = (%q, %q), want (yes, no)", check.IfTrue, check.IfFalse)
	}
	// Both arms converge on the node appended after If.
	if g.Nodes["yes"].Next != "end" || g.Nodes["no"].Next != "end" {
		t.Errorf("convergence = (%q, %q), want (end, end)", g.Nodes["yes"].Next, g.Nodes["no"].Next)
	}
}

func TestBuilderIfNilArmSkips(t *testing.T) {
	g, err := NewBuilder("cond").
		If("check", "ready",
			func(b *Builder) { b.Step("yes", noopHandler) },
			nil,
		).
		Terminal("end").
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	check := g.Nodes["check"]
	if check.IfFalse != "end" {
		t.Errorf("nil arm = %q, want direct edge to end", check.IfFalse)
	}
	if check.IfTrue != "yes" {
		t.Errorf("IfTrue = %q, want yes", check.IfTrue)
	}
}

func TestBuilderRepeatUntil(t *testing.T) {
	g, err := NewBuilder("loop").
		RepeatUntil("refine", "testsPassed", 3, func(b *Builder) {
			b.Step("fix", noopHandler).Step("test", noopHandler)
		}).
		Terminal("end").
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	loop := g.Nodes["refine"]
	if loop.Body != "fix" {
		t.Errorf("Body = %q, want fix", loop.Body)
	}
	if loop.MaxIterations != 3 || loop.ExitConditionID != "testsPassed" {
		t.Errorf("loop = %+v", loop)
	}
	if loop.Next != "end" {
		t.Errorf("Next = %q, want end", loop.Next)
	}
	// The body's tail routes back to the loop node.
	if g.Nodes["test"].Next != "refine" {
		t.Errorf("test.Next = %q, want refine", g.Nodes["test"].Next)
	}
}

func TestBuilderFork(t *testing.T) {
	g, err := NewBuilder("parallel").
		Fork("gather", JoinQuorum(2),
			func(b *Builder) { b.Step("web", noopHandler) },
			func(b *Builder) { b.Step("docs", noopHandler) },
			func(b *Builder) { b.Step("code", noopHandler) },
		).
		Terminal("end").
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	fork := g.Nodes["gather"]
	if len(fork.Branches) != 3 {
		t.Fatalf("Branches = %v", fork.Branches)
	}
	if fork.JoinID != "gather.join" {
		t.Errorf("JoinID = %q", fork.JoinID)
	}

	join := g.Nodes["gather.join"]
	if join == nil || join.Kind != NodeJoin {
		t.Fatal("join node not created")
	}
	if join.Mode.Required(3) != 2 {
		t.Errorf("join mode required = %d, want 2", join.Mode.Required(3))
	}
	if join.Next != "end" {
		t.Errorf("join.Next = %q, want end", join.Next)
	}
	for _, branch := range []string{"web", "docs", "code"} {
		if g.Nodes[branch].Next != "gather.join" {
			t.Errorf("%s.Next = %q, want gather.join", branch, g.Nodes[branch].Next)
		}
	}
}

func TestBuilderApproval(t *testing.T) {
	g, err := NewBuilder("gated").
		Step("draft", noopHandler).
		Approval("signoff", "reviewer", ApprovalSafetyCheck,
			WithApprovalDeadline(time.Hour),
			WithApprovalOptions(ApprovalOption{ID: "ship", Label: "Ship it", IsDefault: true}),
		).
		Terminal("end").
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	n := g.Nodes["signoff"]
	if n.Approver != "reviewer" || n.ApprovalKind != ApprovalSafetyCheck {
		t.Errorf("approval = %+v", n)
	}
	if n.Deadline != time.Hour {
		t.Errorf("Deadline = %v", n.Deadline)
	}
	if len(n.Options) != 1 || n.Options[0].ID != "ship" {
		t.Errorf("Options = %+v", n.Options)
	}
}

func TestBuilderDuplicateID(t *testing.T) {
	_, err := NewBuilder("dup").
		Step("a", noopHandler).
		Step("a", noopHandler).
		Terminal("end").
		Build()
	if !errors.Is(err, ErrValidationFailed) {
		t.Fatalf("err = %v, want ErrValidationFailed", err)
	}
}

func TestBuilderLoopWithoutBody(t *testing.T) {
	_, err := NewBuilder("bad").
		RepeatUntil("loop", "done", 3, nil).
		Terminal("end").
		Build()
	if !errors.Is(err, ErrValidationFailed) {
		t.Fatalf("err = %v, want ErrValidationFailed", err)
	}
}

func TestBuilderNoTerminal(t *testing.T) {
	_, err := NewBuilder("open").
		Step("a", noopHandler).
		Build()
	if !errors.Is(err, ErrValidationFailed) {
		t.Fatalf("err = %v, want ErrValidationFailed", err)
	}
}
