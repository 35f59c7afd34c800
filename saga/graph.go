package saga

import (
	"context"
	"fmt"
	"time"

	"github.com/relayworks/sagakit/saga/event"
)

// NodeKind is the type of a workflow graph node.
type NodeKind int

const (
	// NodeStep invokes a step handler.
	NodeStep NodeKind = iota

	// NodeBranch routes on a registered predicate.
	NodeBranch

	// NodeLoop repeats a body subgraph until an exit condition holds or
	// iterations run out.
	NodeLoop

	// NodeFork spawns parallel branch subgraphs.
	NodeFork

	// NodeJoin gates continuation on fork branch completion.
	NodeJoin

	// NodeApproval suspends the run until an external decision arrives.
	NodeApproval

	// NodeTerminal completes the run.
	NodeTerminal
)

// String returns the kind name.
func (k NodeKind) String() string {
	switch k {
	case NodeStep:
		return "step"
	case NodeBranch:
		return "branch"
	case NodeLoop:
		return "loop"
	case NodeFork:
		return "fork"
	case NodeJoin:
		return "join"
	case NodeApproval:
		return "approval"
	case NodeTerminal:
		return "terminal"
	default:
		return fmt.Sprintf("NodeKind(%d)", int(k))
	}
}

// JoinMode controls when a join node releases continuation.
type JoinMode struct {
	kind   string
	quorum int
}

var (
	// JoinAll waits for every fork branch.
	JoinAll = JoinMode{kind: "all"}

	// JoinAny continues after the first branch completes.
	JoinAny = JoinMode{kind: "any"}
)

// JoinQuorum continues after n branches complete.
func JoinQuorum(n int) JoinMode {
	return JoinMode{kind: "quorum", quorum: n}
}

// Required returns how many of total branches must complete before the join
// releases.
func (m JoinMode) Required(total int) int {
	switch m.kind {
	case "any":
		return 1
	case "quorum":
		if m.quorum < total {
			return m.quorum
		}
		return total
	default:
		return total
	}
}

// String returns the mode name.
func (m JoinMode) String() string {
	if m.kind == "quorum" {
		return fmt.Sprintf("quorum(%d)", m.quorum)
	}
	if m.kind == "" {
		return "all"
	}
	return m.kind
}

// StepContext carries per-dispatch information into a step handler.
type StepContext struct {
	// RunID identifies the workflow run.
	RunID string

	// NodeID names the step node being executed.
	NodeID string

	// Iteration is the enclosing loop's 1-indexed iteration count, zero
	// outside loops.
	Iteration int

	// Agent is the executor Thompson selection picked, zero-valued when the
	// step declares no task features.
	Agent Agent

	// Metadata carries scheduler-injected hints. Loop recovery sets keys
	// such as "variationConstraint" and "synthesisContext".
	Metadata map[string]any

	// Retrieval is the similarity search handle, nil unless the engine was
	// built with WithRetrieval.
	Retrieval *Retrieval
}

// StepResult is what a step handler returns.
type StepResult struct {
	// Delta is reduced into the run state under the schema's policies.
	Delta Delta

	// Events are appended to the run's stream after the reduction event.
	Events []event.Record

	// Progress is recorded in the progress ledger. ExecutorID, action, and
	// output drive loop detection.
	Progress ProgressEntry

	// Cost is charged against the budget after the step.
	Cost map[ResourceType]float64
}

// StepHandler executes one step. Handlers must observe ctx for cooperative
// cancellation, and must be deterministic for a given (state, StepContext)
// when memoization is enabled for the step.
type StepHandler func(ctx context.Context, state State, sc StepContext) (StepResult, error)

// RetryPolicy bounds retries of recoverable step failures.
type RetryPolicy struct {
	// MaxAttempts is the total number of tries, including the first.
	// Zero or one means no retries.
	MaxAttempts int

	// Backoff is the pause between attempts.
	Backoff time.Duration
}

// ApprovalType classifies why a run is asking for a human decision.
type ApprovalType string

const (
	ApprovalLoopEscalation    ApprovalType = "LoopEscalation"
	ApprovalGoalClarification ApprovalType = "GoalClarification"
	ApprovalDataRequest       ApprovalType = "DataRequest"
	ApprovalSafetyCheck       ApprovalType = "SafetyCheck"
	ApprovalGeneral           ApprovalType = "GeneralApproval"
)

// Node is one vertex of a workflow graph. Which fields are meaningful
// depends on Kind.
type Node struct {
	ID   string
	Kind NodeKind

	// Next is the default outgoing edge (step, approval, loop exit, join).
	Next string

	// Step fields.
	Handler    StepHandler
	OnFailure  string
	Retry      RetryPolicy
	Timeout    time.Duration
	Task       *TaskFeatures
	Memoize    bool
	MemoizeTTL time.Duration

	// EstimatedCost is proposed to the budget guard before dispatch, in
	// addition to the implicit one-step cost.
	EstimatedCost map[ResourceType]float64

	// Branch fields.
	PredicateID string
	IfTrue      string
	IfFalse     string

	// Loop fields.
	Body            string
	ExitConditionID string
	MaxIterations   int

	// Fork fields.
	Branches []string
	JoinID   string

	// Join fields.
	Mode JoinMode

	// Approval fields.
	Approver     string
	ApprovalKind ApprovalType
	Options      []ApprovalOption
	Deadline     time.Duration
}

// Graph is a validated workflow definition the scheduler executes.
type Graph struct {
	ID    string
	Entry string
	Nodes map[string]*Node
}

// Node returns the node with the given id.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.Nodes[id]
	return n, ok
}

// Validate checks graph structure and predicate references. Structural
// failures wrap ErrValidationFailed.
func (g *Graph) Validate(conditions *ConditionRegistry) error {
	if g.Entry == "" {
		return fmt.Errorf("%w: no entry node", ErrValidationFailed)
	}
	if _, ok := g.Nodes[g.Entry]; !ok {
		return fmt.Errorf("%w: entry node %q does not exist", ErrValidationFailed, g.Entry)
	}

	for id, n := range g.Nodes {
		if err := g.validateNode(id, n, conditions); err != nil {
			return err
		}
	}

	if !g.terminalReachable() {
		return fmt.Errorf("%w: no terminal node reachable from entry", ErrValidationFailed)
	}
	return nil
}

func (g *Graph) validateNode(id string, n *Node, conditions *ConditionRegistry) error {
	check := func(edge, target string) error {
		if target == "" {
			return fmt.Errorf("%w: node %q has no %s edge", ErrValidationFailed, id, edge)
		}
		if _, ok := g.Nodes[target]; !ok {
			return fmt.Errorf("%w: node %q %s edge references unknown node %q", ErrValidationFailed, id, edge, target)
		}
		return nil
	}
	checkOptional := func(edge, target string) error {
		if target == "" {
			return nil
		}
		return check(edge, target)
	}

	switch n.Kind {
	case NodeStep:
		if n.Handler == nil {
			return fmt.Errorf("%w: step %q has no handler", ErrValidationFailed, id)
		}
		if err := check("next", n.Next); err != nil {
			return err
		}
		return checkOptional("failure", n.OnFailure)

	case NodeBranch:
		if conditions != nil && !conditions.Has(n.PredicateID) {
			return fmt.Errorf("%w: branch %q predicate %q not registered", ErrValidationFailed, id, n.PredicateID)
		}
		if err := check("true", n.IfTrue); err != nil {
			return err
		}
		return check("false", n.IfFalse)

	case NodeLoop:
		if n.MaxIterations < 1 {
			return fmt.Errorf("%w: loop %q maxIterations must be >= 1", ErrValidationFailed, id)
		}
		if conditions != nil && !conditions.Has(n.ExitConditionID) {
			return fmt.Errorf("%w: loop %q exit condition %q not registered", ErrValidationFailed, id, n.ExitConditionID)
		}
		if err := check("body", n.Body); err != nil {
			return err
		}
		return check("next", n.Next)

	case NodeFork:
		if len(n.Branches) == 0 {
			return fmt.Errorf("%w: fork %q has no branches", ErrValidationFailed, id)
		}
		for _, b := range n.Branches {
			if err := check("branch", b); err != nil {
				return err
			}
		}
		return check("join", n.JoinID)

	case NodeJoin:
		return check("next", n.Next)

	case NodeApproval:
		return check("next", n.Next)

	case NodeTerminal:
		return nil

	default:
		return fmt.Errorf("%w: node %q has unknown kind %v", ErrValidationFailed, id, n.Kind)
	}
}

// terminalReachable walks every edge from the entry looking for a terminal.
func (g *Graph) terminalReachable() bool {
	seen := make(map[string]bool, len(g.Nodes))
	queue := []string{g.Entry}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true

		n, ok := g.Nodes[id]
		if !ok {
			continue
		}
		if n.Kind == NodeTerminal {
			return true
		}
		for _, next := range nodeEdges(n) {
			if next != "" {
				queue = append(queue, next)
			}
		}
	}
	return false
}

func nodeEdges(n *Node) []string {
	switch n.Kind {
	case NodeBranch:
		return []string{n.IfTrue, n.IfFalse}
	case NodeLoop:
		return []string{n.Body, n.Next}
	case NodeFork:
		return append(append([]string{}, n.Branches...), n.JoinID)
	default:
		return []string{n.Next, n.OnFailure}
	}
}
