package saga

import (
	"fmt"
	"time"
)

// Builder assembles a workflow graph with a fluent API. Nodes chain in
// declaration order; control-flow constructs take body functions that build
// their subgraphs with the same API.
//
//	g, err := saga.NewBuilder("review").
//	    Step("generate", generateHandler).
//	    RepeatUntil("refine", "testsPassed", 3, func(b *saga.Builder) {
//	        b.Step("test", testHandler)
//	    }).
//	    Approval("signoff", "HumanDeveloper", saga.ApprovalGeneral).
//	    Terminal("done").
//	    Build()
type Builder struct {
	graphID string
	nodes   map[string]*Node
	entry   string

	// tails are the unresolved outgoing edges of the chain so far; the
	// next appended node becomes their target.
	tails []*string

	errs []error
}

// NewBuilder starts a builder for a graph with the given id.
func NewBuilder(graphID string) *Builder {
	return &Builder{
		graphID: graphID,
		nodes:   make(map[string]*Node),
	}
}

// StepOption customizes one step node.
type StepOption func(*Node)

// WithRetry sets the step's retry policy for recoverable failures.
func WithRetry(maxAttempts int, backoff time.Duration) StepOption {
	return func(n *Node) {
		n.Retry = RetryPolicy{MaxAttempts: maxAttempts, Backoff: backoff}
	}
}

// WithStepTimeout bounds one handler invocation.
func WithStepTimeout(d time.Duration) StepOption {
	return func(n *Node) { n.Timeout = d }
}

// WithOnFailure routes fatal step failures to the named node instead of
// failing the run.
func WithOnFailure(target string) StepOption {
	return func(n *Node) { n.OnFailure = target }
}

// WithTask enables agent selection for the step with the given features.
func WithTask(task TaskFeatures) StepOption {
	return func(n *Node) {
		t := task
		n.Task = &t
	}
}

// WithEstimatedCost declares the cost proposed to the budget guard before
// the step dispatches.
func WithEstimatedCost(cost map[ResourceType]float64) StepOption {
	return func(n *Node) { n.EstimatedCost = cost }
}

// WithMemo enables memoization for the step with the given TTL (zero means
// entries never expire).
func WithMemo(ttl time.Duration) StepOption {
	return func(n *Node) {
		n.Memoize = true
		n.MemoizeTTL = ttl
	}
}

// Step appends a step node.
func (b *Builder) Step(id string, handler StepHandler, opts ...StepOption) *Builder {
	n := &Node{ID: id, Kind: NodeStep, Handler: handler}
	for _, opt := range opts {
		opt(n)
	}
	b.append(n, &n.Next)
	return b
}

// If appends a branch node. Each body builds one arm; both arms converge on
// whatever is appended after If. A nil body makes that arm skip straight to
// the convergence point.
func (b *Builder) If(id, predicateID string, ifTrue, ifFalse func(*Builder)) *Builder {
	n := &Node{ID: id, Kind: NodeBranch, PredicateID: predicateID}
	b.append(n)

	trueTails := b.buildArm(&n.IfTrue, ifTrue)
	falseTails := b.buildArm(&n.IfFalse, ifFalse)
	b.tails = append(trueTails, falseTails...)
	return b
}

// RepeatUntil appends a loop node. The body subgraph runs, then the exit
// condition is evaluated: true (or iterations exhausted) exits to the next
// appended node, false re-enters the body.
func (b *Builder) RepeatUntil(id, exitConditionID string, maxIterations int, body func(*Builder)) *Builder {
	n := &Node{
		ID:              id,
		Kind:            NodeLoop,
		ExitConditionID: exitConditionID,
		MaxIterations:   maxIterations,
	}
	b.append(n, &n.Next)

	if body == nil {
		b.fail(fmt.Errorf("loop %q requires a body", id))
		return b
	}
	// The body's dangling tails route back to the loop node, which
	// re-evaluates the exit condition each iteration.
	bodyTails := b.buildArm(&n.Body, body)
	for _, tail := range bodyTails {
		*tail = id
	}
	return b
}

// Fork appends a fork node with one subgraph per branch, joined under the
// given mode. Branch tails route to the join; the join's next edge is the
// node appended after Fork.
func (b *Builder) Fork(id string, mode JoinMode, branches ...func(*Builder)) *Builder {
	joinID := id + ".join"
	n := &Node{ID: id, Kind: NodeFork, JoinID: joinID}
	join := &Node{ID: joinID, Kind: NodeJoin, Mode: mode}

	b.append(n)
	b.add(join)

	if len(branches) == 0 {
		b.fail(fmt.Errorf("fork %q requires at least one branch", id))
	}
	for _, branch := range branches {
		var entry string
		tails := b.buildArm(&entry, branch)
		if entry == "" {
			b.fail(fmt.Errorf("fork %q has an empty branch", id))
			continue
		}
		n.Branches = append(n.Branches, entry)
		for _, tail := range tails {
			*tail = joinID
		}
	}
	b.tails = []*string{&join.Next}
	return b
}

// ApprovalNodeOption customizes one approval node.
type ApprovalNodeOption func(*Node)

// WithApprovalOptions sets the choices presented to the reviewer.
func WithApprovalOptions(options ...ApprovalOption) ApprovalNodeOption {
	return func(n *Node) { n.Options = options }
}

// WithApprovalDeadline bounds how long the run waits for a decision before
// expiring with ErrApprovalTimeout.
func WithApprovalDeadline(d time.Duration) ApprovalNodeOption {
	return func(n *Node) { n.Deadline = d }
}

// Approval appends an approval checkpoint assigned to the given approver.
func (b *Builder) Approval(id, approver string, kind ApprovalType, opts ...ApprovalNodeOption) *Builder {
	n := &Node{ID: id, Kind: NodeApproval, Approver: approver, ApprovalKind: kind}
	for _, opt := range opts {
		opt(n)
	}
	b.append(n, &n.Next)
	return b
}

// Terminal appends a terminal node, completing the current chain.
func (b *Builder) Terminal(id string) *Builder {
	b.append(&Node{ID: id, Kind: NodeTerminal})
	return b
}

// Build finalizes the graph. Structural problems accumulated while building
// (duplicate ids, empty bodies, dangling edges) surface here wrapped in
// ErrValidationFailed. Predicate registration is checked later, when the
// engine is constructed with its condition registry.
func (b *Builder) Build() (*Graph, error) {
	if len(b.errs) > 0 {
		return nil, fmt.Errorf("%w: %v", ErrValidationFailed, b.errs[0])
	}

	g := &Graph{ID: b.graphID, Entry: b.entry, Nodes: b.nodes}
	if err := g.Validate(nil); err != nil {
		return nil, err
	}
	return g, nil
}

// append adds a node, wires every dangling tail to it, and leaves the
// node's own outgoing slots dangling.
func (b *Builder) append(n *Node, outgoing ...*string) {
	b.add(n)
	if b.entry == "" {
		b.entry = n.ID
	}
	for _, tail := range b.tails {
		*tail = n.ID
	}
	b.tails = outgoing
}

// add registers a node without touching the chain.
func (b *Builder) add(n *Node) {
	if _, exists := b.nodes[n.ID]; exists {
		b.fail(fmt.Errorf("duplicate node id %q", n.ID))
		return
	}
	b.nodes[n.ID] = n
}

// buildArm runs a body function against a sub-builder sharing this
// builder's node table, stores the arm's entry node in entry, and returns
// its dangling tails. A nil body leaves entry pointing at the convergence
// slot itself.
func (b *Builder) buildArm(entry *string, body func(*Builder)) []*string {
	if body == nil {
		return []*string{entry}
	}

	sub := &Builder{graphID: b.graphID, nodes: b.nodes, tails: []*string{entry}}
	body(sub)
	b.errs = append(b.errs, sub.errs...)

	if *entry == "" {
		b.fail(fmt.Errorf("empty body in graph %q", b.graphID))
		return nil
	}
	return sub.tails
}

func (b *Builder) fail(err error) {
	b.errs = append(b.errs, err)
}
