package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/relayworks/sagakit/saga/emit"
	"github.com/relayworks/sagakit/saga/event"
	"github.com/relayworks/sagakit/saga/stepcache"
	"github.com/relayworks/sagakit/saga/store"
	"github.com/relayworks/sagakit/saga/vector"
)

// Step metadata keys the scheduler injects when applying loop recovery.
const (
	// MetaVariationConstraint is set true for one step after exact
	// repetition was detected; handlers should vary their approach.
	MetaVariationConstraint = "variationConstraint"

	// MetaSynthesisContext carries both sides of a detected oscillation as
	// context for the next step.
	MetaSynthesisContext = "synthesisContext"
)

// defaultRotationPicks is how many selections exclude recent executors
// after a ForceRotation recovery.
const defaultRotationPicks = 3

// RunStatus is a run's terminal status.
type RunStatus string

const (
	StatusCompleted       RunStatus = "Completed"
	StatusFailed          RunStatus = "Failed"
	StatusEscalated       RunStatus = "Escalated"
	StatusCancelled       RunStatus = "Cancelled"
	StatusBudgetExhausted RunStatus = "BudgetExhausted"
)

// RunResult is the outcome of one workflow run, with the final event
// sequence for audit.
type RunResult struct {
	RunID  string
	Status RunStatus

	// Reason explains Failed, Escalated, and BudgetExhausted statuses.
	Reason string

	// State is the final state snapshot.
	State State

	// Ticks is how many scheduler ticks the run consumed.
	Ticks int

	// Events is the run's full event stream.
	Events []event.Event

	// Progress is the run's progress ledger.
	Progress []ProgressEntry

	// Budget is the final consumption snapshot per limited resource.
	Budget map[ResourceType]ResourceSnapshot
}

// Engine executes workflow graphs. One engine hosts many concurrent runs;
// each run is driven by a single logical executor, one tick at a time.
type Engine struct {
	graph      *Graph
	schema     *Schema
	reducer    *Reducer
	conditions *ConditionRegistry
	ledger     *event.Ledger
	memoizer   *stepcache.Memoizer
	beliefs    *BeliefStore
	selector   *Selector
	detector   *LoopDetector
	approvals  *Coordinator
	emitter    emit.Emitter
	metrics    *Metrics
	retrieval  *Retrieval
	cfg        engineConfig
}

// NewEngine creates an engine for the given graph and state schema. The
// graph is validated against the condition registry immediately, so every
// predicate a branch or loop references must be registered first.
func NewEngine(g *Graph, schema *Schema, opts ...Option) (*Engine, error) {
	cfg := engineConfig{
		cacheCapacity:     stepcache.DefaultCapacity,
		loopWindow:        DefaultLoopWindow,
		semanticThreshold: DefaultSemanticThreshold,
		embedder:          vector.NewHashingEmbedder(0),
		maxDecompositions: 1,
		rotationPicks:     defaultRotationPicks,
		priorAlpha:        DefaultPriorAlpha,
		priorBeta:         DefaultPriorBeta,
		seed:              time.Now().UnixNano(),
		maxTicks:          1000,
	}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, fmt.Errorf("invalid engine option: %w", err)
		}
	}

	if cfg.store == nil {
		cfg.store = store.NewMemStore()
	}
	if cfg.cache == nil {
		if cfg.cacheBounded {
			c, err := stepcache.NewLRUCache(cfg.cacheCapacity)
			if err != nil {
				return nil, err
			}
			cfg.cache = c
		} else {
			cfg.cache = stepcache.NewMapCache()
		}
	}
	if cfg.conditions == nil {
		cfg.conditions = NewConditionRegistry()
	}
	if cfg.emitter == nil {
		cfg.emitter = emit.NewNullEmitter()
	}

	if err := g.Validate(cfg.conditions); err != nil {
		return nil, err
	}

	beliefs := NewBeliefStore(cfg.priorAlpha, cfg.priorBeta)
	selector := NewSelector(beliefs, cfg.seed)
	if cfg.confidenceThreshold > 0 {
		selector.SetConfidenceFallback(cfg.confidenceThreshold, cfg.defaultAgentID)
	}

	var retrieval *Retrieval
	if cfg.searcher != nil {
		if cfg.embedder == nil {
			return nil, fmt.Errorf("retrieval requires an embedder")
		}
		retrieval = &Retrieval{
			searcher:     cfg.searcher,
			embedder:     cfg.embedder,
			topK:         cfg.topK,
			minRelevance: cfg.minRelevance,
		}
	}

	return &Engine{
		graph:      g,
		schema:     schema,
		reducer:    NewReducer(schema),
		conditions: cfg.conditions,
		ledger:     event.NewLedger(cfg.store),
		memoizer:   stepcache.NewMemoizer(cfg.cache, cfg.cacheTTL),
		beliefs:    beliefs,
		selector:   selector,
		detector:   NewLoopDetector(cfg.loopWindow, cfg.semanticThreshold, cfg.embedder),
		approvals:  NewCoordinator(),
		emitter:    cfg.emitter,
		metrics:    cfg.metrics,
		retrieval:  retrieval,
		cfg:        cfg,
	}, nil
}

// Conditions returns the engine's predicate registry, for registration and
// hot reload.
func (e *Engine) Conditions() *ConditionRegistry {
	return e.conditions
}

// Beliefs returns the engine's belief store, for inspection and seeding.
func (e *Engine) Beliefs() *BeliefStore {
	return e.beliefs
}

// Submit delivers an external approval decision to a suspended run.
func (e *Engine) Submit(approvalID string, d Decision) error {
	return e.approvals.Submit(approvalID, d)
}

// PendingApprovals returns approvals currently awaiting a decision across
// all runs.
func (e *Engine) PendingApprovals() []ApprovalRequest {
	return e.approvals.Pending()
}

// Verify recomputes a run's event hash chain.
func (e *Engine) Verify(ctx context.Context, runID string) (bool, error) {
	return e.ledger.Verify(ctx, runID)
}

// run is the per-run scheduler state for one drive loop.
type run struct {
	id         string
	state      State
	cursor     string
	budget     *Budget
	progress   *ProgressLedger
	iterations map[string]int
	loopStack  []string
	tick       int

	// One-shot recovery effects.
	stepMeta      map[string]any
	excluded      map[string]bool
	rotationLeft  int
	needsRecovery *Detection
	decomposeUsed int
}

// Run executes the workflow from its entry node until a terminal status.
// initial provides the starting field values; its WorkflowID and Version
// are overwritten.
func (e *Engine) Run(ctx context.Context, runID string, initial State) (RunResult, error) {
	r := &run{
		id:         runID,
		state:      State{WorkflowID: runID, Fields: initial.Fields},
		cursor:     e.graph.Entry,
		budget:     NewBudget(e.cfg.budgetLimits),
		progress:   NewProgressLedger(),
		iterations: make(map[string]int),
		stepMeta:   make(map[string]any),
		excluded:   make(map[string]bool),
	}
	if r.state.Fields == nil {
		r.state.Fields = make(map[string]any)
	}

	if err := e.append(ctx, r, KindRunStarted, runStartedPayload{
		RunID:  runID,
		Graph:  e.graph.ID,
		Cursor: e.graph.Entry,
	}); err != nil {
		return RunResult{}, err
	}
	e.emit(r, "", "", "run_started", nil)
	if e.metrics != nil {
		e.metrics.ActiveRuns.Inc()
	}

	return e.drive(ctx, r)
}

// Resume restarts a stopped run from its event stream: the state is
// re-projected, the cursor and loop counters are recovered, and execution
// continues. Fails when the stream is empty or already terminated.
func (e *Engine) Resume(ctx context.Context, runID string) (RunResult, error) {
	events, err := e.ledger.Load(ctx, runID)
	if err != nil {
		return RunResult{}, err
	}
	if len(events) == 0 {
		return RunResult{}, fmt.Errorf("run %q has no event stream", runID)
	}

	last := events[len(events)-1]
	if last.Kind == KindRunTerminated || last.Kind == KindRunCancelled {
		return RunResult{}, fmt.Errorf("run %q already terminated", runID)
	}

	r := &run{
		id:         runID,
		state:      State{WorkflowID: runID, Fields: make(map[string]any)},
		cursor:     e.graph.Entry,
		budget:     NewBudget(e.cfg.budgetLimits),
		progress:   NewProgressLedger(),
		iterations: make(map[string]int),
		stepMeta:   make(map[string]any),
		excluded:   make(map[string]bool),
	}
	if err := e.replay(r, events); err != nil {
		return RunResult{}, err
	}

	e.emit(r, "", "", "run_resumed", map[string]any{"events": len(events)})
	if e.metrics != nil {
		e.metrics.ActiveRuns.Inc()
	}
	return e.drive(ctx, r)
}

// replay folds a stored event sequence back into scheduler state.
func (e *Engine) replay(r *run, events []event.Event) error {
	applyDelta := func(d Delta) error {
		if len(d) == 0 {
			return nil
		}
		next, err := e.reducer.Apply(r.state, d)
		if err != nil {
			return err
		}
		r.state = next
		return nil
	}

	for _, ev := range events {
		switch ev.Kind {
		case KindStepCompleted:
			var p stepCompletedPayload
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				return fmt.Errorf("replay %s: %w", ev.Kind, err)
			}
			if err := applyDelta(p.Delta); err != nil {
				return err
			}
			for res, amt := range p.Cost {
				r.budget.Consume(res, amt)
			}
			r.budget.Consume(ResourceSteps, 1)
			r.progress.Append(ProgressEntry{
				TaskID:        r.id,
				ExecutorID:    p.AgentID,
				Action:        p.Node,
				ProgressMade:  true,
				Timestamp:     ev.Timestamp,
				ExecutorState: ExecutorCompleted,
			})

		case KindLoopIteration:
			var p loopIterationPayload
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				return fmt.Errorf("replay %s: %w", ev.Kind, err)
			}
			r.iterations[p.Node] = p.Iteration
			if len(r.loopStack) == 0 || r.loopStack[len(r.loopStack)-1] != p.Node {
				r.loopStack = append(r.loopStack, p.Node)
			}

		case KindLoopExited, KindLoopLimitReached:
			if len(r.loopStack) > 0 {
				r.loopStack = r.loopStack[:len(r.loopStack)-1]
			}

		case KindRecoveryApplied:
			var p recoveryAppliedPayload
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				return fmt.Errorf("replay %s: %w", ev.Kind, err)
			}
			if err := applyDelta(p.Delta); err != nil {
				return err
			}
			if p.Recovery == RecoveryDecompose {
				r.decomposeUsed++
			}

		case KindApprovalDecided:
			var p approvalDecidedPayload
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				return fmt.Errorf("replay %s: %w", ev.Kind, err)
			}
			if err := applyDelta(p.Delta); err != nil {
				return err
			}
		}

		var c struct {
			Cursor string `json:"cursor"`
		}
		if err := json.Unmarshal(ev.Payload, &c); err == nil && c.Cursor != "" {
			r.cursor = c.Cursor
		}
	}
	return nil
}

// drive is the per-run tick loop.
func (e *Engine) drive(ctx context.Context, r *run) (RunResult, error) {
	defer func() {
		if e.metrics != nil {
			e.metrics.ActiveRuns.Dec()
		}
	}()

	for {
		if ctx.Err() != nil {
			return e.terminate(context.Background(), r, StatusCancelled, "run cancelled")
		}

		r.tick++
		if r.tick > e.cfg.maxTicks {
			return e.terminate(ctx, r, StatusFailed, fmt.Sprintf("tick limit %d reached", e.cfg.maxTicks))
		}
		if res, over := r.budget.Exceeded(); over {
			return e.terminate(ctx, r, StatusBudgetExhausted, fmt.Sprintf("%s exhausted", res))
		}

		// NoProgress recovery runs before dispatch: decompose while the
		// budget allows, then escalate to a human.
		if r.needsRecovery != nil {
			det := *r.needsRecovery
			r.needsRecovery = nil
			if terminal, err := e.applyStructuralRecovery(ctx, r, det); terminal != nil || err != nil {
				if err != nil {
					return RunResult{}, err
				}
				return *terminal, nil
			}
			continue
		}

		node, ok := e.graph.Node(r.cursor)
		if !ok {
			return e.terminate(ctx, r, StatusFailed, fmt.Sprintf("cursor references unknown node %q", r.cursor))
		}

		var (
			terminal *RunResult
			err      error
		)
		switch node.Kind {
		case NodeStep:
			terminal, err = e.dispatchStep(ctx, r, node)
		case NodeBranch:
			terminal, err = e.dispatchBranch(ctx, r, node)
		case NodeLoop:
			terminal, err = e.dispatchLoop(ctx, r, node)
		case NodeFork:
			terminal, err = e.dispatchFork(ctx, r, node)
		case NodeApproval:
			terminal, err = e.dispatchApproval(ctx, r, node)
		case NodeTerminal:
			res, err := e.terminate(ctx, r, StatusCompleted, "")
			return res, err
		default:
			terminal, err = nil, fmt.Errorf("node %q has unexecutable kind %v", node.ID, node.Kind)
		}
		if err != nil {
			return RunResult{}, err
		}
		if terminal != nil {
			return *terminal, nil
		}
	}
}

// dispatchStep runs one step node. The cache is consulted before anything
// else: a warm entry short-circuits budget admission, agent selection, and
// the handler. Only misses pay admission and run the producer. Either way
// the result flows through reduction, events, progress, budget, and loop
// detection.
func (e *Engine) dispatchStep(ctx context.Context, r *run, node *Node) (*RunResult, error) {
	// One-shot recovery metadata.
	md := make(map[string]any, len(r.stepMeta))
	for k, v := range r.stepMeta {
		md[k] = v
	}
	r.stepMeta = make(map[string]any)

	sc := StepContext{
		RunID:     r.id,
		NodeID:    node.ID,
		Iteration: e.currentIteration(r),
		Metadata:  md,
		Retrieval: e.retrieval,
	}

	var (
		result    StepResult
		attempts  int
		cached    bool
		execErr   error
		inputHash string
	)
	started := time.Now()

	if node.Memoize {
		var err error
		inputHash, err = e.stepInputHash(r.state, node, sc)
		if err != nil {
			return nil, err
		}
		res, hit, err := e.lookupCached(ctx, node, inputHash)
		if err != nil {
			return nil, err
		}
		if hit {
			result, cached = res, true
		}
	}

	if !cached {
		// Budget admission.
		if terminal, err := e.admitStep(ctx, r, node); terminal != nil || err != nil {
			return terminal, err
		}

		// Agent selection.
		if node.Task != nil {
			sel, err := e.selectAgent(r, node)
			if err != nil {
				if errors.Is(err, ErrNoEligibleAgent) {
					return e.terminatePtr(ctx, r, StatusFailed, err.Error())
				}
				return nil, err
			}
			sc.Agent = sel.Agent
			e.emit(r, node.ID, sel.Agent.ID, "agent_selected", map[string]any{
				"theta":    sel.Theta,
				"fellBack": sel.FellBack,
			})
		}

		result, attempts, cached, execErr = e.executeStep(ctx, r.state, node, sc, inputHash)
	}
	elapsed := time.Since(started)

	if execErr != nil {
		if errors.Is(execErr, context.Canceled) {
			return e.terminatePtr(context.Background(), r, StatusCancelled, "run cancelled")
		}
		return e.handleStepFailure(ctx, r, node, sc, attempts, execErr)
	}

	next, err := e.reducer.Apply(r.state, result.Delta)
	if err != nil {
		return e.handleStepFailure(ctx, r, node, sc, attempts, err)
	}

	// Charge the budget.
	cost := make(map[ResourceType]float64, len(result.Cost)+1)
	for res, amt := range result.Cost {
		cost[res] = amt
	}
	if !cached {
		cost[ResourceExecutions] += float64(attempts)
	}
	for res, amt := range cost {
		r.budget.Consume(res, amt)
	}
	r.budget.Consume(ResourceSteps, 1)

	if err := e.append(ctx, r, KindStepCompleted, stepCompletedPayload{
		Node:    node.ID,
		Delta:   result.Delta,
		Cached:  cached,
		AgentID: sc.Agent.ID,
		Cost:    cost,
		Cursor:  node.Next,
	}); err != nil {
		return nil, err
	}
	for _, rec := range result.Events {
		if err := e.append(ctx, r, rec.Kind, rec.Payload); err != nil {
			return nil, err
		}
	}

	// Progress entry; handler fields win, gaps are filled.
	entry := result.Progress
	if entry.TaskID == "" {
		entry.TaskID = r.id
	}
	if entry.ExecutorID == "" {
		if sc.Agent.ID != "" {
			entry.ExecutorID = sc.Agent.ID
		} else {
			entry.ExecutorID = node.ID
		}
	}
	if entry.Action == "" {
		entry.Action = node.ID
	}
	if entry.ExecutorState == "" {
		entry.ExecutorState = ExecutorCompleted
	}
	if cached {
		entry.ProgressMade = true
	}
	entry.Duration = elapsed
	if entry.TokensConsumed == 0 {
		entry.TokensConsumed = int(cost[ResourceTokens])
	}
	r.progress.Append(entry)

	if node.Task != nil && !cached {
		e.beliefs.Update(sc.Agent.ID, node.Task.Category, true)
	}
	if e.metrics != nil {
		e.metrics.StepLatency.WithLabelValues(node.ID, "success").Observe(elapsed.Seconds())
		if t := cost[ResourceTokens]; t > 0 {
			e.metrics.TokensConsumed.Add(t)
		}
	}
	e.emit(r, node.ID, sc.Agent.ID, "step_completed", map[string]any{
		"cached":      cached,
		"duration_ms": elapsed.Milliseconds(),
	})

	r.state = next
	r.cursor = node.Next

	e.detectLoops(ctx, r)
	return nil, nil
}

// admitStep runs budget admission against the step's estimated cost.
// Returns a terminal result when a resource blocks; warnings only emit.
func (e *Engine) admitStep(ctx context.Context, r *run, node *Node) (*RunResult, error) {
	proposals := map[ResourceType]float64{ResourceSteps: 1}
	for res, amt := range node.EstimatedCost {
		proposals[res] += amt
	}
	for _, res := range sortedResources(proposals) {
		check := r.budget.Check(res, proposals[res])
		switch check.Status {
		case CheckBlocked:
			if e.metrics != nil {
				e.metrics.BudgetBlocks.WithLabelValues(string(res)).Inc()
			}
			return e.terminatePtr(ctx, r, StatusBudgetExhausted, check.Reason)
		case CheckWarning:
			e.emit(r, node.ID, "", "budget_warning", map[string]any{"reason": check.Reason})
		}
	}
	return nil, nil
}

// stepInputHash keys memoization on the step, the state it sees, and the
// per-invocation context.
func (e *Engine) stepInputHash(state State, node *Node, sc StepContext) (string, error) {
	return stepcache.InputHash(map[string]any{
		"step":      node.ID,
		"state":     state.Fields,
		"metadata":  sc.Metadata,
		"iteration": sc.Iteration,
	})
}

// lookupCached probes the step cache directly, without admission or a
// producer. A warm entry is served as a completed step result.
func (e *Engine) lookupCached(ctx context.Context, node *Node, inputHash string) (StepResult, bool, error) {
	raw, found, err := e.memoizer.Cache().Get(ctx, stepcache.Key(node.ID, inputHash))
	if err != nil || !found {
		return StepResult{}, false, err
	}
	if e.metrics != nil {
		e.metrics.CacheHits.Inc()
	}
	res, err := cachedStepResult(node, raw)
	if err != nil {
		return StepResult{}, false, err
	}
	return res, true, nil
}

// cachedStepResult rebuilds a step result from a stored delta.
func cachedStepResult(node *Node, raw json.RawMessage) (StepResult, error) {
	var delta Delta
	if err := json.Unmarshal(raw, &delta); err != nil {
		return StepResult{}, fmt.Errorf("decode cached result for %q: %w", node.ID, err)
	}
	return StepResult{
		Delta: delta,
		Progress: ProgressEntry{
			Action:       node.ID,
			ProgressMade: true,
		},
	}, nil
}

// executeStep invokes the handler with per-step timeout and retry policy,
// through the memoization layer when the node opts in. The caller has
// already probed the cache and missed; inputHash carries its key. cached
// reports that the delta still came from the cache (a racing producer
// filled the entry) rather than this invocation.
func (e *Engine) executeStep(ctx context.Context, state State, node *Node, sc StepContext, inputHash string) (StepResult, int, bool, error) {
	if !node.Memoize {
		res, attempts, err := e.invokeWithRetry(ctx, state, node, sc)
		return res, attempts, false, err
	}

	var (
		full     *StepResult
		attempts int
	)
	raw, _, err := e.memoizer.DoTTL(ctx, node.ID, inputHash, node.MemoizeTTL, func(fctx context.Context) (json.RawMessage, error) {
		res, n, err := e.invokeWithRetry(fctx, state, node, sc)
		attempts = n
		if err != nil {
			return nil, err
		}
		full = &res
		canonical, err := event.CanonicalJSON(res.Delta)
		if err != nil {
			return nil, err
		}
		return json.RawMessage(canonical), nil
	})
	if err != nil {
		return StepResult{}, attempts, false, err
	}
	if full != nil {
		// This call ran the producer: a true miss.
		if e.metrics != nil {
			e.metrics.CacheMisses.Inc()
		}
		return *full, attempts, false, nil
	}

	if e.metrics != nil {
		e.metrics.CacheHits.Inc()
	}
	res, err := cachedStepResult(node, raw)
	if err != nil {
		return StepResult{}, 0, false, err
	}
	return res, 0, true, nil
}

// invokeWithRetry runs the handler, retrying recoverable failures up to
// the node's retry policy.
func (e *Engine) invokeWithRetry(ctx context.Context, state State, node *Node, sc StepContext) (StepResult, int, error) {
	maxAttempts := node.Retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		stepCtx := ctx
		cancel := context.CancelFunc(func() {})
		if node.Timeout > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, node.Timeout)
		}
		res, err := node.Handler(stepCtx, state, sc)
		cancel()

		if err == nil {
			return res, attempt, nil
		}
		lastErr = err

		if !retryable(err) || attempt == maxAttempts {
			return StepResult{}, attempt, err
		}
		if ctx.Err() != nil {
			return StepResult{}, attempt, ctx.Err()
		}
		if node.Retry.Backoff > 0 {
			select {
			case <-time.After(node.Retry.Backoff):
			case <-ctx.Done():
				return StepResult{}, attempt, ctx.Err()
			}
		}
	}
	return StepResult{}, maxAttempts, lastErr
}

// retryable classifies a handler error. StepError carries its own flag;
// a per-step timeout counts as transient.
func retryable(err error) bool {
	var se *StepError
	if errors.As(err, &se) {
		return se.Recoverable
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// handleStepFailure records the failure, updates beliefs, and routes to
// the node's failure edge or terminates the run.
func (e *Engine) handleStepFailure(ctx context.Context, r *run, node *Node, sc StepContext, attempts int, execErr error) (*RunResult, error) {
	if node.Task != nil && sc.Agent.ID != "" {
		e.beliefs.Update(sc.Agent.ID, node.Task.Category, false)
	}
	if e.metrics != nil {
		e.metrics.StepLatency.WithLabelValues(node.ID, "error").Observe(0)
	}

	cursor := node.OnFailure
	if err := e.append(ctx, r, KindStepFailed, stepFailedPayload{
		Node:        node.ID,
		Error:       execErr.Error(),
		Recoverable: retryable(execErr),
		Attempts:    attempts,
		Cursor:      cursor,
	}); err != nil {
		return nil, err
	}
	r.budget.Consume(ResourceExecutions, float64(attempts))

	r.progress.Append(ProgressEntry{
		TaskID:        r.id,
		ExecutorID:    firstNonEmpty(sc.Agent.ID, node.ID),
		Action:        node.ID,
		Output:        execErr.Error(),
		ProgressMade:  false,
		ExecutorState: ExecutorFailed,
	})
	e.emit(r, node.ID, sc.Agent.ID, "step_failed", map[string]any{
		"error":    execErr.Error(),
		"attempts": attempts,
	})

	if cursor != "" {
		r.cursor = cursor
		e.detectLoops(ctx, r)
		return nil, nil
	}
	res, err := e.terminate(ctx, r, StatusFailed, execErr.Error())
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// dispatchBranch evaluates the predicate and routes.
func (e *Engine) dispatchBranch(ctx context.Context, r *run, node *Node) (*RunResult, error) {
	result, err := e.conditions.Evaluate(node.PredicateID, r.state)
	if err != nil {
		return e.terminatePtr(ctx, r, StatusFailed, err.Error())
	}

	target := node.IfFalse
	if result {
		target = node.IfTrue
	}
	if err := e.append(ctx, r, KindBranchEvaluated, branchEvaluatedPayload{
		Node:      node.ID,
		Predicate: node.PredicateID,
		Result:    result,
		Cursor:    target,
	}); err != nil {
		return nil, err
	}
	e.emit(r, node.ID, "", "branch_evaluated", map[string]any{"result": result})
	r.cursor = target
	return nil, nil
}

// dispatchLoop evaluates the exit condition (after the body has run at
// least once) and either re-enters the body or exits.
func (e *Engine) dispatchLoop(ctx context.Context, r *run, node *Node) (*RunResult, error) {
	it := r.iterations[node.ID]

	if it > 0 {
		exit, err := e.conditions.Evaluate(node.ExitConditionID, r.state)
		if err != nil {
			return e.terminatePtr(ctx, r, StatusFailed, err.Error())
		}
		if exit {
			if err := e.append(ctx, r, KindLoopExited, loopExitedPayload{
				Node: node.ID, Iterations: it, Cursor: node.Next,
			}); err != nil {
				return nil, err
			}
			e.popLoop(r, node.ID)
			r.cursor = node.Next
			return nil, nil
		}
		if it >= node.MaxIterations {
			// Exit as if satisfied, with a warning on the record.
			if err := e.append(ctx, r, KindLoopLimitReached, loopLimitReachedPayload{
				Node: node.ID, MaxIterations: node.MaxIterations, Cursor: node.Next,
			}); err != nil {
				return nil, err
			}
			e.emit(r, node.ID, "", "loop_limit_reached", map[string]any{"maxIterations": node.MaxIterations})
			e.popLoop(r, node.ID)
			r.cursor = node.Next
			return nil, nil
		}
	}

	r.iterations[node.ID] = it + 1
	if it == 0 {
		r.loopStack = append(r.loopStack, node.ID)
	}
	if err := e.append(ctx, r, KindLoopIteration, loopIterationPayload{
		Node: node.ID, Iteration: it + 1, Cursor: node.Body,
	}); err != nil {
		return nil, err
	}
	r.cursor = node.Body
	return nil, nil
}

// dispatchFork runs branch subgraphs concurrently on the same base
// snapshot and joins per the join node's mode. Completed branches' events
// and deltas apply in branch declaration order for determinism.
func (e *Engine) dispatchFork(ctx context.Context, r *run, node *Node) (*RunResult, error) {
	join, ok := e.graph.Node(node.JoinID)
	if !ok {
		return nil, fmt.Errorf("fork %q join %q missing", node.ID, node.JoinID)
	}
	required := join.Mode.Required(len(node.Branches))

	branchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type branchOutcome struct {
		idx     int
		records []event.Record
		deltas  []Delta
		err     error
	}
	outcomes := make(chan branchOutcome, len(node.Branches))
	for i, entry := range node.Branches {
		go func(idx int, entry string) {
			records, deltas, err := e.runForkBranch(branchCtx, r, entry, node.JoinID)
			outcomes <- branchOutcome{idx: idx, records: records, deltas: deltas, err: err}
		}(i, entry)
	}

	completed := make([]branchOutcome, 0, required)
	for len(completed) < required {
		select {
		case <-ctx.Done():
			return e.terminatePtr(context.Background(), r, StatusCancelled, "run cancelled")
		case out := <-outcomes:
			if out.err != nil {
				cancel()
				return e.terminatePtr(ctx, r, StatusFailed, out.err.Error())
			}
			completed = append(completed, out)
		}
	}
	cancel() // abandon stragglers beyond the join requirement

	sort.Slice(completed, func(i, j int) bool { return completed[i].idx < completed[j].idx })

	completedIDs := make([]string, len(completed))
	for i, out := range completed {
		completedIDs[i] = node.Branches[out.idx]
		for _, rec := range out.records {
			if err := e.append(ctx, r, rec.Kind, rec.Payload); err != nil {
				return nil, err
			}
		}
		for _, d := range out.deltas {
			next, err := e.reducer.Apply(r.state, d)
			if err != nil {
				return e.terminatePtr(ctx, r, StatusFailed, err.Error())
			}
			r.state = next
		}
	}

	if err := e.append(ctx, r, KindForkJoined, forkJoinedPayload{
		Node:      node.ID,
		Completed: completedIDs,
		Cursor:    join.Next,
	}); err != nil {
		return nil, err
	}
	e.emit(r, node.ID, "", "fork_joined", map[string]any{
		"mode":      join.Mode.String(),
		"completed": len(completedIDs),
	})
	r.cursor = join.Next
	return nil, nil
}

// runForkBranch executes a branch subgraph against a private copy of the
// run state, collecting event records and deltas for ordered application
// at the join. Only step and branch nodes may appear inside fork branches.
func (e *Engine) runForkBranch(ctx context.Context, r *run, entry, joinID string) ([]event.Record, []Delta, error) {
	state := r.state
	cursor := entry

	var (
		records []event.Record
		deltas  []Delta
	)
	for cursor != joinID {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		node, ok := e.graph.Node(cursor)
		if !ok {
			return nil, nil, fmt.Errorf("fork branch references unknown node %q", cursor)
		}

		switch node.Kind {
		case NodeStep:
			sc := StepContext{RunID: r.id, NodeID: node.ID, Metadata: map[string]any{}, Retrieval: e.retrieval}

			// Same order as dispatchStep: a warm cache entry needs no agent.
			var (
				result    StepResult
				attempts  int
				cached    bool
				inputHash string
			)
			if node.Memoize {
				var err error
				inputHash, err = e.stepInputHash(state, node, sc)
				if err != nil {
					return nil, nil, err
				}
				res, hit, err := e.lookupCached(ctx, node, inputHash)
				if err != nil {
					return nil, nil, err
				}
				if hit {
					result, cached = res, true
				}
			}
			if !cached {
				if node.Task != nil {
					sel, err := e.selectAgent(r, node)
					if err != nil {
						return nil, nil, err
					}
					sc.Agent = sel.Agent
				}

				var err error
				result, attempts, cached, err = e.executeStep(ctx, state, node, sc, inputHash)
				if err != nil {
					if node.Task != nil && sc.Agent.ID != "" {
						e.beliefs.Update(sc.Agent.ID, node.Task.Category, false)
					}
					return nil, nil, err
				}
			}
			next, err := e.reducer.Apply(state, result.Delta)
			if err != nil {
				return nil, nil, err
			}
			state = next
			deltas = append(deltas, result.Delta)

			cost := make(map[ResourceType]float64, len(result.Cost)+1)
			for res, amt := range result.Cost {
				cost[res] = amt
				r.budget.Consume(res, amt)
			}
			if !cached {
				cost[ResourceExecutions] += float64(attempts)
				r.budget.Consume(ResourceExecutions, float64(attempts))
			}
			r.budget.Consume(ResourceSteps, 1)

			records = append(records, event.Record{Kind: KindStepCompleted, Payload: stepCompletedPayload{
				Node:    node.ID,
				Delta:   result.Delta,
				Cached:  cached,
				AgentID: sc.Agent.ID,
				Cost:    cost,
			}})
			records = append(records, result.Events...)

			entry := result.Progress
			if entry.TaskID == "" {
				entry.TaskID = r.id
			}
			if entry.ExecutorID == "" {
				entry.ExecutorID = firstNonEmpty(sc.Agent.ID, node.ID)
			}
			if entry.Action == "" {
				entry.Action = node.ID
			}
			if entry.ExecutorState == "" {
				entry.ExecutorState = ExecutorCompleted
			}
			r.progress.Append(entry)
			if node.Task != nil && !cached {
				e.beliefs.Update(sc.Agent.ID, node.Task.Category, true)
			}
			cursor = node.Next

		case NodeBranch:
			result, err := e.conditions.Evaluate(node.PredicateID, state)
			if err != nil {
				return nil, nil, err
			}
			target := node.IfFalse
			if result {
				target = node.IfTrue
			}
			records = append(records, event.Record{Kind: KindBranchEvaluated, Payload: branchEvaluatedPayload{
				Node: node.ID, Predicate: node.PredicateID, Result: result,
			}})
			cursor = target

		default:
			return nil, nil, fmt.Errorf("node kind %v not supported inside fork branches", node.Kind)
		}
	}
	return records, deltas, nil
}

// dispatchApproval suspends the run at the checkpoint until a decision,
// deadline, or cancellation.
func (e *Engine) dispatchApproval(ctx context.Context, r *run, node *Node) (*RunResult, error) {
	kind := node.ApprovalKind
	if kind == "" {
		kind = ApprovalGeneral
	}
	options := node.Options
	if len(options) == 0 {
		options = []ApprovalOption{
			{ID: "approve", Label: "Approve", IsDefault: true},
			{ID: "reject", Label: "Reject"},
		}
	}

	req := ApprovalRequest{
		ApprovalID:    uuid.NewString(),
		WorkflowID:    r.id,
		Type:          kind,
		Options:       options,
		StateSnapshot: r.state.Fields,
	}

	// Cursor stays on the approval node so a restarted process re-requests
	// the decision.
	if err := e.append(ctx, r, KindApprovalRequested, approvalRequestedPayload{
		ApprovalRequest: req,
		Node:            node.ID,
		Cursor:          node.ID,
	}); err != nil {
		return nil, err
	}
	e.emit(r, node.ID, "", "approval_requested", map[string]any{
		"approvalId": req.ApprovalID,
		"type":       string(kind),
	})
	if e.metrics != nil {
		e.metrics.Approvals.WithLabelValues("requested").Inc()
	}

	decision, err := e.approvals.Await(ctx, req, node.Deadline)
	if err != nil {
		if errors.Is(err, ErrApprovalTimeout) {
			if e.metrics != nil {
				e.metrics.Approvals.WithLabelValues("expired").Inc()
			}
			if aerr := e.append(ctx, r, KindApprovalExpired, approvalExpiredPayload{
				ApprovalID: req.ApprovalID,
				Node:       node.ID,
				Cursor:     node.ID,
			}); aerr != nil {
				return nil, aerr
			}
			return e.terminatePtr(ctx, r, StatusFailed, err.Error())
		}
		return e.terminatePtr(context.Background(), r, StatusCancelled, "run cancelled")
	}

	delta := e.decisionDelta(req, decision)
	if len(delta) > 0 {
		next, rerr := e.reducer.Apply(r.state, delta)
		if rerr != nil {
			return e.terminatePtr(ctx, r, StatusFailed, rerr.Error())
		}
		r.state = next
	}

	if err := e.append(ctx, r, KindApprovalDecided, approvalDecidedPayload{
		Decision: decision,
		Node:     node.ID,
		Delta:    delta,
		Cursor:   node.Next,
	}); err != nil {
		return nil, err
	}
	if e.metrics != nil {
		e.metrics.Approvals.WithLabelValues("decided").Inc()
	}
	e.emit(r, node.ID, "", "approval_decided", map[string]any{
		"approvalId": req.ApprovalID,
		"approved":   decision.Approved,
	})

	r.progress.Append(ProgressEntry{
		TaskID:        r.id,
		ExecutorID:    decision.ReviewerID,
		Action:        "approval:" + node.ID,
		ProgressMade:  true,
		ExecutorState: ExecutorCompleted,
	})
	r.cursor = node.Next
	return nil, nil
}

// decisionDelta records the decision in state when the schema declares an
// "approvals" field; otherwise the decision lives only in the event stream.
func (e *Engine) decisionDelta(req ApprovalRequest, d Decision) Delta {
	policy, ok := e.schema.PolicyOf("approvals")
	if !ok {
		return nil
	}

	record := map[string]any{
		"approvalId": req.ApprovalID,
		"type":       string(req.Type),
		"approved":   d.Approved,
		"optionId":   d.OptionID,
		"feedback":   d.Feedback,
		"reviewerId": d.ReviewerID,
	}
	switch policy {
	case PolicyMerge:
		return Delta{"approvals": map[string]any{req.ApprovalID: record}}
	case PolicyAppend:
		return Delta{"approvals": []any{record}}
	default:
		return Delta{"approvals": record}
	}
}

// detectLoops runs the detector over the recent window and arms the
// matching recovery for the next tick.
func (e *Engine) detectLoops(ctx context.Context, r *run) {
	det, ok := e.detector.Detect(ctx, r.progress.Window(e.detector.Window()))
	if !ok {
		return
	}

	if e.metrics != nil {
		e.metrics.LoopDetections.WithLabelValues(string(det.Kind)).Inc()
	}
	e.emit(r, r.cursor, "", "loop_detected", map[string]any{
		"kind":     string(det.Kind),
		"recovery": string(det.Recovery),
		"detail":   det.Detail,
	})
	if err := e.append(ctx, r, KindLoopDetected, loopDetectedPayload{
		Kind:     det.Kind,
		Recovery: det.Recovery,
		Detail:   det.Detail,
		Cursor:   r.cursor,
	}); err != nil {
		return
	}

	switch det.Recovery {
	case RecoveryInjectVariation:
		r.stepMeta[MetaVariationConstraint] = true

	case RecoveryForceRotation:
		r.excluded = make(map[string]bool, len(det.Executors))
		for _, id := range det.Executors {
			r.excluded[id] = true
		}
		r.rotationLeft = e.cfg.rotationPicks

	case RecoverySynthesize:
		r.stepMeta[MetaSynthesisContext] = e.synthesisContext(r, det.Executors)

	case RecoveryDecompose:
		r.needsRecovery = &det
	}
}

// synthesisContext gathers the most recent output from each oscillating
// executor so the next step sees both sides.
func (e *Engine) synthesisContext(r *run, executors []string) map[string]string {
	out := make(map[string]string, len(executors))
	entries := r.progress.Entries()
	for i := len(entries) - 1; i >= 0; i-- {
		id := entries[i].ExecutorID
		for _, want := range executors {
			if id == want && out[id] == "" {
				out[id] = entries[i].Output
			}
		}
	}
	return out
}

// applyStructuralRecovery handles the NoProgress strategies: decompose
// while attempts remain, otherwise escalate to a human.
func (e *Engine) applyStructuralRecovery(ctx context.Context, r *run, det Detection) (*RunResult, error) {
	if e.cfg.decompose != nil && r.decomposeUsed < e.cfg.maxDecompositions {
		delta, err := e.cfg.decompose(r.state)
		if err != nil {
			return e.terminatePtr(ctx, r, StatusFailed, fmt.Sprintf("decomposition hook: %v", err))
		}
		next, err := e.reducer.Apply(r.state, delta)
		if err != nil {
			return e.terminatePtr(ctx, r, StatusFailed, err.Error())
		}
		r.state = next
		r.decomposeUsed++

		if err := e.append(ctx, r, KindRecoveryApplied, recoveryAppliedPayload{
			Recovery: RecoveryDecompose,
			Delta:    delta,
			Cursor:   r.cursor,
		}); err != nil {
			return nil, err
		}
		e.emit(r, r.cursor, "", "recovery_applied", map[string]any{"recovery": string(RecoveryDecompose)})

		// The decomposition itself counts as progress; otherwise the same
		// stale window re-triggers immediately.
		r.progress.Append(ProgressEntry{
			TaskID:        r.id,
			ExecutorID:    "scheduler",
			Action:        "decompose",
			ProgressMade:  true,
			ExecutorState: ExecutorCompleted,
		})
		return nil, nil
	}

	// Escalate: a human decides whether the run continues.
	req := ApprovalRequest{
		ApprovalID: uuid.NewString(),
		WorkflowID: r.id,
		Type:       ApprovalLoopEscalation,
		Options: []ApprovalOption{
			{ID: "continue", Label: "Continue run", IsDefault: true},
			{ID: "abort", Label: "Abort run"},
		},
		StateSnapshot: r.state.Fields,
	}
	if err := e.append(ctx, r, KindApprovalRequested, approvalRequestedPayload{
		ApprovalRequest: req,
		Node:            r.cursor,
		Cursor:          r.cursor,
	}); err != nil {
		return nil, err
	}
	e.emit(r, r.cursor, "", "loop_escalated", map[string]any{"approvalId": req.ApprovalID, "detail": det.Detail})
	if e.metrics != nil {
		e.metrics.Approvals.WithLabelValues("requested").Inc()
	}

	decision, err := e.approvals.Await(ctx, req, 0)
	if err != nil {
		return e.terminatePtr(context.Background(), r, StatusCancelled, "run cancelled")
	}
	if err := e.append(ctx, r, KindApprovalDecided, approvalDecidedPayload{
		Decision: decision,
		Node:     r.cursor,
		Cursor:   r.cursor,
	}); err != nil {
		return nil, err
	}
	if e.metrics != nil {
		e.metrics.Approvals.WithLabelValues("decided").Inc()
	}
	if !decision.Approved {
		return e.terminatePtr(ctx, r, StatusEscalated, "loop escalation declined: "+det.Detail)
	}

	r.progress.Append(ProgressEntry{
		TaskID:        r.id,
		ExecutorID:    decision.ReviewerID,
		Action:        "escalation_resolved",
		ProgressMade:  true,
		ExecutorState: ExecutorCompleted,
	})
	return nil, nil
}

// selectAgent applies any active rotation exclusion and runs Thompson
// selection.
func (e *Engine) selectAgent(r *run, node *Node) (Selection, error) {
	candidates := e.cfg.agents
	if r.rotationLeft > 0 && len(r.excluded) > 0 {
		filtered := make([]Agent, 0, len(candidates))
		for _, a := range candidates {
			if !r.excluded[a.ID] {
				filtered = append(filtered, a)
			}
		}
		// A rotation that excludes everyone would deadlock selection; fall
		// back to the full pool.
		if len(filtered) > 0 {
			candidates = filtered
		}
		r.rotationLeft--
		if r.rotationLeft == 0 {
			r.excluded = make(map[string]bool)
		}
	}
	return e.selector.Select(candidates, *node.Task, r.budget.ScarcityFactor())
}

// currentIteration returns the innermost active loop's iteration count.
func (e *Engine) currentIteration(r *run) int {
	if len(r.loopStack) == 0 {
		return 0
	}
	return r.iterations[r.loopStack[len(r.loopStack)-1]]
}

func (e *Engine) popLoop(r *run, nodeID string) {
	for i := len(r.loopStack) - 1; i >= 0; i-- {
		if r.loopStack[i] == nodeID {
			r.loopStack = append(r.loopStack[:i], r.loopStack[i+1:]...)
			return
		}
	}
}

// terminate appends the terminal event and assembles the audit result.
func (e *Engine) terminate(ctx context.Context, r *run, status RunStatus, reason string) (RunResult, error) {
	kind := KindRunTerminated
	var payload any = runTerminatedPayload{Status: string(status), Reason: reason}
	if status == StatusCancelled {
		kind = KindRunCancelled
		payload = runCancelledPayload{Cursor: r.cursor}
	}
	if err := e.append(ctx, r, kind, payload); err != nil {
		return RunResult{}, err
	}

	if e.metrics != nil {
		e.metrics.RunsTotal.WithLabelValues(string(status)).Inc()
	}
	e.emit(r, r.cursor, "", "run_terminated", map[string]any{
		"status": string(status),
		"reason": reason,
	})

	events, err := e.ledger.Load(ctx, r.id)
	if err != nil {
		return RunResult{}, err
	}
	return RunResult{
		RunID:    r.id,
		Status:   status,
		Reason:   reason,
		State:    r.state,
		Ticks:    r.tick,
		Events:   events,
		Progress: r.progress.Entries(),
		Budget:   r.budget.Snapshot(),
	}, nil
}

func (e *Engine) terminatePtr(ctx context.Context, r *run, status RunStatus, reason string) (*RunResult, error) {
	res, err := e.terminate(ctx, r, status, reason)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (e *Engine) append(ctx context.Context, r *run, kind string, payload any) error {
	_, err := e.ledger.Append(ctx, r.id, []event.Record{{Kind: kind, Payload: payload}})
	if err != nil {
		return fmt.Errorf("append %s: %w", kind, err)
	}
	return nil
}

func (e *Engine) emit(r *run, nodeID, agentID, msg string, meta map[string]any) {
	e.emitter.Emit(emit.Event{
		RunID:   r.id,
		Tick:    r.tick,
		NodeID:  nodeID,
		AgentID: agentID,
		Msg:     msg,
		Meta:    meta,
	})
}

func sortedResources(m map[ResourceType]float64) []ResourceType {
	out := make([]ResourceType, 0, len(m))
	for r := range m {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
