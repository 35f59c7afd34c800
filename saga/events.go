package saga

// Kernel event kinds. Every state-changing decision the scheduler makes is
// recorded as one of these, so re-projecting a stream reproduces the run.
const (
	KindRunStarted        = "RunStarted"
	KindStepCompleted     = "StepCompleted"
	KindStepFailed        = "StepFailed"
	KindBranchEvaluated   = "BranchEvaluated"
	KindLoopIteration     = "LoopIteration"
	KindLoopExited        = "LoopExited"
	KindLoopLimitReached  = "LoopLimitReached"
	KindForkJoined        = "ForkJoined"
	KindLoopDetected      = "LoopDetected"
	KindRecoveryApplied   = "RecoveryApplied"
	KindApprovalRequested = "ApprovalRequested"
	KindApprovalDecided   = "ApprovalDecided"
	KindApprovalExpired   = "ApprovalExpired"
	KindRunTerminated     = "RunTerminated"
	KindRunCancelled      = "RunCancelled"
)

// Payload shapes for kernel events. Cursor names the node the scheduler
// will execute next; resumption reads it from the newest event.

type runStartedPayload struct {
	RunID  string `json:"runId"`
	Graph  string `json:"graph"`
	Cursor string `json:"cursor"`
}

type stepCompletedPayload struct {
	Node    string                   `json:"node"`
	Delta   Delta                    `json:"delta,omitempty"`
	Cached  bool                     `json:"cached,omitempty"`
	AgentID string                   `json:"agentId,omitempty"`
	Cost    map[ResourceType]float64 `json:"cost,omitempty"`
	Cursor  string                   `json:"cursor"`
}

type stepFailedPayload struct {
	Node        string `json:"node"`
	Error       string `json:"error"`
	Recoverable bool   `json:"recoverable"`
	Attempts    int    `json:"attempts"`
	Cursor      string `json:"cursor"`
}

type branchEvaluatedPayload struct {
	Node      string `json:"node"`
	Predicate string `json:"predicate"`
	Result    bool   `json:"result"`
	Cursor    string `json:"cursor"`
}

type loopIterationPayload struct {
	Node      string `json:"node"`
	Iteration int    `json:"iteration"`
	Cursor    string `json:"cursor"`
}

type loopExitedPayload struct {
	Node       string `json:"node"`
	Iterations int    `json:"iterations"`
	Cursor     string `json:"cursor"`
}

type loopLimitReachedPayload struct {
	Node          string `json:"node"`
	MaxIterations int    `json:"maxIterations"`
	Cursor        string `json:"cursor"`
}

type forkJoinedPayload struct {
	Node      string   `json:"node"`
	Completed []string `json:"completed"`
	Delta     Delta    `json:"delta,omitempty"`
	Cursor    string   `json:"cursor"`
}

type loopDetectedPayload struct {
	Kind     LoopKind         `json:"kind"`
	Recovery RecoveryStrategy `json:"recovery"`
	Detail   string           `json:"detail"`
	Cursor   string           `json:"cursor"`
}

type recoveryAppliedPayload struct {
	Recovery RecoveryStrategy `json:"recovery"`
	Delta    Delta            `json:"delta,omitempty"`
	Cursor   string           `json:"cursor"`
}

type approvalRequestedPayload struct {
	ApprovalRequest
	Node   string `json:"node"`
	Cursor string `json:"cursor"`
}

type approvalDecidedPayload struct {
	Decision
	Node   string `json:"node"`
	Delta  Delta  `json:"delta,omitempty"`
	Cursor string `json:"cursor"`
}

type approvalExpiredPayload struct {
	ApprovalID string `json:"approvalId"`
	Node       string `json:"node"`
	Cursor     string `json:"cursor"`
}

type runTerminatedPayload struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

type runCancelledPayload struct {
	Cursor string `json:"cursor"`
}
