package saga

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ApprovalOption is one choice presented to a reviewer.
type ApprovalOption struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
	IsDefault   bool   `json:"isDefault,omitempty"`
}

// ApprovalRequest is the wire shape of a pending approval, carried in the
// ApprovalRequested event and surfaced to external review systems.
type ApprovalRequest struct {
	ApprovalID    string           `json:"approvalId"`
	WorkflowID    string           `json:"workflowId"`
	Type          ApprovalType     `json:"type"`
	Options       []ApprovalOption `json:"options"`
	StateSnapshot map[string]any   `json:"stateSnapshot"`
}

// Decision is the wire shape of a reviewer's response.
type Decision struct {
	ApprovalID   string    `json:"approvalId"`
	Approved     bool      `json:"approved"`
	OptionID     string    `json:"optionId,omitempty"`
	Feedback     string    `json:"feedback,omitempty"`
	ReviewerID   string    `json:"reviewerId"`
	DecisionTime time.Time `json:"decisionTime"`
}

// ApprovalStatus is the lifecycle state of one approval.
type ApprovalStatus string

const (
	ApprovalPending ApprovalStatus = "Pending"
	ApprovalDecided ApprovalStatus = "Decided"
	ApprovalExpired ApprovalStatus = "Expired"
)

// Coordinator parks runs at approval checkpoints and wakes them when an
// external decision arrives.
//
// The scheduler calls Await, which blocks until Submit delivers a decision,
// the optional deadline expires, or the run's context is cancelled. Safe
// for concurrent use across many runs.
type Coordinator struct {
	mu      sync.Mutex
	pending map[string]*pendingApproval
}

type pendingApproval struct {
	request  ApprovalRequest
	decision chan Decision
	status   ApprovalStatus
}

// NewCoordinator creates an empty coordinator.
func NewCoordinator() *Coordinator {
	return &Coordinator{pending: make(map[string]*pendingApproval)}
}

// Await registers the request and blocks until a decision is submitted.
//
// A zero deadline waits unboundedly. An elapsed deadline marks the approval
// Expired and fails with ErrApprovalTimeout; context cancellation fails
// with ctx.Err(). Either way the approval is deregistered.
func (c *Coordinator) Await(ctx context.Context, req ApprovalRequest, deadline time.Duration) (Decision, error) {
	p := &pendingApproval{
		request:  req,
		decision: make(chan Decision, 1),
		status:   ApprovalPending,
	}

	c.mu.Lock()
	if _, exists := c.pending[req.ApprovalID]; exists {
		c.mu.Unlock()
		return Decision{}, fmt.Errorf("approval %q already pending", req.ApprovalID)
	}
	c.pending[req.ApprovalID] = p
	c.mu.Unlock()

	var expired <-chan time.Time
	if deadline > 0 {
		timer := time.NewTimer(deadline)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case d := <-p.decision:
		c.remove(req.ApprovalID)
		return d, nil
	case <-expired:
		c.expire(req.ApprovalID)
		return Decision{}, fmt.Errorf("%w: approval %q", ErrApprovalTimeout, req.ApprovalID)
	case <-ctx.Done():
		c.remove(req.ApprovalID)
		return Decision{}, ctx.Err()
	}
}

// Submit delivers a reviewer's decision for a pending approval. Fails when
// the approval is unknown, already decided, or expired.
func (c *Coordinator) Submit(approvalID string, d Decision) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pending[approvalID]
	if !ok {
		return fmt.Errorf("approval %q not pending", approvalID)
	}
	if p.status != ApprovalPending {
		return fmt.Errorf("approval %q is %s", approvalID, p.status)
	}

	p.status = ApprovalDecided
	if d.DecisionTime.IsZero() {
		d.DecisionTime = time.Now().UTC()
	}
	d.ApprovalID = approvalID
	p.decision <- d
	return nil
}

// Pending returns the requests currently awaiting a decision.
func (c *Coordinator) Pending() []ApprovalRequest {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]ApprovalRequest, 0, len(c.pending))
	for _, p := range c.pending {
		if p.status == ApprovalPending {
			out = append(out, p.request)
		}
	}
	return out
}

func (c *Coordinator) remove(approvalID string) {
	c.mu.Lock()
	delete(c.pending, approvalID)
	c.mu.Unlock()
}

func (c *Coordinator) expire(approvalID string) {
	c.mu.Lock()
	if p, ok := c.pending[approvalID]; ok && p.status == ApprovalPending {
		p.status = ApprovalExpired
	}
	delete(c.pending, approvalID)
	c.mu.Unlock()
}
