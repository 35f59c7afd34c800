package saga

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCoordinatorSubmitWakesAwait(t *testing.T) {
	c := NewCoordinator()
	req := ApprovalRequest{ApprovalID: "ap-1", WorkflowID: "w1", Type: ApprovalGeneral}

	done := make(chan struct{})
	var got Decision
	var gotErr error
	go func() {
		defer close(done)
		got, gotErr = c.Await(context.Background(), req, 0)
	}()

	// Wait until the approval is registered before submitting.
	deadline := time.Now().Add(2 * time.Second)
	for len(c.Pending()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("approval never registered")
		}
		time.Sleep(time.Millisecond)
	}

	if err := c.Submit("ap-1", Decision{Approved: true, ReviewerID: "alice"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	<-done
	if gotErr != nil {
		t.Fatalf("Await: %v", gotErr)
	}
	if !got.Approved || got.ReviewerID != "alice" {
		t.Errorf("decision = %+v", got)
	}
	if got.ApprovalID != "ap-1" {
		t.Errorf("ApprovalID = %q, want stamped ap-1", got.ApprovalID)
	}
	if got.DecisionTime.IsZero() {
		t.Error("DecisionTime not filled in")
	}
	if len(c.Pending()) != 0 {
		t.Error("approval still pending after decision")
	}
}

func TestCoordinatorDeadlineExpires(t *testing.T) {
	c := NewCoordinator()
	req := ApprovalRequest{ApprovalID: "ap-2", WorkflowID: "w1"}

	_, err := c.Await(context.Background(), req, 10*time.Millisecond)
	if !errors.Is(err, ErrApprovalTimeout) {
		t.Fatalf("err = %v, want ErrApprovalTimeout", err)
	}

	// Late decisions are rejected.
	if err := c.Submit("ap-2", Decision{Approved: true}); err == nil {
		t.Error("Submit after expiry succeeded")
	}
}

func TestCoordinatorContextCancellation(t *testing.T) {
	c := NewCoordinator()
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Await(ctx, ApprovalRequest{ApprovalID: "ap-3"}, 0)
		errCh <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for len(c.Pending()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("approval never registered")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()

	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(c.Pending()) != 0 {
		t.Error("approval still pending after cancellation")
	}
}

func TestCoordinatorSubmitUnknown(t *testing.T) {
	c := NewCoordinator()
	if err := c.Submit("ghost", Decision{}); err == nil {
		t.Error("Submit for unknown approval succeeded")
	}
}

func TestCoordinatorDuplicateAwait(t *testing.T) {
	c := NewCoordinator()
	req := ApprovalRequest{ApprovalID: "ap-4"}

	go c.Await(context.Background(), req, time.Second)

	deadline := time.Now().Add(2 * time.Second)
	for len(c.Pending()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("approval never registered")
		}
		time.Sleep(time.Millisecond)
	}

	if _, err := c.Await(context.Background(), req, time.Second); err == nil {
		t.Error("duplicate Await succeeded")
	}
	c.Submit("ap-4", Decision{Approved: true})
}
