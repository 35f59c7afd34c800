package saga

import (
	"errors"
	"fmt"
)

// ErrSchemaViolation indicates a state delta targeted a field not declared
// in the schema or violated its policy.
var ErrSchemaViolation = errors.New("state delta violates schema")

// ErrValidationFailed indicates a workflow graph failed structural
// validation at load time.
var ErrValidationFailed = errors.New("workflow graph validation failed")

// ErrUnknownCondition indicates a branch or loop referenced a predicate id
// that is not registered.
var ErrUnknownCondition = errors.New("condition not registered")

// ErrBudgetExhausted indicates a resource limit was reached and the run
// terminated cleanly.
var ErrBudgetExhausted = errors.New("budget exhausted")

// ErrNoEligibleAgent indicates Thompson selection was given an empty
// candidate set.
var ErrNoEligibleAgent = errors.New("no eligible agent for task")

// ErrApprovalTimeout indicates an approval deadline elapsed before a
// decision was submitted.
var ErrApprovalTimeout = errors.New("approval deadline elapsed")

// ErrCancelled indicates the run was cancelled cooperatively.
var ErrCancelled = errors.New("run cancelled")

// StepError wraps a step handler failure and classifies it as recoverable
// (retried up to the per-step limit) or fatal (terminates via the failure
// route).
type StepError struct {
	// Step names the failing step node.
	Step string

	// Recoverable marks transient failures worth retrying.
	Recoverable bool

	// Err is the underlying handler error.
	Err error
}

// Error implements the error interface.
func (e *StepError) Error() string {
	kind := "fatal"
	if e.Recoverable {
		kind = "recoverable"
	}
	return fmt.Sprintf("step %q failed (%s): %v", e.Step, kind, e.Err)
}

// Unwrap returns the underlying handler error.
func (e *StepError) Unwrap() error {
	return e.Err
}

// RecoverableStepError wraps err as a retryable step failure.
func RecoverableStepError(step string, err error) *StepError {
	return &StepError{Step: step, Recoverable: true, Err: err}
}

// FatalStepError wraps err as a non-retryable step failure.
func FatalStepError(step string, err error) *StepError {
	return &StepError{Step: step, Recoverable: false, Err: err}
}
