package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when an instance id does not exist.
	ErrNotFound = errors.New("workflow instance not found")

	// ErrInvalidState is returned when an operation is not valid for the instance's
	// current status, e.g. retrying a RUNNING instance or cancelling a COMPLETED one.
	ErrInvalidState = errors.New("invalid workflow state")

	// ErrInvalidArgument is returned for malformed requests such as an empty tenant id.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrConflict matches any *ConflictError via errors.Is.
	ErrConflict = errors.New("active workflow instance exists")
)

// ConflictError is returned by submit and retry when an instance with status PENDING
// or RUNNING already exists for the same tenant and business key.
type ConflictError struct {
	TenantID    string
	BusinessKey string
	// ExistingID is the id of the active instance, when known.
	ExistingID string
}

func (e *ConflictError) Error() string {
	msg := fmt.Sprintf("active workflow instance exists for tenant %q business key %q", e.TenantID, e.BusinessKey)
	if e.ExistingID != "" {
		msg += " (instance " + e.ExistingID + ")"
	}
	return msg
}

// Is lets errors.Is(err, ErrConflict) match.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// DefinitionError reports an invalid workflow definition or a reference to an
// unknown workflow type. It is raised at registration or submit time, never
// during execution.
type DefinitionError struct {
	WorkflowType string
	Step         string
	Reason       string
}

func (e *DefinitionError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("workflow definition %q: step %q: %s", e.WorkflowType, e.Step, e.Reason)
	}
	return fmt.Sprintf("workflow definition %q: %s", e.WorkflowType, e.Reason)
}

// StepTimeoutError is recorded when a single attempt exceeds the step's timeout.
// It is treated as an execution failure and is subject to retry.
type StepTimeoutError struct {
	Step    string
	Target  TargetSystem
	Attempt int
	Timeout time.Duration
}

func (e *StepTimeoutError) Error() string {
	return fmt.Sprintf("step %q (%s) attempt %d timed out after %s", e.Step, e.Target, e.Attempt, e.Timeout)
}

// Unwrap lets errors.Is(err, context.DeadlineExceeded) match.
func (e *StepTimeoutError) Unwrap() error {
	return context.DeadlineExceeded
}

// StepExecutionError is recorded when a step exhausts its attempts or fails with a
// permanent error.
type StepExecutionError struct {
	Step     string
	Target   TargetSystem
	Attempts int
	Code     string
	Message  string
	Err      error
}

func (e *StepExecutionError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "step %q (%s) failed after %d attempt(s)", e.Step, e.Target, e.Attempts)
	if e.Code != "" {
		fmt.Fprintf(&b, " [%s]", e.Code)
	}
	switch {
	case e.Message != "":
		b.WriteString(": " + e.Message)
	case e.Err != nil:
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *StepExecutionError) Unwrap() error {
	return e.Err
}

// CompensationFailure is one failed compensation in a rollback.
type CompensationFailure struct {
	Step    string       `json:"step"`
	Target  TargetSystem `json:"target"`
	Message string       `json:"message"`
}

// CompensationError aggregates every compensation that failed during one unwind.
// The rollback continues past individual failures so that all of them are reported.
type CompensationError struct {
	Failures []CompensationFailure
}

func (e *CompensationError) Error() string {
	items := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		items = append(items, fmt.Sprintf("%s (%s): %s", f.Step, f.Target, f.Message))
	}
	return fmt.Sprintf("%d compensation(s) failed:\n  - %s", len(e.Failures), strings.Join(items, "\n  - "))
}
