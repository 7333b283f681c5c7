package workflow

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Status is the lifecycle state of a workflow instance.
type Status int

const (
	// StatusPending indicates the instance is persisted and waiting for a worker.
	StatusPending Status = iota

	// StatusRunning indicates a worker has claimed the instance and is executing steps.
	StatusRunning

	// StatusCompleted indicates every step completed.
	StatusCompleted

	// StatusFailed indicates a step failed and at least one compensation also failed,
	// or the instance could not be rolled back. Manual remediation may be required.
	StatusFailed

	// StatusRolledBack indicates a step failed (or a cancel was requested) and every
	// attempted compensation succeeded.
	StatusRolledBack

	// StatusCancelled indicates a cancel was honoured before any step completed.
	StatusCancelled
)

var statusNames = map[Status]string{
	StatusPending:    "PENDING",
	StatusRunning:    "RUNNING",
	StatusCompleted:  "COMPLETED",
	StatusFailed:     "FAILED",
	StatusRolledBack: "ROLLED_BACK",
	StatusCancelled:  "CANCELLED",
}

// String returns the wire name of the status.
func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// Active reports whether the status counts toward the one-active-instance rule.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusRunning
}

// Terminal reports whether the instance can no longer change.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusRolledBack, StatusCancelled:
		return true
	}
	return false
}

// ParseStatus converts a wire name (case-insensitive) to a Status.
func ParseStatus(name string) (Status, error) {
	for s, n := range statusNames {
		if strings.EqualFold(n, name) {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown workflow status %q", name)
}

// MarshalJSON implements json.Marshaler.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Status) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseStatus(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// StepStatus is the state of a single step execution.
//
//	PENDING -> RUNNING -> (COMPLETED | FAILED)
//	COMPLETED -> COMPENSATED
//
// SKIPPED is only used in the compensation trail for steps that were completed but
// are not compensable.
type StepStatus int

const (
	StepPending StepStatus = iota
	StepRunning
	StepCompleted
	StepFailed
	StepCompensated
	StepSkipped
)

var stepStatusNames = map[StepStatus]string{
	StepPending:     "PENDING",
	StepRunning:     "RUNNING",
	StepCompleted:   "COMPLETED",
	StepFailed:      "FAILED",
	StepCompensated: "COMPENSATED",
	StepSkipped:     "SKIPPED",
}

// String returns the wire name of the step status.
func (s StepStatus) String() string {
	if name, ok := stepStatusNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParseStepStatus converts a wire name (case-insensitive) to a StepStatus.
func ParseStepStatus(name string) (StepStatus, error) {
	for s, n := range stepStatusNames {
		if strings.EqualFold(n, name) {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown step status %q", name)
}

// MarshalJSON implements json.Marshaler.
func (s StepStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *StepStatus) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseStepStatus(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
