package workflow

import (
	"sort"
	"time"
)

// Instance is one execution of a workflow definition for a tenant and business key.
// Only the engine mutates instances; everything else sees copies returned by the store.
type Instance struct {
	ID           string `json:"id"`
	WorkflowType string `json:"workflow_type"`
	TenantID     string `json:"tenant_id"`
	BusinessKey  string `json:"business_key"`
	Status       Status `json:"status"`

	// Input is the submitted payload. It never changes after creation.
	Input map[string]any `json:"input"`
	// Context accumulates step outputs. Sequential steps merge their output at the
	// top level; parallel group members write under their own step name.
	Context map[string]any `json:"context"`

	Steps         []StepExecution      `json:"steps"`
	Compensations []CompensationRecord `json:"compensations,omitempty"`

	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	FailedAt     *time.Time `json:"failed_at,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`

	// RetryCount is the number of earlier instances in this retry chain.
	RetryCount int `json:"retry_count"`
	// RetryOf is the id of the instance this one retries.
	RetryOf string `json:"retry_of,omitempty"`

	CancelRequested bool `json:"cancel_requested,omitempty"`

	// Owner and LeaseExpiresAt record which engine is executing the instance.
	// An expired lease on an active instance means its engine died.
	Owner          string     `json:"owner,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
}

// StepExecution records the progress of one step.
type StepExecution struct {
	StepName     string       `json:"step_name"`
	Order        int          `json:"order"`
	TargetSystem TargetSystem `json:"target_system"`
	Status       StepStatus   `json:"status"`

	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	FailedAt      *time.Time `json:"failed_at,omitempty"`
	CompensatedAt *time.Time `json:"compensated_at,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`

	// RetryCount is the number of attempts after the first.
	RetryCount int            `json:"retry_count"`
	OutputData map[string]any `json:"output_data,omitempty"`

	// Seq is the completion sequence number within the instance, starting at 1.
	// Rollback unwinds steps in descending Seq.
	Seq int `json:"seq,omitempty"`

	Attempts []Attempt `json:"attempts,omitempty"`
}

// Attempt is one call to an executor for a step.
type Attempt struct {
	Number    int       `json:"number"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	Error     string    `json:"error,omitempty"`
	TimedOut  bool      `json:"timed_out,omitempty"`
}

// CompensationRecord is one entry in an instance's rollback trail.
// Status is COMPENSATED, SKIPPED (completed but not compensable) or FAILED.
type CompensationRecord struct {
	StepName     string       `json:"step_name"`
	TargetSystem TargetSystem `json:"target_system"`
	Status       StepStatus   `json:"status"`
	ErrorMessage string       `json:"error_message,omitempty"`
	At           time.Time    `json:"at"`
}

// Step returns the execution record for name, or nil.
func (i *Instance) Step(name string) *StepExecution {
	for idx := range i.Steps {
		if i.Steps[idx].StepName == name {
			return &i.Steps[idx]
		}
	}
	return nil
}

// CompletedSteps returns the steps that completed and have not been compensated,
// most recently completed first.
func (i *Instance) CompletedSteps() []StepExecution {
	var out []StepExecution
	for _, s := range i.Steps {
		if s.Status == StepCompleted {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].Seq > out[b].Seq })
	return out
}

// NextSeq returns the completion sequence number for the next completed step.
func (i *Instance) NextSeq() int {
	maxSeq := 0
	for _, s := range i.Steps {
		if s.Seq > maxSeq {
			maxSeq = s.Seq
		}
	}
	return maxSeq + 1
}

// Duration returns the time from start to the terminal transition.
// ok is false until the instance has both.
func (i *Instance) Duration() (d time.Duration, ok bool) {
	if i.StartedAt == nil {
		return 0, false
	}
	end := i.CompletedAt
	if end == nil {
		end = i.FailedAt
	}
	if end == nil {
		return 0, false
	}
	return end.Sub(*i.StartedAt), true
}

// Clone returns a deep copy of the instance.
func (i *Instance) Clone() *Instance {
	if i == nil {
		return nil
	}
	c := *i
	c.Input = CloneMap(i.Input)
	c.Context = CloneMap(i.Context)
	c.StartedAt = cloneTime(i.StartedAt)
	c.CompletedAt = cloneTime(i.CompletedAt)
	c.FailedAt = cloneTime(i.FailedAt)
	c.LeaseExpiresAt = cloneTime(i.LeaseExpiresAt)
	if i.Steps != nil {
		c.Steps = make([]StepExecution, len(i.Steps))
		for idx, s := range i.Steps {
			c.Steps[idx] = s.Clone()
		}
	}
	if i.Compensations != nil {
		c.Compensations = append([]CompensationRecord(nil), i.Compensations...)
	}
	return &c
}

// Clone returns a deep copy of the step execution.
func (s StepExecution) Clone() StepExecution {
	c := s
	c.StartedAt = cloneTime(s.StartedAt)
	c.CompletedAt = cloneTime(s.CompletedAt)
	c.FailedAt = cloneTime(s.FailedAt)
	c.CompensatedAt = cloneTime(s.CompensatedAt)
	c.OutputData = CloneMap(s.OutputData)
	if s.Attempts != nil {
		c.Attempts = append([]Attempt(nil), s.Attempts...)
	}
	return c
}

// CloneMap deep-copies nested maps and slices. Other values are copied by assignment.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

// MergeContext applies patch on top of ctx and returns the result. ctx is not modified.
func MergeContext(ctx, patch map[string]any) map[string]any {
	out := CloneMap(ctx)
	if out == nil {
		out = make(map[string]any, len(patch))
	}
	for k, v := range patch {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
