package workflow

import (
	"context"
	"fmt"
)

// Executor performs a step against one external system. Implementations must be
// idempotent under IdempotencyKey because any call may be repeated after a crash or
// a retry, and Compensate must succeed as a no-op when the effect is absent.
//
// Executors return results rather than errors: a failed call is an ordinary outcome
// recorded on the instance, never a reason to abort the engine.
type Executor interface {
	Execute(ctx context.Context, req StepRequest) StepResult
	Compensate(ctx context.Context, req StepRequest, priorOutput map[string]any) CompensationResult
}

// StepRequest is the read-only view of an instance handed to an executor.
type StepRequest struct {
	InstanceID     string         `json:"instance_id"`
	WorkflowType   string         `json:"workflow_type"`
	TenantID       string         `json:"tenant_id"`
	BusinessKey    string         `json:"business_key"`
	StepName       string         `json:"step_name"`
	Target         TargetSystem   `json:"target"`
	Attempt        int            `json:"attempt"`
	IdempotencyKey string         `json:"idempotency_key"`
	Input          map[string]any `json:"input"`
	Context        map[string]any `json:"context"`
}

// ErrorDetail describes why a call failed.
type ErrorDetail struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	// Permanent failures are not retried.
	Permanent bool `json:"permanent,omitempty"`
}

func (e *ErrorDetail) String() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("[%s] %s", e.Code, e.Message)
	}
	return e.Message
}

// StepResult is the outcome of Executor.Execute.
type StepResult struct {
	Success bool           `json:"success"`
	Output  map[string]any `json:"output,omitempty"`
	Error   *ErrorDetail   `json:"error,omitempty"`
}

// CompensationResult is the outcome of Executor.Compensate.
type CompensationResult struct {
	Success bool         `json:"success"`
	Error   *ErrorDetail `json:"error,omitempty"`
}

// Succeeded returns a successful step result.
func Succeeded(output map[string]any) StepResult {
	return StepResult{Success: true, Output: output}
}

// Failed returns a retryable step failure.
func Failed(code, format string, args ...any) StepResult {
	return StepResult{Error: &ErrorDetail{Code: code, Message: fmt.Sprintf(format, args...)}}
}

// FailedPermanently returns a step failure that must not be retried.
func FailedPermanently(code, format string, args ...any) StepResult {
	return StepResult{Error: &ErrorDetail{Code: code, Message: fmt.Sprintf(format, args...), Permanent: true}}
}

// Compensated returns a successful compensation result.
func Compensated() CompensationResult {
	return CompensationResult{Success: true}
}

// CompensationFailed returns a failed compensation result.
func CompensationFailed(code, format string, args ...any) CompensationResult {
	return CompensationResult{Error: &ErrorDetail{Code: code, Message: fmt.Sprintf(format, args...)}}
}

// ExecutorFuncs adapts a pair of functions to Executor. A nil CompensateFunc
// compensates successfully.
type ExecutorFuncs struct {
	ExecuteFunc    func(ctx context.Context, req StepRequest) StepResult
	CompensateFunc func(ctx context.Context, req StepRequest, priorOutput map[string]any) CompensationResult
}

func (f ExecutorFuncs) Execute(ctx context.Context, req StepRequest) StepResult {
	if f.ExecuteFunc == nil {
		return Succeeded(nil)
	}
	return f.ExecuteFunc(ctx, req)
}

func (f ExecutorFuncs) Compensate(ctx context.Context, req StepRequest, priorOutput map[string]any) CompensationResult {
	if f.CompensateFunc == nil {
		return Compensated()
	}
	return f.CompensateFunc(ctx, req, priorOutput)
}
