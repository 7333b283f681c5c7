package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nomis52/provision/store"
	"github.com/nomis52/provision/workflow"
)

var errExecutorPanic = errors.New("executor panicked")

// runStep executes one step with its retry policy. It returns nil once the step is
// COMPLETED, a *workflow.StepExecutionError once it is FAILED, errCancelled when a
// cancel request stopped its retries, or an errInterrupted/errStore error.
// namespaced steps write their output under their own name in the context.
func (r *run) runStep(ctx context.Context, sd workflow.StepDefinition, namespaced bool) error {
	policy := sd.Retry.WithDefaults(r.e.defaultRetry)
	strategy := policy.Strategy()
	logger := r.logger.With("step", sd.Name, "target", sd.Target)

	step := r.step(sd.Name)
	if step == nil {
		step = &workflow.StepExecution{
			StepName:     sd.Name,
			Order:        r.order(sd.Name),
			TargetSystem: sd.Target,
			Status:       workflow.StepPending,
		}
	}

	// A RUNNING step without a record of its current attempt was interrupted by a
	// restart. Keep that attempt in the history and carry on numbering after it.
	if step.Status == workflow.StepRunning && len(step.Attempts) <= step.RetryCount {
		now := r.e.now()
		step.Attempts = append(step.Attempts, workflow.Attempt{
			Number:    step.RetryCount + 1,
			StartedAt: now,
			EndedAt:   now,
			Error:     "interrupted before the attempt finished",
		})
	}

	ex, ok := r.e.registry.Executor(sd.Target)
	if !ok {
		return r.failStep(ctx, step, &workflow.StepExecutionError{
			Step:    sd.Name,
			Target:  sd.Target,
			Code:    "no_executor",
			Message: "no executor registered for target",
		})
	}

	for attempt := len(step.Attempts) + 1; ; attempt++ {
		startedAt := r.e.now()
		if step.StartedAt == nil {
			step.StartedAt = &startedAt
		}
		step.Status = workflow.StepRunning
		step.RetryCount = attempt - 1
		if err := r.saveStep(ctx, step, store.StepUpdate{}); err != nil {
			return err
		}

		logger.Info("executing step", "attempt", attempt, "max_attempts", policy.MaxAttempts)
		req := r.request(sd, attempt)
		res, callErr := r.e.callExecute(ctx, ex, req, policy.Timeout)
		if ctx.Err() != nil {
			return fmt.Errorf("%w: step %s: %w", errInterrupted, sd.Name, ctx.Err())
		}
		endedAt := r.e.now()
		record := workflow.Attempt{Number: attempt, StartedAt: startedAt, EndedAt: endedAt}

		if callErr == nil && res.Success {
			r.e.metrics.stepAttempts.With(map[string]string{"target": string(sd.Target), "outcome": "success"}).Inc()
			step.Attempts = append(step.Attempts, record)
			step.Status = workflow.StepCompleted
			step.CompletedAt = &endedAt
			step.ErrorMessage = ""
			step.OutputData = workflow.CloneMap(res.Output)

			var patch map[string]any
			switch {
			case namespaced && res.Output != nil:
				patch = map[string]any{sd.Name: res.Output}
			case !namespaced:
				patch = res.Output
			}
			if err := r.saveStep(ctx, step, store.StepUpdate{ContextPatch: patch}); err != nil {
				return err
			}
			logger.Info("step completed", "attempt", attempt, "seq", step.Seq, "duration", endedAt.Sub(startedAt))
			return nil
		}

		code, msg, permanent := describeFailure(res, callErr)
		var timeout *workflow.StepTimeoutError
		record.TimedOut = errors.As(callErr, &timeout)
		record.Error = msg
		step.Attempts = append(step.Attempts, record)
		step.ErrorMessage = msg

		outcome := "failure"
		if record.TimedOut {
			outcome = "timeout"
		}
		r.e.metrics.stepAttempts.With(map[string]string{"target": string(sd.Target), "outcome": outcome}).Inc()
		logger.Warn("step attempt failed", "attempt", attempt, "code", code, "error", msg, "permanent", permanent)

		if permanent || attempt >= policy.MaxAttempts {
			return r.failStep(ctx, step, &workflow.StepExecutionError{
				Step:     sd.Name,
				Target:   sd.Target,
				Attempts: attempt,
				Code:     code,
				Message:  msg,
				Err:      callErr,
			})
		}

		if err := r.saveStep(ctx, step, store.StepUpdate{}); err != nil {
			return err
		}
		cancelled, err := r.cancelRequested(ctx)
		if err != nil {
			return err
		}
		if cancelled {
			logger.Info("cancel request observed, not retrying step", "attempt", attempt)
			if err := r.markFailed(ctx, step, fmt.Sprintf("%s (not retried: %s)", msg, errCancelled)); err != nil {
				return err
			}
			return errCancelled
		}

		delay := strategy.Delay(attempt)
		logger.Debug("retrying step after backoff", "attempt", attempt, "delay", delay)
		if err := sleep(ctx, delay); err != nil {
			return fmt.Errorf("%w: step %s backoff: %w", errInterrupted, sd.Name, err)
		}
	}
}

func (r *run) failStep(ctx context.Context, step *workflow.StepExecution, serr *workflow.StepExecutionError) error {
	if err := r.markFailed(ctx, step, serr.Error()); err != nil {
		return err
	}
	r.logger.Error("step failed", "step", step.StepName, "target", step.TargetSystem, "attempts", serr.Attempts, "error", serr)
	return serr
}

func (r *run) markFailed(ctx context.Context, step *workflow.StepExecution, msg string) error {
	failedAt := r.e.now()
	step.Status = workflow.StepFailed
	step.FailedAt = &failedAt
	step.ErrorMessage = msg
	return r.saveStep(ctx, step, store.StepUpdate{})
}

// order returns the 1-based position of the step in the plan.
func (r *run) order(name string) int {
	n := 0
	for _, stage := range r.plan.stages {
		for _, s := range stage.Steps {
			n++
			if s.Name == name {
				return n
			}
		}
	}
	return n
}

func describeFailure(res workflow.StepResult, callErr error) (code, msg string, permanent bool) {
	if callErr != nil {
		var timeout *workflow.StepTimeoutError
		if errors.As(callErr, &timeout) {
			return "timeout", callErr.Error(), false
		}
		if errors.Is(callErr, errExecutorPanic) {
			return "panic", callErr.Error(), false
		}
		return "error", callErr.Error(), false
	}
	if res.Error == nil {
		return "unknown", "executor reported failure without detail", false
	}
	return res.Error.Code, res.Error.Message, res.Error.Permanent
}

// callExecute runs ex.Execute under the attempt timeout inside a span. A timeout
// yields *workflow.StepTimeoutError; a panic is returned as an error.
func (e *Engine) callExecute(ctx context.Context, ex workflow.Executor, req workflow.StepRequest, timeout time.Duration) (workflow.StepResult, error) {
	ctx, span := e.tracer.Start(ctx, "provision.step.execute", spanAttributes(req))
	defer span.End()

	res, err := callWithTimeout(ctx, timeout, func(ctx context.Context) workflow.StepResult {
		return ex.Execute(ctx, req)
	})
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		err = &workflow.StepTimeoutError{Step: req.StepName, Target: req.Target, Attempt: req.Attempt, Timeout: timeout}
	}
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case !res.Success:
		span.SetStatus(codes.Error, res.Error.String())
	default:
		span.SetStatus(codes.Ok, "")
	}
	return res, err
}

// callCompensate runs ex.Compensate the same way callExecute runs Execute.
func (e *Engine) callCompensate(ctx context.Context, ex workflow.Executor, req workflow.StepRequest, prior map[string]any, timeout time.Duration) (workflow.CompensationResult, error) {
	ctx, span := e.tracer.Start(ctx, "provision.step.compensate", spanAttributes(req))
	defer span.End()

	res, err := callWithTimeout(ctx, timeout, func(ctx context.Context) workflow.CompensationResult {
		return ex.Compensate(ctx, req, prior)
	})
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		err = &workflow.StepTimeoutError{Step: req.StepName, Target: req.Target, Attempt: req.Attempt, Timeout: timeout}
	}
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case !res.Success:
		span.SetStatus(codes.Error, res.Error.String())
	default:
		span.SetStatus(codes.Ok, "")
	}
	return res, err
}

func spanAttributes(req workflow.StepRequest) trace.SpanStartOption {
	return trace.WithAttributes(
		attribute.String("provision.instance_id", req.InstanceID),
		attribute.String("provision.workflow_type", req.WorkflowType),
		attribute.String("provision.tenant_id", req.TenantID),
		attribute.String("provision.step", req.StepName),
		attribute.String("provision.target", string(req.Target)),
		attribute.Int("provision.attempt", req.Attempt),
	)
}

// callWithTimeout runs fn on its own goroutine so that an executor ignoring its
// context cannot hold the step past timeout. A zero timeout waits for fn or ctx.
func callWithTimeout[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) T) (T, error) {
	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	type outcome struct {
		value T
		err   error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				ch <- outcome{err: fmt.Errorf("%w: %v", errExecutorPanic, p)}
			}
		}()
		ch <- outcome{value: fn(callCtx)}
	}()

	select {
	case out := <-ch:
		if out.err == nil && timeout > 0 && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return out.value, callCtx.Err()
		}
		return out.value, out.err
	case <-callCtx.Done():
		var zero T
		return zero, callCtx.Err()
	}
}
