package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/nomis52/provision/store"
	"github.com/nomis52/provision/workflow"
)

// unwind compensates completed steps in reverse completion order and moves the
// instance to its terminal status. Steps that already have a trail entry were
// handled before a restart and are not compensated again.
func (r *run) unwind(ctx context.Context, cause error) error {
	inst := r.snapshot()
	cancelled := errors.Is(cause, errCancelled)
	completed := inst.CompletedSteps()
	progressed := len(completed) > 0 || len(inst.Compensations) > 0

	handled := make(map[string]bool, len(inst.Compensations))
	var failures []workflow.CompensationFailure
	for _, c := range inst.Compensations {
		handled[c.StepName] = true
		if c.Status == workflow.StepFailed {
			failures = append(failures, workflow.CompensationFailure{Step: c.StepName, Target: c.TargetSystem, Message: c.ErrorMessage})
		}
	}

	if len(completed) > 0 {
		r.logger.Info("rolling back completed steps", "steps", len(completed), "cause", cause)
	}
	for _, step := range completed {
		if handled[step.StepName] {
			continue
		}
		sd, _ := r.plan.def.Step(step.StepName)
		logger := r.logger.With("step", step.StepName, "target", step.TargetSystem)

		if !sd.Compensable {
			logger.Info("step is not compensable, skipping")
			if err := r.recordCompensation(ctx, &step, workflow.StepSkipped, ""); err != nil {
				return err
			}
			continue
		}

		msg, err := r.compensateStep(ctx, sd, step)
		if err != nil {
			return err
		}
		if msg != "" {
			logger.Error("compensation failed, continuing rollback", "error", msg)
			failures = append(failures, workflow.CompensationFailure{Step: step.StepName, Target: step.TargetSystem, Message: msg})
			if err := r.recordCompensation(ctx, &step, workflow.StepFailed, msg); err != nil {
				return err
			}
			continue
		}
		logger.Info("step compensated")
		if err := r.recordCompensation(ctx, &step, workflow.StepCompensated, ""); err != nil {
			return err
		}
	}

	now := r.e.now()
	var (
		status workflow.Status
		upd    store.StatusUpdate
	)
	switch {
	case len(failures) > 0:
		status = workflow.StatusFailed
		report := &workflow.CompensationError{Failures: failures}
		upd = store.StatusUpdate{FailedAt: &now, ErrorMessage: cause.Error() + "\n" + report.Error()}
	case cancelled && !progressed:
		status = workflow.StatusCancelled
		upd = store.StatusUpdate{CompletedAt: &now, ErrorMessage: cause.Error()}
	default:
		status = workflow.StatusRolledBack
		upd = store.StatusUpdate{FailedAt: &now, ErrorMessage: cause.Error()}
	}

	if err := r.setStatus(ctx, status, upd); err != nil {
		return err
	}
	r.finished(status)
	if status == workflow.StatusFailed {
		r.logger.Error("workflow failed with incomplete rollback", "compensation_failures", len(failures), "cause", cause)
	} else {
		r.logger.Info("workflow finished", "status", status, "cause", cause)
	}
	return nil
}

// compensateStep calls the executor's Compensate with the step's retry policy. It
// returns the last failure message, or "" on success.
func (r *run) compensateStep(ctx context.Context, sd workflow.StepDefinition, step workflow.StepExecution) (string, error) {
	policy := sd.Retry.WithDefaults(r.e.defaultRetry)
	strategy := policy.Strategy()

	ex, ok := r.e.registry.Executor(sd.Target)
	if !ok {
		return "no executor registered for target", nil
	}

	var msg string
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		req := r.request(sd, attempt)
		res, callErr := r.e.callCompensate(ctx, ex, req, workflow.CloneMap(step.OutputData), policy.Timeout)
		if ctx.Err() != nil {
			return "", fmt.Errorf("%w: compensating %s: %w", errInterrupted, sd.Name, ctx.Err())
		}
		if callErr == nil && res.Success {
			return "", nil
		}

		switch {
		case callErr != nil:
			msg = callErr.Error()
		case res.Error != nil:
			msg = res.Error.String()
		default:
			msg = "executor reported failure without detail"
		}
		r.logger.Warn("compensation attempt failed", "step", sd.Name, "target", sd.Target, "attempt", attempt, "error", msg)

		if attempt < policy.MaxAttempts {
			if err := sleep(ctx, strategy.Delay(attempt)); err != nil {
				return "", fmt.Errorf("%w: compensating %s: %w", errInterrupted, sd.Name, err)
			}
		}
	}
	return msg, nil
}

// recordCompensation appends a trail entry and, on success, marks the step
// COMPENSATED in the same write.
func (r *run) recordCompensation(ctx context.Context, step *workflow.StepExecution, outcome workflow.StepStatus, msg string) error {
	at := r.e.now()
	rec := &workflow.CompensationRecord{
		StepName:     step.StepName,
		TargetSystem: step.TargetSystem,
		Status:       outcome,
		ErrorMessage: msg,
		At:           at,
	}
	if outcome == workflow.StepCompensated {
		step.Status = workflow.StepCompensated
		step.CompensatedAt = &at
	}
	if err := r.saveStep(ctx, step, store.StepUpdate{Compensation: rec}); err != nil {
		return err
	}
	label := map[workflow.StepStatus]string{
		workflow.StepCompensated: "compensated",
		workflow.StepFailed:      "failed",
		workflow.StepSkipped:     "skipped",
	}[outcome]
	r.e.metrics.compensations.With(map[string]string{"target": string(step.TargetSystem), "outcome": label}).Inc()
	return nil
}
