package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nomis52/provision/store"
	"github.com/nomis52/provision/workflow"
)

var (
	// errCancelled is the unwind cause for a cancel request.
	errCancelled = errors.New("cancelled by request")
	// errInterrupted means the engine stopped or lost its lease mid-run. The
	// instance is left as persisted for Recover.
	errInterrupted = errors.New("execution interrupted")
	// errStore marks a failed store write. The run stops and the instance is left
	// for Recover.
	errStore = errors.New("state store write failed")
)

// run is the execution of one instance by this engine. inst mirrors the stored
// instance: every write goes to the store first and is then applied locally with
// the same rules.
type run struct {
	e      *Engine
	plan   *plannedDefinition
	logger *slog.Logger

	mu   sync.Mutex
	inst *workflow.Instance
}

// execute claims id and drives it to a terminal status, or until ctx ends.
func (e *Engine) execute(ctx context.Context, id string) {
	now := e.now()
	inst, err := e.store.Claim(ctx, id, e.owner, now, now.Add(e.lease))
	switch {
	case errors.Is(err, store.ErrLeaseHeld), errors.Is(err, workflow.ErrInvalidState):
		e.logger.Debug("instance not claimable, skipping", "instance_id", id, "error", err)
		return
	case err != nil:
		e.logger.Error("failed to claim instance", "instance_id", id, "error", err)
		return
	}

	logger := e.instanceLogger(inst)
	e.metrics.started()
	defer e.metrics.stopped()

	plan, ok := e.planned(inst.WorkflowType)
	if !ok {
		logger.Error("workflow type is not registered")
		failedAt := e.now()
		if err := e.store.UpdateStatus(ctx, id, workflow.StatusFailed, store.StatusUpdate{
			Owner:        e.owner,
			FailedAt:     &failedAt,
			ErrorMessage: fmt.Sprintf("workflow type %q is not registered", inst.WorkflowType),
		}); err != nil {
			logger.Error("failed to persist status", "error", err)
		}
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go e.keepLease(runCtx, cancel, id, logger)

	r := &run{e: e, plan: plan, logger: logger, inst: inst}
	if err := r.drive(runCtx); err != nil {
		if errors.Is(err, errInterrupted) || runCtx.Err() != nil {
			logger.Warn("workflow execution interrupted, leaving instance for recovery", "error", err)
			return
		}
		logger.Error("workflow execution aborted", "error", err)
	}
}

// keepLease renews the lease until ctx ends. Losing the lease cancels the run.
func (e *Engine) keepLease(ctx context.Context, cancel context.CancelFunc, id string, logger *slog.Logger) {
	ticker := time.NewTicker(e.heartbeat)
	defer ticker.Stop()

	renewedUntil := e.now().Add(e.lease)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := e.now()
			_, err := e.store.Claim(ctx, id, e.owner, now, now.Add(e.lease))
			switch {
			case err == nil:
				renewedUntil = now.Add(e.lease)
			case errors.Is(err, store.ErrLeaseHeld):
				logger.Error("lease lost to another engine, stopping", "error", err)
				cancel()
				return
			case errors.Is(err, workflow.ErrInvalidState):
				return
			case !now.Before(renewedUntil):
				logger.Error("lease expired without renewal, stopping", "error", err)
				cancel()
				return
			default:
				logger.Warn("failed to renew lease", "error", err)
			}
		}
	}
}

// drive runs the remaining stages and then completes or unwinds the instance.
func (r *run) drive(ctx context.Context) error {
	if r.snapshot().Status == workflow.StatusPending {
		startedAt := r.e.now()
		if err := r.setStatus(ctx, workflow.StatusRunning, store.StatusUpdate{StartedAt: &startedAt}); err != nil {
			return err
		}
		r.logger.Info("workflow started", "steps", len(r.plan.def.Steps))
	}

	if cause := r.pendingUnwind(); cause != nil {
		r.logger.Info("resuming rollback", "cause", cause)
		return r.unwind(ctx, cause)
	}

	for _, stage := range r.plan.stages {
		if r.stageDone(stage) {
			continue
		}
		cancelled, err := r.cancelRequested(ctx)
		if err != nil {
			return err
		}
		if cancelled {
			r.logger.Info("cancel request observed, stopping before next stage")
			return r.unwind(ctx, errCancelled)
		}
		if err := r.runStage(ctx, stage); err != nil {
			if errors.Is(err, errInterrupted) || errors.Is(err, errStore) {
				return err
			}
			return r.unwind(ctx, err)
		}
	}

	// A cancel that arrived while the last stage ran still rolls the instance back.
	cancelled, err := r.cancelRequested(ctx)
	if err != nil {
		return err
	}
	if cancelled {
		r.logger.Info("cancel request observed after the last stage")
		return r.unwind(ctx, errCancelled)
	}
	return r.complete(ctx)
}

// pendingUnwind returns the cause of an unwind that was under way when the
// instance was last persisted.
func (r *run) pendingUnwind() error {
	inst := r.snapshot()
	if inst.CancelRequested {
		for _, s := range inst.Steps {
			if s.Status == workflow.StepFailed || s.Status == workflow.StepCompensated {
				return errCancelled
			}
		}
		if len(inst.Compensations) > 0 {
			return errCancelled
		}
	}
	for _, s := range inst.Steps {
		if s.Status == workflow.StepFailed {
			return errors.New(s.ErrorMessage)
		}
	}
	return nil
}

func (r *run) stageDone(stage workflow.Stage) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sd := range stage.Steps {
		if s := r.inst.Step(sd.Name); s == nil || s.Status != workflow.StepCompleted {
			return false
		}
	}
	return true
}

func (r *run) cancelRequested(ctx context.Context) (bool, error) {
	cur, err := r.e.store.Get(ctx, r.inst.ID)
	if err != nil {
		if ctx.Err() != nil {
			return false, fmt.Errorf("%w: %w", errInterrupted, ctx.Err())
		}
		return false, fmt.Errorf("%w: reading instance: %w", errStore, err)
	}
	if cur.CancelRequested {
		r.mu.Lock()
		r.inst.CancelRequested = true
		r.mu.Unlock()
	}
	return cur.CancelRequested, nil
}

// runStage runs the stage's incomplete steps. A parallel stage waits for every
// member; a failing member does not interrupt its siblings.
func (r *run) runStage(ctx context.Context, stage workflow.Stage) error {
	if !stage.Parallel() {
		return r.runStep(ctx, stage.Steps[0], false)
	}

	r.logger.Info("running parallel group", "group", stage.Group, "steps", len(stage.Steps))
	errs := make([]error, len(stage.Steps))
	var g errgroup.Group
	for i, sd := range stage.Steps {
		if s := r.step(sd.Name); s != nil && s.Status == workflow.StepCompleted {
			continue
		}
		g.Go(func() error {
			errs[i] = r.runStep(ctx, sd, true)
			return errs[i]
		})
	}
	_ = g.Wait()

	// Report interruptions first so a shutdown is never mistaken for a step failure.
	for _, err := range errs {
		if errors.Is(err, errInterrupted) || errors.Is(err, errStore) {
			return err
		}
	}
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// complete moves the instance to COMPLETED. The store refuses when a cancel
// request landed after the last check, and the instance is rolled back instead.
func (r *run) complete(ctx context.Context) error {
	completedAt := r.e.now()
	err := r.setStatus(ctx, workflow.StatusCompleted, store.StatusUpdate{CompletedAt: &completedAt})
	if errors.Is(err, store.ErrCancelPending) {
		r.mu.Lock()
		r.inst.CancelRequested = true
		r.mu.Unlock()
		r.logger.Info("cancel request raced completion, rolling back")
		return r.unwind(ctx, errCancelled)
	}
	if err != nil {
		return err
	}
	r.finished(workflow.StatusCompleted)
	r.logger.Info("workflow completed", "duration", completedAt.Sub(r.startedAt()))
	return nil
}

func (r *run) finished(status workflow.Status) {
	r.e.metrics.finished.With(map[string]string{
		"workflow_type": r.plan.def.Type,
		"status":        status.String(),
	}).Inc()
}

func (r *run) startedAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inst.StartedAt == nil {
		return r.inst.CreatedAt
	}
	return *r.inst.StartedAt
}

func (r *run) setStatus(ctx context.Context, status workflow.Status, upd store.StatusUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	upd.Owner = r.e.owner
	if err := r.e.store.UpdateStatus(ctx, r.inst.ID, status, upd); err != nil {
		return r.storeErr(ctx, err)
	}
	return store.ApplyStatus(r.inst, status, upd, r.e.now())
}

// saveStep persists step and applies it locally. A step saved as COMPLETED
// without a Seq is given the next completion sequence number.
func (r *run) saveStep(ctx context.Context, step *workflow.StepExecution, upd store.StepUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if step.Status == workflow.StepCompleted && step.Seq == 0 {
		step.Seq = r.inst.NextSeq()
	}
	upd.Owner = r.e.owner
	if err := r.e.store.UpdateStep(ctx, r.inst.ID, *step, upd); err != nil {
		return r.storeErr(ctx, err)
	}
	return store.ApplyStep(r.inst, *step, upd, r.e.now())
}

func (r *run) storeErr(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, store.ErrLeaseHeld) {
		return fmt.Errorf("%w: %w", errInterrupted, err)
	}
	return fmt.Errorf("%w: %w", errStore, err)
}

func (r *run) snapshot() *workflow.Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inst.Clone()
}

func (r *run) step(name string) *workflow.StepExecution {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s := r.inst.Step(name); s != nil {
		c := s.Clone()
		return &c
	}
	return nil
}

// request builds the executor's view of the instance.
func (r *run) request(sd workflow.StepDefinition, attempt int) workflow.StepRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return workflow.StepRequest{
		InstanceID:     r.inst.ID,
		WorkflowType:   r.inst.WorkflowType,
		TenantID:       r.inst.TenantID,
		BusinessKey:    r.inst.BusinessKey,
		StepName:       sd.Name,
		Target:         sd.Target,
		Attempt:        attempt,
		IdempotencyKey: workflow.IdempotencyKey(r.inst.TenantID, r.inst.BusinessKey, sd.Name),
		Input:          workflow.CloneMap(r.inst.Input),
		Context:        workflow.CloneMap(r.inst.Context),
	}
}

// sleep waits for d or until ctx ends.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
