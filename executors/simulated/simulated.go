// Package simulated provides an in-process workflow.Executor standing in for a
// target system. It keeps an effect ledger keyed by idempotency key so repeated
// calls observe the same effect, which makes it usable for demos and for testing
// definitions end to end.
package simulated

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nomis52/provision/workflow"
)

// Effect is one applied step as recorded in the ledger.
type Effect struct {
	Step      string
	TenantID  string
	Output    map[string]any
	AppliedAt time.Time
}

// Executor simulates one target system.
type Executor struct {
	target    workflow.TargetSystem
	logger    *slog.Logger
	latency   time.Duration
	failSteps []string
	transient int

	mu       sync.Mutex
	ledger   map[string]Effect
	attempts map[string]int
	nextHost int
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		e.logger = logger
	}
}

// WithLatency delays every call by d, or until the context ends.
func WithLatency(d time.Duration) Option {
	return func(e *Executor) {
		e.latency = d
	}
}

// WithFailSteps makes the named steps fail permanently.
func WithFailSteps(steps ...string) Option {
	return func(e *Executor) {
		e.failSteps = append(e.failSteps, steps...)
	}
}

// WithTransientFailures fails the first n calls for each idempotency key with a
// retryable error.
func WithTransientFailures(n int) Option {
	return func(e *Executor) {
		e.transient = n
	}
}

// New creates a simulated executor for target.
func New(target workflow.TargetSystem, opts ...Option) *Executor {
	e := &Executor{
		target:   target,
		ledger:   make(map[string]Effect),
		attempts: make(map[string]int),
		nextHost: 2,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.logger = e.logger.With("component", "simulated", "target", target)
	return e
}

// Execute implements workflow.Executor.
func (e *Executor) Execute(ctx context.Context, req workflow.StepRequest) workflow.StepResult {
	if err := e.wait(ctx); err != nil {
		return workflow.Failed("timeout", "%s did not answer: %v", e.target, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if effect, ok := e.ledger[req.IdempotencyKey]; ok {
		e.logger.Debug("replaying recorded effect", "step", req.StepName, "business_key", req.BusinessKey)
		return workflow.Succeeded(workflow.CloneMap(effect.Output))
	}
	if slices.Contains(e.failSteps, req.StepName) {
		return workflow.FailedPermanently("rejected", "%s rejected step %s", e.target, req.StepName)
	}
	e.attempts[req.IdempotencyKey]++
	if e.attempts[req.IdempotencyKey] <= e.transient {
		return workflow.Failed("unavailable", "%s temporarily unavailable", e.target)
	}

	output := e.output(req)
	e.ledger[req.IdempotencyKey] = Effect{
		Step:      req.StepName,
		TenantID:  req.TenantID,
		Output:    output,
		AppliedAt: time.Now(),
	}
	e.logger.Info("applied effect", "step", req.StepName, "business_key", req.BusinessKey, "tenant_id", req.TenantID)
	return workflow.Succeeded(workflow.CloneMap(output))
}

// Compensate implements workflow.Executor. Removing an absent effect succeeds.
func (e *Executor) Compensate(ctx context.Context, req workflow.StepRequest, _ map[string]any) workflow.CompensationResult {
	if err := e.wait(ctx); err != nil {
		return workflow.CompensationFailed("timeout", "%s did not answer: %v", e.target, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.ledger[req.IdempotencyKey]; !ok {
		e.logger.Debug("no effect to remove", "step", req.StepName, "business_key", req.BusinessKey)
		return workflow.Compensated()
	}
	delete(e.ledger, req.IdempotencyKey)
	e.logger.Info("removed effect", "step", req.StepName, "business_key", req.BusinessKey, "tenant_id", req.TenantID)
	return workflow.Compensated()
}

// Effects returns the effects currently applied, keyed by idempotency key.
func (e *Executor) Effects() map[string]Effect {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]Effect, len(e.ledger))
	for k, v := range e.ledger {
		v.Output = workflow.CloneMap(v.Output)
		out[k] = v
	}
	return out
}

func (e *Executor) wait(ctx context.Context) error {
	if e.latency <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(e.latency)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// output fabricates what the target system would return. Callers hold mu.
func (e *Executor) output(req workflow.StepRequest) map[string]any {
	ref := uuid.NewString()
	switch e.target {
	case workflow.TargetAAA:
		return map[string]any{"username": req.BusinessKey + "@" + req.TenantID, "credential_ref": ref}
	case workflow.TargetIPAM:
		host := e.nextHost
		e.nextHost++
		return map[string]any{
			"ip_address": fmt.Sprintf("100.64.%d.%d", host/254, host%254+1),
			"allocation": ref,
		}
	case workflow.TargetONU:
		return map[string]any{"onu_id": ref, "vlan": 100 + len(e.ledger)%3900}
	case workflow.TargetCPE:
		return map[string]any{"cpe_profile": ref}
	case workflow.TargetBilling:
		return map[string]any{"billing_account": "BA-" + ref[:8]}
	case workflow.TargetNotification:
		return map[string]any{"message_id": ref}
	}
	return map[string]any{"ref": ref}
}
