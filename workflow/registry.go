package workflow

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"golang.org/x/time/rate"
)

// ErrExecutorExists is returned when a target already has an executor.
var ErrExecutorExists = errors.New("executor already registered")

// Registry binds target systems to executors. It is populated at startup and read
// by the engine for every call.
type Registry struct {
	mu      sync.RWMutex
	entries map[TargetSystem]*registration
}

type registration struct {
	executor Executor
	limiter  *rate.Limiter
}

// RegisterOption configures a registration.
type RegisterOption func(*registration)

// WithRateLimit caps calls (execute and compensate) to the target at r per second
// with the given burst, shared by every instance.
func WithRateLimit(r float64, burst int) RegisterOption {
	return func(reg *registration) {
		if r <= 0 {
			return
		}
		if burst < 1 {
			burst = 1
		}
		reg.limiter = rate.NewLimiter(rate.Limit(r), burst)
	}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[TargetSystem]*registration)}
}

// Register binds ex to target.
func (r *Registry) Register(target TargetSystem, ex Executor, opts ...RegisterOption) error {
	if !target.Valid() {
		return fmt.Errorf("register executor: unknown target system %q", target)
	}
	if ex == nil {
		return fmt.Errorf("register executor for %q: executor is nil", target)
	}
	reg := &registration{executor: ex}
	for _, opt := range opts {
		opt(reg)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[target]; exists {
		return fmt.Errorf("%w for target %q", ErrExecutorExists, target)
	}
	r.entries[target] = reg
	return nil
}

// MustRegister is Register that panics on error, for static wiring.
func (r *Registry) MustRegister(target TargetSystem, ex Executor, opts ...RegisterOption) {
	if err := r.Register(target, ex, opts...); err != nil {
		panic(err)
	}
}

// Has reports whether target has an executor.
func (r *Registry) Has(target TargetSystem) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[target]
	return ok
}

// Targets returns the registered targets, sorted.
func (r *Registry) Targets() []TargetSystem {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]TargetSystem, 0, len(r.entries))
	for t := range r.entries {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// Executor returns the executor for target wrapped with its rate limit, if any.
func (r *Registry) Executor(target TargetSystem) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.entries[target]
	if !ok {
		return nil, false
	}
	if reg.limiter == nil {
		return reg.executor, true
	}
	return &limitedExecutor{next: reg.executor, limiter: reg.limiter}, true
}

type limitedExecutor struct {
	next    Executor
	limiter *rate.Limiter
}

func (l *limitedExecutor) Execute(ctx context.Context, req StepRequest) StepResult {
	if err := l.limiter.Wait(ctx); err != nil {
		return Failed("rate_limited", "waiting for %s rate limit: %v", req.Target, err)
	}
	return l.next.Execute(ctx, req)
}

func (l *limitedExecutor) Compensate(ctx context.Context, req StepRequest, priorOutput map[string]any) CompensationResult {
	if err := l.limiter.Wait(ctx); err != nil {
		return CompensationFailed("rate_limited", "waiting for %s rate limit: %v", req.Target, err)
	}
	return l.next.Compensate(ctx, req, priorOutput)
}
