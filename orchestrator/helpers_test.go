package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nomis52/provision/backoff"
	"github.com/nomis52/provision/store"
	"github.com/nomis52/provision/workflow"
)

// scripted is an executor whose behaviour is set per step name. Unscripted steps
// succeed with {"<step>_done": true} and compensate successfully.
type scripted struct {
	execute    map[string]func(ctx context.Context, req workflow.StepRequest) workflow.StepResult
	compensate map[string]func(ctx context.Context, req workflow.StepRequest, prior map[string]any) workflow.CompensationResult

	mu    sync.Mutex
	calls []string
	reqs  []workflow.StepRequest
}

func newScripted() *scripted {
	return &scripted{
		execute:    map[string]func(context.Context, workflow.StepRequest) workflow.StepResult{},
		compensate: map[string]func(context.Context, workflow.StepRequest, map[string]any) workflow.CompensationResult{},
	}
}

func (s *scripted) Execute(ctx context.Context, req workflow.StepRequest) workflow.StepResult {
	s.record("execute:"+req.StepName, req)
	if fn := s.execute[req.StepName]; fn != nil {
		return fn(ctx, req)
	}
	return workflow.Succeeded(map[string]any{strings.ToLower(req.StepName) + "_done": true})
}

func (s *scripted) Compensate(ctx context.Context, req workflow.StepRequest, prior map[string]any) workflow.CompensationResult {
	s.record("compensate:"+req.StepName, req)
	if fn := s.compensate[req.StepName]; fn != nil {
		return fn(ctx, req, prior)
	}
	return workflow.Compensated()
}

func (s *scripted) record(call string, req workflow.StepRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
	s.reqs = append(s.reqs, req)
}

// Calls returns the calls whose kind ("execute" or "compensate") matches, as step names.
func (s *scripted) Calls(kind string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, c := range s.calls {
		if name, ok := strings.CutPrefix(c, kind+":"); ok {
			out = append(out, name)
		}
	}
	return out
}

func (s *scripted) Requests(step string) []workflow.StepRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []workflow.StepRequest
	for i, c := range s.calls {
		if strings.HasPrefix(c, "execute:") && s.reqs[i].StepName == step {
			out = append(out, s.reqs[i])
		}
	}
	return out
}

// failAttempts fails the first n attempts with a retryable error.
func failAttempts(n int) func(context.Context, workflow.StepRequest) workflow.StepResult {
	return func(_ context.Context, req workflow.StepRequest) workflow.StepResult {
		if req.Attempt <= n {
			return workflow.Failed("unavailable", "attempt %d refused", req.Attempt)
		}
		return workflow.Succeeded(map[string]any{"attempt": req.Attempt})
	}
}

func failPermanently(_ context.Context, req workflow.StepRequest) workflow.StepResult {
	return workflow.FailedPermanently("rejected", "%s rejected the request", req.Target)
}

// step returns a compensable step definition.
func step(name string, target workflow.TargetSystem) workflow.StepDefinition {
	return workflow.StepDefinition{Name: name, Target: target, Compensable: true}
}

// linear returns a definition of sequential steps A (aaa), B (ipam), C (onu).
func linear() workflow.Definition {
	return workflow.Definition{
		Type: "linear",
		Steps: []workflow.StepDefinition{
			step("A", workflow.TargetAAA),
			step("B", workflow.TargetIPAM),
			step("C", workflow.TargetONU),
		},
	}
}

func testRetryPolicy() workflow.RetryPolicy {
	return workflow.RetryPolicy{
		MaxAttempts:     1,
		Backoff:         backoff.KindConstant,
		InitialInterval: time.Millisecond,
		Timeout:         5 * time.Second,
	}
}

type harness struct {
	engine *Engine
	store  store.Store
	exec   *scripted
}

func newHarness(t *testing.T, st store.Store, defs []workflow.Definition, opts ...Option) *harness {
	t.Helper()
	if st == nil {
		st = store.NewMemoryStore()
	}
	exec := newScripted()
	registry := workflow.NewRegistry()
	for _, target := range workflow.KnownTargets() {
		registry.MustRegister(target, exec)
	}

	base := []Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithWorkers(4),
		WithDefaultRetryPolicy(testRetryPolicy()),
		WithPollInterval(5 * time.Millisecond),
		WithOwner("test-engine"),
	}
	e, err := New(st, registry, append(base, opts...)...)
	require.NoError(t, err)
	for _, def := range defs {
		require.NoError(t, e.Register(def))
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Close(ctx)
	})
	return &harness{engine: e, store: st, exec: exec}
}

func (h *harness) submit(t *testing.T, workflowType, key string) string {
	t.Helper()
	id, err := h.engine.Submit(context.Background(), workflowType, "acme", key, map[string]any{"plan": "fiber-1g"})
	require.NoError(t, err)
	return id
}

func (h *harness) wait(t *testing.T, id string) *workflow.Instance {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	inst, err := h.engine.Wait(ctx, id)
	require.NoError(t, err)
	return inst
}

func stepStatuses(inst *workflow.Instance) map[string]workflow.StepStatus {
	out := make(map[string]workflow.StepStatus, len(inst.Steps))
	for _, s := range inst.Steps {
		out[s.StepName] = s.Status
	}
	return out
}

func trail(inst *workflow.Instance) []string {
	out := make([]string, 0, len(inst.Compensations))
	for _, c := range inst.Compensations {
		out = append(out, fmt.Sprintf("%s:%s", c.StepName, c.Status))
	}
	return out
}

// gate blocks an executor call until released and reports when it was entered.
type gate struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGate() *gate {
	return &gate{entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gate) wait(ctx context.Context) {
	g.once.Do(func() { close(g.entered) })
	select {
	case <-g.release:
	case <-ctx.Done():
	}
}

func (g *gate) awaitEntered(t *testing.T) {
	t.Helper()
	select {
	case <-g.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("executor was never called")
	}
}
