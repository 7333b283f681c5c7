package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/nomis52/provision/logging"
	"github.com/nomis52/provision/metrics"
	"github.com/nomis52/provision/store"
	"github.com/nomis52/provision/workflow"
)

func TestEngine_AllStepsComplete(t *testing.T) {
	h := newHarness(t, nil, []workflow.Definition{linear()})

	id := h.submit(t, "linear", "sub-1")
	inst := h.wait(t, id)

	assert.Equal(t, workflow.StatusCompleted, inst.Status)
	assert.Equal(t, []string{"A", "B", "C"}, h.exec.Calls("execute"))
	assert.Empty(t, h.exec.Calls("compensate"))
	assert.Empty(t, inst.ErrorMessage)
	require.NotNil(t, inst.StartedAt)
	require.NotNil(t, inst.CompletedAt)

	for i, name := range []string{"A", "B", "C"} {
		s := inst.Step(name)
		require.NotNil(t, s, name)
		assert.Equal(t, workflow.StepCompleted, s.Status, name)
		assert.Equal(t, i+1, s.Seq, name)
		assert.Equal(t, i+1, s.Order, name)
		assert.Zero(t, s.RetryCount, name)
		assert.Len(t, s.Attempts, 1, name)
	}
	assert.Equal(t, true, inst.Context["a_done"])
	assert.Equal(t, true, inst.Context["b_done"])
	assert.Equal(t, true, inst.Context["c_done"])
	assert.Equal(t, "fiber-1g", inst.Input["plan"])
	assert.Empty(t, inst.Owner, "lease released on completion")
}

func TestEngine_SubmitIsQueryableImmediately(t *testing.T) {
	h := newHarness(t, nil, []workflow.Definition{linear()})
	g := newGate()
	h.exec.execute["A"] = func(ctx context.Context, _ workflow.StepRequest) workflow.StepResult {
		g.wait(ctx)
		return workflow.Succeeded(nil)
	}

	id := h.submit(t, "linear", "sub-1")
	inst, err := h.engine.Get(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, inst.Status.Active())
	assert.Equal(t, "acme", inst.TenantID)

	close(g.release)
	assert.Equal(t, workflow.StatusCompleted, h.wait(t, id).Status)
}

func TestEngine_LaterStepsSeeEarlierOutput(t *testing.T) {
	h := newHarness(t, nil, []workflow.Definition{linear()})
	h.exec.execute["A"] = func(context.Context, workflow.StepRequest) workflow.StepResult {
		return workflow.Succeeded(map[string]any{"username": "sub-1@acme"})
	}

	inst := h.wait(t, h.submit(t, "linear", "sub-1"))
	require.Equal(t, workflow.StatusCompleted, inst.Status)

	reqs := h.exec.Requests("C")
	require.Len(t, reqs, 1)
	assert.Equal(t, "sub-1@acme", reqs[0].Context["username"])
	assert.Equal(t, true, reqs[0].Context["b_done"])
	assert.Equal(t, "fiber-1g", reqs[0].Input["plan"])
}

// Step B fails on its first attempt and succeeds on the second.
func TestEngine_RetryThenSucceed(t *testing.T) {
	def := linear()
	def.Steps[1].Retry = workflow.RetryPolicy{MaxAttempts: 2}
	h := newHarness(t, nil, []workflow.Definition{def})
	h.exec.execute["B"] = failAttempts(1)

	inst := h.wait(t, h.submit(t, "linear", "sub-1"))

	assert.Equal(t, workflow.StatusCompleted, inst.Status)
	b := inst.Step("B")
	require.NotNil(t, b)
	assert.Equal(t, workflow.StepCompleted, b.Status)
	assert.Equal(t, 1, b.RetryCount)
	require.Len(t, b.Attempts, 2)
	assert.Contains(t, b.Attempts[0].Error, "attempt 1 refused")
	assert.Empty(t, b.Attempts[1].Error)
	assert.Empty(t, b.ErrorMessage)
	assert.EqualValues(t, 2, inst.Context["attempt"])
	assert.Equal(t, []string{"A", "B", "B", "C"}, h.exec.Calls("execute"))
}

// Step C fails permanently: B then A are compensated and the instance rolls back.
func TestEngine_PermanentFailureRollsBack(t *testing.T) {
	def := linear()
	def.Steps[2].Retry = workflow.RetryPolicy{MaxAttempts: 3}
	h := newHarness(t, nil, []workflow.Definition{def})
	h.exec.execute["C"] = failPermanently

	inst := h.wait(t, h.submit(t, "linear", "sub-1"))

	assert.Equal(t, workflow.StatusRolledBack, inst.Status)
	assert.Equal(t, []string{"A", "B", "C"}, h.exec.Calls("execute"), "permanent failures are not retried")
	assert.Equal(t, []string{"B", "A"}, h.exec.Calls("compensate"))
	assert.Equal(t, map[string]workflow.StepStatus{
		"A": workflow.StepCompensated,
		"B": workflow.StepCompensated,
		"C": workflow.StepFailed,
	}, stepStatuses(inst))
	assert.Equal(t, []string{"B:COMPENSATED", "A:COMPENSATED"}, trail(inst))
	assert.Contains(t, inst.ErrorMessage, `step "C" (onu) failed after 1 attempt(s) [rejected]`)
	assert.NotNil(t, inst.FailedAt)
	assert.NotNil(t, inst.Step("A").CompensatedAt)
}

func TestEngine_ExhaustedRetriesRollBack(t *testing.T) {
	def := linear()
	def.Steps[2].Retry = workflow.RetryPolicy{MaxAttempts: 3}
	h := newHarness(t, nil, []workflow.Definition{def})
	h.exec.execute["C"] = failAttempts(10)

	inst := h.wait(t, h.submit(t, "linear", "sub-1"))

	assert.Equal(t, workflow.StatusRolledBack, inst.Status)
	c := inst.Step("C")
	require.NotNil(t, c)
	assert.Equal(t, workflow.StepFailed, c.Status)
	assert.Equal(t, 2, c.RetryCount)
	assert.Len(t, c.Attempts, 3)
	assert.Contains(t, inst.ErrorMessage, "failed after 3 attempt(s) [unavailable]: attempt 3 refused")
}

func TestEngine_FirstStepFailureRollsBackWithNothingToUndo(t *testing.T) {
	h := newHarness(t, nil, []workflow.Definition{linear()})
	h.exec.execute["A"] = failPermanently

	inst := h.wait(t, h.submit(t, "linear", "sub-1"))

	assert.Equal(t, workflow.StatusRolledBack, inst.Status)
	assert.Empty(t, h.exec.Calls("compensate"))
	assert.Empty(t, inst.Compensations)
	assert.Contains(t, inst.ErrorMessage, `step "A"`)
}

func TestEngine_NonCompensableStepIsSkipped(t *testing.T) {
	def := linear()
	def.Steps[0].Compensable = false
	h := newHarness(t, nil, []workflow.Definition{def})
	h.exec.execute["C"] = failPermanently

	inst := h.wait(t, h.submit(t, "linear", "sub-1"))

	assert.Equal(t, workflow.StatusRolledBack, inst.Status)
	assert.Equal(t, []string{"B"}, h.exec.Calls("compensate"))
	assert.Equal(t, workflow.StepCompleted, inst.Step("A").Status)
	assert.Equal(t, []string{"B:COMPENSATED", "A:SKIPPED"}, trail(inst))
}

func TestEngine_CompensationFailureIsReported(t *testing.T) {
	h := newHarness(t, nil, []workflow.Definition{linear()})
	h.exec.execute["C"] = failPermanently
	h.exec.compensate["B"] = func(context.Context, workflow.StepRequest, map[string]any) workflow.CompensationResult {
		return workflow.CompensationFailed("ipam_down", "release failed")
	}

	inst := h.wait(t, h.submit(t, "linear", "sub-1"))

	assert.Equal(t, workflow.StatusFailed, inst.Status)
	assert.Equal(t, []string{"B", "A"}, h.exec.Calls("compensate"), "unwind continues past a failed compensation")
	assert.Equal(t, []string{"B:FAILED", "A:COMPENSATED"}, trail(inst))
	assert.Equal(t, workflow.StepCompleted, inst.Step("B").Status)
	assert.Contains(t, inst.ErrorMessage, `step "C"`)
	assert.Contains(t, inst.ErrorMessage, "1 compensation(s) failed")
	assert.Contains(t, inst.ErrorMessage, "B (ipam): [ipam_down] release failed")
}

func TestEngine_CompensationIsRetried(t *testing.T) {
	def := linear()
	def.Steps[1].Retry = workflow.RetryPolicy{MaxAttempts: 2}
	h := newHarness(t, nil, []workflow.Definition{def})
	h.exec.execute["C"] = failPermanently
	h.exec.compensate["B"] = func(_ context.Context, req workflow.StepRequest, prior map[string]any) workflow.CompensationResult {
		if req.Attempt == 1 {
			return workflow.CompensationFailed("busy", "try later")
		}
		if prior["b_done"] != true {
			return workflow.CompensationFailed("bad_input", "prior output missing")
		}
		return workflow.Compensated()
	}

	inst := h.wait(t, h.submit(t, "linear", "sub-1"))

	assert.Equal(t, workflow.StatusRolledBack, inst.Status)
	assert.Equal(t, []string{"B", "B", "A"}, h.exec.Calls("compensate"))
	assert.Equal(t, []string{"B:COMPENSATED", "A:COMPENSATED"}, trail(inst))
}

// Two submissions for the same key: the second conflicts until the first is terminal.
func TestEngine_DuplicateSubmissionConflicts(t *testing.T) {
	h := newHarness(t, nil, []workflow.Definition{linear()})
	g := newGate()
	h.exec.execute["A"] = func(ctx context.Context, _ workflow.StepRequest) workflow.StepResult {
		g.wait(ctx)
		return workflow.Succeeded(nil)
	}

	first := h.submit(t, "linear", "sub-1")
	_, err := h.engine.Submit(context.Background(), "linear", "acme", "sub-1", nil)
	var conflict *workflow.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, first, conflict.ExistingID)
	assert.ErrorIs(t, err, workflow.ErrConflict)

	// Same key under another tenant is independent.
	other, err := h.engine.Submit(context.Background(), "linear", "globex", "sub-1", nil)
	require.NoError(t, err)

	close(g.release)
	assert.Equal(t, workflow.StatusCompleted, h.wait(t, first).Status)
	assert.Equal(t, workflow.StatusCompleted, h.wait(t, other).Status)

	third := h.submit(t, "linear", "sub-1")
	assert.Equal(t, workflow.StatusCompleted, h.wait(t, third).Status)
}

func TestEngine_ConcurrentSubmissionsOneWins(t *testing.T) {
	h := newHarness(t, nil, []workflow.Definition{linear()})
	g := newGate()
	h.exec.execute["A"] = func(ctx context.Context, _ workflow.StepRequest) workflow.StepResult {
		g.wait(ctx)
		return workflow.Succeeded(nil)
	}

	const n = 20
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		ids       []string
		conflicts int
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := h.engine.Submit(context.Background(), "linear", "acme", "sub-1", nil)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ids = append(ids, id)
			case errors.Is(err, workflow.ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	require.Len(t, ids, 1)
	assert.Equal(t, n-1, conflicts)

	active, err := h.store.List(context.Background(), store.Filter{
		TenantID: "acme",
		Statuses: []workflow.Status{workflow.StatusPending, workflow.StatusRunning},
	}, store.Page{})
	require.NoError(t, err)
	assert.Equal(t, 1, active.TotalCount)

	close(g.release)
	h.wait(t, ids[0])
}

// Cancel while B executes: B's attempt finishes, C never starts, B and A are undone.
func TestEngine_CancelDuringStep(t *testing.T) {
	h := newHarness(t, nil, []workflow.Definition{linear()})
	g := newGate()
	h.exec.execute["B"] = func(ctx context.Context, _ workflow.StepRequest) workflow.StepResult {
		g.wait(ctx)
		return workflow.Succeeded(map[string]any{"ip": "100.64.0.10"})
	}

	id := h.submit(t, "linear", "sub-1")
	g.awaitEntered(t)
	require.NoError(t, h.engine.Cancel(context.Background(), id))
	close(g.release)

	inst := h.wait(t, id)
	assert.Equal(t, workflow.StatusRolledBack, inst.Status)
	assert.True(t, inst.CancelRequested)
	assert.Equal(t, []string{"A", "B"}, h.exec.Calls("execute"))
	assert.Equal(t, []string{"B", "A"}, h.exec.Calls("compensate"))
	assert.Nil(t, inst.Step("C"))
	assert.Equal(t, "cancelled by request", inst.ErrorMessage)
}

func TestEngine_CancelDuringLastStep(t *testing.T) {
	h := newHarness(t, nil, []workflow.Definition{linear()})
	g := newGate()
	h.exec.execute["C"] = func(ctx context.Context, _ workflow.StepRequest) workflow.StepResult {
		g.wait(ctx)
		return workflow.Succeeded(map[string]any{"onu_serial": "ALCL0001"})
	}

	id := h.submit(t, "linear", "sub-1")
	g.awaitEntered(t)
	require.NoError(t, h.engine.Cancel(context.Background(), id))
	close(g.release)

	inst := h.wait(t, id)
	assert.Equal(t, workflow.StatusRolledBack, inst.Status)
	assert.True(t, inst.CancelRequested)
	assert.Nil(t, inst.CompletedAt)
	assert.Equal(t, []string{"A", "B", "C"}, h.exec.Calls("execute"))
	assert.Equal(t, []string{"C", "B", "A"}, h.exec.Calls("compensate"))
	assert.Equal(t, "cancelled by request", inst.ErrorMessage)
}

// cancelBeforeComplete lands a cancel request just ahead of the completing write.
type cancelBeforeComplete struct {
	store.Store
}

func (s cancelBeforeComplete) UpdateStatus(ctx context.Context, id string, status workflow.Status, upd store.StatusUpdate) error {
	if status == workflow.StatusCompleted {
		if err := s.RequestCancel(ctx, id); err != nil {
			return err
		}
	}
	return s.Store.UpdateStatus(ctx, id, status, upd)
}

func TestEngine_CancelRacingCompletionRollsBack(t *testing.T) {
	h := newHarness(t, cancelBeforeComplete{store.NewMemoryStore()}, []workflow.Definition{linear()})

	inst := h.wait(t, h.submit(t, "linear", "sub-1"))
	assert.Equal(t, workflow.StatusRolledBack, inst.Status)
	assert.True(t, inst.CancelRequested)
	assert.Equal(t, []string{"C", "B", "A"}, h.exec.Calls("compensate"))
	assert.Equal(t, []string{"C:COMPENSATED", "B:COMPENSATED", "A:COMPENSATED"}, trail(inst))
}

func TestEngine_StopsWritingAfterLeaseTakeover(t *testing.T) {
	// The heartbeat never fires within the test, so only the write fence can stop the run.
	h := newHarness(t, nil, []workflow.Definition{linear()}, WithLease(time.Hour, 0))
	g := newGate()
	h.exec.execute["B"] = func(ctx context.Context, _ workflow.StepRequest) workflow.StepResult {
		g.wait(ctx)
		return workflow.Succeeded(map[string]any{"ip": "100.64.0.10"})
	}

	id := h.submit(t, "linear", "sub-1")
	g.awaitEntered(t)

	ctx := context.Background()
	later := time.Now().UTC().Add(2 * time.Hour)
	_, err := h.store.Claim(ctx, id, "other-engine", later, later.Add(time.Hour))
	require.NoError(t, err)
	close(g.release)

	closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, h.engine.Close(closeCtx))

	inst, err := h.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusRunning, inst.Status)
	assert.Equal(t, "other-engine", inst.Owner)
	assert.NotEqual(t, workflow.StepCompleted, inst.Step("B").Status)
	assert.Nil(t, inst.Step("C"))
	assert.Empty(t, h.exec.Calls("compensate"))
}

func TestEngine_CancelBeforeAnyStepCompletes(t *testing.T) {
	def := linear()
	def.Steps[0].Retry = workflow.RetryPolicy{MaxAttempts: 3}
	h := newHarness(t, nil, []workflow.Definition{def})
	g := newGate()
	h.exec.execute["A"] = func(ctx context.Context, _ workflow.StepRequest) workflow.StepResult {
		g.wait(ctx)
		return workflow.Failed("busy", "aaa busy")
	}

	id := h.submit(t, "linear", "sub-1")
	g.awaitEntered(t)
	require.NoError(t, h.engine.Cancel(context.Background(), id))
	close(g.release)

	inst := h.wait(t, id)
	assert.Equal(t, workflow.StatusCancelled, inst.Status)
	assert.Equal(t, []string{"A"}, h.exec.Calls("execute"), "no retry after cancel")
	assert.Empty(t, h.exec.Calls("compensate"))
	assert.NotNil(t, inst.CompletedAt)
	assert.Equal(t, workflow.StepFailed, inst.Step("A").Status)
}

func TestEngine_CancelRejectsNonRunning(t *testing.T) {
	h := newHarness(t, nil, []workflow.Definition{linear()})
	ctx := context.Background()

	id := h.submit(t, "linear", "sub-1")
	h.wait(t, id)

	assert.ErrorIs(t, h.engine.Cancel(ctx, id), workflow.ErrInvalidState)
	assert.ErrorIs(t, h.engine.Cancel(ctx, "missing"), workflow.ErrNotFound)
}

func TestEngine_RetryCreatesNewInstance(t *testing.T) {
	h := newHarness(t, nil, []workflow.Definition{linear()})
	ctx := context.Background()
	failC := true
	var mu sync.Mutex
	h.exec.execute["C"] = func(ctx context.Context, req workflow.StepRequest) workflow.StepResult {
		mu.Lock()
		defer mu.Unlock()
		if failC {
			return failPermanently(ctx, req)
		}
		return workflow.Succeeded(nil)
	}

	origID := h.submit(t, "linear", "sub-1")
	before := h.wait(t, origID)
	require.Equal(t, workflow.StatusRolledBack, before.Status)

	mu.Lock()
	failC = false
	mu.Unlock()

	retryID, err := h.engine.Retry(ctx, origID)
	require.NoError(t, err)
	assert.NotEqual(t, origID, retryID)

	retried := h.wait(t, retryID)
	assert.Equal(t, workflow.StatusCompleted, retried.Status)
	assert.Equal(t, origID, retried.RetryOf)
	assert.Equal(t, 1, retried.RetryCount)
	assert.Equal(t, before.BusinessKey, retried.BusinessKey)
	assert.Equal(t, before.Input, retried.Input)

	after, err := h.engine.Get(ctx, origID)
	require.NoError(t, err)
	assert.Equal(t, before, after, "original instance must not change")

	_, err = h.engine.Retry(ctx, retryID)
	assert.ErrorIs(t, err, workflow.ErrInvalidState, "completed instances cannot be retried")

	_, err = h.engine.Retry(ctx, "missing")
	assert.ErrorIs(t, err, workflow.ErrNotFound)
}

func TestEngine_RetryConflictsWithActiveInstance(t *testing.T) {
	h := newHarness(t, nil, []workflow.Definition{linear()})
	g := newGate()
	h.exec.execute["A"] = func(ctx context.Context, req workflow.StepRequest) workflow.StepResult {
		if req.Input["hold"] == true {
			g.wait(ctx)
		}
		return workflow.Succeeded(nil)
	}
	h.exec.execute["C"] = func(ctx context.Context, req workflow.StepRequest) workflow.StepResult {
		if req.Input["hold"] == true {
			return workflow.Succeeded(nil)
		}
		return failPermanently(ctx, req)
	}
	ctx := context.Background()

	origID := h.submit(t, "linear", "sub-1")
	require.Equal(t, workflow.StatusRolledBack, h.wait(t, origID).Status)

	activeID, err := h.engine.Submit(ctx, "linear", "acme", "sub-1", map[string]any{"hold": true})
	require.NoError(t, err)

	_, err = h.engine.Retry(ctx, origID)
	var conflict *workflow.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, activeID, conflict.ExistingID)

	close(g.release)
	h.wait(t, activeID)
}

func TestEngine_IdempotencyKeyIsStable(t *testing.T) {
	def := linear()
	def.Steps[1].Retry = workflow.RetryPolicy{MaxAttempts: 3}
	h := newHarness(t, nil, []workflow.Definition{def})
	h.exec.execute["B"] = failAttempts(2)

	h.wait(t, h.submit(t, "linear", "sub-1"))

	reqs := h.exec.Requests("B")
	require.Len(t, reqs, 3)
	want := workflow.IdempotencyKey("acme", "sub-1", "B")
	for i, req := range reqs {
		assert.Equal(t, want, req.IdempotencyKey)
		assert.Equal(t, i+1, req.Attempt)
	}
}

func TestEngine_SubmitValidation(t *testing.T) {
	h := newHarness(t, nil, []workflow.Definition{linear()})
	ctx := context.Background()

	_, err := h.engine.Submit(ctx, "unknown", "acme", "sub-1", nil)
	var defErr *workflow.DefinitionError
	require.ErrorAs(t, err, &defErr)
	assert.Equal(t, "unknown", defErr.WorkflowType)

	_, err = h.engine.Submit(ctx, "linear", "", "sub-1", nil)
	assert.ErrorIs(t, err, workflow.ErrInvalidArgument)

	_, err = h.engine.Submit(ctx, "linear", "acme", "", nil)
	assert.ErrorIs(t, err, workflow.ErrInvalidArgument)
}

func TestEngine_Register(t *testing.T) {
	registry := workflow.NewRegistry()
	registry.MustRegister(workflow.TargetAAA, workflow.ExecutorFuncs{})
	e, err := New(store.NewMemoryStore(), registry)
	require.NoError(t, err)

	tests := []struct {
		name    string
		def     workflow.Definition
		wantErr string
	}{
		{
			name: "valid",
			def:  workflow.Definition{Type: "ok", Steps: []workflow.StepDefinition{step("A", workflow.TargetAAA)}},
		},
		{
			name:    "duplicate type",
			def:     workflow.Definition{Type: "ok", Steps: []workflow.StepDefinition{step("A", workflow.TargetAAA)}},
			wantErr: "already registered",
		},
		{
			name:    "target without executor",
			def:     workflow.Definition{Type: "no-exec", Steps: []workflow.StepDefinition{step("A", workflow.TargetIPAM)}},
			wantErr: "ipam",
		},
		{
			name: "cycle",
			def: workflow.Definition{Type: "cycle", Steps: []workflow.StepDefinition{
				{Name: "A", Target: workflow.TargetAAA, DependsOn: []string{"B"}},
				{Name: "B", Target: workflow.TargetAAA, DependsOn: []string{"A"}},
			}},
			wantErr: "cycle",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := e.Register(tt.def)
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			var defErr *workflow.DefinitionError
			require.ErrorAs(t, err, &defErr)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	assert.Panics(t, func() {
		e.MustRegister(workflow.Definition{Type: "empty"})
	})
	require.Len(t, e.Definitions(), 1)
	assert.Equal(t, "ok", e.Definitions()[0].Type)
}

func TestEngine_ClosedEngineRejectsSubmit(t *testing.T) {
	h := newHarness(t, nil, []workflow.Definition{linear()})
	require.NoError(t, h.engine.Close(context.Background()))

	_, err := h.engine.Submit(context.Background(), "linear", "acme", "sub-1", nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestEngine_Statistics(t *testing.T) {
	h := newHarness(t, nil, []workflow.Definition{linear()})
	h.exec.execute["C"] = func(ctx context.Context, req workflow.StepRequest) workflow.StepResult {
		if req.BusinessKey[0] == 'x' {
			return failPermanently(ctx, req)
		}
		return workflow.Succeeded(nil)
	}
	ctx := context.Background()

	var ids []string
	for _, key := range []string{"a1", "a2", "a3", "x1", "x2"} {
		ids = append(ids, h.submit(t, "linear", key))
	}
	for _, id := range ids {
		h.wait(t, id)
	}

	sum, err := h.engine.Statistics(ctx, "acme", store.Filter{})
	require.NoError(t, err)

	assert.Equal(t, 5, sum.Total)
	assert.Equal(t, 3, sum.Completed)
	assert.Equal(t, 2, sum.RolledBack)
	assert.InDelta(t, 0.6, sum.SuccessRate, 1e-9)
	assert.Equal(t, 4, sum.TotalCompensations)

	for status, want := range map[workflow.Status]int{
		workflow.StatusCompleted:  sum.Completed,
		workflow.StatusRolledBack: sum.RolledBack,
		workflow.StatusFailed:     sum.Failed,
		workflow.StatusRunning:    sum.Running,
	} {
		res, err := h.engine.List(ctx, store.Filter{TenantID: "acme", Statuses: []workflow.Status{status}}, store.Page{})
		require.NoError(t, err)
		assert.Equal(t, want, res.TotalCount, status.String())
	}
}

func TestEngine_Tracing(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	h := newHarness(t, nil, []workflow.Definition{linear()}, WithTracerProvider(tp))
	h.exec.execute["C"] = failPermanently

	h.wait(t, h.submit(t, "linear", "sub-1"))

	var names []string
	for _, span := range sr.Ended() {
		step := ""
		for _, kv := range span.Attributes() {
			if kv.Key == "provision.step" {
				step = kv.Value.AsString()
			}
		}
		names = append(names, span.Name()+":"+step)
	}
	assert.Equal(t, []string{
		"provision.step.execute:A",
		"provision.step.execute:B",
		"provision.step.execute:C",
		"provision.step.compensate:B",
		"provision.step.compensate:A",
	}, names)
}

func TestEngine_CapturesInstanceLogs(t *testing.T) {
	collector := logging.NewLogCollector()
	h := newHarness(t, nil, []workflow.Definition{linear()},
		WithLoggerHook(logging.NewCapturingLoggerHook(collector)))

	id := h.submit(t, "linear", "sub-1")
	h.wait(t, id)

	// The final log line is written after the terminal status is persisted.
	require.Eventually(t, func() bool {
		for _, entry := range collector.GetLogs(id) {
			if entry.Message == "workflow completed" {
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond)

	var messages []string
	for _, entry := range collector.GetLogs(id) {
		messages = append(messages, entry.Message)
		assert.Equal(t, id, entry.Attributes["instance_id"])
	}
	assert.Contains(t, messages, "workflow started")
	assert.Contains(t, messages, "step completed")
}

func TestEngine_Metrics(t *testing.T) {
	reg, err := metrics.NewScrapeRegistry("provision")
	require.NoError(t, err)
	h := newHarness(t, nil, []workflow.Definition{linear()}, WithMetrics(reg))

	h.wait(t, h.submit(t, "linear", "sub-1"))

	scrape := func() string {
		rec := httptest.NewRecorder()
		reg.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
		body, _ := io.ReadAll(rec.Body)
		return string(body)
	}
	want := []string{
		`provision_engine_workflows_submitted_total{workflow_type="linear"} 1`,
		`provision_engine_workflows_finished_total{status="COMPLETED",workflow_type="linear"} 1`,
		`provision_engine_step_attempts_total{outcome="success",target="aaa"} 1`,
		`provision_engine_workflows_running 0`,
	}
	// Counters are updated after the terminal status is persisted.
	assert.Eventually(t, func() bool {
		body := scrape()
		for _, line := range want {
			if !strings.Contains(body, line) {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond, "engine metrics not exported")
}

func TestEngine_ManyInstancesOnSmallPool(t *testing.T) {
	h := newHarness(t, nil, []workflow.Definition{linear()}, WithWorkers(2))

	var ids []string
	for i := range 10 {
		ids = append(ids, h.submit(t, "linear", fmt.Sprintf("sub-%d", i)))
	}
	for _, id := range ids {
		assert.Equal(t, workflow.StatusCompleted, h.wait(t, id).Status)
	}
	assert.Len(t, h.exec.Calls("execute"), 30)
}

func TestEngine_FullQueueLeavesInstanceForRecover(t *testing.T) {
	h := newHarness(t, nil, []workflow.Definition{linear()}, WithWorkers(1), WithQueueSize(1))
	g := newGate()
	h.exec.execute["A"] = func(ctx context.Context, _ workflow.StepRequest) workflow.StepResult {
		g.wait(ctx)
		return workflow.Succeeded(nil)
	}

	first := h.submit(t, "linear", "sub-1")
	g.awaitEntered(t)
	second := h.submit(t, "linear", "sub-2")
	third := h.submit(t, "linear", "sub-3")

	ctx := context.Background()
	pending, err := h.store.Get(ctx, third)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusPending, pending.Status)

	close(g.release)
	assert.Equal(t, workflow.StatusCompleted, h.wait(t, first).Status)
	assert.Equal(t, workflow.StatusCompleted, h.wait(t, second).Status)

	n, err := h.engine.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, workflow.StatusCompleted, h.wait(t, third).Status)
}

func TestEngine_WaitHonoursContext(t *testing.T) {
	h := newHarness(t, nil, []workflow.Definition{linear()})
	g := newGate()
	h.exec.execute["A"] = func(ctx context.Context, _ workflow.StepRequest) workflow.StepResult {
		g.wait(ctx)
		return workflow.Succeeded(nil)
	}

	id := h.submit(t, "linear", "sub-1")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := h.engine.Wait(ctx, id)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(g.release)
	h.wait(t, id)
}
