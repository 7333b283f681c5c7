// Package storetest holds behaviour tests shared by every store.Store implementation.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nomis52/provision/store"
	"github.com/nomis52/provision/workflow"
)

// Factory returns an empty store for one test.
type Factory func(t *testing.T) store.Store

// Run exercises s against the store.Store contract.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"CreateAndGet", testCreateAndGet},
		{"GetMissing", testGetMissing},
		{"CreateConflict", testCreateConflict},
		{"ConcurrentCreateOneWins", testConcurrentCreate},
		{"TerminalReleasesKey", testTerminalReleasesKey},
		{"UpdateStepMergesContext", testUpdateStep},
		{"TerminalIsImmutable", testTerminalImmutable},
		{"RequestCancel", testRequestCancel},
		{"CancelBlocksCompletion", testCancelBlocksCompletion},
		{"Claim", testClaim},
		{"WritesFencedByLease", testWritesFencedByLease},
		{"ListFilterAndPage", testList},
		{"ReturnsCopies", testReturnsCopies},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

// NewInstance returns a PENDING instance with a fresh id.
func NewInstance(tenantID, businessKey string) *workflow.Instance {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &workflow.Instance{
		ID:           uuid.NewString(),
		WorkflowType: "provision_subscriber",
		TenantID:     tenantID,
		BusinessKey:  businessKey,
		Status:       workflow.StatusPending,
		Input:        map[string]any{"plan": "fiber-1g"},
		Context:      map[string]any{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func testCreateAndGet(t *testing.T, s store.Store) {
	ctx := context.Background()
	inst := NewInstance("tenant-a", "sub-1")
	require.NoError(t, s.Create(ctx, inst))

	got, err := s.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, inst.ID, got.ID)
	assert.Equal(t, workflow.StatusPending, got.Status)
	assert.Equal(t, "fiber-1g", got.Input["plan"])

	active, err := s.FindActive(ctx, "tenant-a", "sub-1")
	require.NoError(t, err)
	assert.Equal(t, inst.ID, active.ID)
}

func testGetMissing(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, err := s.Get(ctx, uuid.NewString())
	assert.ErrorIs(t, err, workflow.ErrNotFound)

	_, err = s.FindActive(ctx, "tenant-a", "nobody")
	assert.ErrorIs(t, err, workflow.ErrNotFound)

	err = s.UpdateStatus(ctx, uuid.NewString(), workflow.StatusRunning, store.StatusUpdate{})
	assert.ErrorIs(t, err, workflow.ErrNotFound)
}

func testCreateConflict(t *testing.T, s store.Store) {
	ctx := context.Background()
	first := NewInstance("tenant-a", "sub-1")
	require.NoError(t, s.Create(ctx, first))

	err := s.Create(ctx, NewInstance("tenant-a", "sub-1"))
	var conflict *workflow.ConflictError
	require.True(t, errors.As(err, &conflict), "got %v", err)
	assert.Equal(t, first.ID, conflict.ExistingID)

	// Same key under another tenant is independent.
	require.NoError(t, s.Create(ctx, NewInstance("tenant-b", "sub-1")))
}

func testConcurrentCreate(t *testing.T, s store.Store) {
	ctx := context.Background()
	const n = 16

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.Create(ctx, NewInstance("tenant-a", "race"))
		}(i)
	}
	wg.Wait()

	wins, conflicts := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, workflow.ErrConflict):
			conflicts++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, n-1, conflicts)

	res, err := s.List(ctx, store.Filter{TenantID: "tenant-a", BusinessKey: "race"}, store.Page{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.TotalCount)
}

func testTerminalReleasesKey(t *testing.T, s store.Store) {
	ctx := context.Background()
	inst := NewInstance("tenant-a", "sub-1")
	require.NoError(t, s.Create(ctx, inst))

	now := time.Now().UTC()
	require.NoError(t, s.UpdateStatus(ctx, inst.ID, workflow.StatusRunning, store.StatusUpdate{StartedAt: &now}))
	require.NoError(t, s.UpdateStatus(ctx, inst.ID, workflow.StatusCompleted, store.StatusUpdate{CompletedAt: &now}))

	_, err := s.FindActive(ctx, "tenant-a", "sub-1")
	assert.ErrorIs(t, err, workflow.ErrNotFound)

	next := NewInstance("tenant-a", "sub-1")
	require.NoError(t, s.Create(ctx, next))
}

func testUpdateStep(t *testing.T, s store.Store) {
	ctx := context.Background()
	inst := NewInstance("tenant-a", "sub-1")
	require.NoError(t, s.Create(ctx, inst))
	require.NoError(t, s.UpdateStatus(ctx, inst.ID, workflow.StatusRunning, store.StatusUpdate{}))

	now := time.Now().UTC().Truncate(time.Millisecond)
	step := workflow.StepExecution{
		StepName:     "allocate_ip",
		Order:        1,
		TargetSystem: workflow.TargetIPAM,
		Status:       workflow.StepRunning,
		StartedAt:    &now,
	}
	require.NoError(t, s.UpdateStep(ctx, inst.ID, step, store.StepUpdate{}))

	step.Status = workflow.StepCompleted
	step.CompletedAt = &now
	step.Seq = 1
	step.OutputData = map[string]any{"ip": "10.0.0.7"}
	require.NoError(t, s.UpdateStep(ctx, inst.ID, step, store.StepUpdate{ContextPatch: step.OutputData}))

	got, err := s.Get(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, got.Steps, 1)
	assert.Equal(t, workflow.StepCompleted, got.Steps[0].Status)
	assert.Equal(t, 1, got.Steps[0].Seq)
	assert.Equal(t, "10.0.0.7", got.Context["ip"])

	rec := workflow.CompensationRecord{StepName: "allocate_ip", TargetSystem: workflow.TargetIPAM, Status: workflow.StepCompensated, At: now}
	step.Status = workflow.StepCompensated
	require.NoError(t, s.UpdateStep(ctx, inst.ID, step, store.StepUpdate{Compensation: &rec}))

	got, err = s.Get(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, got.Compensations, 1)
	assert.Equal(t, workflow.StepCompensated, got.Compensations[0].Status)
	assert.Equal(t, workflow.StepCompensated, got.Steps[0].Status)
}

func testTerminalImmutable(t *testing.T, s store.Store) {
	ctx := context.Background()
	inst := NewInstance("tenant-a", "sub-1")
	require.NoError(t, s.Create(ctx, inst))
	require.NoError(t, s.UpdateStatus(ctx, inst.ID, workflow.StatusRunning, store.StatusUpdate{}))
	require.NoError(t, s.UpdateStatus(ctx, inst.ID, workflow.StatusRolledBack, store.StatusUpdate{ErrorMessage: "boom"}))

	err := s.UpdateStatus(ctx, inst.ID, workflow.StatusCompleted, store.StatusUpdate{})
	assert.ErrorIs(t, err, workflow.ErrInvalidState)

	err = s.UpdateStep(ctx, inst.ID, workflow.StepExecution{StepName: "late"}, store.StepUpdate{})
	assert.ErrorIs(t, err, workflow.ErrInvalidState)

	got, err := s.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusRolledBack, got.Status)
	assert.Equal(t, "boom", got.ErrorMessage)
	assert.Empty(t, got.Steps)
}

func testRequestCancel(t *testing.T, s store.Store) {
	ctx := context.Background()
	inst := NewInstance("tenant-a", "sub-1")
	require.NoError(t, s.Create(ctx, inst))

	assert.ErrorIs(t, s.RequestCancel(ctx, inst.ID), workflow.ErrInvalidState, "PENDING cannot be cancelled")

	require.NoError(t, s.UpdateStatus(ctx, inst.ID, workflow.StatusRunning, store.StatusUpdate{}))
	require.NoError(t, s.RequestCancel(ctx, inst.ID))

	got, err := s.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.True(t, got.CancelRequested)
}

func testCancelBlocksCompletion(t *testing.T, s store.Store) {
	ctx := context.Background()
	inst := NewInstance("tenant-a", "sub-1")
	require.NoError(t, s.Create(ctx, inst))
	require.NoError(t, s.UpdateStatus(ctx, inst.ID, workflow.StatusRunning, store.StatusUpdate{}))
	require.NoError(t, s.RequestCancel(ctx, inst.ID))

	err := s.UpdateStatus(ctx, inst.ID, workflow.StatusCompleted, store.StatusUpdate{})
	assert.ErrorIs(t, err, store.ErrCancelPending)
	assert.ErrorIs(t, err, workflow.ErrInvalidState)

	require.NoError(t, s.UpdateStatus(ctx, inst.ID, workflow.StatusRolledBack, store.StatusUpdate{ErrorMessage: "cancelled"}))
	got, err := s.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusRolledBack, got.Status)

	// Once completed, a late cancel is refused instead.
	done := NewInstance("tenant-a", "sub-2")
	require.NoError(t, s.Create(ctx, done))
	require.NoError(t, s.UpdateStatus(ctx, done.ID, workflow.StatusRunning, store.StatusUpdate{}))
	require.NoError(t, s.UpdateStatus(ctx, done.ID, workflow.StatusCompleted, store.StatusUpdate{}))
	assert.ErrorIs(t, s.RequestCancel(ctx, done.ID), workflow.ErrInvalidState)
}

func testClaim(t *testing.T, s store.Store) {
	ctx := context.Background()
	inst := NewInstance("tenant-a", "sub-1")
	require.NoError(t, s.Create(ctx, inst))

	now := time.Now().UTC()
	claimed, err := s.Claim(ctx, inst.ID, "engine-1", now, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "engine-1", claimed.Owner)

	_, err = s.Claim(ctx, inst.ID, "engine-2", now, now.Add(time.Minute))
	assert.ErrorIs(t, err, store.ErrLeaseHeld)

	// Renewal by the owner always succeeds.
	_, err = s.Claim(ctx, inst.ID, "engine-1", now, now.Add(2*time.Minute))
	require.NoError(t, err)

	// After expiry another engine may take over.
	later := now.Add(5 * time.Minute)
	claimed, err = s.Claim(ctx, inst.ID, "engine-2", later, later.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "engine-2", claimed.Owner)

	require.NoError(t, s.UpdateStatus(ctx, inst.ID, workflow.StatusCancelled, store.StatusUpdate{}))
	_, err = s.Claim(ctx, inst.ID, "engine-2", later, later.Add(time.Minute))
	assert.ErrorIs(t, err, workflow.ErrInvalidState)
}

func testWritesFencedByLease(t *testing.T, s store.Store) {
	ctx := context.Background()
	inst := NewInstance("tenant-a", "sub-1")
	inst.Status = workflow.StatusRunning
	require.NoError(t, s.Create(ctx, inst))

	now := time.Now().UTC()
	_, err := s.Claim(ctx, inst.ID, "engine-a", now, now.Add(time.Second))
	require.NoError(t, err)
	later := now.Add(2 * time.Second)
	_, err = s.Claim(ctx, inst.ID, "engine-b", later, later.Add(time.Minute))
	require.NoError(t, err)

	step := workflow.StepExecution{StepName: "reserve_ip", Order: 1, TargetSystem: workflow.TargetIPAM, Status: workflow.StepRunning}
	err = s.UpdateStep(ctx, inst.ID, step, store.StepUpdate{Owner: "engine-a"})
	assert.ErrorIs(t, err, store.ErrLeaseHeld)
	err = s.UpdateStatus(ctx, inst.ID, workflow.StatusFailed, store.StatusUpdate{Owner: "engine-a", ErrorMessage: "stale"})
	assert.ErrorIs(t, err, store.ErrLeaseHeld)

	got, err := s.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusRunning, got.Status)
	assert.Empty(t, got.Steps)

	require.NoError(t, s.UpdateStep(ctx, inst.ID, step, store.StepUpdate{Owner: "engine-b"}))
	got, err = s.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Len(t, got.Steps, 1)
}

func testList(t *testing.T, s store.Store) {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	var ids []string
	for i := range 5 {
		inst := NewInstance("tenant-a", fmt.Sprintf("sub-%d", i))
		inst.CreatedAt = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, s.Create(ctx, inst))
		ids = append(ids, inst.ID)
	}
	other := NewInstance("tenant-b", "sub-0")
	require.NoError(t, s.Create(ctx, other))
	require.NoError(t, s.UpdateStatus(ctx, ids[0], workflow.StatusRunning, store.StatusUpdate{}))

	res, err := s.List(ctx, store.Filter{TenantID: "tenant-a"}, store.Page{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, res.TotalCount)
	require.Len(t, res.Items, 2)
	assert.Equal(t, ids[4], res.Items[0].ID, "newest first")
	assert.Equal(t, ids[3], res.Items[1].ID)

	res, err = s.List(ctx, store.Filter{TenantID: "tenant-a"}, store.Page{Limit: 2, Offset: 4})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, ids[0], res.Items[0].ID)

	res, err = s.List(ctx, store.Filter{TenantID: "tenant-a", Statuses: []workflow.Status{workflow.StatusRunning}}, store.Page{})
	require.NoError(t, err)
	require.Equal(t, 1, res.TotalCount)
	assert.Equal(t, ids[0], res.Items[0].ID)

	res, err = s.List(ctx, store.Filter{}, store.Page{Offset: 100})
	require.NoError(t, err)
	assert.Equal(t, 6, res.TotalCount)
	assert.Empty(t, res.Items)
}

func testReturnsCopies(t *testing.T, s store.Store) {
	ctx := context.Background()
	inst := NewInstance("tenant-a", "sub-1")
	require.NoError(t, s.Create(ctx, inst))

	inst.Input["plan"] = "mutated after create"
	got, err := s.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "fiber-1g", got.Input["plan"])

	got.Input["plan"] = "mutated after get"
	again, err := s.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "fiber-1g", again.Input["plan"])
}
