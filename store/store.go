// Package store persists workflow instances.
//
// A Store is the only persistence boundary of the engine and the place where the
// one-active-instance-per-business-key rule is enforced: Create is an atomic
// check-and-create, so two engines sharing a store cannot both start an instance
// for the same tenant and business key.
//
// Every write is atomic per instance. Readers see either the state before or after
// a write, never part of one, and always receive copies.
//
// Three implementations are provided: MemoryStore for tests and single-process
// use, DiskStore which keeps one JSON document per instance and coordinates
// processes on the same host with file locks, and store/postgres for shared
// deployments.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/nomis52/provision/workflow"
)

var (
	// ErrLeaseHeld is returned by Claim, and by writes naming an owner, when
	// another owner holds an unexpired lease.
	ErrLeaseHeld = errors.New("instance lease held by another owner")
	// ErrCancelPending is returned when a cancel-requested instance is moved to
	// COMPLETED. The caller must roll the instance back instead.
	ErrCancelPending = errors.New("cancel requested")
)

// Store persists workflow instances.
type Store interface {
	// Create persists a new instance. It fails with *workflow.ConflictError when an
	// active instance exists for the same tenant and business key.
	Create(ctx context.Context, inst *workflow.Instance) error

	// UpdateStep inserts or replaces the named step record and applies the update's
	// context patch and compensation record in the same write.
	UpdateStep(ctx context.Context, id string, step workflow.StepExecution, upd StepUpdate) error

	// UpdateStatus moves the instance to status. Terminal instances reject every
	// further update with workflow.ErrInvalidState. A cancel-requested instance
	// cannot move to COMPLETED.
	UpdateStatus(ctx context.Context, id string, status workflow.Status, upd StatusUpdate) error

	// RequestCancel durably flags a RUNNING instance for cancellation.
	RequestCancel(ctx context.Context, id string) error

	// Claim gives owner the execution lease on an active instance until leaseUntil.
	// It succeeds when the lease is free, expired, or already held by owner.
	Claim(ctx context.Context, id, owner string, now, leaseUntil time.Time) (*workflow.Instance, error)

	// Get returns the instance or workflow.ErrNotFound.
	Get(ctx context.Context, id string) (*workflow.Instance, error)

	// FindActive returns the PENDING or RUNNING instance for the key, or
	// workflow.ErrNotFound.
	FindActive(ctx context.Context, tenantID, businessKey string) (*workflow.Instance, error)

	// List returns instances matching filter, newest first.
	List(ctx context.Context, filter Filter, page Page) (*ListResult, error)
}

// StepUpdate carries the changes applied together with a step record.
type StepUpdate struct {
	// ContextPatch is merged into the instance context at the top level.
	ContextPatch map[string]any
	// Compensation is appended to the compensation trail.
	Compensation *workflow.CompensationRecord
	// Owner, when set, must hold the lease or the write fails with ErrLeaseHeld.
	Owner string
}

// StatusUpdate carries the fields that change with a status transition.
// Nil timestamps leave the stored value untouched.
type StatusUpdate struct {
	StartedAt    *time.Time
	CompletedAt  *time.Time
	FailedAt     *time.Time
	ErrorMessage string
	// Owner, when set, must hold the lease or the write fails with ErrLeaseHeld.
	Owner string
}

// Filter selects instances for List. Zero fields match everything.
type Filter struct {
	TenantID      string
	WorkflowType  string
	BusinessKey   string
	Statuses      []workflow.Status
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
}

// Page limits a List result.
type Page struct {
	Limit  int
	Offset int
}

const (
	// DefaultPageLimit is used when Page.Limit is zero.
	DefaultPageLimit = 50
	// MaxPageLimit caps Page.Limit.
	MaxPageLimit = 1000
)

// Normalize applies the default and maximum limits.
func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// ListResult is one page of instances and the total number matching the filter.
type ListResult struct {
	Items      []*workflow.Instance `json:"items"`
	TotalCount int                  `json:"total_count"`
}
