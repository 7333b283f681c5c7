package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nomis52/provision/workflow"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps instances in memory only. Uniqueness holds within the process.
type MemoryStore struct {
	mu        sync.Mutex
	instances map[string]*workflow.Instance
	active    map[string]string // ActiveKey -> instance id
	now       func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances: make(map[string]*workflow.Instance),
		active:    make(map[string]string),
		now:       time.Now,
	}
}

// Create stores a copy of inst.
func (s *MemoryStore) Create(_ context.Context, inst *workflow.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[inst.ID]; exists {
		return fmt.Errorf("%w: duplicate instance id %s", workflow.ErrInvalidArgument, inst.ID)
	}
	key := ActiveKey(inst.TenantID, inst.BusinessKey)
	if inst.Status.Active() {
		if existing, ok := s.active[key]; ok {
			return &workflow.ConflictError{TenantID: inst.TenantID, BusinessKey: inst.BusinessKey, ExistingID: existing}
		}
		s.active[key] = inst.ID
	}
	s.instances[inst.ID] = inst.Clone()
	return nil
}

// UpdateStep applies a step update atomically.
func (s *MemoryStore) UpdateStep(_ context.Context, id string, step workflow.StepExecution, upd StepUpdate) error {
	return s.mutate(id, func(inst *workflow.Instance) error {
		return ApplyStep(inst, step, upd, s.now())
	})
}

// UpdateStatus applies a status transition atomically.
func (s *MemoryStore) UpdateStatus(_ context.Context, id string, status workflow.Status, upd StatusUpdate) error {
	return s.mutate(id, func(inst *workflow.Instance) error {
		return ApplyStatus(inst, status, upd, s.now())
	})
}

// RequestCancel flags a RUNNING instance for cancellation.
func (s *MemoryStore) RequestCancel(_ context.Context, id string) error {
	return s.mutate(id, func(inst *workflow.Instance) error {
		return ApplyCancel(inst, s.now())
	})
}

// Claim takes or renews the execution lease.
func (s *MemoryStore) Claim(_ context.Context, id, owner string, now, leaseUntil time.Time) (*workflow.Instance, error) {
	var claimed *workflow.Instance
	err := s.mutate(id, func(inst *workflow.Instance) error {
		if err := ApplyClaim(inst, owner, now, leaseUntil); err != nil {
			return err
		}
		claimed = inst.Clone()
		return nil
	})
	return claimed, err
}

// Get returns a copy of the instance.
func (s *MemoryStore) Get(_ context.Context, id string) (*workflow.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", workflow.ErrNotFound, id)
	}
	return inst.Clone(), nil
}

// FindActive returns a copy of the active instance for the key.
func (s *MemoryStore) FindActive(_ context.Context, tenantID, businessKey string) (*workflow.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.active[ActiveKey(tenantID, businessKey)]
	if !ok {
		return nil, fmt.Errorf("%w: no active instance for tenant %q business key %q", workflow.ErrNotFound, tenantID, businessKey)
	}
	return s.instances[id].Clone(), nil
}

// List returns copies of the matching instances.
func (s *MemoryStore) List(_ context.Context, filter Filter, page Page) (*ListResult, error) {
	s.mu.Lock()
	all := make([]*workflow.Instance, 0, len(s.instances))
	for _, inst := range s.instances {
		all = append(all, inst)
	}
	result := Paginate(all, filter, page)
	for i, inst := range result.Items {
		result.Items[i] = inst.Clone()
	}
	s.mu.Unlock()
	return result, nil
}

// mutate applies fn to a working copy and commits it only when fn succeeds.
func (s *MemoryStore) mutate(id string, fn func(*workflow.Instance) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.instances[id]
	if !ok {
		return fmt.Errorf("%w: %s", workflow.ErrNotFound, id)
	}
	working := current.Clone()
	if err := fn(working); err != nil {
		return err
	}
	s.instances[id] = working
	if !working.Status.Active() {
		key := ActiveKey(working.TenantID, working.BusinessKey)
		if s.active[key] == id {
			delete(s.active, key)
		}
	}
	return nil
}
