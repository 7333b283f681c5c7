package store

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/crypto/blake2b"

	"github.com/nomis52/provision/workflow"
)

var _ Store = (*DiskStore)(nil)

const (
	instancesDir = "instances"
	activeDir    = "active"
	locksDir     = "locks"
	createLock   = "create.lock"
)

// DiskStore persists each instance as a JSON document under dir.
//
// Layout:
//
//	instances/<id>.json   instance document, replaced atomically by rename
//	active/<hash>         marker holding the id of the active instance for a key
//	locks/<id>.lock       per-instance lock for read-modify-write
//	create.lock           serialises Create across processes
//
// Processes sharing dir coordinate through flock(2), so several engines on one
// host can use the same directory.
type DiskStore struct {
	dir    string
	logger *slog.Logger
	now    func() time.Time
}

// NewDiskStore creates the directory layout if needed.
func NewDiskStore(dir string, logger *slog.Logger) (*DiskStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	for _, sub := range []string{instancesDir, activeDir, locksDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
	}
	return &DiskStore{
		dir:    dir,
		logger: logger.With("component", "disk_store"),
		now:    time.Now,
	}, nil
}

// Create writes the instance and claims the active marker for its key.
func (s *DiskStore) Create(ctx context.Context, inst *workflow.Instance) error {
	if err := checkID(inst.ID); err != nil {
		return err
	}

	lock := flock.New(filepath.Join(s.dir, createLock))
	if err := lockContext(ctx, lock); err != nil {
		return err
	}
	defer lock.Unlock()

	if _, err := os.Stat(s.instancePath(inst.ID)); err == nil {
		return fmt.Errorf("%w: duplicate instance id %s", workflow.ErrInvalidArgument, inst.ID)
	}

	var marker string
	if inst.Status.Active() {
		var err error
		marker, err = s.claimMarker(ctx, inst)
		if err != nil {
			return err
		}
	}

	if err := s.write(inst); err != nil {
		if marker != "" {
			os.Remove(marker)
		}
		return err
	}
	s.logger.Debug("created instance", "instance_id", inst.ID, "path", s.instancePath(inst.ID))
	return nil
}

// claimMarker creates the active marker with O_EXCL. A marker that points at a
// missing or finished instance is left over from a crash and is replaced.
func (s *DiskStore) claimMarker(ctx context.Context, inst *workflow.Instance) (string, error) {
	path := s.markerPath(inst.TenantID, inst.BusinessKey)
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, werr := f.WriteString(inst.ID)
			cerr := f.Close()
			if werr != nil || cerr != nil {
				os.Remove(path)
				return "", fmt.Errorf("failed to write active marker: %w", errors.Join(werr, cerr))
			}
			return path, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("failed to create active marker: %w", err)
		}

		existingID, rerr := os.ReadFile(path)
		if rerr != nil && !errors.Is(rerr, fs.ErrNotExist) {
			return "", fmt.Errorf("failed to read active marker: %w", rerr)
		}
		existing, gerr := s.Get(ctx, string(existingID))
		if gerr == nil && existing.Status.Active() {
			return "", &workflow.ConflictError{
				TenantID:    inst.TenantID,
				BusinessKey: inst.BusinessKey,
				ExistingID:  existing.ID,
			}
		}
		s.logger.Warn("removing stale active marker", "path", path, "instance_id", string(existingID))
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("failed to remove stale active marker: %w", err)
		}
	}
	return "", &workflow.ConflictError{TenantID: inst.TenantID, BusinessKey: inst.BusinessKey}
}

// UpdateStep applies a step update under the instance lock.
func (s *DiskStore) UpdateStep(ctx context.Context, id string, step workflow.StepExecution, upd StepUpdate) error {
	return s.mutate(ctx, id, func(inst *workflow.Instance) error {
		return ApplyStep(inst, step, upd, s.now())
	})
}

// UpdateStatus applies a status transition under the instance lock and releases
// the active marker once the instance is finished.
func (s *DiskStore) UpdateStatus(ctx context.Context, id string, status workflow.Status, upd StatusUpdate) error {
	return s.mutate(ctx, id, func(inst *workflow.Instance) error {
		return ApplyStatus(inst, status, upd, s.now())
	})
}

// RequestCancel flags a RUNNING instance for cancellation.
func (s *DiskStore) RequestCancel(ctx context.Context, id string) error {
	return s.mutate(ctx, id, func(inst *workflow.Instance) error {
		return ApplyCancel(inst, s.now())
	})
}

// Claim takes or renews the execution lease.
func (s *DiskStore) Claim(ctx context.Context, id, owner string, now, leaseUntil time.Time) (*workflow.Instance, error) {
	var claimed *workflow.Instance
	err := s.mutate(ctx, id, func(inst *workflow.Instance) error {
		if err := ApplyClaim(inst, owner, now, leaseUntil); err != nil {
			return err
		}
		claimed = inst.Clone()
		return nil
	})
	return claimed, err
}

// Get reads the instance document.
func (s *DiskStore) Get(_ context.Context, id string) (*workflow.Instance, error) {
	if err := checkID(id); err != nil {
		return nil, fmt.Errorf("%w: %s", workflow.ErrNotFound, id)
	}
	return s.read(s.instancePath(id))
}

// FindActive follows the active marker for the key.
func (s *DiskStore) FindActive(ctx context.Context, tenantID, businessKey string) (*workflow.Instance, error) {
	notFound := fmt.Errorf("%w: no active instance for tenant %q business key %q", workflow.ErrNotFound, tenantID, businessKey)

	id, err := os.ReadFile(s.markerPath(tenantID, businessKey))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, notFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read active marker: %w", err)
	}
	inst, err := s.Get(ctx, string(id))
	if errors.Is(err, workflow.ErrNotFound) || (err == nil && !inst.Status.Active()) {
		return nil, notFound
	}
	return inst, err
}

// List reads every instance document and filters in memory.
func (s *DiskStore) List(ctx context.Context, filter Filter, page Page) (*ListResult, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, instancesDir))
	if err != nil {
		return nil, fmt.Errorf("failed to read state directory: %w", err)
	}

	all := make([]*workflow.Instance, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		path := filepath.Join(s.dir, instancesDir, entry.Name())
		inst, err := s.read(path)
		if err != nil {
			s.logger.Warn("failed to load instance file", "file", path, "error", err)
			continue
		}
		all = append(all, inst)
	}
	return Paginate(all, filter, page), nil
}

func (s *DiskStore) mutate(ctx context.Context, id string, fn func(*workflow.Instance) error) error {
	if err := checkID(id); err != nil {
		return fmt.Errorf("%w: %s", workflow.ErrNotFound, id)
	}

	lock := flock.New(filepath.Join(s.dir, locksDir, id+".lock"))
	if err := lockContext(ctx, lock); err != nil {
		return err
	}
	defer lock.Unlock()

	inst, err := s.read(s.instancePath(id))
	if err != nil {
		return err
	}
	if err := fn(inst); err != nil {
		return err
	}
	if err := s.write(inst); err != nil {
		return err
	}

	if !inst.Status.Active() {
		s.releaseMarker(inst)
		// The lock file is only needed while the instance can still change.
		os.Remove(filepath.Join(s.dir, locksDir, id+".lock"))
	}
	return nil
}

func (s *DiskStore) releaseMarker(inst *workflow.Instance) {
	path := s.markerPath(inst.TenantID, inst.BusinessKey)
	owner, err := os.ReadFile(path)
	if err != nil || string(owner) != inst.ID {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn("failed to remove active marker", "path", path, "error", err)
	}
}

func (s *DiskStore) read(path string) (*workflow.Instance, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", workflow.ErrNotFound, strings.TrimSuffix(filepath.Base(path), ".json"))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read instance file: %w", err)
	}
	var inst workflow.Instance
	if err := json.Unmarshal(data, &inst); err != nil {
		return nil, fmt.Errorf("failed to parse instance file %s: %w", path, err)
	}
	return &inst, nil
}

// write replaces the instance document via a temp file and rename so readers never
// see a partial document.
func (s *DiskStore) write(inst *workflow.Instance) error {
	data, err := json.MarshalIndent(inst, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal instance: %w", err)
	}

	path := s.instancePath(inst.ID)
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+inst.ID+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write instance file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync instance file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close instance file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace instance file: %w", err)
	}
	return nil
}

func (s *DiskStore) instancePath(id string) string {
	return filepath.Join(s.dir, instancesDir, id+".json")
}

func (s *DiskStore) markerPath(tenantID, businessKey string) string {
	sum := blake2b.Sum256([]byte(ActiveKey(tenantID, businessKey)))
	return filepath.Join(s.dir, activeDir, hex.EncodeToString(sum[:16]))
}

func checkID(id string) error {
	if id == "" || id != filepath.Base(id) || strings.HasPrefix(id, ".") {
		return fmt.Errorf("%w: invalid instance id %q", workflow.ErrInvalidArgument, id)
	}
	return nil
}

func lockContext(ctx context.Context, lock *flock.Flock) error {
	locked, err := lock.TryLockContext(ctx, 5*time.Millisecond)
	if err != nil {
		return fmt.Errorf("failed to lock %s: %w", lock.Path(), err)
	}
	if !locked {
		return fmt.Errorf("failed to lock %s", lock.Path())
	}
	return nil
}
