package store

import (
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/nomis52/provision/workflow"
)

// The Apply functions implement the state rules shared by every Store. Each
// backend loads the instance under its own lock or transaction, applies one of
// these, and writes the result back.

// ApplyStep records step on inst.
func ApplyStep(inst *workflow.Instance, step workflow.StepExecution, upd StepUpdate, now time.Time) error {
	if inst.Status.Terminal() {
		return fmt.Errorf("%w: instance %s is %s", workflow.ErrInvalidState, inst.ID, inst.Status)
	}
	if err := checkOwner(inst, upd.Owner, now); err != nil {
		return err
	}
	if existing := inst.Step(step.StepName); existing != nil {
		*existing = step.Clone()
	} else {
		inst.Steps = append(inst.Steps, step.Clone())
	}
	if len(upd.ContextPatch) > 0 {
		inst.Context = workflow.MergeContext(inst.Context, upd.ContextPatch)
	}
	if upd.Compensation != nil {
		inst.Compensations = append(inst.Compensations, *upd.Compensation)
	}
	inst.UpdatedAt = now
	return nil
}

// ApplyStatus moves inst to status.
func ApplyStatus(inst *workflow.Instance, status workflow.Status, upd StatusUpdate, now time.Time) error {
	if inst.Status.Terminal() {
		return fmt.Errorf("%w: instance %s is already %s", workflow.ErrInvalidState, inst.ID, inst.Status)
	}
	if status == workflow.StatusPending {
		return fmt.Errorf("%w: instance %s cannot return to %s", workflow.ErrInvalidState, inst.ID, status)
	}
	if err := checkOwner(inst, upd.Owner, now); err != nil {
		return err
	}
	if status == workflow.StatusCompleted && inst.CancelRequested {
		return fmt.Errorf("%w: %w: instance %s", workflow.ErrInvalidState, ErrCancelPending, inst.ID)
	}
	inst.Status = status
	if upd.StartedAt != nil {
		t := *upd.StartedAt
		inst.StartedAt = &t
	}
	if upd.CompletedAt != nil {
		t := *upd.CompletedAt
		inst.CompletedAt = &t
	}
	if upd.FailedAt != nil {
		t := *upd.FailedAt
		inst.FailedAt = &t
	}
	if upd.ErrorMessage != "" {
		inst.ErrorMessage = upd.ErrorMessage
	}
	if status.Terminal() {
		inst.Owner = ""
		inst.LeaseExpiresAt = nil
	}
	inst.UpdatedAt = now
	return nil
}

// ApplyCancel flags inst for cancellation.
func ApplyCancel(inst *workflow.Instance, now time.Time) error {
	if inst.Status != workflow.StatusRunning {
		return fmt.Errorf("%w: instance %s is %s, only RUNNING instances can be cancelled",
			workflow.ErrInvalidState, inst.ID, inst.Status)
	}
	inst.CancelRequested = true
	inst.UpdatedAt = now
	return nil
}

// checkOwner rejects a write by owner while another owner holds an unexpired
// lease. An empty owner is not fenced.
func checkOwner(inst *workflow.Instance, owner string, now time.Time) error {
	if owner == "" || inst.Owner == "" || inst.Owner == owner {
		return nil
	}
	if inst.LeaseExpiresAt != nil && inst.LeaseExpiresAt.After(now) {
		return fmt.Errorf("%w: instance %s owned by %s until %s, write by %s rejected",
			ErrLeaseHeld, inst.ID, inst.Owner, inst.LeaseExpiresAt.Format(time.RFC3339), owner)
	}
	return nil
}

// ApplyClaim gives owner the lease on inst.
func ApplyClaim(inst *workflow.Instance, owner string, now, leaseUntil time.Time) error {
	if !inst.Status.Active() {
		return fmt.Errorf("%w: instance %s is %s", workflow.ErrInvalidState, inst.ID, inst.Status)
	}
	if inst.Owner != "" && inst.Owner != owner && inst.LeaseExpiresAt != nil && inst.LeaseExpiresAt.After(now) {
		return fmt.Errorf("%w: instance %s owned by %s until %s",
			ErrLeaseHeld, inst.ID, inst.Owner, inst.LeaseExpiresAt.Format(time.RFC3339))
	}
	inst.Owner = owner
	t := leaseUntil
	inst.LeaseExpiresAt = &t
	inst.UpdatedAt = now
	return nil
}

// Match reports whether inst satisfies the filter.
func (f Filter) Match(inst *workflow.Instance) bool {
	if f.TenantID != "" && inst.TenantID != f.TenantID {
		return false
	}
	if f.WorkflowType != "" && inst.WorkflowType != f.WorkflowType {
		return false
	}
	if f.BusinessKey != "" && inst.BusinessKey != f.BusinessKey {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, inst.Status) {
		return false
	}
	if f.CreatedAfter != nil && !inst.CreatedAt.After(*f.CreatedAfter) {
		return false
	}
	if f.CreatedBefore != nil && !inst.CreatedAt.Before(*f.CreatedBefore) {
		return false
	}
	return true
}

// Paginate filters, sorts newest first and slices instances. The inputs are not copied.
func Paginate(all []*workflow.Instance, filter Filter, page Page) *ListResult {
	page = page.Normalize()

	matched := make([]*workflow.Instance, 0, len(all))
	for _, inst := range all {
		if filter.Match(inst) {
			matched = append(matched, inst)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	result := &ListResult{TotalCount: len(matched), Items: []*workflow.Instance{}}
	if page.Offset >= len(matched) {
		return result
	}
	end := min(page.Offset+page.Limit, len(matched))
	result.Items = matched[page.Offset:end]
	return result
}

// ActiveKey identifies the active slot of a tenant and business key.
func ActiveKey(tenantID, businessKey string) string {
	return tenantID + "\x00" + businessKey
}
