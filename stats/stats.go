// Package stats summarises workflow instances for a tenant.
//
// The aggregator is read-only: it pages through store.List and never holds a lock
// across pages, so it can run concurrently with the engine. Instances that change
// status while a summary is being computed may be counted in either state.
package stats

import (
	"context"
	"fmt"
	"time"

	"github.com/nomis52/provision/store"
	"github.com/nomis52/provision/workflow"
)

// Summary counts instances by status.
type Summary struct {
	TenantID   string `json:"tenant_id"`
	Total      int    `json:"total"`
	Pending    int    `json:"pending"`
	Running    int    `json:"running"`
	Completed  int    `json:"completed"`
	Failed     int    `json:"failed"`
	RolledBack int    `json:"rolled_back"`
	Cancelled  int    `json:"cancelled"`

	// SuccessRate is completed / terminal, or 0 when nothing has finished.
	SuccessRate float64 `json:"success_rate"`
	// AvgDurationSeconds averages instances with both a start and an end time.
	AvgDurationSeconds float64 `json:"avg_duration_seconds"`
	// TotalCompensations counts compensation calls that were made, successful or not.
	// Non-compensable steps recorded as SKIPPED are excluded.
	TotalCompensations int `json:"total_compensations"`

	// ByWorkflowType breaks Total down by definition type.
	ByWorkflowType map[string]int `json:"by_workflow_type,omitempty"`
}

// Terminal returns the number of finished instances.
func (s Summary) Terminal() int {
	return s.Completed + s.Failed + s.RolledBack + s.Cancelled
}

// Aggregator computes summaries from a store.
type Aggregator struct {
	store    store.Store
	pageSize int
}

// New creates an Aggregator over st.
func New(st store.Store) *Aggregator {
	return &Aggregator{store: st, pageSize: store.MaxPageLimit}
}

// Summary computes the summary for tenantID. An empty tenantID summarises every
// tenant. filter narrows the set further; its TenantID is overridden.
func (a *Aggregator) Summary(ctx context.Context, tenantID string, filter store.Filter) (Summary, error) {
	filter.TenantID = tenantID
	sum := Summary{TenantID: tenantID, ByWorkflowType: map[string]int{}}

	var totalDuration time.Duration
	var timed int

	for offset := 0; ; {
		page, err := a.store.List(ctx, filter, store.Page{Limit: a.pageSize, Offset: offset})
		if err != nil {
			return Summary{}, fmt.Errorf("listing instances: %w", err)
		}
		for _, inst := range page.Items {
			sum.add(inst)
			if d, ok := inst.Duration(); ok {
				totalDuration += d
				timed++
			}
		}
		offset += len(page.Items)
		if len(page.Items) == 0 || offset >= page.TotalCount {
			break
		}
	}

	if terminal := sum.Terminal(); terminal > 0 {
		sum.SuccessRate = float64(sum.Completed) / float64(terminal)
	}
	if timed > 0 {
		sum.AvgDurationSeconds = totalDuration.Seconds() / float64(timed)
	}
	return sum, nil
}

func (s *Summary) add(inst *workflow.Instance) {
	s.Total++
	s.ByWorkflowType[inst.WorkflowType]++

	switch inst.Status {
	case workflow.StatusPending:
		s.Pending++
	case workflow.StatusRunning:
		s.Running++
	case workflow.StatusCompleted:
		s.Completed++
	case workflow.StatusFailed:
		s.Failed++
	case workflow.StatusRolledBack:
		s.RolledBack++
	case workflow.StatusCancelled:
		s.Cancelled++
	}

	for _, c := range inst.Compensations {
		if c.Status != workflow.StepSkipped {
			s.TotalCompensations++
		}
	}
}
