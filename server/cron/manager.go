package cron

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Runnable is implemented by anything that can run named jobs.
type Runnable interface {
	Run(jobs []string) error
}

// CronTriggerManager manages multiple CronTrigger instances with different jobs and schedules.
type CronTriggerManager struct {
	triggers []*CronTrigger
	logger   *slog.Logger
}

// NewCronTriggerManager creates a trigger for each spec, calling runnable with the
// spec's jobs. Every spec is validated against availableJobs.
func NewCronTriggerManager(specs []TriggerSpec, runnable Runnable, logger *slog.Logger, availableJobs map[string]bool) (*CronTriggerManager, error) {
	triggers := make([]*CronTrigger, 0, len(specs))
	for _, spec := range specs {
		if err := spec.Validate(availableJobs); err != nil {
			return nil, fmt.Errorf("trigger '%s:%s': %w", strings.Join(spec.Jobs, jobListSeparator), spec.CronSpec, err)
		}
		jobs := spec.Jobs
		callback := func() error {
			return runnable.Run(jobs)
		}

		trigger, err := NewCronTrigger(spec.CronSpec, callback, logger)
		if err != nil {
			return nil, fmt.Errorf("creating trigger for '%s:%s': %w",
				strings.Join(spec.Jobs, jobListSeparator), spec.CronSpec, err)
		}
		triggers = append(triggers, trigger)
	}

	for i, trigger := range triggers {
		logger.Info("trigger registered",
			"index", i,
			"jobs", specs[i].Jobs,
			"schedule", specs[i].CronSpec,
			"next_run", trigger.NextRun(),
		)
	}

	return &CronTriggerManager{
		triggers: triggers,
		logger:   logger,
	}, nil
}

// Start launches all triggers. Each trigger runs in its own goroutine.
// Returns immediately. All goroutines exit when ctx is cancelled.
func (m *CronTriggerManager) Start(ctx context.Context) {
	for _, trigger := range m.triggers {
		trigger.Start(ctx)
	}
}

// NextRun returns the earliest scheduled run time across all triggers.
// Returns zero time if there are no triggers.
func (m *CronTriggerManager) NextRun() time.Time {
	if len(m.triggers) == 0 {
		return time.Time{}
	}

	earliest := m.triggers[0].NextRun()
	for _, t := range m.triggers[1:] {
		if next := t.NextRun(); next.Before(earliest) {
			earliest = next
		}
	}
	return earliest
}
