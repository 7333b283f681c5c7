package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nomis52/provision/metrics"
	"github.com/nomis52/provision/orchestrator"
	serverconfig "github.com/nomis52/provision/server/config"
	"github.com/nomis52/provision/stats"
	"github.com/nomis52/provision/store"
	"github.com/nomis52/provision/workflow"
)

const maintenanceTimeout = 5 * time.Minute

// maintenance runs the jobs cron triggers name.
type maintenance struct {
	engine *orchestrator.Engine
	logger *slog.Logger

	instances     metrics.GaugeVec
	successRate   metrics.Gauge
	avgDuration   metrics.Gauge
	compensations metrics.Gauge
	recovered     metrics.Counter
}

func newMaintenance(engine *orchestrator.Engine, reg metrics.Registry, logger *slog.Logger) (*maintenance, error) {
	m := &maintenance{engine: engine, logger: logger}

	var err error
	if m.instances, err = reg.NewGaugeVec(prometheus.GaugeOpts{
		Subsystem: "stats",
		Name:      "instances",
		Help:      "Workflow instances in the store by status.",
	}, []string{"status"}); err != nil {
		return nil, err
	}
	if m.successRate, err = reg.NewGauge(prometheus.GaugeOpts{
		Subsystem: "stats",
		Name:      "success_rate",
		Help:      "Completed instances as a fraction of finished instances.",
	}); err != nil {
		return nil, err
	}
	if m.avgDuration, err = reg.NewGauge(prometheus.GaugeOpts{
		Subsystem: "stats",
		Name:      "avg_duration_seconds",
		Help:      "Average duration of finished instances.",
	}); err != nil {
		return nil, err
	}
	if m.compensations, err = reg.NewGauge(prometheus.GaugeOpts{
		Subsystem: "stats",
		Name:      "compensations",
		Help:      "Compensation calls recorded across all instances.",
	}); err != nil {
		return nil, err
	}
	if m.recovered, err = reg.NewCounter(prometheus.CounterOpts{
		Name: "recovered_instances_total",
		Help: "Instances resumed by recovery.",
	}); err != nil {
		return nil, err
	}
	return m, nil
}

// Run executes the named jobs in order and joins their errors.
func (m *maintenance) Run(jobs []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), maintenanceTimeout)
	defer cancel()

	var errs []error
	for _, job := range jobs {
		var err error
		switch job {
		case serverconfig.JobRecover:
			err = m.recover(ctx)
		case serverconfig.JobPublishStatistics:
			err = m.publishStatistics(ctx)
		default:
			err = fmt.Errorf("unknown job %q", job)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", job, err))
		}
	}
	return errors.Join(errs...)
}

func (m *maintenance) recover(ctx context.Context) error {
	n, err := m.engine.Recover(ctx)
	if n > 0 {
		m.recovered.Add(float64(n))
		m.logger.Info("recovered instances", "count", n)
	}
	return err
}

func (m *maintenance) publishStatistics(ctx context.Context) error {
	sum, err := m.engine.Statistics(ctx, "", store.Filter{})
	if err != nil {
		return err
	}
	m.publish(sum)
	m.logger.Debug("published statistics", "total", sum.Total, "success_rate", sum.SuccessRate)
	return nil
}

func (m *maintenance) publish(sum stats.Summary) {
	counts := map[workflow.Status]int{
		workflow.StatusPending:    sum.Pending,
		workflow.StatusRunning:    sum.Running,
		workflow.StatusCompleted:  sum.Completed,
		workflow.StatusFailed:     sum.Failed,
		workflow.StatusRolledBack: sum.RolledBack,
		workflow.StatusCancelled:  sum.Cancelled,
	}
	for status, n := range counts {
		m.instances.With(prometheus.Labels{"status": status.String()}).Set(float64(n))
	}
	m.successRate.Set(sum.SuccessRate)
	m.avgDuration.Set(sum.AvgDurationSeconds)
	m.compensations.Set(float64(sum.TotalCompensations))
}
