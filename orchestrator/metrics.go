package orchestrator

import (
	"fmt"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nomis52/provision/metrics"
)

const metricsSubsystem = "engine"

type engineMetrics struct {
	submitted     metrics.CounterVec
	finished      metrics.CounterVec
	stepAttempts  metrics.CounterVec
	compensations metrics.CounterVec
	running       metrics.Gauge

	runningCount atomic.Int64
}

func newEngineMetrics(reg metrics.Registry) (*engineMetrics, error) {
	m := &engineMetrics{}
	var err error

	if m.submitted, err = reg.NewCounterVec(prometheus.CounterOpts{
		Subsystem: metricsSubsystem,
		Name:      "workflows_submitted_total",
		Help:      "Workflow instances created by submit or retry.",
	}, []string{"workflow_type"}); err != nil {
		return nil, fmt.Errorf("registering submitted counter: %w", err)
	}

	if m.finished, err = reg.NewCounterVec(prometheus.CounterOpts{
		Subsystem: metricsSubsystem,
		Name:      "workflows_finished_total",
		Help:      "Workflow instances that reached a terminal status.",
	}, []string{"workflow_type", "status"}); err != nil {
		return nil, fmt.Errorf("registering finished counter: %w", err)
	}

	if m.stepAttempts, err = reg.NewCounterVec(prometheus.CounterOpts{
		Subsystem: metricsSubsystem,
		Name:      "step_attempts_total",
		Help:      "Executor calls by target system and outcome.",
	}, []string{"target", "outcome"}); err != nil {
		return nil, fmt.Errorf("registering step attempts counter: %w", err)
	}

	if m.compensations, err = reg.NewCounterVec(prometheus.CounterOpts{
		Subsystem: metricsSubsystem,
		Name:      "compensations_total",
		Help:      "Compensation trail entries by target system and outcome.",
	}, []string{"target", "outcome"}); err != nil {
		return nil, fmt.Errorf("registering compensations counter: %w", err)
	}

	if m.running, err = reg.NewGauge(prometheus.GaugeOpts{
		Subsystem: metricsSubsystem,
		Name:      "workflows_running",
		Help:      "Workflow instances currently executing on this engine.",
	}); err != nil {
		return nil, fmt.Errorf("registering running gauge: %w", err)
	}

	return m, nil
}

func (m *engineMetrics) started() {
	m.running.Set(float64(m.runningCount.Add(1)))
}

func (m *engineMetrics) stopped() {
	m.running.Set(float64(m.runningCount.Add(-1)))
}
