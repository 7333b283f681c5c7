package orchestrator

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/nomis52/provision/backoff"
	"github.com/nomis52/provision/logging"
	"github.com/nomis52/provision/metrics"
	"github.com/nomis52/provision/workflow"
)

const (
	// DefaultWorkers is the number of instances executed concurrently.
	DefaultWorkers = 16
	// DefaultQueueSize is how many scheduled instances may wait for a worker.
	DefaultQueueSize = 1024
	// DefaultLease is how long an instance stays claimed without a heartbeat.
	DefaultLease = 30 * time.Second
	// DefaultPollInterval is how often Wait polls the store.
	DefaultPollInterval = 250 * time.Millisecond
)

// DefaultRetryPolicy is applied to every step field its definition leaves zero.
func DefaultRetryPolicy() workflow.RetryPolicy {
	return workflow.RetryPolicy{
		MaxAttempts:     3,
		Backoff:         backoff.KindExponentialJitter,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		Timeout:         time.Minute,
	}
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger.With("component", "orchestrator")
	}
}

// WithLoggerHook routes instance logs through hook, e.g. to capture them per instance.
func WithLoggerHook(hook logging.LoggerHook) Option {
	return func(e *Engine) {
		e.hook = hook
	}
}

// WithMetrics registers the engine's metrics with reg.
func WithMetrics(reg metrics.Registry) Option {
	return func(e *Engine) {
		e.metricsRegistry = reg
	}
}

// WithTracerProvider sets the provider used for executor spans. The global
// provider is used otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) {
		e.tracer = tp.Tracer(tracerName)
	}
}

// WithWorkers bounds the number of instances executing at once.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithQueueSize sets how many scheduled instances may wait for a free worker.
func WithQueueSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.queueSize = n
		}
	}
}

// WithDefaultRetryPolicy overrides DefaultRetryPolicy.
func WithDefaultRetryPolicy(p workflow.RetryPolicy) Option {
	return func(e *Engine) {
		e.defaultRetry = p
	}
}

// WithLease sets the lease duration and how often it is renewed. heartbeat
// defaults to a third of the lease.
func WithLease(lease, heartbeat time.Duration) Option {
	return func(e *Engine) {
		if lease > 0 {
			e.lease = lease
		}
		if heartbeat > 0 {
			e.heartbeat = heartbeat
		}
	}
}

// WithOwner sets the name this engine claims leases under. It must be unique
// among engines sharing a store.
func WithOwner(owner string) Option {
	return func(e *Engine) {
		if owner != "" {
			e.owner = owner
		}
	}
}

// WithPollInterval sets how often Wait polls for instances executed elsewhere.
func WithPollInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.pollInterval = d
		}
	}
}

// WithClock replaces time.Now for recorded timestamps and lease checks.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithIDGenerator replaces the instance id generator.
func WithIDGenerator(newID func() string) Option {
	return func(e *Engine) {
		e.newID = newID
	}
}
