package logging

import (
	"log/slog"
)

// LoggerHook creates instance-specific loggers by wrapping a base logger. It lets
// the engine stay unaware of where instance logs end up.
type LoggerHook interface {
	// LoggerFor wraps the engine's logger for one workflow instance.
	LoggerFor(base *slog.Logger, instanceID string) *slog.Logger
}

// CapturingLoggerHook creates loggers that capture logs via CapturingHandler.
type CapturingLoggerHook struct {
	collector *LogCollector
}

// NewCapturingLoggerHook creates a hook that captures all instance logs in collector.
func NewCapturingLoggerHook(collector *LogCollector) *CapturingLoggerHook {
	return &CapturingLoggerHook{collector: collector}
}

// LoggerFor returns a logger that records into the collector under instanceID.
func (p *CapturingLoggerHook) LoggerFor(base *slog.Logger, instanceID string) *slog.Logger {
	return slog.New(NewCapturingHandler(base.Handler(), p.collector, instanceID))
}

// Collector returns the collector the hook writes to.
func (p *CapturingLoggerHook) Collector() *LogCollector {
	return p.collector
}
