// Package workflows wires configuration to the orchestration engine: it builds the
// executor for every configured target system and collects the definitions the
// engine should serve.
package workflows

import (
	"fmt"
	"log/slog"

	"github.com/nomis52/provision/config"
	"github.com/nomis52/provision/executors/httpexec"
	"github.com/nomis52/provision/executors/simulated"
	"github.com/nomis52/provision/workflow"
	"github.com/nomis52/provision/workflows/provisioning"
)

// NewRegistry creates an executor registry with one executor per entry of
// cfg.Executors, rate limited as configured.
func NewRegistry(cfg *config.Config, logger *slog.Logger) (*workflow.Registry, error) {
	registry := workflow.NewRegistry()
	for _, ec := range cfg.Executors {
		ex, err := newExecutor(ec, logger)
		if err != nil {
			return nil, fmt.Errorf("executor for %s: %w", ec.Target, err)
		}
		if err := registry.Register(ec.Target, ex, workflow.WithRateLimit(ec.RateLimit, ec.Burst)); err != nil {
			return nil, err
		}
		logger.Debug("registered executor", "target", ec.Target, "type", ec.Type)
	}
	return registry, nil
}

func newExecutor(ec config.ExecutorConfig, logger *slog.Logger) (workflow.Executor, error) {
	switch ec.Type {
	case config.ExecutorHTTP:
		return httpexec.New(ec.URL,
			httpexec.WithLogger(logger),
			httpexec.WithTimeout(ec.Timeout),
			httpexec.WithHeaders(ec.Headers),
		)
	case config.ExecutorSimulated:
		return simulated.New(ec.Target,
			simulated.WithLogger(logger),
			simulated.WithLatency(ec.Latency),
			simulated.WithFailSteps(ec.FailSteps...),
		), nil
	default:
		return nil, fmt.Errorf("unknown executor type %q", ec.Type)
	}
}

// Definitions returns the built-in definitions followed by those in cfg. A
// configured definition replaces the built-in one of the same type.
func Definitions(cfg *config.Config) []workflow.Definition {
	configured := make(map[string]bool, len(cfg.Definitions))
	for _, def := range cfg.Definitions {
		configured[def.Type] = true
	}
	var defs []workflow.Definition
	for _, def := range provisioning.Definitions() {
		if !configured[def.Type] {
			defs = append(defs, def)
		}
	}
	return append(defs, cfg.Definitions...)
}
