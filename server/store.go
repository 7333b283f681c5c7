package server

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nomis52/provision/config"
	"github.com/nomis52/provision/store"
	"github.com/nomis52/provision/store/postgres"
)

// openStore builds the configured state store. The returned func releases it.
func openStore(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (store.Store, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Type {
	case config.StoreDisk:
		st, err := store.NewDiskStore(cfg.Dir, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("opening disk store: %w", err)
		}
		logger.Info("using disk store", "dir", cfg.Dir)
		return st, noop, nil

	case config.StorePostgres:
		st, err := postgres.New(ctx, cfg.DSN, postgres.WithLogger(logger))
		if err != nil {
			return nil, nil, fmt.Errorf("opening postgres store: %w", err)
		}
		if cfg.Migrate {
			if err := st.Migrate(ctx); err != nil {
				_ = st.Close()
				return nil, nil, fmt.Errorf("migrating postgres store: %w", err)
			}
		}
		logger.Info("using postgres store", "migrate", cfg.Migrate)
		return st, st.Close, nil

	default:
		logger.Warn("using in-memory store, instances are lost on restart")
		return store.NewMemoryStore(), noop, nil
	}
}
