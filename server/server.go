// Package server provides the HTTP server of the provisioning daemon.
//
// The server owns the orchestration engine and exposes it as a JSON API for
// submitting, querying and controlling workflow instances.
//
// # Endpoints
//
//   - GET /health - Simple health check, returns "ok"
//   - GET /api/server - Build and runtime properties of this process
//   - POST /api/workflows - Submit an instance
//   - GET /api/workflows - List instances with filters and paging
//   - GET /api/workflows/{id} - Full instance with step and compensation trails
//   - GET /api/workflows/{id}/logs - Logs captured while the instance ran here
//   - POST /api/workflows/{id}/retry - Start a new instance from a failed one
//   - POST /api/workflows/{id}/cancel - Request cooperative cancellation
//   - GET /api/statistics - Summary counts, optionally per tenant
//   - GET /api/definitions - Registered workflow definitions
//   - GET /metrics - Prometheus metrics, when monitoring mode is scrape
//
// # Lifecycle
//
// New builds every dependency from configuration: logger, metrics registry, state
// store, executors and engine. Run recovers instances left active by a previous
// process, starts the maintenance cron triggers and serves until the context is
// cancelled, then drains the HTTP server and the engine in that order.
//
// # Example
//
//	srv, err := server.New(srvCfg, engineCfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := srv.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/nomis52/provision/buildinfo"
	"github.com/nomis52/provision/config"
	"github.com/nomis52/provision/logging"
	"github.com/nomis52/provision/metrics"
	"github.com/nomis52/provision/orchestrator"
	serverconfig "github.com/nomis52/provision/server/config"
	"github.com/nomis52/provision/server/cron"
	"github.com/nomis52/provision/server/handlers"
	"github.com/nomis52/provision/server/types"
	"github.com/nomis52/provision/store"
	"github.com/nomis52/provision/workflows"
)

const (
	defaultReadTimeout  = 10 * time.Second
	defaultWriteTimeout = 10 * time.Second
)

// Server is the HTTP server of the provisioning daemon.
type Server struct {
	cfg       *serverconfig.ServerConfig
	engineCfg config.Config
	logger    *slog.Logger
	closeLog  func() error

	engine     *orchestrator.Engine
	store      store.Store
	closeStore func() error
	collector  *logging.LogCollector

	metricsRegistry metrics.Registry
	metricsHandler  http.Handler
	push            *metrics.PushRegistry

	maintenance *maintenance
	cronManager *cron.CronTriggerManager
	props       types.ServerProperties

	engineOpts []orchestrator.Option
	httpServer *http.Server
}

// Option configures a Server.
type Option func(*Server) error

// WithLogger replaces the logger built from the engine config's logging section.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) error {
		s.logger = logger
		return nil
	}
}

// WithEngineOptions appends options to those the server derives from config.
func WithEngineOptions(opts ...orchestrator.Option) Option {
	return func(s *Server) error {
		s.engineOpts = append(s.engineOpts, opts...)
		return nil
	}
}

// New creates a new Server from the server and engine configuration.
func New(srvCfg *serverconfig.ServerConfig, engineCfg config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:       srvCfg,
		engineCfg: engineCfg,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	if s.logger == nil {
		logCfg := logging.Config{
			Level:     engineCfg.Logging.Level,
			Format:    engineCfg.Logging.Format,
			Output:    engineCfg.Logging.Output,
			AddSource: engineCfg.Logging.AddSource,
		}
		if srvCfg.LogLevel != "" {
			logCfg.Level = srvCfg.LogLevel
		}
		logger, err := logging.New(logCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize logger: %w", err)
		}
		s.logger = logger.Logger
		s.closeLog = logger.Close
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	if err := s.initMetrics(hostname); err != nil {
		return nil, err
	}

	st, closeStore, err := openStore(context.Background(), engineCfg.Store, s.logger)
	if err != nil {
		return nil, err
	}
	s.store, s.closeStore = st, closeStore

	if err := s.initEngine(); err != nil {
		_ = s.closeStore()
		return nil, err
	}

	s.maintenance, err = newMaintenance(s.engine, s.metricsRegistry, s.logger)
	if err != nil {
		_ = s.closeStore()
		return nil, err
	}
	if len(srvCfg.Cron) > 0 {
		s.cronManager, err = cron.NewCronTriggerManager(srvCfg.Cron, s.maintenance, s.logger, serverconfig.AvailableJobs)
		if err != nil {
			_ = s.closeStore()
			return nil, fmt.Errorf("creating cron triggers: %w", err)
		}
	}

	s.props = types.ServerProperties{
		Build:     buildinfo.Get(),
		StartedAt: time.Now(),
		Hostname:  hostname,
		Owner:     s.engine.Owner(),
	}
	return s, nil
}

func (s *Server) initMetrics(hostname string) error {
	mon := s.engineCfg.Monitoring
	switch mon.Mode {
	case config.MonitoringScrape:
		reg, err := metrics.NewScrapeRegistry(mon.Namespace)
		if err != nil {
			return fmt.Errorf("creating metrics registry: %w", err)
		}
		s.metricsRegistry = reg
		s.metricsHandler = reg.Handler()
	case config.MonitoringPush:
		s.push = metrics.NewPushRegistry(metrics.PushConfig{
			URL:      mon.VictoriaMetricsURL,
			Prefix:   mon.Namespace,
			Job:      mon.JobName,
			Instance: hostname,
			Logger:   s.logger,
		})
		s.metricsRegistry = s.push
	default:
		s.metricsRegistry = metrics.NopRegistry{}
	}
	return nil
}

func (s *Server) initEngine() error {
	registry, err := workflows.NewRegistry(&s.engineCfg, s.logger)
	if err != nil {
		return fmt.Errorf("building executors: %w", err)
	}

	s.collector = logging.NewLogCollector()
	ec := s.engineCfg.Engine
	opts := []orchestrator.Option{
		orchestrator.WithLogger(s.logger),
		orchestrator.WithLoggerHook(logging.NewCapturingLoggerHook(s.collector)),
		orchestrator.WithMetrics(s.metricsRegistry),
		orchestrator.WithWorkers(ec.Workers),
		orchestrator.WithDefaultRetryPolicy(ec.DefaultRetry),
		orchestrator.WithLease(ec.Lease, 0),
	}
	if ec.Owner != "" {
		opts = append(opts, orchestrator.WithOwner(ec.Owner))
	}
	opts = append(opts, s.engineOpts...)

	s.engine, err = orchestrator.New(s.store, registry, opts...)
	if err != nil {
		return fmt.Errorf("creating engine: %w", err)
	}
	for _, def := range workflows.Definitions(&s.engineCfg) {
		if err := s.engine.Register(def); err != nil {
			return err
		}
		s.logger.Info("registered workflow", "workflow_type", def.Type, "steps", len(def.Steps))
	}
	return nil
}

// Logger returns the server's logger.
func (s *Server) Logger() *slog.Logger {
	return s.logger
}

// Engine returns the orchestration engine.
func (s *Server) Engine() *orchestrator.Engine {
	return s.engine
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return mux
}

// Run recovers orphaned instances and serves the API until ctx is cancelled.
// It performs a graceful shutdown when the context is done.
func (s *Server) Run(ctx context.Context) error {
	defer func() {
		if err := s.closeStore(); err != nil {
			s.logger.Warn("failed to close store", "error", err)
		}
		if s.closeLog != nil {
			_ = s.closeLog()
		}
	}()

	if n, err := s.engine.Recover(ctx); err != nil {
		s.logger.Error("startup recovery failed", "error", err)
	} else {
		s.logger.Info("startup recovery finished", "recovered", n)
	}

	s.httpServer = &http.Server{
		Addr:         s.cfg.Listener.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  defaultReadTimeout,
		WriteTimeout: defaultWriteTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	if s.cfg.Listener.TLS() {
		loader, err := NewCertLoader(s.cfg.Listener.TLSCert, s.cfg.Listener.TLSKey, s.logger)
		if err != nil {
			return err
		}
		s.httpServer.TLSConfig = &tls.Config{
			MinVersion:     tls.VersionTLS12,
			GetCertificate: loader.GetCertificate,
		}
	}

	if s.push != nil {
		go s.push.Run(ctx, s.engineCfg.Monitoring.PushInterval)
	}
	if s.cronManager != nil {
		s.logger.Info("starting cron triggers", "next_run", s.cronManager.NextRun())
		s.cronManager.Start(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting server",
			"addr", s.cfg.Listener.Addr,
			"tls", s.cfg.Listener.TLS(),
			"owner", s.engine.Owner(),
		)
		var err error
		if s.cfg.Listener.TLS() {
			err = s.httpServer.ListenAndServeTLS("", "")
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case serveErr = <-errCh:
	case <-ctx.Done():
		s.logger.Info("shutting down server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http shutdown incomplete", "error", err)
	}

	engineCtx, cancelEngine := context.WithTimeout(context.Background(), s.engineCfg.Engine.ShutdownTimeout)
	defer cancelEngine()
	if err := s.engine.Close(engineCtx); err != nil {
		s.logger.Warn("engine stopped with instances still running; they will be recovered on restart", "error", err)
	}
	return serveErr
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", handlers.HandleHealth)
	mux.HandleFunc("GET /api/server", func(w http.ResponseWriter, r *http.Request) {
		handlers.WriteJSON(w, http.StatusOK, s.props)
	})

	mux.Handle("POST /api/workflows", handlers.NewSubmitHandler(s.logger, s.engine))
	mux.Handle("GET /api/workflows", handlers.NewListHandler(s.logger, s.engine))
	mux.Handle("GET /api/workflows/{id}", handlers.NewGetHandler(s.logger, s.engine))
	mux.Handle("GET /api/workflows/{id}/logs", handlers.NewLogsHandler(s.logger, s.engine, s.collector))
	mux.Handle("POST /api/workflows/{id}/retry", handlers.NewRetryHandler(s.logger, s.engine))
	mux.Handle("POST /api/workflows/{id}/cancel", handlers.NewCancelHandler(s.logger, s.engine))
	mux.Handle("GET /api/statistics", handlers.NewStatisticsHandler(s.logger, s.engine))
	mux.Handle("GET /api/definitions", handlers.NewDefinitionsHandler(s.engine))

	if s.metricsHandler != nil {
		mux.Handle("GET /metrics", s.metricsHandler)
	}
}
