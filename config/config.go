package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nomis52/provision/backoff"
	"github.com/nomis52/provision/workflow"
)

const (
	// Default engine settings
	defaultWorkers         = 16
	defaultLease           = 30 * time.Second
	defaultShutdownTimeout = 30 * time.Second

	// Default retry policy, applied to steps that leave fields unset
	defaultMaxAttempts     = 3
	defaultBackoff         = backoff.KindExponentialJitter
	defaultInitialInterval = 500 * time.Millisecond
	defaultMaxInterval     = 30 * time.Second
	defaultStepTimeout     = time.Minute

	// Default store settings
	defaultStoreType = StoreMemory

	// Default executor settings
	defaultExecutorTimeout = 30 * time.Second

	// Default monitoring settings
	defaultMonitoringMode = MonitoringNone
	defaultNamespace      = "provision"
	defaultJobName        = "provisiond"
	defaultPushInterval   = 15 * time.Second

	// Default logging settings
	defaultLogLevel  = "info"
	defaultLogFormat = "json"
	defaultLogOutput = "stdout"
)

// Store types.
const (
	StoreMemory   = "memory"
	StoreDisk     = "disk"
	StorePostgres = "postgres"
)

// Executor types.
const (
	ExecutorHTTP      = "http"
	ExecutorSimulated = "simulated"
)

// Monitoring modes.
const (
	MonitoringNone   = "none"
	MonitoringScrape = "scrape"
	MonitoringPush   = "push"
)

// Config is the engine configuration: how instances are stored, which executor
// serves each target system, and any workflow definitions beyond the built-in ones.
type Config struct {
	Engine      EngineConfig          `yaml:"engine"`
	Store       StoreConfig           `yaml:"store"`
	Executors   []ExecutorConfig      `yaml:"executors"`
	Definitions []workflow.Definition `yaml:"definitions"`
	Monitoring  MonitoringConfig      `yaml:"monitoring"`
	Logging     LoggingConfig         `yaml:"logging"`
}

// EngineConfig controls the orchestration engine.
type EngineConfig struct {
	// Workers bounds the number of instances executing at once.
	Workers int `yaml:"workers"`
	// Owner names this engine in instance leases. Defaults to host name plus a random suffix.
	Owner string `yaml:"owner"`
	// Lease is how long an instance stays claimed without a heartbeat.
	Lease time.Duration `yaml:"lease"`
	// DefaultRetry fills in step retry fields left unset by definitions.
	DefaultRetry workflow.RetryPolicy `yaml:"default_retry"`
	// ShutdownTimeout bounds how long running instances are given to finish on shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StoreConfig selects the state store.
type StoreConfig struct {
	// Type is memory, disk or postgres.
	Type string `yaml:"type"`
	// Dir is the state directory of the disk store.
	Dir string `yaml:"dir"`
	// DSN is the Postgres connection string.
	DSN string `yaml:"dsn"`
	// Migrate applies the schema on startup.
	Migrate bool `yaml:"migrate"`
}

// ExecutorConfig binds a target system to an executor.
type ExecutorConfig struct {
	Target workflow.TargetSystem `yaml:"target"`
	// Type is http or simulated.
	Type string `yaml:"type"`

	// URL is the base URL of an http executor's collaborator.
	URL string `yaml:"url"`
	// Timeout bounds a single HTTP call.
	Timeout time.Duration `yaml:"timeout"`
	// Headers are added to every request, e.g. for authentication.
	Headers map[string]string `yaml:"headers"`

	// RateLimit caps calls to the target per second. Zero means unlimited.
	RateLimit float64 `yaml:"rate_limit"`
	// Burst is the number of calls allowed above RateLimit at once.
	Burst int `yaml:"burst"`

	// Simulated executors only.
	Latency   time.Duration `yaml:"latency"`
	FailSteps []string      `yaml:"fail_steps"`
}

// MonitoringConfig holds metrics settings.
type MonitoringConfig struct {
	// Mode is none, scrape (serve /metrics) or push (remote write).
	Mode string `yaml:"mode"`
	// Namespace prefixes every metric name.
	Namespace string `yaml:"namespace"`
	// VictoriaMetricsURL is the remote write base URL used in push mode.
	VictoriaMetricsURL string `yaml:"victoriametrics_url"`
	JobName            string `yaml:"jobname"`
	// PushInterval is how often metrics are flushed in push mode.
	PushInterval time.Duration `yaml:"push_interval"`
}

// LoggingConfig defines logging behavior settings
type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	Output    string `yaml:"output"`
	AddSource bool   `yaml:"add_source"`
}

// ExecutorFor returns the executor configured for target.
func (c *Config) ExecutorFor(target workflow.TargetSystem) (ExecutorConfig, bool) {
	for _, e := range c.Executors {
		if e.Target == target {
			return e, true
		}
	}
	return ExecutorConfig{}, false
}

// Validate performs basic validation on the configuration
func (c *Config) Validate() error {
	var errs []error

	if c.Engine.Workers < 1 {
		errs = append(errs, fmt.Errorf("engine workers must be positive"))
	}
	if c.Engine.Lease <= 0 {
		errs = append(errs, fmt.Errorf("engine lease must be positive"))
	}
	if c.Engine.DefaultRetry.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("default retry max_attempts must be positive"))
	}
	if !c.Engine.DefaultRetry.Backoff.Valid() {
		errs = append(errs, fmt.Errorf("default retry: unknown backoff %q", c.Engine.DefaultRetry.Backoff))
	}

	switch c.Store.Type {
	case StoreMemory:
	case StoreDisk:
		if c.Store.Dir == "" {
			errs = append(errs, fmt.Errorf("disk store requires dir"))
		}
	case StorePostgres:
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("postgres store requires dsn"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store type %q", c.Store.Type))
	}

	seen := make(map[workflow.TargetSystem]bool, len(c.Executors))
	for i, e := range c.Executors {
		if !e.Target.Valid() {
			errs = append(errs, fmt.Errorf("executor %d: unknown target %q", i, e.Target))
			continue
		}
		if seen[e.Target] {
			errs = append(errs, fmt.Errorf("executor %d: target %q configured twice", i, e.Target))
		}
		seen[e.Target] = true
		switch e.Type {
		case ExecutorHTTP:
			if e.URL == "" {
				errs = append(errs, fmt.Errorf("executor %q: http executor requires url", e.Target))
			}
		case ExecutorSimulated:
		default:
			errs = append(errs, fmt.Errorf("executor %q: unknown type %q", e.Target, e.Type))
		}
		if e.RateLimit < 0 {
			errs = append(errs, fmt.Errorf("executor %q: rate_limit must not be negative", e.Target))
		}
	}

	hasExecutor := func(t workflow.TargetSystem) bool { return seen[t] }
	for i := range c.Definitions {
		if err := c.Definitions[i].Validate(hasExecutor); err != nil {
			errs = append(errs, err)
		}
	}

	switch c.Monitoring.Mode {
	case MonitoringNone, MonitoringScrape:
	case MonitoringPush:
		if c.Monitoring.VictoriaMetricsURL == "" {
			errs = append(errs, fmt.Errorf("push monitoring requires victoriametrics_url"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown monitoring mode %q", c.Monitoring.Mode))
	}

	return errors.Join(errs...)
}

// SetDefaults sets reasonable default values for optional fields
func (c *Config) SetDefaults() {
	if c.Engine.Workers == 0 {
		c.Engine.Workers = defaultWorkers
	}
	if c.Engine.Lease == 0 {
		c.Engine.Lease = defaultLease
	}
	if c.Engine.ShutdownTimeout == 0 {
		c.Engine.ShutdownTimeout = defaultShutdownTimeout
	}
	c.Engine.DefaultRetry = c.Engine.DefaultRetry.WithDefaults(workflow.RetryPolicy{
		MaxAttempts:     defaultMaxAttempts,
		Backoff:         defaultBackoff,
		InitialInterval: defaultInitialInterval,
		MaxInterval:     defaultMaxInterval,
		Timeout:         defaultStepTimeout,
	})

	if c.Store.Type == "" {
		c.Store.Type = defaultStoreType
	}

	// With no executors configured every target is simulated, so a bare config runs.
	if len(c.Executors) == 0 {
		for _, t := range workflow.KnownTargets() {
			c.Executors = append(c.Executors, ExecutorConfig{Target: t, Type: ExecutorSimulated})
		}
	}
	for i := range c.Executors {
		if c.Executors[i].Type == "" {
			c.Executors[i].Type = ExecutorHTTP
		}
		if c.Executors[i].Type == ExecutorHTTP && c.Executors[i].Timeout == 0 {
			c.Executors[i].Timeout = defaultExecutorTimeout
		}
	}

	if c.Monitoring.Mode == "" {
		c.Monitoring.Mode = defaultMonitoringMode
	}
	if c.Monitoring.Namespace == "" {
		c.Monitoring.Namespace = defaultNamespace
	}
	if c.Monitoring.JobName == "" {
		c.Monitoring.JobName = defaultJobName
	}
	if c.Monitoring.PushInterval == 0 {
		c.Monitoring.PushInterval = defaultPushInterval
	}

	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	if c.Logging.Output == "" {
		c.Logging.Output = defaultLogOutput
	}
}

// Parse decodes YAML, applies defaults and validates the result.
func Parse(data []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("failed to decode YAML config: %w", err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadConfig reads the YAML config file at the given path and returns a Config struct
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return Parse(data)
}
