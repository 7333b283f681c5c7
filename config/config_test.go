package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nomis52/provision/backoff"
	"github.com/nomis52/provision/workflow"
)

func validConfig() Config {
	cfg := Config{}
	cfg.SetDefaults()
	return cfg
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(*Config) {},
		},
		{
			name:    "disk store without dir",
			mutate:  func(c *Config) { c.Store.Type = StoreDisk },
			wantErr: "disk store requires dir",
		},
		{
			name:    "postgres store without dsn",
			mutate:  func(c *Config) { c.Store.Type = StorePostgres },
			wantErr: "postgres store requires dsn",
		},
		{
			name:    "unknown store",
			mutate:  func(c *Config) { c.Store.Type = "etcd" },
			wantErr: `unknown store type "etcd"`,
		},
		{
			name:    "zero workers",
			mutate:  func(c *Config) { c.Engine.Workers = 0 },
			wantErr: "engine workers must be positive",
		},
		{
			name:    "unknown backoff",
			mutate:  func(c *Config) { c.Engine.DefaultRetry.Backoff = "fibonacci" },
			wantErr: `unknown backoff "fibonacci"`,
		},
		{
			name: "http executor without url",
			mutate: func(c *Config) {
				c.Executors = []ExecutorConfig{{Target: workflow.TargetAAA, Type: ExecutorHTTP}}
			},
			wantErr: "http executor requires url",
		},
		{
			name: "unknown target",
			mutate: func(c *Config) {
				c.Executors = append(c.Executors, ExecutorConfig{Target: "dns", Type: ExecutorSimulated})
			},
			wantErr: `unknown target "dns"`,
		},
		{
			name: "duplicate target",
			mutate: func(c *Config) {
				c.Executors = append(c.Executors, ExecutorConfig{Target: workflow.TargetAAA, Type: ExecutorSimulated})
			},
			wantErr: `target "aaa" configured twice`,
		},
		{
			name: "definition needs an unconfigured target",
			mutate: func(c *Config) {
				c.Executors = []ExecutorConfig{{Target: workflow.TargetAAA, Type: ExecutorSimulated}}
				c.Definitions = []workflow.Definition{{
					Type:  "suspend",
					Steps: []workflow.StepDefinition{{Name: "block", Target: workflow.TargetBilling}},
				}}
			},
			wantErr: `no executor registered for target "billing"`,
		},
		{
			name:    "push monitoring without url",
			mutate:  func(c *Config) { c.Monitoring.Mode = MonitoringPush },
			wantErr: "push monitoring requires victoriametrics_url",
		},
		{
			name:    "unknown monitoring mode",
			mutate:  func(c *Config) { c.Monitoring.Mode = "statsd" },
			wantErr: `unknown monitoring mode "statsd"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_SetDefaults(t *testing.T) {
	cfg := Config{
		Executors: []ExecutorConfig{{Target: workflow.TargetIPAM, URL: "http://ipam"}},
	}
	cfg.SetDefaults()

	assert.Equal(t, defaultWorkers, cfg.Engine.Workers)
	assert.Equal(t, defaultLease, cfg.Engine.Lease)
	assert.Equal(t, defaultShutdownTimeout, cfg.Engine.ShutdownTimeout)
	assert.Equal(t, workflow.RetryPolicy{
		MaxAttempts:     defaultMaxAttempts,
		Backoff:         defaultBackoff,
		InitialInterval: defaultInitialInterval,
		MaxInterval:     defaultMaxInterval,
		Timeout:         defaultStepTimeout,
	}, cfg.Engine.DefaultRetry)
	assert.Equal(t, StoreMemory, cfg.Store.Type)
	assert.Equal(t, MonitoringNone, cfg.Monitoring.Mode)
	assert.Equal(t, "provision", cfg.Monitoring.Namespace)
	assert.Equal(t, "info", cfg.Logging.Level)

	// Configured executors are kept as given, defaulting to http.
	require.Len(t, cfg.Executors, 1)
	assert.Equal(t, ExecutorHTTP, cfg.Executors[0].Type)
	assert.Equal(t, defaultExecutorTimeout, cfg.Executors[0].Timeout)
}

func TestConfig_SetDefaultsSimulatesEveryTarget(t *testing.T) {
	cfg := Config{}
	cfg.SetDefaults()

	require.Len(t, cfg.Executors, len(workflow.KnownTargets()))
	for _, target := range workflow.KnownTargets() {
		e, ok := cfg.ExecutorFor(target)
		require.True(t, ok, "target %s", target)
		assert.Equal(t, ExecutorSimulated, e.Type)
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "provision.yaml")
	yaml := `
engine:
  workers: 4
  lease: 10s
  default_retry:
    max_attempts: 5
    backoff: linear
    initial_interval: 2s
store:
  type: disk
  dir: /var/lib/provision
executors:
  - target: aaa
    type: http
    url: http://radius.internal:8080
    timeout: 5s
    rate_limit: 20
    burst: 5
    headers:
      Authorization: Bearer token
  - target: ipam
    type: simulated
    latency: 50ms
    fail_steps: [allocate_ip]
definitions:
  - type: reset_credentials
    steps:
      - name: rotate
        target: aaa
        compensable: true
        retry:
          max_attempts: 2
monitoring:
  mode: scrape
logging:
  level: debug
  format: text
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Engine.Workers)
	assert.Equal(t, 10*time.Second, cfg.Engine.Lease)
	assert.Equal(t, 5, cfg.Engine.DefaultRetry.MaxAttempts)
	assert.Equal(t, backoff.KindLinear, cfg.Engine.DefaultRetry.Backoff)
	assert.Equal(t, 2*time.Second, cfg.Engine.DefaultRetry.InitialInterval)
	assert.Equal(t, defaultMaxInterval, cfg.Engine.DefaultRetry.MaxInterval)

	assert.Equal(t, StoreDisk, cfg.Store.Type)
	assert.Equal(t, "/var/lib/provision", cfg.Store.Dir)

	aaa, ok := cfg.ExecutorFor(workflow.TargetAAA)
	require.True(t, ok)
	assert.Equal(t, "http://radius.internal:8080", aaa.URL)
	assert.Equal(t, 5*time.Second, aaa.Timeout)
	assert.InDelta(t, 20.0, aaa.RateLimit, 0.001)
	assert.Equal(t, 5, aaa.Burst)
	assert.Equal(t, "Bearer token", aaa.Headers["Authorization"])

	ipam, ok := cfg.ExecutorFor(workflow.TargetIPAM)
	require.True(t, ok)
	assert.Equal(t, 50*time.Millisecond, ipam.Latency)
	assert.Equal(t, []string{"allocate_ip"}, ipam.FailSteps)

	_, ok = cfg.ExecutorFor(workflow.TargetONU)
	assert.False(t, ok)

	require.Len(t, cfg.Definitions, 1)
	assert.Equal(t, "reset_credentials", cfg.Definitions[0].Type)
	assert.Equal(t, 2, cfg.Definitions[0].Steps[0].Retry.MaxAttempts)
	assert.True(t, cfg.Definitions[0].Steps[0].Compensable)

	assert.Equal(t, MonitoringScrape, cfg.Monitoring.Mode)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
}

func TestLoadConfig_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadConfig(filepath.Join(dir, "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")

	unknown := filepath.Join(dir, "unknown.yaml")
	require.NoError(t, os.WriteFile(unknown, []byte("engine:\n  threads: 3\n"), 0o600))
	_, err = LoadConfig(unknown)
	assert.ErrorContains(t, err, "failed to decode YAML config")

	invalid := filepath.Join(dir, "invalid.yaml")
	require.NoError(t, os.WriteFile(invalid, []byte("store:\n  type: postgres\n"), 0o600))
	_, err = LoadConfig(invalid)
	assert.ErrorContains(t, err, "postgres store requires dsn")
}

func TestParse_Empty(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, StoreMemory, cfg.Store.Type)
	assert.Len(t, cfg.Executors, len(workflow.KnownTargets()))
}
