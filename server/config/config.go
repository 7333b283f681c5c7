// Package config holds the runtime configuration of the provisioning server: how
// it listens, which maintenance jobs run on a schedule, and where the engine
// configuration lives.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nomis52/provision/server/cron"
)

const (
	defaultAddr            = ":8080"
	defaultShutdownTimeout = 30 * time.Second
)

// Maintenance jobs that can be scheduled.
const (
	JobRecover           = "recover"
	JobPublishStatistics = "publish_statistics"
)

// AvailableJobs lists the jobs a cron trigger may name.
var AvailableJobs = map[string]bool{
	JobRecover:           true,
	JobPublishStatistics: true,
}

// ServerConfig represents the server runtime configuration.
type ServerConfig struct {
	Listener ListenerConfig     `yaml:"listener"`
	Cron     []cron.TriggerSpec `yaml:"cron"`
	// LogLevel overrides the engine config's logging level when set.
	LogLevel string `yaml:"log_level"`
	// The path to the engine config file, relative to this file when not absolute
	EngineConfig string `yaml:"engine_config"`
	// ShutdownTimeout bounds graceful shutdown of the HTTP server.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ListenerConfig holds HTTP server listener settings.
type ListenerConfig struct {
	// The listen address, defaults to :8080
	Addr string `yaml:"addr"`
	// TLSCert and TLSKey enable HTTPS when both are set. The pair is reloaded
	// when the files change.
	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key"`
}

// TLS reports whether HTTPS is configured.
func (l ListenerConfig) TLS() bool {
	return l.TLSCert != "" && l.TLSKey != ""
}

// LoadConfig reads the YAML config file at the given path and returns a ServerConfig struct.
func LoadConfig(path string) (*ServerConfig, error) {
	var cfg ServerConfig
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open server config file %s: %w", path, err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode YAML server config: %w", err)
	}

	cfg.SetDefaults()
	if cfg.EngineConfig != "" && !filepath.IsAbs(cfg.EngineConfig) {
		cfg.EngineConfig = filepath.Join(filepath.Dir(path), cfg.EngineConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server config: %w", err)
	}
	return &cfg, nil
}

// SetDefaults sets reasonable default values for optional fields.
func (c *ServerConfig) SetDefaults() {
	if c.Listener.Addr == "" {
		c.Listener.Addr = defaultAddr
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = defaultShutdownTimeout
	}
}

// Validate checks the TLS pair and the cron triggers.
func (c *ServerConfig) Validate() error {
	var errs []error
	if (c.Listener.TLSCert == "") != (c.Listener.TLSKey == "") {
		errs = append(errs, errors.New("listener: tls_cert and tls_key must be set together"))
	}
	for i, t := range c.Cron {
		if err := t.Validate(AvailableJobs); err != nil {
			errs = append(errs, fmt.Errorf("cron trigger %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
