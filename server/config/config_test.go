package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nomis52/provision/server/cron"
)

func write(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "server.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := write(t, `
listener:
  addr: 127.0.0.1:9000
  tls_cert: /etc/provision/tls.crt
  tls_key: /etc/provision/tls.key
cron:
  - jobs: [recover]
    schedule: "*/5 * * * *"
  - jobs: [publish_statistics, recover]
    schedule: "0 * * * *"
log_level: debug
engine_config: engine.yaml
shutdown_timeout: 1m
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Listener.Addr)
	assert.True(t, cfg.Listener.TLS())
	assert.Equal(t, []cron.TriggerSpec{
		{Jobs: []string{JobRecover}, CronSpec: "*/5 * * * *"},
		{Jobs: []string{JobPublishStatistics, JobRecover}, CronSpec: "0 * * * *"},
	}, cfg.Cron)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "engine.yaml"), cfg.EngineConfig)
	assert.Equal(t, time.Minute, cfg.ShutdownTimeout)
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(write(t, "engine_config: /etc/provision/engine.yaml\n"))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Listener.Addr)
	assert.False(t, cfg.Listener.TLS())
	assert.Equal(t, defaultShutdownTimeout, cfg.ShutdownTimeout)
	assert.Equal(t, "/etc/provision/engine.yaml", cfg.EngineConfig)
	assert.Empty(t, cfg.Cron)
}

func TestLoadConfig_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{name: "unknown field", content: "listen: :80\n", wantErr: "failed to decode"},
		{name: "half tls", content: "listener:\n  tls_cert: a.crt\n", wantErr: "tls_cert and tls_key"},
		{name: "unknown job", content: "cron:\n  - jobs: [vacuum]\n    schedule: \"* * * * *\"\n", wantErr: "unknown job 'vacuum'"},
		{name: "bad schedule", content: "cron:\n  - jobs: [recover]\n    schedule: hourly\n", wantErr: "invalid cron expression"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(write(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to open server config file")
}
