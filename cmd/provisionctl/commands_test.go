package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nomis52/provision/config"
	"github.com/nomis52/provision/server"
	serverconfig "github.com/nomis52/provision/server/config"
	"github.com/nomis52/provision/workflow"
)

func startServer(t *testing.T) string {
	t.Helper()
	engineCfg, err := config.Parse(nil)
	require.NoError(t, err)
	srvCfg := &serverconfig.ServerConfig{}
	srvCfg.SetDefaults()

	srv, err := server.New(srvCfg, engineCfg, server.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Engine().Close(ctx)
	})
	return ts.URL
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestSubmitWaitAndGet(t *testing.T) {
	url := startServer(t)

	out, err := execute(t, "--server", url, "submit", "provision_subscriber", "acme", "sub-1",
		"--input", `{"plan":"fibre-1g"}`, "--wait")
	require.NoError(t, err)

	var inst workflow.Instance
	require.NoError(t, json.Unmarshal([]byte(out), &inst))
	assert.Equal(t, workflow.StatusCompleted, inst.Status)
	assert.Equal(t, "fibre-1g", inst.Input["plan"])

	out, err = execute(t, "--server", url, "get", inst.ID)
	require.NoError(t, err)
	assert.Contains(t, out, inst.ID)

	out, err = execute(t, "--server", url, "list", "--tenant", "acme", "--status", "completed")
	require.NoError(t, err)
	assert.Contains(t, out, inst.ID)
	assert.Contains(t, out, "1 of 1")

	out, err = execute(t, "--server", url, "stats", "--tenant", "acme")
	require.NoError(t, err)
	assert.Contains(t, out, `"completed": 1`)

	out, err = execute(t, "--server", url, "definitions")
	require.NoError(t, err)
	assert.Contains(t, out, "provision_subscriber")
	assert.Contains(t, out, "deprovision_subscriber")
}

func TestCommandErrors(t *testing.T) {
	url := startServer(t)

	_, err := execute(t, "--server", url, "submit", "provision_subscriber", "acme", "sub-1", "--input", "not json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid --input")

	_, err = execute(t, "--server", url, "get", "missing")
	assert.ErrorIs(t, err, workflow.ErrNotFound)

	_, err = execute(t, "--server", url, "list", "--status", "sleeping")
	require.Error(t, err)

	_, err = execute(t, "--server", url, "cancel")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "accepts 1 arg"))
}
