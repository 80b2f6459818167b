package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7466", cfg.Listen)
	assert.Equal(t, 30*time.Second, cfg.PollTimeout)
	assert.Equal(t, 120*time.Second, cfg.HeartbeatTimeout)
	assert.Equal(t, BackendMemory, cfg.Events.Backend)
	assert.NotContains(t, cfg.AuditDB, "~")
}

func TestLoad_OverridesDefaults(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "relay.yaml")
	writeFile(t, path, `
listen: 0.0.0.0:9000
poll_timeout: 10s
demand_timeout: 2m
audit_db: ""
log:
  level: debug
  format: json
events:
  backend: nats
  url: nats://127.0.0.1:4222
blueprints:
  reviewer:
    description: code review on GPU hosts
    demands:
      executor_type: claude-code
      tags: [gpu]
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.Listen)
	assert.Equal(t, 10*time.Second, cfg.PollTimeout)
	assert.Equal(t, 2*time.Minute, cfg.DemandTimeout)
	assert.Equal(t, 120*time.Second, cfg.HeartbeatTimeout, "unset keys keep defaults")
	assert.Empty(t, cfg.AuditDB)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, BackendNATS, cfg.Events.Backend)
	assert.Equal(t, "relay.events", cfg.Events.Subject)

	require.Contains(t, cfg.Blueprints, "reviewer")
	assert.Equal(t, "claude-code", cfg.Blueprints["reviewer"].Demands.ExecutorType)
	assert.Equal(t, []string{"gpu"}, cfg.Blueprints["reviewer"].Demands.Tags)
}

func TestLoad_Invalid(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"bad yaml":          "listen: [",
		"negative duration": "poll_timeout: -1s",
		"unknown backend":   "events: {backend: kafka}",
		"missing bus url":   "events: {backend: redis}",
		"bad log level":     "log: {level: loud}",
		"bad log format":    "log: {format: xml}",
	}

	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "relay.yaml")
			writeFile(t, path, body)
			_, err := Load(path)
			require.Error(t, err)
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "relay.yaml")
	cfg := Default()
	cfg.SweepInterval = time.Second
	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, time.Second, loaded.SweepInterval)

	require.Error(t, Save(path, nil))
}

func TestExpandHome(t *testing.T) {
	t.Parallel()

	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "x", "y.db"), ExpandHome("~/x/y.db"))
	assert.Equal(t, "/abs/y.db", ExpandHome("/abs/y.db"))
	assert.Equal(t, "~user/y.db", ExpandHome("~user/y.db"))
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "relay.yaml")
	writeFile(t, path, "poll_timeout: 10s\n")

	w, err := NewWatcher(path, 20*time.Millisecond, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	writeFile(t, path, "poll_timeout: 15s\n")

	select {
	case r := <-w.Reloads():
		require.NoError(t, r.Err)
		assert.Equal(t, 15*time.Second, r.Config.PollTimeout)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after write")
	}

	cancel()
	require.Eventually(t, func() bool {
		_, open := <-w.Reloads()
		return !open
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLogConfig_NewLogger(t *testing.T) {
	t.Parallel()

	logger, err := LogConfig{Level: "debug", Format: "json"}.NewLogger()
	require.NoError(t, err)
	assert.True(t, logger.Enabled(context.Background(), -4))

	_, err = LogConfig{Level: "loud"}.NewLogger()
	assert.Error(t, err)

	_, err = LogConfig{Format: "xml"}.NewLogger()
	assert.Error(t, err)

	cfg := Default()
	cfg.Log.Level = "loud"
	assert.NotNil(t, cfg.Logger(), "invalid level falls back to info")
}
