package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "config.yaml"))

	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverridesKnobs(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: debug
feed:
  retention: 100
status:
  stuck_threshold: 30m
messaging:
  debounce: 80ms
registry:
  cache_ttl: 2s
  flush_interval: 5s
activity:
  edit_debounce: 3s
  window: 90s
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 100, cfg.Feed.Retention)
	assert.Equal(t, 30*time.Minute, cfg.Status.StuckThreshold)
	assert.Equal(t, 80*time.Millisecond, cfg.Messaging.Debounce)
	assert.Equal(t, 2*time.Second, cfg.Registry.CacheTTL)
	assert.Equal(t, 5*time.Second, cfg.Registry.FlushInterval)
	assert.Equal(t, 3*time.Second, cfg.Activity.EditDebounce)
	assert.Equal(t, 90*time.Second, cfg.Activity.Window)
}

func TestLoadPartialFileKeepsOtherDefaults(t *testing.T) {
	path := writeConfig(t, "feed:\n  retention: 42\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 42, cfg.Feed.Retention)
	assert.Equal(t, Default().Messaging.Debounce, cfg.Messaging.Debounce)
	assert.Equal(t, Default().Status.StuckThreshold, cfg.Status.StuckThreshold)
}

func TestLoadBadDurationDegradesThatField(t *testing.T) {
	path := writeConfig(t, `
messaging:
  debounce: soon
registry:
  cache_ttl: 3s
`)

	cfg, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "messaging.debounce")
	assert.Equal(t, Default().Messaging.Debounce, cfg.Messaging.Debounce)
	assert.Equal(t, 3*time.Second, cfg.Registry.CacheTTL)
}

func TestLoadNonPositiveValuesDegrade(t *testing.T) {
	path := writeConfig(t, `
feed:
  retention: 0
activity:
  window: -10s
`)

	cfg, err := Load(path)
	require.Error(t, err)
	assert.Equal(t, Default().Feed.Retention, cfg.Feed.Retention)
	assert.Equal(t, Default().Activity.Window, cfg.Activity.Window)
}

func TestLoadUnparseableFileYieldsDefaults(t *testing.T) {
	path := writeConfig(t, "{not yaml\n")

	cfg, err := Load(path)
	require.Error(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadIgnoresUnknownKeys(t *testing.T) {
	path := writeConfig(t, `
future_section:
  something: true
feed:
  retention: 7
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Feed.Retention)
}
