package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, ":8090", cfg.HTTP.Addr)
	assert.False(t, cfg.AMQP.Enabled)

	assert.Equal(t, 1024, cfg.Hub.MailboxSize)
	assert.Equal(t, time.Minute, cfg.Hub.SweepInterval)
	assert.Contains(t, cfg.Hub.TransientPrefixes, "anonymous_")

	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Retry.Backoff)
	assert.Equal(t, 256, cfg.Recovery.Capacity)
	assert.Equal(t, 5, cfg.Recovery.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Transport.WriteTimeout)
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log:
  level: debug
http:
  addr: ":9999"
retry:
  max_attempts: 7
  backoff: 250ms
recovery:
  capacity: 32
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, ":9999", cfg.HTTP.Addr)
	assert.Equal(t, 7, cfg.Retry.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Retry.Backoff)
	assert.Equal(t, 32, cfg.Recovery.Capacity)
	// Untouched sections keep their defaults.
	assert.Equal(t, 5, cfg.Recovery.MaxAttempts)
}

func TestLoadConfigMissingFileFails(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestApplySwapsTunablesAndNotifies(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	var notified bool
	cfg.OnReload(func(*Config) { notified = true })

	next := &Config{
		HTTP:  HTTPConfig{Addr: ":1"},
		Retry: RetryConfig{MaxAttempts: 9, Backoff: time.Millisecond},
	}
	cfg.apply(next)

	assert.True(t, notified)
	assert.Equal(t, 9, cfg.RetrySnapshot().MaxAttempts)
	// Structural settings do not hot-swap.
	assert.Equal(t, ":8090", cfg.HTTP.Addr)
}
