package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadBundledFile(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8082, cfg.Running.Port)
	assert.Equal(t, "calc", cfg.Cache.Namespace)
	assert.Equal(t, 100*time.Millisecond, cfg.Collab.DebounceDelay)
	assert.Equal(t, 30*time.Minute, cfg.Cache.TTLFor("estimate"))
	assert.Equal(t, 30*time.Minute, cfg.Cache.TTLFor("Estimate"))
	assert.Equal(t, 10*time.Minute, cfg.Cache.TTLFor("invoice"))
	// 文件里没有的键取默认值
	assert.Equal(t, 0.1, cfg.Cache.TTLJitter)
	assert.Equal(t, time.Minute, cfg.Cache.PurgeInterval)
	assert.Equal(t, 24*time.Hour, cfg.Collab.VersionTTL)
	assert.Equal(t, uint(3), cfg.Retry.MaxTries)
	assert.Equal(t, 100, cfg.RateLimit.InboundBurst)
}

func TestLoadOverrides(t *testing.T) {
	dir := t.TempDir()
	yaml := []byte(`
running:
  port: 9000
redis:
  addrs: ["10.0.0.1:6379", "10.0.0.2:6379"]
collab:
  roomIdleTimeout: 2m
rateLimit:
  limit: 5
  window: 1m
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "calcConfig.yaml"), yaml, 0o644))
	t.Setenv("CALC_COLLAB_DEBOUNCEDELAY", "250ms")
	t.Setenv("CALC_AUTH_DISABLED", "true")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Running.Port)
	assert.Equal(t, []string{"10.0.0.1:6379", "10.0.0.2:6379"}, cfg.Redis.Addrs)
	assert.Equal(t, 2*time.Minute, cfg.Collab.RoomIdleTimeout)
	assert.Equal(t, 5, cfg.RateLimit.Limit)
	assert.Equal(t, time.Minute, cfg.RateLimit.Window)
	assert.Equal(t, 250*time.Millisecond, cfg.Collab.DebounceDelay)
	assert.True(t, cfg.Auth.Disabled)
	assert.Equal(t, 30*time.Second, cfg.Collab.SweepInterval)
}

func TestLoadRejectsBrokenFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "calcConfig.yaml"), []byte("running: [\n"), 0o644))
	_, err := Load(dir)
	assert.Error(t, err)
}
