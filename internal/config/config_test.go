package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "redis://localhost:6379", cfg.RedisURL)
	require.Equal(t, "finflow", cfg.QueueNamespace)
	require.Equal(t, 5, cfg.DefaultConcurrency)
	require.Equal(t, 30*time.Second, cfg.DrainTimeout)
}

func TestEnvModes(t *testing.T) {
	require.True(t, Config{AppEnv: "dev"}.IsDev())
	require.True(t, Config{AppEnv: "PROD"}.IsProd())
	require.True(t, Config{AppEnv: "test"}.IsTest())
	require.False(t, Config{AppEnv: "dev"}.IsTest())
}

func TestQueueConcurrency_EnvOverride(t *testing.T) {
	t.Setenv("QUEUE_SYNC_TRANSACTIONS_CONCURRENCY", "12")
	cfg := Config{DefaultConcurrency: 5}

	require.Equal(t, 12, cfg.QueueConcurrency("sync-transactions"))
	require.Equal(t, 5, cfg.QueueConcurrency("email-notifications"))
}

func TestQueueConcurrency_InvalidValueFallsBack(t *testing.T) {
	t.Setenv("QUEUE_ESG_UPDATES_CONCURRENCY", "zero")
	cfg := Config{DefaultConcurrency: 5}
	require.Equal(t, 5, cfg.QueueConcurrency("esg-updates"))

	t.Setenv("QUEUE_ESG_UPDATES_CONCURRENCY", "0")
	require.Equal(t, 5, cfg.QueueConcurrency("esg-updates"))
}

func TestLoadPolicyOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policies.yaml")
	data := []byte(`
sync-transactions:
  max_attempts: 7
  base_backoff: 20s
esg-updates:
  concurrency: 2
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	cfg := Config{PolicyFile: path}
	out, err := cfg.LoadPolicyOverrides()
	require.NoError(t, err)
	require.Equal(t, 7, out["sync-transactions"].MaxAttempts)
	require.Equal(t, 20*time.Second, out["sync-transactions"].BaseBackoff.Std())
	require.Equal(t, 2, out["esg-updates"].Concurrency)
}

func TestLoadPolicyOverrides_Unset(t *testing.T) {
	out, err := Config{}.LoadPolicyOverrides()
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestLoadPolicyOverrides_MissingFile(t *testing.T) {
	_, err := Config{PolicyFile: "/nonexistent/policies.yaml"}.LoadPolicyOverrides()
	require.Error(t, err)
}
