package core

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "local", cfg.Runtime.Backend)
	assert.Equal(t, EnforceHard, cfg.Resource.Enforcement["tokens"])
	assert.True(t, cfg.Workflow.CycleDetection)
}

func TestLoadConfigFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
service_name: mesh-test
runtime:
  backend: local
  spawn_timeout_seconds: 12
  max_restart_count: 5
  enable_suspend: true
workflow:
  max_graph_depth: 20
  cycle_detection: false
circuit_breaker:
  failure_threshold: 7
integration:
  redis_url: redis://cache:6379
  mcp_error_mode: fail_fast
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "mesh-test", cfg.ServiceName)
	assert.Equal(t, 12, cfg.Runtime.SpawnTimeoutSeconds)
	assert.Equal(t, 5, cfg.Runtime.MaxRestartCount)
	assert.Equal(t, 20, cfg.Workflow.MaxGraphDepth)
	assert.False(t, cfg.Workflow.CycleDetection)
	assert.Equal(t, 7, cfg.CircuitBreaker.FailureThreshold)
	assert.Equal(t, "redis://cache:6379", cfg.Integration.RedisURL)
	assert.Equal(t, "fail_fast", cfg.Integration.MCPErrorMode)

	// Untouched sections keep their defaults.
	assert.Equal(t, 3, cfg.Health.LivenessProbe.FailureThreshold)
}

func TestLoadConfigRejectsBadBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("runtime:\n  backend: mesos\n"), 0o644))

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend")
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://env-wins:6379")
	t.Setenv("HTTP_ADDR", ":9999")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "redis://env-wins:6379", cfg.Integration.RedisURL)
	assert.Equal(t, ":9999", cfg.HTTPAddr)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig("/nonexistent/config.yaml")
	assert.Error(t, err)
}
