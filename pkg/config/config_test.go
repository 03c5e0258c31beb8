package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	require.Equal(t, "etcd", cfg.Store.Backend)
	require.Equal(t, ":8080", cfg.Coordinator.ListenAddr)
	require.Equal(t, 30*time.Second, cfg.Coordinator.RunnerTimeout())
	require.Equal(t, 10*time.Second, cfg.Coordinator.HeartbeatInterval())
	require.Equal(t, time.Second, cfg.Coordinator.PollTimeout())
	require.Equal(t, 500*time.Millisecond, cfg.Coordinator.DispatchBackoff())
	require.Equal(t, 4, cfg.Runner.Capacity)
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "forgeq.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store:
  backend: memory
coordinator:
  listen_addr: ":9090"
  runner_timeout_seconds: 60
runner:
  capacity: 8
  capabilities: [basic, gpu]
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "memory", cfg.Store.Backend)
	require.Equal(t, ":9090", cfg.Coordinator.ListenAddr)
	require.Equal(t, 60*time.Second, cfg.Coordinator.RunnerTimeout())
	// Untouched fields keep their defaults.
	require.Equal(t, 10*time.Second, cfg.Coordinator.HeartbeatInterval())
	require.Equal(t, 8, cfg.Runner.Capacity)
	require.Equal(t, []string{"basic", "gpu"}, cfg.Runner.Capabilities)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/forgeq.yaml")
	require.Error(t, err)
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store: [not a map"), 0o600))
	_, err := Load(path)
	require.Error(t, err)
}
