package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
backend:
  driver: memory
  poll_interval: 100ms
  poll_max: 1s
sync:
  page_size: 30
  claim_window: 2s
presence:
  heartbeat_interval: 10s
  refresh_interval: 5s
  stale_after: 30s
logging:
  file: ~/chatsync.log
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	require.Equal(t, "memory", cfg.Backend.Driver)
	require.Equal(t, 100*time.Millisecond, cfg.Backend.PollInterval)
	require.Equal(t, 30, cfg.Sync.PageSize)
	require.Equal(t, 2*time.Second, cfg.Sync.ClaimWindow)
	require.True(t, cfg.Sync.ResyncOnReconnect)
	require.Equal(t, 10*time.Second, cfg.Presence.HeartbeatInterval)

	home, _ := os.UserHomeDir()
	require.Equal(t, filepath.Join(home, "chatsync.log"), cfg.Logging.File)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "sync:\n  page_size: 30\nlogging:\n  level: debug\n")
	t.Setenv("CHATSYNC_SYNC_PAGE_SIZE", "20")
	t.Setenv("CHATSYNC_LOGGING_LEVEL", "warn")
	t.Setenv("CHATSYNC_BACKEND_DRIVER", "memory")

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	require.Equal(t, 20, cfg.Sync.PageSize)
	require.Equal(t, "warn", cfg.Logging.Level)
	require.Equal(t, "memory", cfg.Backend.Driver)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "failed to load config file")
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := writeConfig(t, "backend:\n  driver: postgres\nsync:\n  page_size: 0\n")

	_, err := LoadFromFile(path)
	require.ErrorContains(t, err, "backend.driver")
	require.ErrorContains(t, err, "sync.page_size")
}

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	require.Equal(t, 50, cfg.Sync.PageSize)
	require.Equal(t, 60*time.Second, cfg.Presence.HeartbeatInterval)
	require.Equal(t, 30*time.Second, cfg.Presence.RefreshInterval)
	require.Equal(t, filepath.Join(cfg.Global.DataDir, "chatsync.db"), cfg.DatabasePath())
	require.Equal(t, filepath.Join(cfg.Global.DataDir, "prefs.json"), cfg.PrefsPath())
}

func TestValidateRole(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Client.Role = "admin"
	require.ErrorContains(t, cfg.Validate(), "client.role")
}
