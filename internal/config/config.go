// Package config handles chatsync configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tOgg1/chatsync/internal/models"
)

// Config is the root configuration structure for chatsync.
type Config struct {
	// Global settings
	Global GlobalConfig `yaml:"global" mapstructure:"global"`

	// Client identity and local cache
	Client ClientConfig `yaml:"client" mapstructure:"client"`

	// Backend selects and tunes the storage/change-feed adapter
	Backend BackendConfig `yaml:"backend" mapstructure:"backend"`

	// Sync tunes the reconciliation engine
	Sync SyncConfig `yaml:"sync" mapstructure:"sync"`

	// Presence tunes the liveness heartbeat
	Presence PresenceConfig `yaml:"presence" mapstructure:"presence"`

	// Logging settings
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`

	// TUI settings
	TUI TUIConfig `yaml:"tui" mapstructure:"tui"`

	// Owner holds the owner login check
	Owner OwnerConfig `yaml:"owner" mapstructure:"owner"`
}

// GlobalConfig contains global settings.
type GlobalConfig struct {
	// DataDir is where chatsync stores its data (default: ~/.local/share/chatsync).
	DataDir string `yaml:"data_dir" mapstructure:"data_dir"`

	// ConfigDir is where config files are stored (default: ~/.config/chatsync).
	ConfigDir string `yaml:"config_dir" mapstructure:"config_dir"`
}

// ClientConfig describes the local participant.
type ClientConfig struct {
	// Role is the role used when no cached role exists (owner, guest).
	Role string `yaml:"role" mapstructure:"role"`

	// PrefsFile stores the session token, role, theme and last room.
	PrefsFile string `yaml:"prefs_file" mapstructure:"prefs_file"`

	// PrefsDebounce delays preference writes to coalesce bursts.
	PrefsDebounce time.Duration `yaml:"prefs_debounce" mapstructure:"prefs_debounce"`
}

// BackendConfig selects the backend adapter.
type BackendConfig struct {
	// Driver is sqlite or memory.
	Driver string `yaml:"driver" mapstructure:"driver"`

	// Path is the SQLite database file path.
	Path string `yaml:"path" mapstructure:"path"`

	// MaxConnections is the maximum number of database connections.
	MaxConnections int `yaml:"max_connections" mapstructure:"max_connections"`

	// BusyTimeoutMs is how long to wait for a locked database.
	BusyTimeoutMs int `yaml:"busy_timeout_ms" mapstructure:"busy_timeout_ms"`

	// PollInterval is the fastest change-feed poll.
	PollInterval time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`

	// PollMax caps the idle backoff of the change-feed poll.
	PollMax time.Duration `yaml:"poll_max" mapstructure:"poll_max"`
}

// SyncConfig tunes the reconciliation engine.
type SyncConfig struct {
	// PageSize is the number of messages per history fetch.
	PageSize int `yaml:"page_size" mapstructure:"page_size"`

	// ClaimWindow is how long an unmatched own confirmation may be claimed
	// by a later local send.
	ClaimWindow time.Duration `yaml:"claim_window" mapstructure:"claim_window"`

	// ResyncOnReconnect fetches the newest page after a resubscribe.
	ResyncOnReconnect bool `yaml:"resync_on_reconnect" mapstructure:"resync_on_reconnect"`

	// ResubscribeMin is the first backoff after a dropped subscription.
	ResubscribeMin time.Duration `yaml:"resubscribe_min" mapstructure:"resubscribe_min"`

	// ResubscribeMax caps the resubscribe backoff.
	ResubscribeMax time.Duration `yaml:"resubscribe_max" mapstructure:"resubscribe_max"`
}

// PresenceConfig tunes liveness reporting.
type PresenceConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" mapstructure:"heartbeat_interval"`
	RefreshInterval   time.Duration `yaml:"refresh_interval" mapstructure:"refresh_interval"`
	StaleAfter        time.Duration `yaml:"stale_after" mapstructure:"stale_after"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string `yaml:"level" mapstructure:"level"`

	// Format is the output format (json, console).
	Format string `yaml:"format" mapstructure:"format"`

	// File is an optional log file path. The TUI logs here.
	File string `yaml:"file" mapstructure:"file"`

	// EnableCaller adds caller information to logs.
	EnableCaller bool `yaml:"enable_caller" mapstructure:"enable_caller"`
}

// TUIConfig contains TUI settings.
type TUIConfig struct {
	// ShowTimestamps shows message times in the timeline.
	ShowTimestamps bool `yaml:"show_timestamps" mapstructure:"show_timestamps"`

	// CompactMode drops the blank line between authors.
	CompactMode bool `yaml:"compact_mode" mapstructure:"compact_mode"`
}

// OwnerConfig guards the owner role.
type OwnerConfig struct {
	// PasswordDigest is a bcrypt digest checked by `login owner`. Empty
	// means the owner role needs no password.
	PasswordDigest string `yaml:"password_digest" mapstructure:"password_digest"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".local", "share", "chatsync")

	return &Config{
		Global: GlobalConfig{
			DataDir:   dataDir,
			ConfigDir: filepath.Join(homeDir, ".config", "chatsync"),
		},
		Client: ClientConfig{
			Role:          string(models.RoleGuest),
			PrefsDebounce: 250 * time.Millisecond,
		},
		Backend: BackendConfig{
			Driver:         "sqlite",
			MaxConnections: 4,
			BusyTimeoutMs:  5000,
			PollInterval:   250 * time.Millisecond,
			PollMax:        2 * time.Second,
		},
		Sync: SyncConfig{
			PageSize:          50,
			ClaimWindow:       5 * time.Second,
			ResyncOnReconnect: true,
			ResubscribeMin:    500 * time.Millisecond,
			ResubscribeMax:    30 * time.Second,
		},
		Presence: PresenceConfig{
			HeartbeatInterval: 60 * time.Second,
			RefreshInterval:   30 * time.Second,
			StaleAfter:        2 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		TUI: TUIConfig{
			ShowTimestamps: true,
		},
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	var errs []error

	switch c.Backend.Driver {
	case "sqlite", "memory":
	default:
		errs = append(errs, fmt.Errorf("backend.driver must be sqlite or memory, got %q", c.Backend.Driver))
	}
	if c.Backend.MaxConnections < 1 {
		errs = append(errs, errors.New("backend.max_connections must be at least 1"))
	}
	if c.Backend.PollInterval < 10*time.Millisecond {
		errs = append(errs, errors.New("backend.poll_interval must be at least 10ms"))
	}
	if c.Backend.PollMax < c.Backend.PollInterval {
		errs = append(errs, errors.New("backend.poll_max must not be below backend.poll_interval"))
	}
	if c.Sync.PageSize < 1 || c.Sync.PageSize > 500 {
		errs = append(errs, errors.New("sync.page_size must be between 1 and 500"))
	}
	if c.Sync.ClaimWindow < 0 {
		errs = append(errs, errors.New("sync.claim_window must not be negative"))
	}
	if c.Sync.ResubscribeMin <= 0 || c.Sync.ResubscribeMax < c.Sync.ResubscribeMin {
		errs = append(errs, errors.New("sync.resubscribe_min must be positive and not above sync.resubscribe_max"))
	}
	if c.Presence.HeartbeatInterval < time.Second {
		errs = append(errs, errors.New("presence.heartbeat_interval must be at least 1s"))
	}
	if c.Presence.RefreshInterval < time.Second {
		errs = append(errs, errors.New("presence.refresh_interval must be at least 1s"))
	}
	if c.Presence.StaleAfter < c.Presence.HeartbeatInterval {
		errs = append(errs, errors.New("presence.stale_after must be at least presence.heartbeat_interval"))
	}
	if role := strings.ToLower(strings.TrimSpace(c.Client.Role)); role != "" && !models.Role(role).Valid() {
		errs = append(errs, fmt.Errorf("client.role must be owner or guest, got %q", c.Client.Role))
	}

	return errors.Join(errs...)
}

// EnsureDirectories creates required directories.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Global.DataDir, c.Global.ConfigDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// DatabasePath returns the full database path.
func (c *Config) DatabasePath() string {
	if c.Backend.Path != "" {
		return c.Backend.Path
	}
	return filepath.Join(c.Global.DataDir, "chatsync.db")
}

// PrefsPath returns the preference cache file path.
func (c *Config) PrefsPath() string {
	if c.Client.PrefsFile != "" {
		return c.Client.PrefsFile
	}
	return filepath.Join(c.Global.DataDir, "prefs.json")
}

// ContextPath returns the room context file path.
func (c *Config) ContextPath() string {
	return filepath.Join(c.Global.ConfigDir, "context.yaml")
}
