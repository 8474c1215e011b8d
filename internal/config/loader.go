package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override (CHATSYNC_SYNC_PAGE_SIZE).
const EnvPrefix = "CHATSYNC"

// Loader handles configuration loading with Viper.
type Loader struct {
	v          *viper.Viper
	configFile string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{v: viper.New()}
}

// SetConfigFile sets an explicit config file path.
func (l *Loader) SetConfigFile(path string) {
	l.configFile = path
}

// Load loads configuration with precedence
// defaults < config file < env vars < values set through Set.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()
	l.setupViper(cfg)

	if err := l.loadConfigFile(); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Unmarshal drops env values for nested keys when a file is present.
	l.applyEnvOverrides(cfg)
	expandPaths(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func expandTilde(path string) string {
	if path == "" {
		return path
	}
	if path == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

func expandPaths(cfg *Config) {
	cfg.Global.DataDir = expandTilde(cfg.Global.DataDir)
	cfg.Global.ConfigDir = expandTilde(cfg.Global.ConfigDir)
	cfg.Backend.Path = expandTilde(cfg.Backend.Path)
	cfg.Client.PrefsFile = expandTilde(cfg.Client.PrefsFile)
	cfg.Logging.File = expandTilde(cfg.Logging.File)
}

func (l *Loader) setupViper(cfg *Config) {
	v := l.v
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		v.AddConfigPath(filepath.Join(xdgConfig, "chatsync"))
	}
	if homeDir, _ := os.UserHomeDir(); homeDir != "" {
		v.AddConfigPath(filepath.Join(homeDir, ".config", "chatsync"))
	}
	v.AddConfigPath(".")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	l.setDefaults(cfg)
	bindEnvVars(v)
	v.AutomaticEnv()
}

func (l *Loader) setDefaults(cfg *Config) {
	v := l.v

	v.SetDefault("global.data_dir", cfg.Global.DataDir)
	v.SetDefault("global.config_dir", cfg.Global.ConfigDir)

	v.SetDefault("client.role", cfg.Client.Role)
	v.SetDefault("client.prefs_file", cfg.Client.PrefsFile)
	v.SetDefault("client.prefs_debounce", cfg.Client.PrefsDebounce)

	v.SetDefault("backend.driver", cfg.Backend.Driver)
	v.SetDefault("backend.path", cfg.Backend.Path)
	v.SetDefault("backend.max_connections", cfg.Backend.MaxConnections)
	v.SetDefault("backend.busy_timeout_ms", cfg.Backend.BusyTimeoutMs)
	v.SetDefault("backend.poll_interval", cfg.Backend.PollInterval)
	v.SetDefault("backend.poll_max", cfg.Backend.PollMax)

	v.SetDefault("sync.page_size", cfg.Sync.PageSize)
	v.SetDefault("sync.claim_window", cfg.Sync.ClaimWindow)
	v.SetDefault("sync.resync_on_reconnect", cfg.Sync.ResyncOnReconnect)
	v.SetDefault("sync.resubscribe_min", cfg.Sync.ResubscribeMin)
	v.SetDefault("sync.resubscribe_max", cfg.Sync.ResubscribeMax)

	v.SetDefault("presence.heartbeat_interval", cfg.Presence.HeartbeatInterval)
	v.SetDefault("presence.refresh_interval", cfg.Presence.RefreshInterval)
	v.SetDefault("presence.stale_after", cfg.Presence.StaleAfter)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.enable_caller", cfg.Logging.EnableCaller)

	v.SetDefault("tui.show_timestamps", cfg.TUI.ShowTimestamps)
	v.SetDefault("tui.compact_mode", cfg.TUI.CompactMode)

	v.SetDefault("owner.password_digest", cfg.Owner.PasswordDigest)
}

// loadConfigFile reads the config file. A missing file is only an error
// when it was named explicitly.
func (l *Loader) loadConfigFile() error {
	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	}
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) && l.configFile == "" {
			return nil
		}
		return err
	}
	return nil
}

// ConfigFileUsed returns the config file that was loaded.
func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

// Set overrides a key. CLI flags land here.
func (l *Loader) Set(key string, value any) {
	l.v.Set(key, value)
}

// Viper returns the underlying Viper instance for flag binding.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// LoadFromFile loads configuration from a specific file.
func LoadFromFile(path string) (*Config, error) {
	loader := NewLoader()
	loader.SetConfigFile(path)
	return loader.Load()
}

// LoadDefault loads configuration with default search paths.
func LoadDefault() (*Config, error) {
	return NewLoader().Load()
}

var envKeys = []string{
	"global.data_dir",
	"global.config_dir",
	"client.role",
	"client.prefs_file",
	"client.prefs_debounce",
	"backend.driver",
	"backend.path",
	"backend.max_connections",
	"backend.busy_timeout_ms",
	"backend.poll_interval",
	"backend.poll_max",
	"sync.page_size",
	"sync.claim_window",
	"sync.resync_on_reconnect",
	"sync.resubscribe_min",
	"sync.resubscribe_max",
	"presence.heartbeat_interval",
	"presence.refresh_interval",
	"presence.stale_after",
	"logging.level",
	"logging.format",
	"logging.file",
	"logging.enable_caller",
	"tui.show_timestamps",
	"tui.compact_mode",
	"owner.password_digest",
}

// bindEnvVars binds CHATSYNC_* variables explicitly; Unmarshal ignores
// AutomaticEnv for nested keys otherwise.
func bindEnvVars(v *viper.Viper) {
	for _, key := range envKeys {
		_ = v.BindEnv(key, envName(key))
	}
}

func envName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// applyEnvOverrides copies values that are set in the environment over the
// unmarshalled struct.
func (l *Loader) applyEnvOverrides(cfg *Config) {
	v := l.v
	has := func(key string) bool {
		_, ok := os.LookupEnv(envName(key))
		return ok
	}

	if has("backend.driver") {
		cfg.Backend.Driver = v.GetString("backend.driver")
	}
	if has("backend.path") {
		cfg.Backend.Path = v.GetString("backend.path")
	}
	if has("global.data_dir") {
		cfg.Global.DataDir = v.GetString("global.data_dir")
	}
	if has("global.config_dir") {
		cfg.Global.ConfigDir = v.GetString("global.config_dir")
	}
	if has("client.role") {
		cfg.Client.Role = v.GetString("client.role")
	}
	if has("sync.page_size") {
		cfg.Sync.PageSize = v.GetInt("sync.page_size")
	}
	if has("sync.resync_on_reconnect") {
		cfg.Sync.ResyncOnReconnect = v.GetBool("sync.resync_on_reconnect")
	}
	if has("logging.level") {
		cfg.Logging.Level = v.GetString("logging.level")
	}
	if has("logging.format") {
		cfg.Logging.Format = v.GetString("logging.format")
	}
	if has("logging.file") {
		cfg.Logging.File = v.GetString("logging.file")
	}
}
