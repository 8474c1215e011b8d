package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/tOgg1/chatsync/internal/config"
	"github.com/tOgg1/chatsync/internal/logging"
	"github.com/tOgg1/chatsync/internal/models"
	"github.com/tOgg1/chatsync/internal/prefs"
	"github.com/tOgg1/chatsync/internal/presence"
	"github.com/tOgg1/chatsync/internal/session"
	"github.com/tOgg1/chatsync/internal/transport"
	"github.com/tOgg1/chatsync/internal/transport/memory"
	"github.com/tOgg1/chatsync/internal/transport/sqlite"
)

type runMode int

const (
	// modeOneShot logs warnings to stderr and prints results to stdout.
	modeOneShot runMode = iota
	// modeInteractive logs to a file so the alternate screen stays clean.
	modeInteractive
	// modeLocal needs config and prefs but no backend.
	modeLocal
)

// runtime is the wiring shared by every command.
type runtime struct {
	cfg      *config.Config
	loader   *config.Loader
	contexts *config.ContextStore
	prefs    *prefs.File
	backend  transport.Backend
	logger   zerolog.Logger
	logFile  io.Closer
}

func openRuntime(cmd *cobra.Command, mode runMode) (*runtime, error) {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, loader, err := loadConfig(configFile)
	if err != nil {
		return nil, Exitf(ExitCodeFailure, "load config: %v", err)
	}
	if dbPath, _ := cmd.Flags().GetString("db"); strings.TrimSpace(dbPath) != "" {
		cfg.Backend.Path = strings.TrimSpace(dbPath)
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Logging.Level = level
	} else if mode != modeInteractive {
		cfg.Logging.Level = "warn"
	}
	if format, _ := cmd.Flags().GetString("log-format"); format != "" {
		cfg.Logging.Format = format
	}

	logCfg := logging.Config{
		Level:        cfg.Logging.Level,
		Format:       cfg.Logging.Format,
		File:         cfg.Logging.File,
		Output:       cmd.ErrOrStderr(),
		EnableCaller: cfg.Logging.EnableCaller,
	}
	if mode == modeInteractive && logCfg.File == "" {
		logCfg.File = filepath.Join(cfg.Global.DataDir, "chatsync.log")
	}
	logFile, err := logging.Init(logCfg)
	if err != nil {
		return nil, Exitf(ExitCodeFailure, "init logging: %v", err)
	}

	rt := &runtime{
		cfg:      cfg,
		loader:   loader,
		contexts: config.NewContextStore(cfg.ContextPath()),
		logger:   logging.Component("cli"),
		logFile:  logFile,
	}
	if err := cfg.EnsureDirectories(); err != nil {
		rt.logger.Warn().Err(err).Msg("failed to create directories")
	}
	if used := loader.ConfigFileUsed(); used != "" {
		rt.logger.Debug().Str("config_file", used).Msg("loaded config file")
	}

	rt.prefs, err = prefs.Open(cfg.PrefsPath(), prefs.WithDebounce(cfg.Client.PrefsDebounce))
	if err != nil {
		rt.Close()
		return nil, Exitf(ExitCodeFailure, "open preferences: %v", err)
	}
	if mode == modeLocal {
		return rt, nil
	}

	rt.backend, err = openBackend(cmd.Context(), cfg)
	if err != nil {
		rt.Close()
		return nil, Exitf(ExitCodeFailure, "open backend: %v", err)
	}
	return rt, nil
}

func loadConfig(path string) (*config.Config, *config.Loader, error) {
	loader := config.NewLoader()
	if path != "" {
		loader.SetConfigFile(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, err
	}
	return cfg, loader, nil
}

func openBackend(ctx context.Context, cfg *config.Config) (transport.Backend, error) {
	switch cfg.Backend.Driver {
	case "memory":
		return memory.New(), nil
	case "sqlite", "":
		backend, err := sqlite.Open(ctx, sqlite.Config{
			Path:           cfg.DatabasePath(),
			MaxConnections: cfg.Backend.MaxConnections,
			BusyTimeoutMs:  cfg.Backend.BusyTimeoutMs,
			PollInterval:   cfg.Backend.PollInterval,
			PollMax:        cfg.Backend.PollMax,
		})
		if err != nil {
			return nil, err
		}
		return backend, nil
	}
	return nil, fmt.Errorf("unknown backend driver %q", cfg.Backend.Driver)
}

// Close releases the backend, flushes preferences and closes the log file.
func (rt *runtime) Close() {
	if rt.backend != nil {
		if err := rt.backend.Close(); err != nil {
			rt.logger.Warn().Err(err).Msg("failed to close backend")
		}
	}
	if rt.prefs != nil {
		if err := rt.prefs.Close(); err != nil {
			rt.logger.Warn().Err(err).Msg("failed to save preferences")
		}
	}
	if rt.logFile != nil {
		_ = rt.logFile.Close()
	}
}

func (rt *runtime) authorizer() (transport.Authorizer, error) {
	auth, ok := rt.backend.(transport.Authorizer)
	if !ok {
		return nil, fmt.Errorf("backend %q does not support protected rooms", rt.cfg.Backend.Driver)
	}
	return auth, nil
}

// role is the cached login role, falling back to client.role.
func (rt *runtime) role() models.Role {
	if cached, ok := rt.prefs.Get(prefs.KeyRole); ok {
		if role := models.ParseRole(cached); role.Valid() {
			return role
		}
	}
	if role := models.ParseRole(rt.cfg.Client.Role); role.Valid() {
		return role
	}
	return models.RoleGuest
}

// resolveRoom picks the room for a command. The saved context was verified
// when it was stored; a --room other than that one is verified now.
func (rt *runtime) resolveRoom(cmd *cobra.Command) (models.RoomKey, error) {
	current, err := rt.contexts.Load()
	if err != nil {
		return "", Exitf(ExitCodeFailure, "load context: %v", err)
	}
	flag, _ := cmd.Flags().GetString("room")
	if strings.TrimSpace(flag) == "" {
		return current.RoomKey(), nil
	}

	room := models.NormalizeRoom(flag)
	if room.IsDefault() || room == current.RoomKey() {
		return room, nil
	}
	if err := rt.verifyRoom(cmd, room); err != nil {
		return "", err
	}
	return room, nil
}

func (rt *runtime) verifyRoom(cmd *cobra.Command, room models.RoomKey) error {
	if err := transport.ValidateRoomID(room); err != nil {
		return Exitf(ExitCodeUsage, "invalid room id: %v", err)
	}
	auth, err := rt.authorizer()
	if err != nil {
		return Exitf(ExitCodeFailure, "%v", err)
	}
	password, err := readPassword(cmd, fmt.Sprintf("Password for room %s: ", room))
	if err != nil {
		return Exitf(ExitCodeFailure, "read password: %v", err)
	}
	if err := auth.VerifyRoom(cmd.Context(), room, password); err != nil {
		switch {
		case errors.Is(err, transport.ErrBadPassword):
			return Exitf(ExitCodeFailure, "wrong password for room %s", room)
		case errors.Is(err, transport.ErrRoomNotFound):
			return Exitf(ExitCodeFailure, "room %s does not exist", room)
		}
		return Exitf(ExitCodeFailure, "verify room: %v", err)
	}
	return nil
}

func (rt *runtime) sessionConfig(room models.RoomKey, withPresence bool) session.Config {
	c := rt.cfg
	return session.Config{
		Role:              rt.role(),
		Room:              room,
		PageSize:          c.Sync.PageSize,
		ClaimWindow:       c.Sync.ClaimWindow,
		ResyncOnReconnect: c.Sync.ResyncOnReconnect,
		ResubscribeMin:    c.Sync.ResubscribeMin,
		ResubscribeMax:    c.Sync.ResubscribeMax,
		Presence: presence.Config{
			HeartbeatInterval: c.Presence.HeartbeatInterval,
			RefreshInterval:   c.Presence.RefreshInterval,
			StaleAfter:        c.Presence.StaleAfter,
		},
		DisablePresence: !withPresence,
	}
}

// startSession joins the room picked by resolveRoom. The caller stops it.
func (rt *runtime) startSession(ctx context.Context, cmd *cobra.Command, withPresence bool) (*session.Session, error) {
	room, err := rt.resolveRoom(cmd)
	if err != nil {
		return nil, err
	}
	sess := session.New(rt.sessionConfig(room, withPresence), rt.backend, rt.prefs)
	startCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := sess.Start(startCtx); err != nil {
		return nil, Exitf(ExitCodeFailure, "join room %s: %v", room, err)
	}
	rt.logger = logging.WithRoom(rt.logger, room.String())
	return sess, nil
}

func hasTTY() bool {
	return isTerminal(os.Stdin) && isTerminal(os.Stdout)
}
