// Package presence reports local liveness and tracks who else is online.
package presence

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tOgg1/chatsync/internal/logging"
	"github.com/tOgg1/chatsync/internal/models"
)

// Heartbeat errors.
var (
	ErrAlreadyRunning = errors.New("heartbeat already running")
	ErrNotRunning     = errors.New("heartbeat not running")
)

// Backend is the subset of the transport the heartbeat uses.
type Backend interface {
	ReportPresence(ctx context.Context, participantID string, room models.RoomKey) error
	FetchOnlineParticipants(ctx context.Context, room models.RoomKey, since time.Time) ([]models.Participant, error)
}

// Config contains heartbeat intervals.
type Config struct {
	// HeartbeatInterval is how often the local participant reports in.
	// Default: 60s
	HeartbeatInterval time.Duration

	// RefreshInterval is how often the online roster is re-read.
	// Default: 30s
	RefreshInterval time.Duration

	// StaleAfter excludes participants not seen for this long.
	// Default: 2m
	StaleAfter time.Duration
}

// DefaultConfig returns the web client's intervals.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 60 * time.Second,
		RefreshInterval:   30 * time.Second,
		StaleAfter:        2 * time.Minute,
	}
}

// Heartbeat runs the report and refresh tickers for one participant.
type Heartbeat struct {
	config        Config
	backend       Backend
	participantID string
	onRoster      func([]models.Participant)
	now           func() time.Time
	logger        zerolog.Logger

	mu      sync.RWMutex
	room    models.RoomKey
	online  []models.Participant
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures a Heartbeat.
type Option func(*Heartbeat)

// WithRosterCallback receives every refreshed roster.
func WithRosterCallback(fn func([]models.Participant)) Option {
	return func(h *Heartbeat) { h.onRoster = fn }
}

// WithClock sets the time source used for staleness.
func WithClock(now func() time.Time) Option {
	return func(h *Heartbeat) { h.now = now }
}

// New creates a heartbeat for participantID in room.
func New(config Config, backend Backend, participantID string, room models.RoomKey, opts ...Option) *Heartbeat {
	defaults := DefaultConfig()
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if config.RefreshInterval <= 0 {
		config.RefreshInterval = defaults.RefreshInterval
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = defaults.StaleAfter
	}
	h := &Heartbeat{
		config:        config,
		backend:       backend,
		participantID: participantID,
		room:          room,
		now:           time.Now,
		logger:        logging.Component("presence"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Start reports immediately, refreshes the roster, then keeps both on
// their intervals until ctx ends or Stop is called.
func (h *Heartbeat) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.running = true

	h.logger.Info().
		Dur("heartbeat_interval", h.config.HeartbeatInterval).
		Dur("refresh_interval", h.config.RefreshInterval).
		Dur("stale_after", h.config.StaleAfter).
		Msg("presence starting")

	h.wg.Add(1)
	go h.runLoop(runCtx)
	return nil
}

// Stop halts the tickers and waits for the loop to exit.
func (h *Heartbeat) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrNotRunning
	}
	h.cancel()
	h.running = false
	h.mu.Unlock()

	h.wg.Wait()
	h.logger.Info().Msg("presence stopped")
	return nil
}

// IsRunning returns true while the loop is active.
func (h *Heartbeat) IsRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// SetRoom moves reporting to room. The next tick uses it.
func (h *Heartbeat) SetRoom(room models.RoomKey) {
	h.mu.Lock()
	h.room = room
	h.online = nil
	h.mu.Unlock()
}

func (h *Heartbeat) runLoop(ctx context.Context) {
	defer h.wg.Done()

	h.report(ctx)
	h.refresh(ctx)

	beat := time.NewTicker(h.config.HeartbeatInterval)
	defer beat.Stop()
	refresh := time.NewTicker(h.config.RefreshInterval)
	defer refresh.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-beat.C:
			h.report(ctx)
		case <-refresh.C:
			h.refresh(ctx)
		}
	}
}

func (h *Heartbeat) report(ctx context.Context) {
	if err := h.ReportNow(ctx); err != nil && ctx.Err() == nil {
		h.logger.Warn().Err(err).Msg("presence report failed")
	}
}

func (h *Heartbeat) refresh(ctx context.Context) {
	if _, err := h.RefreshNow(ctx); err != nil && ctx.Err() == nil {
		h.logger.Warn().Err(err).Msg("online refresh failed")
	}
}

// ReportNow sends one liveness report.
func (h *Heartbeat) ReportNow(ctx context.Context) error {
	return h.backend.ReportPresence(ctx, h.participantID, h.currentRoom())
}

// RefreshNow re-reads the roster and returns the online count. A failed
// refresh keeps the previous roster.
func (h *Heartbeat) RefreshNow(ctx context.Context) (int, error) {
	room := h.currentRoom()
	now := h.now()
	parts, err := h.backend.FetchOnlineParticipants(ctx, room, now.Add(-h.config.StaleAfter))
	if err != nil {
		return h.OnlineCount(), err
	}

	online := make([]models.Participant, 0, len(parts))
	for _, p := range parts {
		if p.Room == room && p.OnlineAt(now, h.config.StaleAfter) {
			online = append(online, p)
		}
	}

	h.mu.Lock()
	if h.room != room {
		h.mu.Unlock()
		return 0, nil
	}
	h.online = online
	h.mu.Unlock()

	h.logger.Debug().Int("online", len(online)).Str("room", room.String()).Msg("roster refreshed")
	if h.onRoster != nil {
		h.onRoster(append([]models.Participant(nil), online...))
	}
	return len(online), nil
}

// OnlineCount is the size of the last successful roster.
func (h *Heartbeat) OnlineCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.online)
}

// Online returns a copy of the last successful roster.
func (h *Heartbeat) Online() []models.Participant {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]models.Participant(nil), h.online...)
}

func (h *Heartbeat) currentRoom() models.RoomKey {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.room
}
