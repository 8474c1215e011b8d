// Package session runs one chat client: it joins a room, keeps the local
// timeline in sync with the backend and exposes the actions a UI needs.
//
// All engine mutations run on a single loop goroutine. Public actions post
// closures to the loop; network calls run on their own goroutines and post
// their completions back, tagged with the room generation so results for a
// room that was left are discarded.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tOgg1/chatsync/internal/ledger"
	"github.com/tOgg1/chatsync/internal/logging"
	"github.com/tOgg1/chatsync/internal/models"
	"github.com/tOgg1/chatsync/internal/pager"
	"github.com/tOgg1/chatsync/internal/prefs"
	"github.com/tOgg1/chatsync/internal/presence"
	"github.com/tOgg1/chatsync/internal/theme"
	"github.com/tOgg1/chatsync/internal/timeline"
	"github.com/tOgg1/chatsync/internal/transport"
)

// Session errors.
var (
	ErrNotStarted     = errors.New("session not started")
	ErrAlreadyStarted = errors.New("session already started")
	ErrStopped        = errors.New("session stopped")
)

// Config holds session tuning. Zero fields take defaults.
type Config struct {
	// Role is the local participant's role.
	Role models.Role

	// Room is the room joined on Start.
	Room models.RoomKey

	// PageSize is the history page size.
	PageSize int

	// ClaimWindow bounds how long an unmatched own confirmation may be
	// claimed by a later send.
	ClaimWindow time.Duration

	// ResyncOnReconnect fetches the newest page after a resubscribe.
	ResyncOnReconnect bool

	// ResubscribeMin and ResubscribeMax bound the reconnect backoff.
	ResubscribeMin time.Duration
	ResubscribeMax time.Duration

	// Presence configures the heartbeat.
	Presence presence.Config

	// DisablePresence skips the heartbeat, for one-shot CLI commands.
	DisablePresence bool
}

// DefaultConfig returns the defaults used by the CLI.
func DefaultConfig() Config {
	return Config{
		Role:              models.RoleGuest,
		PageSize:          pager.DefaultPageSize,
		ClaimWindow:       ledger.DefaultClaimWindow,
		ResyncOnReconnect: true,
		ResubscribeMin:    500 * time.Millisecond,
		ResubscribeMax:    30 * time.Second,
		Presence:          presence.DefaultConfig(),
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if !c.Role.Valid() {
		c.Role = d.Role
	}
	if c.PageSize <= 0 {
		c.PageSize = d.PageSize
	}
	if c.ClaimWindow <= 0 {
		c.ClaimWindow = d.ClaimWindow
	}
	if c.ResubscribeMin <= 0 {
		c.ResubscribeMin = d.ResubscribeMin
	}
	if c.ResubscribeMax < c.ResubscribeMin {
		c.ResubscribeMax = d.ResubscribeMax
		if c.ResubscribeMax < c.ResubscribeMin {
			c.ResubscribeMax = c.ResubscribeMin
		}
	}
	return c
}

// Status is the history loading state.
type Status = pager.Status

// Session is one connected client.
type Session struct {
	cfg     Config
	backend transport.Backend
	prefs   prefs.Store
	logger  zerolog.Logger

	store     *timeline.Store
	ledger    *ledger.Ledger
	pager     *pager.Pager
	theme     *theme.Propagator
	heartbeat *presence.Heartbeat

	actions chan func()
	changes chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.RWMutex
	self    models.Participant
	started bool
	stopped bool

	// Loop-owned.
	room        models.RoomKey
	generation  uint64
	events      <-chan transport.RawEvent
	unsubscribe func()
	backoff     time.Duration
	cancelStore func()
}

// New creates a session. Start joins and syncs.
func New(cfg Config, backend transport.Backend, store prefs.Store) *Session {
	if store == nil {
		store = prefs.NewMemory(nil)
	}
	cfg = cfg.normalized()
	return &Session{
		cfg:     cfg,
		backend: backend,
		prefs:   store,
		logger:  logging.Component("session"),
		actions: make(chan func(), 64),
		changes: make(chan struct{}, 1),
		room:    cfg.Room,
		backoff: cfg.ResubscribeMin,
	}
}

// Start joins the room, loads the newest page and begins following the
// change stream. It returns once the first page has been merged or has
// failed; a failed page is reported through Status.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()

	cached, _ := s.prefs.Get(prefs.KeyTheme)
	token, _ := s.prefs.Get(prefs.KeySessionToken)
	self, err := s.backend.Join(ctx, models.JoinRequest{
		SessionToken: token,
		Role:         s.cfg.Role,
		Room:         s.room,
		Theme:        cached,
	})
	if err != nil {
		s.mu.Lock()
		s.started = false
		s.mu.Unlock()
		return fmt.Errorf("join: %w", err)
	}
	s.setPref(prefs.KeySessionToken, self.SessionToken)
	s.setPref(prefs.KeyRole, string(self.Role))
	s.setPref(prefs.KeyLastRoom, string(s.room))

	s.mu.Lock()
	s.self = self
	s.mu.Unlock()
	s.logger = logging.WithRoom(logging.WithParticipant(logging.Component("session"), self.ID, string(self.Role)), string(s.room))

	store := timeline.New()
	propagator := theme.NewPropagator(theme.Viewer{ID: self.ID, Role: self.Role}, s.room, store, s.prefs)
	s.mu.Lock()
	s.store = store
	s.theme = propagator
	s.ledger = ledger.New(store,
		ledger.Identity{AuthorID: self.ID, Role: self.Role, Room: s.room},
		ledger.WithClaimWindow(s.cfg.ClaimWindow),
		ledger.WithPrepare(propagator.Decorate),
	)
	s.pager = pager.New(store, s.backend, s.room,
		pager.WithPageSize(s.cfg.PageSize),
		pager.WithFilter(func(m models.Message) bool { return !theme.IsControl(m) }),
		pager.WithPrepare(propagator.Decorate),
	)
	s.mu.Unlock()
	s.cancelStore = store.Subscribe(func(timeline.Change) { s.notify() })

	s.syncOwnerTheme(ctx, self, cached)

	s.ctx, s.cancel = context.WithCancel(context.Background())
	subscribeErr := s.subscribe()
	if subscribeErr != nil {
		s.logger.Warn().Err(subscribeErr).Msg("initial subscribe failed, retrying")
	}

	s.wg.Add(1)
	go s.run()

	if !s.cfg.DisablePresence {
		heartbeat := presence.New(s.cfg.Presence, s.backend, self.ID, s.room,
			presence.WithRosterCallback(func(online []models.Participant) {
				s.post(func() {
					if s.theme.ObserveRoster(online) {
						s.logger.Debug().Msg("theme updated from roster")
					}
					s.notify()
				})
			}),
		)
		s.mu.Lock()
		s.heartbeat = heartbeat
		s.mu.Unlock()
		if err := heartbeat.Start(s.ctx); err != nil {
			s.logger.Warn().Err(err).Msg("presence start failed")
		}
	}

	if subscribeErr != nil {
		s.post(s.scheduleResubscribe)
	}

	if _, err := s.loadInitial(ctx); err != nil && !retryable(err) {
		return err
	}
	return nil
}

// Stop ends the loop, the heartbeat and the change stream.
func (s *Session) Stop() error {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return ErrNotStarted
	}
	s.stopped = true
	heartbeat := s.heartbeat
	s.mu.Unlock()

	if heartbeat != nil {
		_ = heartbeat.Stop()
	}
	s.cancel()
	s.wg.Wait()
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
	if s.cancelStore != nil {
		s.cancelStore()
	}
	s.logger.Info().Msg("session stopped")
	return nil
}

// Self returns the local participant.
func (s *Session) Self() models.Participant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.self
}

// Room returns the current room.
func (s *Session) Room() models.RoomKey {
	var room models.RoomKey
	if err := s.call(context.Background(), func() error {
		room = s.room
		return nil
	}); err != nil {
		return s.cfg.Room
	}
	return room
}

// Changes delivers a coalesced signal whenever visible state changed.
func (s *Session) Changes() <-chan struct{} {
	return s.changes
}

// Snapshot returns the timeline, oldest first.
func (s *Session) Snapshot() []models.Message {
	s.mu.RLock()
	store := s.store
	s.mu.RUnlock()
	if store == nil {
		return nil
	}
	return store.Snapshot()
}

// Status returns the history loading state.
func (s *Session) Status() Status {
	s.mu.RLock()
	p := s.pager
	s.mu.RUnlock()
	if p == nil {
		return Status{}
	}
	return p.Status()
}

// Theme returns the active theme id.
func (s *Session) Theme() string {
	s.mu.RLock()
	propagator := s.theme
	s.mu.RUnlock()
	if propagator == nil {
		cached, ok := s.prefs.Get(prefs.KeyTheme)
		if ok && cached != "" {
			return cached
		}
		return theme.DefaultID
	}
	return propagator.Theme()
}

// OnlineCount is the number of participants seen recently, including self
// once the first roster arrived.
func (s *Session) OnlineCount() int {
	heartbeat := s.presence()
	if heartbeat == nil {
		return 0
	}
	return heartbeat.OnlineCount()
}

// Online returns the last roster.
func (s *Session) Online() []models.Participant {
	heartbeat := s.presence()
	if heartbeat == nil {
		return nil
	}
	return heartbeat.Online()
}

// Failure returns the write error recorded for a failed send.
func (s *Session) Failure(tempID string) (*ledger.WriteError, bool) {
	s.mu.RLock()
	l := s.ledger
	s.mu.RUnlock()
	if l == nil {
		return nil, false
	}
	return l.Failure(tempID)
}

func (s *Session) presence() *presence.Heartbeat {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.heartbeat
}

func (s *Session) setPref(key, value string) {
	if err := s.prefs.Set(key, value); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("prefs write failed")
	}
}

// notify signals Changes without blocking.
func (s *Session) notify() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

// post queues fn on the loop. It is dropped once the session stops.
func (s *Session) post(fn func()) {
	if s.ctx == nil {
		return
	}
	select {
	case s.actions <- fn:
	case <-s.ctx.Done():
	}
}

// call runs fn on the loop and waits for it.
func (s *Session) call(ctx context.Context, fn func() error) error {
	s.mu.RLock()
	started, stopped := s.started, s.stopped
	s.mu.RUnlock()
	if !started || s.ctx == nil {
		return ErrNotStarted
	}
	if stopped {
		return ErrStopped
	}

	done := make(chan error, 1)
	select {
	case s.actions <- func() { done <- fn() }:
	case <-s.ctx.Done():
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-s.ctx.Done():
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case fn := <-s.actions:
			fn()
		case raw, ok := <-s.events:
			if !ok {
				s.logger.Warn().Err(transport.ErrSubscriptionClosed).Msg("change stream dropped")
				s.events = nil
				s.unsubscribe = nil
				s.scheduleResubscribe()
				continue
			}
			s.handleRaw(raw)
		}
	}
}

// syncOwnerTheme reconciles an owner's cached theme with the stored
// participant attribute: a differing cache wins and is pushed; with no
// cache the stored value is adopted.
func (s *Session) syncOwnerTheme(ctx context.Context, self models.Participant, cached string) {
	if self.Role != models.RoleOwner {
		return
	}
	switch {
	case cached != "" && cached != self.Theme:
		if err := s.backend.WriteParticipantAttribute(ctx, self.ID, cached); err != nil {
			s.logger.Warn().Err(err).Msg("owner theme sync failed")
			return
		}
		s.logger.Info().Str("theme", cached).Msg("owner theme pushed")
	case cached == "" && self.Theme != "":
		s.theme.ApplyParticipant(self)
	}
}
