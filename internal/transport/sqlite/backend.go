// Package sqlite is a chat backend over a shared SQLite file. Writers append
// to a change feed in the same transaction; subscribers poll the feed.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/tOgg1/chatsync/internal/db"
	"github.com/tOgg1/chatsync/internal/logging"
	"github.com/tOgg1/chatsync/internal/models"
	"github.com/tOgg1/chatsync/internal/transport"
)

const (
	defaultPollInterval        = 250 * time.Millisecond
	defaultPollMax             = 2 * time.Second
	defaultSubscribeBufferSize = 256
	defaultPollBatch           = 256
	// maxPollFailures consecutive non-busy poll errors end a stream.
	maxPollFailures = 3
)

// Config configures the backend.
type Config struct {
	// Path is the database file shared by all clients.
	Path string

	// MaxConnections caps the connection pool.
	MaxConnections int

	// BusyTimeoutMs is SQLite's lock wait.
	BusyTimeoutMs int

	// PollInterval is the fastest change feed poll cadence.
	PollInterval time.Duration

	// PollMax is the slowest cadence reached while the feed is idle.
	PollMax time.Duration

	// BufferSize is the per-subscription channel capacity.
	BufferSize int

	// BcryptCost is the room digest cost. Zero uses bcrypt.DefaultCost.
	BcryptCost int

	// Retry bounds busy retries on writes.
	Retry db.RetryPolicy
}

// Backend implements transport.Backend and transport.Authorizer on SQLite.
type Backend struct {
	cfg          Config
	db           *db.DB
	messages     *db.MessageRepository
	participants *db.ParticipantRepository
	rooms        *db.RoomRepository
	changes      *db.ChangeRepository
	now          func() time.Time
	logger       zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

var (
	_ transport.Backend    = (*Backend)(nil)
	_ transport.Authorizer = (*Backend)(nil)
)

// Option configures a Backend.
type Option func(*Backend)

// WithClock sets the time source for stored timestamps.
func WithClock(now func() time.Time) Option {
	return func(b *Backend) { b.now = now }
}

// Open opens the database at cfg.Path and applies migrations.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Backend, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.PollMax < cfg.PollInterval {
		cfg.PollMax = defaultPollMax
		if cfg.PollMax < cfg.PollInterval {
			cfg.PollMax = cfg.PollInterval
		}
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultSubscribeBufferSize
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}

	database, err := db.Open(db.Config{
		Path:           cfg.Path,
		MaxConnections: cfg.MaxConnections,
		BusyTimeoutMs:  cfg.BusyTimeoutMs,
	})
	if err != nil {
		return nil, err
	}
	if _, err := database.MigrateUp(ctx); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	rootCtx, cancel := context.WithCancel(context.Background())
	b := &Backend{
		cfg:          cfg,
		db:           database,
		messages:     db.NewMessageRepository(database),
		participants: db.NewParticipantRepository(database),
		rooms:        db.NewRoomRepository(database),
		changes:      db.NewChangeRepository(database),
		now:          time.Now,
		logger:       logging.Component("sqlite-backend"),
		ctx:          rootCtx,
		cancel:       cancel,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger.Debug().Str("path", cfg.Path).Dur("poll_interval", cfg.PollInterval).Msg("backend opened")
	return b, nil
}

// DB exposes the underlying handle for maintenance commands.
func (b *Backend) DB() *db.DB {
	return b.db
}

// Join implements transport.Backend.
func (b *Backend) Join(ctx context.Context, req models.JoinRequest) (models.Participant, error) {
	if err := b.checkOpen(); err != nil {
		return models.Participant{}, err
	}
	var p models.Participant
	err := b.db.TransactionWithRetry(ctx, b.cfg.Retry, func(tx *sql.Tx) error {
		now := b.now()
		var (
			created bool
			err     error
		)
		p, created, err = b.participants.JoinWithTx(ctx, tx, req, now)
		if err != nil {
			return err
		}
		op := transport.OpUpdate
		if created {
			op = transport.OpInsert
		}
		return b.appendParticipantChange(ctx, tx, op, p, now)
	})
	if err != nil {
		return models.Participant{}, fmt.Errorf("join: %w", err)
	}
	return p, nil
}

// FetchPage implements transport.Backend.
func (b *Backend) FetchPage(ctx context.Context, room models.RoomKey, before time.Time, limit int) ([]models.Message, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	var page []models.Message
	err := b.db.Retry(ctx, b.cfg.Retry, func() error {
		var err error
		page, err = b.messages.ListBefore(ctx, room, before, limit)
		return err
	})
	return page, err
}

// InsertMessage implements transport.Backend.
func (b *Backend) InsertMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	if err := b.checkOpen(); err != nil {
		return models.Message{}, err
	}
	msg.ID = ""
	var stored models.Message
	err := b.db.TransactionWithRetry(ctx, b.cfg.Retry, func(tx *sql.Tx) error {
		now := b.now()
		var err error
		stored, err = b.messages.CreateWithTx(ctx, tx, msg, now)
		if err != nil {
			return err
		}
		payload, err := transport.EncodeMessage(stored)
		if err != nil {
			return fmt.Errorf("encode message: %w", err)
		}
		_, err = b.changes.AppendWithTx(ctx, tx, transport.RawEvent{
			Table:   transport.TableMessages,
			Op:      transport.OpInsert,
			Room:    stored.Room,
			Payload: payload,
		}, now)
		return err
	})
	if err != nil {
		return models.Message{}, err
	}
	return stored, nil
}

// Subscribe implements transport.Backend. Only changes recorded after the
// call are delivered.
func (b *Backend) Subscribe(ctx context.Context, room models.RoomKey) (<-chan transport.RawEvent, func(), error) {
	if err := b.checkOpen(); err != nil {
		return nil, nil, err
	}
	startSeq, err := b.changes.LatestSeq(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("subscribe: %w", err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(b.ctx, cancel)
	out := make(chan transport.RawEvent, b.cfg.BufferSize)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer stop()
		b.pollLoop(subCtx, room, startSeq, out)
	}()
	return out, cancel, nil
}

func (b *Backend) pollLoop(ctx context.Context, room models.RoomKey, lastSeq int64, out chan<- transport.RawEvent) {
	defer close(out)

	interval := b.cfg.PollInterval
	timer := time.NewTimer(interval)
	defer timer.Stop()
	failures := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		changes, err := b.changes.ListAfter(ctx, room, lastSeq, defaultPollBatch)
		switch {
		case err != nil && ctx.Err() != nil:
			return
		case err != nil:
			if !db.IsBusy(err) {
				failures++
				b.logger.Warn().Err(err).Int("failures", failures).Msg("change poll failed")
				if failures >= maxPollFailures {
					return
				}
			}
			interval = b.cfg.PollMax
		case len(changes) == 0:
			failures = 0
			interval *= 2
			if interval > b.cfg.PollMax {
				interval = b.cfg.PollMax
			}
		default:
			failures = 0
			interval = b.cfg.PollInterval
			for _, ev := range changes {
				select {
				case <-ctx.Done():
					return
				case out <- ev:
				}
				lastSeq = ev.Seq
			}
		}
		timer.Reset(interval)
	}
}

// ReportPresence implements transport.Backend.
func (b *Backend) ReportPresence(ctx context.Context, participantID string, room models.RoomKey) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	return b.db.TransactionWithRetry(ctx, b.cfg.Retry, func(tx *sql.Tx) error {
		now := b.now()
		p, err := b.participants.TouchWithTx(ctx, tx, participantID, room, now)
		if err != nil {
			return mapErr(err)
		}
		return b.appendParticipantChange(ctx, tx, transport.OpUpdate, p, now)
	})
}

// FetchOnlineParticipants implements transport.Backend.
func (b *Backend) FetchOnlineParticipants(ctx context.Context, room models.RoomKey, since time.Time) ([]models.Participant, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	var out []models.Participant
	err := b.db.Retry(ctx, b.cfg.Retry, func() error {
		var err error
		out, err = b.participants.ListSeenSince(ctx, room, since)
		return err
	})
	return out, err
}

// WriteParticipantAttribute implements transport.Backend.
func (b *Backend) WriteParticipantAttribute(ctx context.Context, participantID string, themeID string) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	return b.db.TransactionWithRetry(ctx, b.cfg.Retry, func(tx *sql.Tx) error {
		p, err := b.participants.SetThemeWithTx(ctx, tx, participantID, themeID)
		if err != nil {
			return mapErr(err)
		}
		return b.appendParticipantChange(ctx, tx, transport.OpUpdate, p, b.now())
	})
}

// CreateRoom implements transport.Authorizer.
func (b *Backend) CreateRoom(ctx context.Context, id models.RoomKey, password string) (models.Room, error) {
	if err := transport.ValidateRoomID(id); err != nil {
		return models.Room{}, err
	}
	digest, err := transport.HashPassword(password, b.cfg.BcryptCost)
	if err != nil {
		return models.Room{}, err
	}
	room, err := b.rooms.Create(ctx, models.Room{ID: string(id), SecretDigest: digest, CreatedAt: b.now()})
	if err != nil {
		return models.Room{}, mapErr(err)
	}
	b.logger.Info().Str("room", string(id)).Msg("room created")
	return room, nil
}

// VerifyRoom implements transport.Authorizer. The default room needs no
// password.
func (b *Backend) VerifyRoom(ctx context.Context, id models.RoomKey, password string) error {
	if id.IsDefault() {
		return nil
	}
	room, err := b.rooms.Get(ctx, string(id))
	if err != nil {
		return mapErr(err)
	}
	return transport.CheckPassword(room.SecretDigest, password)
}

// PruneChanges drops change feed entries older than age.
func (b *Backend) PruneChanges(ctx context.Context, age time.Duration) (int64, error) {
	return b.changes.DeleteOlderThan(ctx, b.now().Add(-age))
}

// Close stops all pollers and closes the database.
func (b *Backend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
	return b.db.Close()
}

func (b *Backend) checkOpen() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return transport.ErrClosed
	}
	return nil
}

func (b *Backend) appendParticipantChange(ctx context.Context, tx *sql.Tx, op transport.Op, p models.Participant, now time.Time) error {
	payload, err := transport.EncodeParticipant(p)
	if err != nil {
		return fmt.Errorf("encode participant: %w", err)
	}
	_, err = b.changes.AppendWithTx(ctx, tx, transport.RawEvent{
		Table:   transport.TableParticipants,
		Op:      op,
		Room:    p.Room,
		Payload: payload,
	}, now)
	return err
}

func mapErr(err error) error {
	switch {
	case errors.Is(err, db.ErrParticipantNotFound):
		return transport.ErrParticipantNotFound
	case errors.Is(err, db.ErrRoomNotFound):
		return transport.ErrRoomNotFound
	case errors.Is(err, db.ErrRoomAlreadyExists):
		return transport.ErrRoomExists
	}
	return err
}
