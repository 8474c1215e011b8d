// Package memory is an in-process chat backend with fault injection.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/tOgg1/chatsync/internal/events"
	"github.com/tOgg1/chatsync/internal/logging"
	"github.com/tOgg1/chatsync/internal/models"
	"github.com/tOgg1/chatsync/internal/transport"
)

const defaultSubscribeBufferSize = 256

// Faults controls injected failures. Zero value means healthy.
type Faults struct {
	// FailInserts rejects InsertMessage with this error.
	FailInserts error
	// FailFetches rejects FetchPage with this error.
	FailFetches error
	// FailAttributeWrites rejects WriteParticipantAttribute with this error.
	FailAttributeWrites error
	// DisableParticipantFeed stops participant change events.
	DisableParticipantFeed bool
}

// Backend implements transport.Backend and transport.Authorizer in memory.
type Backend struct {
	publisher  *events.InMemoryPublisher
	now        func() time.Time
	newID      func() string
	bcryptCost int
	bufferSize int
	logger     zerolog.Logger

	mu           sync.Mutex
	messages     map[models.RoomKey][]models.Message
	participants map[string]models.Participant
	sessions     map[string]string
	rooms        map[models.RoomKey]models.Room
	subs         map[string]*subscriber
	faults       Faults
	closed       bool
}

var (
	_ transport.Backend    = (*Backend)(nil)
	_ transport.Authorizer = (*Backend)(nil)
)

// Option configures a Backend.
type Option func(*Backend)

// WithClock sets the time source for CreatedAt and LastSeen.
func WithClock(now func() time.Time) Option {
	return func(b *Backend) { b.now = now }
}

// WithIDGenerator sets the id source for messages and participants.
func WithIDGenerator(fn func() string) Option {
	return func(b *Backend) { b.newID = fn }
}

// WithBcryptCost sets the room digest cost.
func WithBcryptCost(cost int) Option {
	return func(b *Backend) { b.bcryptCost = cost }
}

// WithBufferSize sets the per-subscription channel capacity. A subscriber
// that falls this far behind is dropped.
func WithBufferSize(n int) Option {
	return func(b *Backend) {
		if n > 0 {
			b.bufferSize = n
		}
	}
}

// New creates an empty backend.
func New(opts ...Option) *Backend {
	b := &Backend{
		publisher:    events.NewInMemoryPublisher(),
		now:          time.Now,
		newID:        uuid.NewString,
		bcryptCost:   bcrypt.DefaultCost,
		bufferSize:   defaultSubscribeBufferSize,
		logger:       logging.Component("memory-backend"),
		messages:     make(map[models.RoomKey][]models.Message),
		participants: make(map[string]models.Participant),
		sessions:     make(map[string]string),
		rooms:        make(map[models.RoomKey]models.Room),
		subs:         make(map[string]*subscriber),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SetFaults replaces the injected failures.
func (b *Backend) SetFaults(f Faults) {
	b.mu.Lock()
	b.faults = f
	b.mu.Unlock()
}

// DropSubscriptions closes every open change stream, as a network drop
// would.
func (b *Backend) DropSubscriptions() int {
	b.mu.Lock()
	subs := make([]*subscriber, 0, len(b.subs))
	for id, sub := range b.subs {
		subs = append(subs, sub)
		delete(b.subs, id)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		_ = b.publisher.Unsubscribe(sub.id)
		sub.close()
	}
	return len(subs)
}

// SubscriberCount returns the number of open change streams.
func (b *Backend) SubscriberCount() int {
	return b.publisher.SubscriberCount()
}

// Messages returns the stored messages of room, oldest first.
func (b *Backend) Messages(room models.RoomKey) []models.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]models.Message, len(b.messages[room]))
	for i, m := range b.messages[room] {
		out[i] = m.Clone()
	}
	return out
}

// Seed stores msg without publishing it. Missing ids and timestamps are
// filled in.
func (b *Backend) Seed(msg models.Message) models.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	if msg.ID == "" {
		msg.ID = b.newID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = b.nextTimestampLocked(msg.Room)
	}
	b.insertLocked(msg)
	return msg.Clone()
}

// Participant returns the stored participant with id.
func (b *Backend) Participant(id string) (models.Participant, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.participants[id]
	return p, ok
}

// Join implements transport.Backend.
func (b *Backend) Join(_ context.Context, req models.JoinRequest) (models.Participant, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return models.Participant{}, transport.ErrClosed
	}

	token := strings.TrimSpace(req.SessionToken)
	if token == "" {
		token = uuid.NewString()
	}
	role := req.Role
	if !role.Valid() {
		role = models.RoleGuest
	}

	op := transport.OpUpdate
	p, ok := b.participants[b.sessions[token]]
	if !ok {
		op = transport.OpInsert
		p = models.Participant{ID: b.newID(), SessionToken: token}
		b.sessions[token] = p.ID
	}
	p.Role = role
	p.Room = req.Room
	p.LastSeen = b.now()
	if p.Theme == "" {
		p.Theme = req.Theme
	}
	b.participants[p.ID] = p
	publish := !b.faults.DisableParticipantFeed
	b.mu.Unlock()

	if publish {
		b.publishParticipant(op, p)
	}
	b.logger.Debug().Str("participant", p.ID).Str("role", string(p.Role)).Str("room", p.Room.String()).Msg("participant joined")
	return p, nil
}

// FetchPage implements transport.Backend.
func (b *Backend) FetchPage(ctx context.Context, room models.RoomKey, before time.Time, limit int) ([]models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, transport.ErrClosed
	}
	if b.faults.FailFetches != nil {
		return nil, b.faults.FailFetches
	}

	all := b.messages[room]
	end := len(all)
	if !before.IsZero() {
		end = sort.Search(len(all), func(i int) bool { return !all[i].CreatedAt.Before(before) })
	}
	out := make([]models.Message, 0, limit)
	for i := end - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		out = append(out, all[i].Clone())
	}
	return out, nil
}

// InsertMessage implements transport.Backend.
func (b *Backend) InsertMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	if err := ctx.Err(); err != nil {
		return models.Message{}, err
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return models.Message{}, transport.ErrClosed
	}
	if b.faults.FailInserts != nil {
		err := b.faults.FailInserts
		b.mu.Unlock()
		return models.Message{}, err
	}
	if strings.TrimSpace(msg.AuthorID) == "" {
		b.mu.Unlock()
		return models.Message{}, models.ErrMissingAuthor
	}

	rec := models.Message{
		ID:         b.newID(),
		AuthorID:   msg.AuthorID,
		AuthorRole: msg.AuthorRole,
		Kind:       msg.Kind,
		Body:       msg.Body,
		MediaURL:   msg.MediaURL,
		CreatedAt:  b.nextTimestampLocked(msg.Room),
		ReplyToID:  msg.ReplyToID,
		Room:       msg.Room,
	}
	if rec.Kind == "" {
		rec.Kind = models.KindText
	}
	if rec.ReplyToID != "" {
		if parent, ok := b.findLocked(rec.Room, rec.ReplyToID); ok {
			rec.Reply = &models.ReplySnapshot{
				ID:         parent.ID,
				AuthorRole: parent.AuthorRole,
				Kind:       parent.Kind,
				Body:       parent.Body,
				CreatedAt:  parent.CreatedAt,
			}
		}
	}
	b.insertLocked(rec)
	b.mu.Unlock()

	payload, err := transport.EncodeMessage(rec)
	if err != nil {
		return models.Message{}, fmt.Errorf("encode message: %w", err)
	}
	b.publisher.Publish(transport.RawEvent{
		Table:   transport.TableMessages,
		Op:      transport.OpInsert,
		Room:    rec.Room,
		Payload: payload,
	})
	return rec.Clone(), nil
}

// Subscribe implements transport.Backend.
func (b *Backend) Subscribe(ctx context.Context, room models.RoomKey) (<-chan transport.RawEvent, func(), error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, nil, transport.ErrClosed
	}
	sub := &subscriber{
		id: uuid.NewString(),
		ch: make(chan transport.RawEvent, b.bufferSize),
	}
	b.subs[sub.id] = sub
	b.mu.Unlock()

	filter := events.Filter{Rooms: []models.RoomKey{room}}
	if err := b.publisher.Subscribe(sub.id, filter, func(ev transport.RawEvent) {
		if ev.Table == transport.TableParticipants && b.participantFeedDisabled() {
			return
		}
		if !sub.send(ev) {
			b.logger.Warn().Str("subscription", sub.id).Msg("subscriber too slow, dropping stream")
			b.forget(sub)
		}
	}); err != nil {
		b.forget(sub)
		return nil, nil, fmt.Errorf("subscribe: %w", err)
	}

	stop := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(stop)
			b.forget(sub)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-stop:
		}
	}()

	return sub.ch, cancel, nil
}

// ReportPresence implements transport.Backend.
func (b *Backend) ReportPresence(ctx context.Context, participantID string, room models.RoomKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	p, ok := b.participants[participantID]
	if !ok {
		b.mu.Unlock()
		return transport.ErrParticipantNotFound
	}
	p.LastSeen = b.now()
	p.Room = room
	b.participants[participantID] = p
	publish := !b.faults.DisableParticipantFeed
	b.mu.Unlock()

	if publish {
		b.publishParticipant(transport.OpUpdate, p)
	}
	return nil
}

// FetchOnlineParticipants implements transport.Backend.
func (b *Backend) FetchOnlineParticipants(ctx context.Context, room models.RoomKey, since time.Time) ([]models.Participant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.faults.FailFetches != nil {
		return nil, b.faults.FailFetches
	}

	var out []models.Participant
	for _, p := range b.participants {
		if p.Room == room && p.LastSeen.After(since) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].LastSeen.After(out[j].LastSeen)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// WriteParticipantAttribute implements transport.Backend.
func (b *Backend) WriteParticipantAttribute(ctx context.Context, participantID string, themeID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	if b.faults.FailAttributeWrites != nil {
		err := b.faults.FailAttributeWrites
		b.mu.Unlock()
		return err
	}
	p, ok := b.participants[participantID]
	if !ok {
		b.mu.Unlock()
		return transport.ErrParticipantNotFound
	}
	p.Theme = themeID
	b.participants[participantID] = p
	publish := !b.faults.DisableParticipantFeed
	b.mu.Unlock()

	if publish {
		b.publishParticipant(transport.OpUpdate, p)
	}
	return nil
}

// CreateRoom implements transport.Authorizer.
func (b *Backend) CreateRoom(_ context.Context, id models.RoomKey, password string) (models.Room, error) {
	if err := transport.ValidateRoomID(id); err != nil {
		return models.Room{}, err
	}
	digest, err := transport.HashPassword(password, b.bcryptCost)
	if err != nil {
		return models.Room{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.rooms[id]; exists {
		return models.Room{}, transport.ErrRoomExists
	}
	room := models.Room{ID: string(id), SecretDigest: digest, CreatedAt: b.now()}
	b.rooms[id] = room
	return room, nil
}

// VerifyRoom implements transport.Authorizer. The default room needs no
// password.
func (b *Backend) VerifyRoom(_ context.Context, id models.RoomKey, password string) error {
	if id.IsDefault() {
		return nil
	}
	b.mu.Lock()
	room, ok := b.rooms[id]
	b.mu.Unlock()
	if !ok {
		return transport.ErrRoomNotFound
	}
	return transport.CheckPassword(room.SecretDigest, password)
}

// Close drops all subscriptions and rejects further calls.
func (b *Backend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	b.DropSubscriptions()
	b.publisher.Close()
	return nil
}

func (b *Backend) participantFeedDisabled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.faults.DisableParticipantFeed
}

func (b *Backend) publishParticipant(op transport.Op, p models.Participant) {
	payload, err := transport.EncodeParticipant(p)
	if err != nil {
		b.logger.Error().Err(err).Msg("encode participant")
		return
	}
	b.publisher.Publish(transport.RawEvent{
		Table:   transport.TableParticipants,
		Op:      op,
		Room:    p.Room,
		Payload: payload,
	})
}

func (b *Backend) forget(sub *subscriber) {
	b.mu.Lock()
	delete(b.subs, sub.id)
	b.mu.Unlock()
	if err := b.publisher.Unsubscribe(sub.id); err != nil && !errors.Is(err, events.ErrSubscriptionNotFound) {
		b.logger.Debug().Err(err).Msg("unsubscribe")
	}
	sub.close()
}

// nextTimestampLocked returns now, nudged forward so each room's
// timestamps are strictly increasing.
func (b *Backend) nextTimestampLocked(room models.RoomKey) time.Time {
	at := b.now().UTC()
	if msgs := b.messages[room]; len(msgs) > 0 {
		last := msgs[len(msgs)-1].CreatedAt
		if !at.After(last) {
			at = last.Add(time.Microsecond)
		}
	}
	return at
}

func (b *Backend) insertLocked(msg models.Message) {
	msgs := b.messages[msg.Room]
	i := sort.Search(len(msgs), func(i int) bool { return msgs[i].CreatedAt.After(msg.CreatedAt) })
	msgs = append(msgs, models.Message{})
	copy(msgs[i+1:], msgs[i:])
	msgs[i] = msg.Clone()
	b.messages[msg.Room] = msgs
}

func (b *Backend) findLocked(room models.RoomKey, id string) (models.Message, bool) {
	for _, m := range b.messages[room] {
		if m.ID == id {
			return m, true
		}
	}
	return models.Message{}, false
}

type subscriber struct {
	id string

	mu     sync.Mutex
	ch     chan transport.RawEvent
	closed bool
}

// send delivers ev without blocking. It returns false when the buffer is
// full.
func (s *subscriber) send(ev transport.RawEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- ev:
		return true
	default:
		return false
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
