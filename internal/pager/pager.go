// Package pager loads older history windows and merges them into the
// timeline.
package pager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tOgg1/chatsync/internal/logging"
	"github.com/tOgg1/chatsync/internal/models"
	"github.com/tOgg1/chatsync/internal/replies"
)

// DefaultPageSize matches the history window of the web client.
const DefaultPageSize = 50

// ErrStale is returned by Complete for requests issued before a room switch.
var ErrStale = errors.New("stale page request")

// PageFetchError is a retryable history fetch failure. Cursor and HasMore
// are left untouched.
type PageFetchError struct {
	Room   models.RoomKey
	Before time.Time
	Err    error
}

func (e *PageFetchError) Error() string {
	if e.Before.IsZero() {
		return fmt.Sprintf("fetch newest page of %s: %v", e.Room, e.Err)
	}
	return fmt.Sprintf("fetch page of %s before %s: %v", e.Room, e.Before.Format(time.RFC3339Nano), e.Err)
}

func (e *PageFetchError) Unwrap() error { return e.Err }

// Fetcher reads one page of history, newest first. A zero before means
// the newest page.
type Fetcher interface {
	FetchPage(ctx context.Context, room models.RoomKey, before time.Time, limit int) ([]models.Message, error)
}

// Store is the subset of the timeline the pager needs.
type Store interface {
	Prepend(batch []models.Message) int
	Has(id string) bool
	FindByID(id string) (models.Message, bool)
	Snapshot() []models.Message
	MapInPlace(pred func(models.Message) bool, update func(*models.Message)) int
}

// Request identifies one in-flight fetch.
type Request struct {
	Room       models.RoomKey
	Generation uint64
	Before     time.Time
	Limit      int
	Initial    bool
}

// Result summarises a completed fetch.
type Result struct {
	// Added is the number of messages merged into the store.
	Added int
	// Filtered holds records removed by the filter, oldest first.
	Filtered []models.Message
	// HasMore reports whether older history may exist.
	HasMore bool
}

// Status is a point-in-time view of the pager.
type Status struct {
	HasMore   bool
	IsLoading bool
	LastError error
}

// Pager owns the history cursor for one room at a time.
type Pager struct {
	mu sync.Mutex

	store    Store
	fetcher  Fetcher
	pageSize int
	keep     func(models.Message) bool
	prepare  func(models.Message) models.Message
	logger   zerolog.Logger

	room       models.RoomKey
	generation uint64
	cursor     time.Time
	hasMore    bool
	loading    bool
	lastErr    error
}

// Option configures a Pager.
type Option func(*Pager)

// WithPageSize overrides DefaultPageSize.
func WithPageSize(n int) Option {
	return func(p *Pager) {
		if n > 0 {
			p.pageSize = n
		}
	}
}

// WithFilter drops records for which keep returns false. They are
// reported in Result.Filtered.
func WithFilter(keep func(models.Message) bool) Option {
	return func(p *Pager) { p.keep = keep }
}

// WithPrepare runs fn on each record before it is merged.
func WithPrepare(fn func(models.Message) models.Message) Option {
	return func(p *Pager) { p.prepare = fn }
}

// New creates a pager for room.
func New(store Store, fetcher Fetcher, room models.RoomKey, opts ...Option) *Pager {
	p := &Pager{
		store:    store,
		fetcher:  fetcher,
		pageSize: DefaultPageSize,
		room:     room,
		hasMore:  true,
		logger:   logging.Component("pager"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// PageSize returns the configured page size.
func (p *Pager) PageSize() int { return p.pageSize }

// SetRoom points the pager at a new room and invalidates in-flight requests.
func (p *Pager) SetRoom(room models.RoomKey, generation uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.room = room
	p.generation = generation
	p.cursor = time.Time{}
	p.hasMore = true
	p.loading = false
	p.lastErr = nil
}

// BeginInitial starts the newest-page fetch for the current room.
func (p *Pager) BeginInitial() Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cursor = time.Time{}
	p.hasMore = true
	p.loading = true
	return Request{Room: p.room, Generation: p.generation, Limit: p.pageSize, Initial: true}
}

// Begin starts an older-page fetch. It returns false while another fetch
// is in flight or once history is exhausted.
func (p *Pager) Begin() (Request, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loading || !p.hasMore {
		return Request{}, false
	}
	p.loading = true
	return Request{Room: p.room, Generation: p.generation, Before: p.cursor, Limit: p.pageSize}, true
}

// Complete merges the outcome of req. records are expected newest first.
// Store writes happen after the pager lock is released, so store
// subscribers may read Status.
func (p *Pager) Complete(req Request, records []models.Message, fetchErr error) (Result, error) {
	p.mu.Lock()
	if req.Room != p.room || req.Generation != p.generation {
		hasMore := p.hasMore
		p.mu.Unlock()
		return Result{HasMore: hasMore}, ErrStale
	}
	p.loading = false

	if fetchErr != nil {
		p.lastErr = &PageFetchError{Room: req.Room, Before: req.Before, Err: fetchErr}
		err, hasMore := p.lastErr, p.hasMore
		p.mu.Unlock()
		p.logger.Warn().Err(fetchErr).Str("room", req.Room.String()).Msg("page fetch failed")
		return Result{HasMore: hasMore}, err
	}
	p.lastErr = nil
	if len(records) < req.Limit {
		p.hasMore = false
	}

	kept := make([]models.Message, 0, len(records))
	var filtered []models.Message
	// Walk oldest first so Filtered comes out chronological.
	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]
		if !rec.CreatedAt.IsZero() && (p.cursor.IsZero() || rec.CreatedAt.Before(p.cursor)) {
			p.cursor = rec.CreatedAt
		}
		if p.keep != nil && !p.keep(rec) {
			filtered = append(filtered, rec)
			continue
		}
		kept = append(kept, rec)
	}
	hasMore := p.hasMore
	p.mu.Unlock()

	batch := make([]models.Message, 0, len(kept))
	for _, rec := range kept {
		if p.store.Has(rec.ID) {
			continue
		}
		rec.Pending = false
		rec.Failed = false
		if p.prepare != nil {
			rec = p.prepare(rec)
		}
		batch = append(batch, rec)
	}

	batch, _ = replies.ResolveBatch(batch, p.store.FindByID)
	added := p.store.Prepend(batch)
	if added > 0 {
		replies.ResolveStore(p.store)
	}

	p.logger.Debug().
		Str("room", req.Room.String()).
		Int("fetched", len(records)).
		Int("added", added).
		Bool("has_more", hasMore).
		Msg("page merged")

	return Result{Added: added, Filtered: filtered, HasMore: hasMore}, nil
}

// LoadInitial fetches and merges the newest page.
func (p *Pager) LoadInitial(ctx context.Context) (Result, error) {
	req := p.BeginInitial()
	records, err := p.fetcher.FetchPage(ctx, req.Room, req.Before, req.Limit)
	return p.Complete(req, records, err)
}

// LoadOlder fetches and merges the page before the oldest loaded message.
// It is a no-op while a fetch is in flight or when history is exhausted.
func (p *Pager) LoadOlder(ctx context.Context) (Result, error) {
	req, ok := p.Begin()
	if !ok {
		return Result{HasMore: p.Status().HasMore}, nil
	}
	records, err := p.fetcher.FetchPage(ctx, req.Room, req.Before, req.Limit)
	return p.Complete(req, records, err)
}

// Status returns the current pager flags.
func (p *Pager) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{HasMore: p.hasMore, IsLoading: p.loading, LastError: p.lastErr}
}

// Cursor returns the timestamp of the oldest fetched record.
func (p *Pager) Cursor() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursor
}
