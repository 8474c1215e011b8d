// Package ledger tracks locally authored messages from the moment they are
// shown until the backend confirms them.
package ledger

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tOgg1/chatsync/internal/logging"
	"github.com/tOgg1/chatsync/internal/models"
	"github.com/tOgg1/chatsync/internal/replies"
)

// DefaultClaimWindow bounds how long an unmatched own confirmation may be
// claimed by a later Begin.
const DefaultClaimWindow = 5 * time.Second

var (
	// ErrUnknownEntry is returned for temp ids the ledger does not track.
	ErrUnknownEntry = errors.New("unknown pending entry")
	// ErrNotFailed is returned by Retry for entries whose write has not failed.
	ErrNotFailed = errors.New("entry has not failed")
)

// WriteError records a rejected local write. The entry stays visible.
type WriteError struct {
	TempID string
	Err    error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("send %s: %v", e.TempID, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Outcome describes what Reconcile did with a confirmed record.
type Outcome int

const (
	// Ignored records are unusable (missing id or timestamp).
	Ignored Outcome = iota
	// Duplicate records were already in the store.
	Duplicate
	// Replaced records took over a pending entry.
	Replaced
	// Appended records were added as new entries.
	Appended
)

func (o Outcome) String() string {
	switch o {
	case Duplicate:
		return "duplicate"
	case Replaced:
		return "replaced"
	case Appended:
		return "appended"
	}
	return "ignored"
}

// Store is the subset of the timeline the ledger writes to.
type Store interface {
	Append(models.Message) bool
	Replace(oldID string, rec models.Message) bool
	FindByID(id string) (models.Message, bool)
	Has(id string) bool
	MapInPlace(pred func(models.Message) bool, update func(*models.Message)) int
}

// Identity is the local author.
type Identity struct {
	AuthorID string
	Role     models.Role
	Room     models.RoomKey
}

type pendingEntry struct {
	tempID string
	draft  models.Draft
}

type unclaimed struct {
	msg    models.Message
	seenAt time.Time
}

// Ledger matches confirmations to pending entries.
type Ledger struct {
	mu sync.Mutex

	store       Store
	self        Identity
	claimWindow time.Duration
	now         func() time.Time
	newID       func() string
	prepare     func(models.Message) models.Message
	logger      zerolog.Logger

	pending   []*pendingEntry
	unclaimed []unclaimed
	failures  map[string]*WriteError
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClaimWindow overrides DefaultClaimWindow.
func WithClaimWindow(d time.Duration) Option {
	return func(l *Ledger) { l.claimWindow = d }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithIDGenerator sets the temporary id source.
func WithIDGenerator(fn func() string) Option {
	return func(l *Ledger) { l.newID = fn }
}

// WithPrepare installs a hook run on every message before it is stored,
// pending or confirmed. The session uses it to stamp the author theme.
func WithPrepare(fn func(models.Message) models.Message) Option {
	return func(l *Ledger) { l.prepare = fn }
}

// New creates a ledger writing to store on behalf of self.
func New(store Store, self Identity, opts ...Option) *Ledger {
	l := &Ledger{
		store:       store,
		self:        self,
		claimWindow: DefaultClaimWindow,
		now:         time.Now,
		newID:       uuid.NewString,
		failures:    make(map[string]*WriteError),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = logging.WithParticipant(logging.Component("ledger"), self.AuthorID, string(self.Role))
	return l
}

// Begin shows draft immediately as a pending entry. When a matching own
// confirmation already arrived (out of order), that record is returned with
// needsWrite=false and nothing is added.
//
// Any unmatched own record seen within the claim window can be claimed,
// including one written by another client sharing this identity. An
// identical draft begun inside that window is therefore treated as already
// sent and is not written again.
func (l *Ledger) Begin(draft models.Draft) (msg models.Message, needsWrite bool, err error) {
	draft, err = draft.Normalize()
	if err != nil {
		return models.Message{}, false, err
	}
	draft.Room = l.self.Room

	l.mu.Lock()
	defer l.mu.Unlock()

	if claimed, ok := l.claimLocked(draft); ok {
		l.logger.Debug().Str("message_id", claimed.ID).Msg("draft already confirmed")
		return claimed, false, nil
	}

	msg = models.Message{
		ID:         l.newID(),
		AuthorID:   l.self.AuthorID,
		AuthorRole: l.self.Role,
		Kind:       draft.Kind,
		Body:       draft.Body,
		MediaURL:   draft.MediaURL,
		CreatedAt:  l.now(),
		ReplyToID:  draft.ReplyToID,
		Room:       l.self.Room,
		Pending:    true,
	}
	msg = l.prepareMsg(msg)

	if !l.store.Append(msg) {
		return models.Message{}, false, fmt.Errorf("append pending %s: rejected by store", msg.ID)
	}
	l.pending = append(l.pending, &pendingEntry{tempID: msg.ID, draft: draft})
	return msg, true, nil
}

// Reconcile merges a confirmed record delivered by the change stream or a
// resync fetch.
func (l *Ledger) Reconcile(rec models.Message) Outcome {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reconcileLocked(rec)
}

func (l *Ledger) reconcileLocked(rec models.Message) Outcome {
	if strings.TrimSpace(rec.ID) == "" || rec.CreatedAt.IsZero() {
		return Ignored
	}
	if l.store.Has(rec.ID) {
		return Duplicate
	}
	rec.Pending = false
	rec.Failed = false
	rec = l.prepareMsg(rec)

	if rec.AuthorID == l.self.AuthorID {
		if idx := l.matchLocked(rec); idx >= 0 {
			entry := l.pending[idx]
			if l.store.Replace(entry.tempID, rec) {
				l.dropPendingLocked(idx)
				delete(l.failures, entry.tempID)
				return Replaced
			}
		}
		if !l.store.Append(rec) {
			return Duplicate
		}
		l.unclaimed = append(l.unclaimed, unclaimed{msg: rec.Clone(), seenAt: l.now()})
		return Appended
	}

	if !l.store.Append(rec) {
		return Duplicate
	}
	return Appended
}

// Confirm applies the result of the local write for tempID.
func (l *Ledger) Confirm(tempID string, rec models.Message) Outcome {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.forgetUnclaimedLocked(rec.ID)

	idx := l.indexLocked(tempID)
	if idx < 0 || strings.TrimSpace(rec.ID) == "" || rec.CreatedAt.IsZero() {
		return l.reconcileLocked(rec)
	}
	rec.Pending = false
	rec.Failed = false
	rec = l.prepareMsg(rec)
	if !l.store.Replace(tempID, rec) {
		l.dropPendingLocked(idx)
		return l.reconcileLocked(rec)
	}
	l.dropPendingLocked(idx)
	delete(l.failures, tempID)
	return Replaced
}

// Fail marks tempID as rejected. The entry stays visible and may still be
// matched by a late confirmation.
func (l *Ledger) Fail(tempID string, cause error) *WriteError {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.indexLocked(tempID) < 0 {
		return nil
	}
	werr := &WriteError{TempID: tempID, Err: cause}
	l.failures[tempID] = werr
	l.store.MapInPlace(
		func(m models.Message) bool { return m.ID == tempID },
		func(m *models.Message) { m.Failed = true },
	)
	l.logger.Warn().Err(cause).Str("temp_id", tempID).Msg("send failed")
	return werr
}

// Retry clears the failure on tempID and returns its draft for re-issuing.
func (l *Ledger) Retry(tempID string) (models.Draft, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx := l.indexLocked(tempID)
	if idx < 0 {
		return models.Draft{}, fmt.Errorf("retry %s: %w", tempID, ErrUnknownEntry)
	}
	if _, ok := l.failures[tempID]; !ok {
		return models.Draft{}, fmt.Errorf("retry %s: %w", tempID, ErrNotFailed)
	}
	delete(l.failures, tempID)
	l.store.MapInPlace(
		func(m models.Message) bool { return m.ID == tempID },
		func(m *models.Message) { m.Failed = false },
	)
	return l.pending[idx].draft, nil
}

// Pending lists outstanding temp ids, oldest first.
func (l *Ledger) Pending() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.pending))
	for i, p := range l.pending {
		out[i] = p.tempID
	}
	return out
}

// Failure returns the recorded write error for tempID.
func (l *Ledger) Failure(tempID string) (*WriteError, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	werr, ok := l.failures[tempID]
	return werr, ok
}

// Reset forgets all tracking state. Used on room switch.
func (l *Ledger) Reset(room models.RoomKey) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.self.Room = room
	l.pending = nil
	l.unclaimed = nil
	l.failures = make(map[string]*WriteError)
}

// matchLocked searches pending entries newest first.
func (l *Ledger) matchLocked(rec models.Message) int {
	for i := len(l.pending) - 1; i >= 0; i-- {
		if draftMatches(l.pending[i].draft, rec) {
			return i
		}
	}
	return -1
}

func draftMatches(d models.Draft, rec models.Message) bool {
	if d.Kind != rec.Kind {
		return false
	}
	body := strings.TrimSpace(rec.Body)
	if rec.Kind.IsMedia() {
		url := strings.TrimSpace(rec.MediaURL)
		if url != "" && d.MediaURL != "" {
			return url == d.MediaURL
		}
		return body == d.Body
	}
	return body == d.Body
}

func (l *Ledger) claimLocked(d models.Draft) (models.Message, bool) {
	now := l.now()
	kept := l.unclaimed[:0]
	var claimed models.Message
	found := false
	for _, u := range l.unclaimed {
		if now.Sub(u.seenAt) > l.claimWindow {
			continue
		}
		if !found && draftMatches(d, u.msg) {
			claimed = u.msg
			found = true
			continue
		}
		kept = append(kept, u)
	}
	l.unclaimed = kept
	return claimed, found
}

func (l *Ledger) forgetUnclaimedLocked(id string) {
	for i, u := range l.unclaimed {
		if u.msg.ID == id {
			l.unclaimed = append(l.unclaimed[:i], l.unclaimed[i+1:]...)
			return
		}
	}
}

func (l *Ledger) indexLocked(tempID string) int {
	for i, p := range l.pending {
		if p.tempID == tempID {
			return i
		}
	}
	return -1
}

func (l *Ledger) dropPendingLocked(idx int) {
	l.pending = append(l.pending[:idx], l.pending[idx+1:]...)
}

// prepareMsg resolves the reply quote from the store and runs the hook.
func (l *Ledger) prepareMsg(msg models.Message) models.Message {
	msg, _ = replies.Resolve(msg, l.store.FindByID)
	if l.prepare == nil {
		return msg
	}
	return l.prepare(msg)
}
