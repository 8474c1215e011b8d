package theme

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tOgg1/chatsync/internal/logging"
	"github.com/tOgg1/chatsync/internal/models"
)

// CacheKey is the preference key holding the last applied theme.
const CacheKey = "theme_id"

var (
	// ErrNotOwner is returned when a guest tries to change the theme.
	ErrNotOwner = errors.New("only the room owner can change the theme")
	// ErrUnknownTheme is returned for ids outside the catalog.
	ErrUnknownTheme = errors.New("unknown theme")
)

// Cache is the key-value port the propagator writes through to.
type Cache interface {
	Get(key string) (string, bool)
	Set(key, value string) error
}

// Store is the subset of the timeline the propagator rewrites.
type Store interface {
	MapInPlace(pred func(models.Message) bool, update func(*models.Message)) int
}

// Viewer is the local participant.
type Viewer struct {
	ID   string
	Role models.Role
}

// Source names the channel a change arrived on.
type Source string

const (
	SourceParticipant Source = "participant"
	SourceControl     Source = "control"
	SourceRoster      Source = "roster"
	SourceLocal       Source = "local"
	SourceHistory     Source = "history"
)

// Propagator applies trusted theme changes. Its trust state is Unknown
// until an owner is anchored; after that only the anchored owner is
// trusted.
type Propagator struct {
	mu sync.Mutex

	viewer Viewer
	room   models.RoomKey
	store  Store
	cache  Cache
	logger zerolog.Logger

	ownerID     string
	current     string
	provisional bool
	// settled is set once a live or local value applied. History never
	// overrides it.
	settled bool
	authors map[string]string
}

// NewPropagator creates a propagator. The cached value, if any, becomes the
// provisional theme.
func NewPropagator(viewer Viewer, room models.RoomKey, store Store, cache Cache) *Propagator {
	p := &Propagator{
		viewer:  viewer,
		room:    room,
		store:   store,
		cache:   cache,
		current: DefaultID,
		authors: make(map[string]string),
		logger:  logging.WithRoom(logging.Component("theme"), string(room)),
	}
	if cache != nil {
		if cached, ok := cache.Get(CacheKey); ok && cached != "" {
			p.current = cached
			p.provisional = true
		}
	}
	if viewer.Role == models.RoleOwner {
		p.ownerID = viewer.ID
		p.authors[viewer.ID] = p.current
	}
	return p
}

// Theme returns the active theme id.
func (p *Propagator) Theme() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Provisional reports whether the active theme still comes from the cache.
func (p *Propagator) Provisional() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.provisional
}

// Owner returns the anchored owner id, empty while Unknown.
func (p *Propagator) Owner() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ownerID
}

// SetRoom clears trust state for a new room. Owners stay anchored to
// themselves.
func (p *Propagator) SetRoom(room models.RoomKey) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.room = room
	p.ownerID = ""
	p.settled = false
	p.authors = make(map[string]string)
	if p.viewer.Role == models.RoleOwner {
		p.ownerID = p.viewer.ID
		p.authors[p.viewer.ID] = p.current
	}
	p.logger = logging.WithRoom(logging.Component("theme"), string(room))
}

// trustedLocked evaluates the trust predicate, anchoring Unknown to an
// owner-role author.
func (p *Propagator) trustedLocked(authorID string, role models.Role) bool {
	if authorID == "" {
		return false
	}
	if p.ownerID != "" {
		return authorID == p.ownerID
	}
	if role != models.RoleOwner {
		return false
	}
	p.ownerID = authorID
	p.logger.Debug().Str("owner_id", authorID).Msg("owner anchored")
	return true
}

// ApplyParticipant handles a participant UPDATE, the primary channel.
func (p *Propagator) ApplyParticipant(part models.Participant) bool {
	if part.Theme == "" || part.Room != p.roomKey() {
		return false
	}
	return p.apply(part.ID, part.Role, part.Theme, SourceParticipant)
}

// ApplyControl handles a live in-band control message, the fallback
// channel. It returns true when msg is a control message, applied or not, so the
// caller keeps it out of the timeline.
func (p *Propagator) ApplyControl(msg models.Message) (isControl bool, applied bool) {
	id, ok := ParseControl(msg.Body)
	if !ok || !IsControl(msg) {
		return false, false
	}
	if msg.Room != p.roomKey() {
		return true, false
	}
	return true, p.apply(msg.AuthorID, msg.AuthorRole, id, SourceControl)
}

// ApplyHistory handles control messages found on a fetched page, oldest
// first. Only the newest trusted one applies, and only for guests that have
// not yet received a live value. Owners keep their own theme.
func (p *Propagator) ApplyHistory(controls []models.Message) bool {
	p.mu.Lock()
	skip := p.viewer.Role == models.RoleOwner || p.settled
	room := p.room
	p.mu.Unlock()
	if skip {
		return false
	}
	for i := len(controls) - 1; i >= 0; i-- {
		msg := controls[i]
		id, ok := ParseControl(msg.Body)
		if !ok || !IsControl(msg) || msg.Room != room {
			continue
		}
		if trusted, changed := p.applyTrusted(msg.AuthorID, msg.AuthorRole, id, SourceHistory); trusted {
			return changed
		}
	}
	return false
}

func (p *Propagator) apply(authorID string, role models.Role, id string, source Source) bool {
	_, changed := p.applyTrusted(authorID, role, id, source)
	return changed
}

func (p *Propagator) applyTrusted(authorID string, role models.Role, id string, source Source) (trusted, changed bool) {
	p.mu.Lock()
	if source == SourceHistory && p.settled {
		p.mu.Unlock()
		return false, false
	}
	if !p.trustedLocked(authorID, role) {
		p.mu.Unlock()
		p.logger.Debug().Str("author_id", authorID).Str("source", string(source)).Msg("untrusted theme change ignored")
		return false, false
	}
	changed = p.current != id || p.provisional
	p.current = id
	p.provisional = false
	if source != SourceHistory {
		p.settled = true
	}
	p.authors[authorID] = id
	p.mu.Unlock()

	p.writeThrough(id)
	p.restamp(authorID, id)
	if changed {
		p.logger.Info().Str("theme", id).Str("source", string(source)).Msg("theme applied")
	}
	return true, changed
}

// ObserveAuthor anchors Unknown to the author of an owner message found in
// history.
func (p *Propagator) ObserveAuthor(msg models.Message) bool {
	if msg.AuthorRole != models.RoleOwner || msg.AuthorID == "" {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ownerID != "" {
		return false
	}
	p.ownerID = msg.AuthorID
	return true
}

// ObserveRoster feeds the online participant list. Unknown anchors to the
// freshest online owner; an anchored owner that went offline is replaced by
// the freshest online owner. The anchored owner's participant theme is
// applied.
func (p *Propagator) ObserveRoster(online []models.Participant) bool {
	room := p.roomKey()
	var freshest *models.Participant
	byID := make(map[string]models.Participant, len(online))
	for i := range online {
		part := online[i]
		if part.Room != room {
			continue
		}
		byID[part.ID] = part
		if part.Role != models.RoleOwner {
			continue
		}
		if freshest == nil || part.LastSeen.After(freshest.LastSeen) {
			freshest = &online[i]
		}
	}

	p.mu.Lock()
	if p.viewer.Role == models.RoleOwner {
		// Owners are the source; the roster never overrides them.
		p.mu.Unlock()
		return false
	}
	if _, stillOnline := byID[p.ownerID]; !stillOnline && freshest != nil {
		p.logger.Info().Str("owner_id", freshest.ID).Str("previous", p.ownerID).Msg("owner anchored from roster")
		p.ownerID = freshest.ID
	}
	owner, ok := byID[p.ownerID]
	p.mu.Unlock()

	if !ok || owner.Theme == "" {
		return false
	}
	return p.apply(owner.ID, owner.Role, owner.Theme, SourceRoster)
}

// ChangeTheme applies an owner-initiated change locally and caches it. The
// caller then writes the participant attribute and sends the control
// message.
func (p *Propagator) ChangeTheme(id string) error {
	p.mu.Lock()
	isOwner := p.viewer.Role == models.RoleOwner
	p.mu.Unlock()
	if !isOwner {
		return ErrNotOwner
	}
	t, ok := Lookup(id)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTheme, id)
	}

	p.apply(p.viewer.ID, models.RoleOwner, t.ID, SourceLocal)
	return nil
}

// Decorate stamps the author theme known for msg's author.
func (p *Propagator) Decorate(msg models.Message) models.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id, ok := p.authors[msg.AuthorID]; ok {
		msg.AuthorTheme = id
	} else if msg.AuthorID != "" && msg.AuthorID == p.ownerID {
		msg.AuthorTheme = p.current
	}
	return msg
}

func (p *Propagator) restamp(authorID, id string) {
	if p.store == nil {
		return
	}
	p.store.MapInPlace(
		func(m models.Message) bool { return m.AuthorID == authorID && m.AuthorTheme != id },
		func(m *models.Message) { m.AuthorTheme = id },
	)
}

func (p *Propagator) writeThrough(id string) {
	if p.cache == nil {
		return
	}
	if cached, ok := p.cache.Get(CacheKey); ok && cached == id {
		return
	}
	if err := p.cache.Set(CacheKey, id); err != nil {
		p.logger.Warn().Err(err).Msg("theme cache write failed")
	}
}

func (p *Propagator) roomKey() models.RoomKey {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.room
}
