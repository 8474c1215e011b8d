package theme

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tOgg1/chatsync/internal/models"
	"github.com/tOgg1/chatsync/internal/timeline"
)

type mapCache struct {
	values map[string]string
	writes int
	err    error
}

func newMapCache(seed map[string]string) *mapCache {
	c := &mapCache{values: map[string]string{}}
	for k, v := range seed {
		c.values[k] = v
	}
	return c
}

func (c *mapCache) Get(key string) (string, bool) {
	v, ok := c.values[key]
	return v, ok
}

func (c *mapCache) Set(key, value string) error {
	c.writes++
	if c.err != nil {
		return c.err
	}
	c.values[key] = value
	return nil
}

var base = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func text(id, author string, role models.Role, body string) models.Message {
	return models.Message{
		ID:         id,
		AuthorID:   author,
		AuthorRole: role,
		Kind:       models.KindText,
		Body:       body,
		CreatedAt:  base,
	}
}

func guestPropagator(t *testing.T, cache Cache) (*Propagator, *timeline.Store) {
	t.Helper()
	store := timeline.New()
	store.Append(text("o1", "owner-1", models.RoleOwner, "welcome"))
	store.Append(text("g1", "guest-9", models.RoleGuest, "hi"))
	return NewPropagator(Viewer{ID: "me", Role: models.RoleGuest}, models.DefaultRoom, store, cache), store
}

func TestCatalog(t *testing.T) {
	require.Len(t, IDs(), 10)
	require.Equal(t, DefaultID, IDs()[0])
	require.Equal(t, "kirby", Resolve("KIRBY").ID)
	require.Equal(t, DefaultID, Resolve("nope").ID)

	id, ok := ParseControl("ACTION:THEME_CHANGE:doraemon")
	require.True(t, ok)
	require.Equal(t, "doraemon", id)
	_, ok = ParseControl("ACTION:THEME_CHANGE:")
	require.False(t, ok)
	require.True(t, IsControl(text("c", "a", models.RoleOwner, ControlBody("usagi"))))
	require.False(t, IsControl(text("c", "a", models.RoleOwner, "hello")))
}

func TestGuestChangeIgnoredWhileUnknown(t *testing.T) {
	p, _ := guestPropagator(t, nil)

	applied := p.ApplyParticipant(models.Participant{ID: "guest-9", Role: models.RoleGuest, Theme: "kirby"})
	require.False(t, applied)
	require.Equal(t, DefaultID, p.Theme())
	require.Empty(t, p.Owner())
}

func TestOwnerChangeAnchorsAndRestamps(t *testing.T) {
	cache := newMapCache(nil)
	p, store := guestPropagator(t, cache)

	require.True(t, p.ApplyParticipant(models.Participant{ID: "owner-1", Role: models.RoleOwner, Theme: "rowlet"}))
	require.Equal(t, "rowlet", p.Theme())
	require.Equal(t, "owner-1", p.Owner())
	require.Equal(t, "rowlet", cache.values[CacheKey])

	owned, _ := store.FindByID("o1")
	require.Equal(t, "rowlet", owned.AuthorTheme)
	guest, _ := store.FindByID("g1")
	require.Empty(t, guest.AuthorTheme)

	// Once anchored, another owner-role author is not trusted.
	require.False(t, p.ApplyParticipant(models.Participant{ID: "impostor", Role: models.RoleOwner, Theme: "kirby"}))
	require.Equal(t, "rowlet", p.Theme())
}

func TestApplyIsIdempotent(t *testing.T) {
	cache := newMapCache(nil)
	p, store := guestPropagator(t, cache)
	change := models.Participant{ID: "owner-1", Role: models.RoleOwner, Theme: "bulbasaur"}

	require.True(t, p.ApplyParticipant(change))
	version := store.Version()
	writes := cache.writes

	require.False(t, p.ApplyParticipant(change))
	isControl, applied := p.ApplyControl(text("c1", "owner-1", models.RoleOwner, ControlBody("bulbasaur")))
	require.True(t, isControl)
	require.False(t, applied)
	require.Equal(t, version, store.Version())
	require.Equal(t, writes, cache.writes)
}

func TestControlChannelMatchesParticipantChannel(t *testing.T) {
	viaParticipant, storeA := guestPropagator(t, nil)
	viaControl, storeB := guestPropagator(t, nil)

	viaParticipant.ApplyParticipant(models.Participant{ID: "owner-1", Role: models.RoleOwner, Theme: "hachiware"})
	_, applied := viaControl.ApplyControl(text("c1", "owner-1", models.RoleOwner, ControlBody("hachiware")))
	require.True(t, applied)

	require.Equal(t, viaParticipant.Theme(), viaControl.Theme())
	require.Equal(t, viaParticipant.Owner(), viaControl.Owner())
	require.Equal(t, storeA.Snapshot(), storeB.Snapshot())
}

func TestControlFromOtherRoomOrGuest(t *testing.T) {
	p, _ := guestPropagator(t, nil)

	other := text("c1", "owner-1", models.RoleOwner, ControlBody("kirby"))
	other.Room = "elsewhere"
	isControl, applied := p.ApplyControl(other)
	require.True(t, isControl)
	require.False(t, applied)

	isControl, applied = p.ApplyControl(text("c2", "guest-9", models.RoleGuest, ControlBody("kirby")))
	require.True(t, isControl)
	require.False(t, applied)

	isControl, _ = p.ApplyControl(text("m", "owner-1", models.RoleOwner, "just chatting"))
	require.False(t, isControl)
	require.Equal(t, DefaultID, p.Theme())
}

func TestCachedValueIsProvisional(t *testing.T) {
	cache := newMapCache(map[string]string{CacheKey: "usagi"})
	p, _ := guestPropagator(t, cache)
	require.Equal(t, "usagi", p.Theme())
	require.True(t, p.Provisional())

	// A trusted value equal to the cache still settles it.
	require.True(t, p.ApplyParticipant(models.Participant{ID: "owner-1", Role: models.RoleOwner, Theme: "usagi"}))
	require.False(t, p.Provisional())

	require.True(t, p.ApplyParticipant(models.Participant{ID: "owner-1", Role: models.RoleOwner, Theme: "shaymin"}))
	require.Equal(t, "shaymin", cache.values[CacheKey])
}

func TestCacheWriteFailureDoesNotBlockApply(t *testing.T) {
	cache := newMapCache(nil)
	cache.err = errors.New("disk full")
	p, _ := guestPropagator(t, cache)

	require.True(t, p.ApplyParticipant(models.Participant{ID: "owner-1", Role: models.RoleOwner, Theme: "kirby"}))
	require.Equal(t, "kirby", p.Theme())
}

func TestChangeTheme(t *testing.T) {
	guest, _ := guestPropagator(t, nil)
	require.ErrorIs(t, guest.ChangeTheme("kirby"), ErrNotOwner)

	store := timeline.New()
	store.Append(text("mine", "boss", models.RoleOwner, "hello"))
	cache := newMapCache(nil)
	owner := NewPropagator(Viewer{ID: "boss", Role: models.RoleOwner}, models.DefaultRoom, store, cache)

	require.ErrorIs(t, owner.ChangeTheme("pikachu"), ErrUnknownTheme)
	require.NoError(t, owner.ChangeTheme("Doraemon"))
	require.Equal(t, "doraemon", owner.Theme())
	require.Equal(t, "doraemon", cache.values[CacheKey])
	mine, _ := store.FindByID("mine")
	require.Equal(t, "doraemon", mine.AuthorTheme)

	// Owners only trust themselves.
	_, applied := owner.ApplyControl(text("c", "other-owner", models.RoleOwner, ControlBody("kirby")))
	require.False(t, applied)
	require.False(t, owner.ObserveRoster([]models.Participant{{ID: "other-owner", Role: models.RoleOwner, Theme: "kirby", LastSeen: base}}))
	require.Equal(t, "doraemon", owner.Theme())
}

func TestObserveRosterAnchorsAndReanchors(t *testing.T) {
	p, _ := guestPropagator(t, nil)

	roster := []models.Participant{
		{ID: "guest-9", Role: models.RoleGuest, Theme: "kirby", LastSeen: base.Add(time.Minute)},
		{ID: "owner-old", Role: models.RoleOwner, Theme: "rowlet", LastSeen: base},
		{ID: "owner-1", Role: models.RoleOwner, Theme: "chiikawa", LastSeen: base.Add(30 * time.Second)},
	}
	require.True(t, p.ObserveRoster(roster))
	require.Equal(t, "owner-1", p.Owner())
	require.Equal(t, "chiikawa", p.Theme())

	// Same roster again changes nothing.
	require.False(t, p.ObserveRoster(roster))

	// The anchored owner went offline; the remaining owner takes over.
	require.True(t, p.ObserveRoster(roster[:2]))
	require.Equal(t, "owner-old", p.Owner())
	require.Equal(t, "rowlet", p.Theme())

	// Nobody online keeps the last anchor.
	require.False(t, p.ObserveRoster(nil))
	require.Equal(t, "owner-old", p.Owner())
}

func TestObserveAuthorAnchorsFromHistory(t *testing.T) {
	p, _ := guestPropagator(t, nil)
	require.False(t, p.ObserveAuthor(text("g", "guest-9", models.RoleGuest, "x")))
	require.True(t, p.ObserveAuthor(text("o", "owner-1", models.RoleOwner, "x")))
	require.False(t, p.ObserveAuthor(text("o2", "owner-2", models.RoleOwner, "x")))
	require.Equal(t, "owner-1", p.Owner())

	// A participant change from a different owner-role id is now rejected.
	require.False(t, p.ApplyParticipant(models.Participant{ID: "owner-2", Role: models.RoleOwner, Theme: "kirby"}))
}

func TestDecorate(t *testing.T) {
	p, _ := guestPropagator(t, nil)
	p.ApplyParticipant(models.Participant{ID: "owner-1", Role: models.RoleOwner, Theme: "backkom"})

	require.Equal(t, "backkom", p.Decorate(text("n", "owner-1", models.RoleOwner, "new")).AuthorTheme)
	require.Empty(t, p.Decorate(text("n", "guest-9", models.RoleGuest, "new")).AuthorTheme)
}

func TestSetRoomResetsTrust(t *testing.T) {
	p, _ := guestPropagator(t, nil)
	p.ApplyParticipant(models.Participant{ID: "owner-1", Role: models.RoleOwner, Theme: "kirby"})
	p.SetRoom("room-2")

	require.Empty(t, p.Owner())
	require.Equal(t, "kirby", p.Theme())
	require.False(t, p.ApplyParticipant(models.Participant{ID: "owner-1", Role: models.RoleOwner, Theme: "usagi"}),
		"participant from the previous room must be ignored")
	require.True(t, p.ApplyParticipant(models.Participant{ID: "owner-7", Role: models.RoleOwner, Theme: "usagi", Room: "room-2"}))
}

func TestApplyHistoryUsesNewestTrustedControl(t *testing.T) {
	cache := newMapCache(nil)
	p, _ := guestPropagator(t, cache)

	older := text("c1", "owner-1", models.RoleOwner, ControlBody("rowlet"))
	newer := text("c2", "owner-1", models.RoleOwner, ControlBody("usagi"))
	newer.CreatedAt = base.Add(time.Minute)
	forged := text("c3", "guest-9", models.RoleGuest, ControlBody("kirby"))
	forged.CreatedAt = base.Add(2 * time.Minute)

	require.True(t, p.ApplyHistory([]models.Message{older, newer, forged}))
	require.Equal(t, "usagi", p.Theme())
	require.Equal(t, "owner-1", p.Owner())
	require.Equal(t, "usagi", cache.values[CacheKey])
}

func TestApplyHistoryNeverOverridesLiveValue(t *testing.T) {
	cache := newMapCache(nil)
	p, _ := guestPropagator(t, cache)
	require.True(t, p.ApplyParticipant(models.Participant{ID: "owner-1", Role: models.RoleOwner, Theme: "doraemon"}))

	stale := text("c1", "owner-1", models.RoleOwner, ControlBody("usagi"))
	require.False(t, p.ApplyHistory([]models.Message{stale}))
	require.Equal(t, "doraemon", p.Theme())
	require.Equal(t, "doraemon", cache.values[CacheKey])

	// A live control message still applies.
	_, applied := p.ApplyControl(text("c2", "owner-1", models.RoleOwner, ControlBody("kirby")))
	require.True(t, applied)
	require.Equal(t, "kirby", p.Theme())
}

func TestApplyHistoryIgnoredByOwner(t *testing.T) {
	cache := newMapCache(map[string]string{CacheKey: "doraemon"})
	owner := NewPropagator(Viewer{ID: "boss", Role: models.RoleOwner}, models.DefaultRoom, timeline.New(), cache)

	stale := text("c1", "boss", models.RoleOwner, ControlBody("usagi"))
	require.False(t, owner.ApplyHistory([]models.Message{stale}))
	require.Equal(t, "doraemon", owner.Theme())
	require.Equal(t, "doraemon", cache.values[CacheKey])
}

func TestSetRoomAllowsHistoryAgain(t *testing.T) {
	p, _ := guestPropagator(t, nil)
	require.True(t, p.ApplyParticipant(models.Participant{ID: "owner-1", Role: models.RoleOwner, Theme: "kirby"}))
	p.SetRoom("room-2")

	ctl := text("c1", "owner-7", models.RoleOwner, ControlBody("bulbasaur"))
	ctl.Room = "room-2"
	require.True(t, p.ApplyHistory([]models.Message{ctl}))
	require.Equal(t, "bulbasaur", p.Theme())
}
