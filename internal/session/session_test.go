package session

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tOgg1/chatsync/internal/models"
	"github.com/tOgg1/chatsync/internal/prefs"
	"github.com/tOgg1/chatsync/internal/theme"
	"github.com/tOgg1/chatsync/internal/transport/memory"
)

const waitFor = 2 * time.Second

func testConfig(role models.Role) Config {
	cfg := DefaultConfig()
	cfg.Role = role
	cfg.ResubscribeMin = 5 * time.Millisecond
	cfg.ResubscribeMax = 20 * time.Millisecond
	cfg.DisablePresence = true
	return cfg
}

func startSession(t *testing.T, cfg Config, backend *memory.Backend, store prefs.Store) *Session {
	t.Helper()
	s := New(cfg, backend, store)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func countBody(snap []models.Message, body string) (int, models.Message) {
	var (
		n    int
		last models.Message
	)
	for _, m := range snap {
		if m.Body == body {
			n++
			last = m
		}
	}
	return n, last
}

func TestSendIsConfirmedOnce(t *testing.T) {
	backend := memory.New()
	s := startSession(t, testConfig(models.RoleGuest), backend, nil)

	pending, err := s.Send(context.Background(), models.Draft{Body: "hello"})
	require.NoError(t, err)
	require.True(t, pending.Pending)

	require.Eventually(t, func() bool {
		n, msg := countBody(s.Snapshot(), "hello")
		return n == 1 && !msg.Pending && msg.ID != pending.ID
	}, waitFor, 5*time.Millisecond)

	stored := backend.Messages(models.DefaultRoom)
	require.Len(t, stored, 1)
	_, msg := countBody(s.Snapshot(), "hello")
	require.Equal(t, stored[0].ID, msg.ID)
}

func TestHistoryPaging(t *testing.T) {
	backend := memory.New()
	for i := 0; i < 103; i++ {
		backend.Seed(models.Message{AuthorID: "peer", AuthorRole: models.RoleGuest, Kind: models.KindText, Body: fmt.Sprint(i)})
	}

	s := startSession(t, testConfig(models.RoleGuest), backend, nil)
	require.Len(t, s.Snapshot(), 50)
	require.True(t, s.Status().HasMore)

	res, err := s.LoadOlder(context.Background())
	require.NoError(t, err)
	require.Equal(t, 50, res.Added)
	require.True(t, res.HasMore)

	res, err = s.LoadOlder(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, res.Added)
	require.False(t, res.HasMore)
	require.False(t, s.Status().HasMore)

	snap := s.Snapshot()
	require.Len(t, snap, 103)
	require.Equal(t, "0", snap[0].Body)
	require.Equal(t, "102", snap[102].Body)

	res, err = s.LoadOlder(context.Background())
	require.NoError(t, err)
	require.Zero(t, res.Added)
}

func TestPageFailureIsReportedAndRetryable(t *testing.T) {
	backend := memory.New()
	backend.Seed(models.Message{AuthorID: "peer", Kind: models.KindText, Body: "old"})
	backend.SetFaults(memory.Faults{FailFetches: errors.New("offline")})

	s := startSession(t, testConfig(models.RoleGuest), backend, nil)
	require.Error(t, s.Status().LastError)
	require.Empty(t, s.Snapshot())

	backend.SetFaults(memory.Faults{})
	_, err := s.LoadOlder(context.Background())
	require.NoError(t, err)
	require.NoError(t, s.Status().LastError)
	require.Len(t, s.Snapshot(), 1)
}

func TestThemeReachesGuests(t *testing.T) {
	tests := []struct {
		name    string
		faults  memory.Faults
		wantErr string
		// restartWith restarts the owner with this cached theme after the
		// change, leaving the older control message in history.
		restartWith string
	}{
		{name: "participant feed"},
		{name: "control message fallback", faults: memory.Faults{DisableParticipantFeed: true}},
		{
			name:    "attribute write fails",
			faults:  memory.Faults{FailAttributeWrites: errors.New("attribute store down")},
			wantErr: "write theme attribute",
		},
		{name: "pushed cache beats history", restartWith: "doraemon"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := memory.New()
			backend.SetFaults(tt.faults)

			ownerPrefs := prefs.NewMemory(nil)
			owner := startSession(t, testConfig(models.RoleOwner), backend, ownerPrefs)
			guestPrefs := prefs.NewMemory(nil)
			guest := startSession(t, testConfig(models.RoleGuest), backend, guestPrefs)

			err := owner.ChangeTheme(context.Background(), "kirby")
			if tt.wantErr != "" {
				require.ErrorContains(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			require.Equal(t, "kirby", owner.Theme())

			require.Eventually(t, func() bool {
				return guest.Theme() == "kirby"
			}, waitFor, 5*time.Millisecond)

			cached, _ := guestPrefs.Get(prefs.KeyTheme)
			require.Equal(t, "kirby", cached)
			for _, m := range guest.Snapshot() {
				require.False(t, theme.IsControl(m), "control message leaked into timeline")
			}
			controls := 0
			for _, m := range backend.Messages(models.DefaultRoom) {
				if theme.IsControl(m) {
					controls++
				}
			}
			require.Equal(t, 1, controls)

			if tt.restartWith == "" {
				return
			}
			require.NoError(t, owner.Stop())
			require.NoError(t, ownerPrefs.Set(prefs.KeyTheme, tt.restartWith))
			owner = startSession(t, testConfig(models.RoleOwner), backend, ownerPrefs)
			require.Equal(t, tt.restartWith, owner.Theme())
			stored, _ := ownerPrefs.Get(prefs.KeyTheme)
			require.Equal(t, tt.restartWith, stored)
			p, ok := backend.Participant(owner.Self().ID)
			require.True(t, ok)
			require.Equal(t, tt.restartWith, p.Theme)

			require.Eventually(t, func() bool {
				return guest.Theme() == tt.restartWith
			}, waitFor, 5*time.Millisecond)

			// A guest joining now finds the stale control message in history
			// and the pushed value in the roster.
			lateCfg := testConfig(models.RoleGuest)
			lateCfg.DisablePresence = false
			late := startSession(t, lateCfg, backend, nil)
			require.Eventually(t, func() bool {
				return late.Theme() == tt.restartWith
			}, waitFor, 5*time.Millisecond)
			require.Never(t, func() bool {
				return late.Theme() != tt.restartWith
			}, 100*time.Millisecond, 5*time.Millisecond)
		})
	}
}

func TestGuestCannotChangeTheme(t *testing.T) {
	s := startSession(t, testConfig(models.RoleGuest), memory.New(), nil)
	require.ErrorIs(t, s.ChangeTheme(context.Background(), "kirby"), theme.ErrNotOwner)
	require.Equal(t, theme.DefaultID, s.Theme())
}

func TestOwnerPushesCachedTheme(t *testing.T) {
	backend := memory.New()
	store := prefs.NewMemory(nil)
	first := startSession(t, testConfig(models.RoleOwner), backend, store)
	require.NoError(t, first.ChangeTheme(context.Background(), "usagi"))
	require.NoError(t, first.Stop())

	// Another client sharing the prefs file picked a different theme.
	require.NoError(t, store.Set(prefs.KeyTheme, "doraemon"))
	second := startSession(t, testConfig(models.RoleOwner), backend, store)
	require.Equal(t, first.Self().ID, second.Self().ID)
	require.Equal(t, "usagi", second.Self().Theme)

	p, ok := backend.Participant(second.Self().ID)
	require.True(t, ok)
	require.Equal(t, "doraemon", p.Theme)
	require.Equal(t, "doraemon", second.Theme())
}

func TestResyncAfterStreamDrop(t *testing.T) {
	backend := memory.New()
	s := startSession(t, testConfig(models.RoleGuest), backend, nil)

	require.Equal(t, 1, backend.DropSubscriptions())
	_, err := backend.InsertMessage(context.Background(), models.Message{AuthorID: "peer", Kind: models.KindText, Body: "missed"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		n, _ := countBody(s.Snapshot(), "missed")
		return n == 1
	}, waitFor, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return backend.SubscriberCount() == 1
	}, waitFor, 5*time.Millisecond)

	_, err = backend.InsertMessage(context.Background(), models.Message{AuthorID: "peer", Kind: models.KindText, Body: "live"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		n, _ := countBody(s.Snapshot(), "live")
		return n == 1
	}, waitFor, 5*time.Millisecond)
}

func TestFailedSendCanBeRetried(t *testing.T) {
	backend := memory.New()
	backend.SetFaults(memory.Faults{FailInserts: errors.New("offline")})
	s := startSession(t, testConfig(models.RoleGuest), backend, nil)

	pending, err := s.Send(context.Background(), models.Draft{Body: "later"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, msg := countBody(s.Snapshot(), "later")
		return msg.Failed
	}, waitFor, 5*time.Millisecond)
	werr, ok := s.Failure(pending.ID)
	require.True(t, ok)
	require.ErrorContains(t, werr, "offline")

	backend.SetFaults(memory.Faults{})
	require.NoError(t, s.Retry(context.Background(), pending.ID))

	require.Eventually(t, func() bool {
		n, msg := countBody(s.Snapshot(), "later")
		return n == 1 && !msg.Pending && !msg.Failed
	}, waitFor, 5*time.Millisecond)
	_, ok = s.Failure(pending.ID)
	require.False(t, ok)
}

func TestReplyQuoteResolved(t *testing.T) {
	backend := memory.New()
	parent := backend.Seed(models.Message{AuthorID: "peer", AuthorRole: models.RoleOwner, Kind: models.KindText, Body: "parent"})
	s := startSession(t, testConfig(models.RoleGuest), backend, nil)

	_, err := s.Send(context.Background(), models.Draft{Body: "child", ReplyToID: parent.ID})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, msg := countBody(s.Snapshot(), "child")
		return !msg.Pending && msg.Reply != nil && msg.Reply.Body == "parent"
	}, waitFor, 5*time.Millisecond)
}

func TestSwitchRoom(t *testing.T) {
	backend := memory.New()
	backend.Seed(models.Message{AuthorID: "peer", Kind: models.KindText, Body: "lobby"})
	backend.Seed(models.Message{AuthorID: "peer", Kind: models.KindText, Body: "family only", Room: "family"})

	store := prefs.NewMemory(nil)
	s := startSession(t, testConfig(models.RoleGuest), backend, store)
	require.Len(t, s.Snapshot(), 1)

	require.NoError(t, s.SwitchRoom(context.Background(), "family"))
	require.Equal(t, models.RoomKey("family"), s.Room())
	snap := s.Snapshot()
	require.Len(t, snap, 1)
	require.Equal(t, "family only", snap[0].Body)

	last, _ := store.Get(prefs.KeyLastRoom)
	require.Equal(t, "family", last)

	_, err := backend.InsertMessage(context.Background(), models.Message{AuthorID: "peer", Kind: models.KindText, Body: "back in lobby"})
	require.NoError(t, err)
	_, err = backend.InsertMessage(context.Background(), models.Message{AuthorID: "peer", Kind: models.KindText, Body: "family news", Room: "family"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		n, _ := countBody(s.Snapshot(), "family news")
		return n == 1
	}, waitFor, 5*time.Millisecond)
	n, _ := countBody(s.Snapshot(), "back in lobby")
	require.Zero(t, n)
}

func TestPresenceCountsSelf(t *testing.T) {
	cfg := testConfig(models.RoleGuest)
	cfg.DisablePresence = false
	s := startSession(t, cfg, memory.New(), nil)

	require.Eventually(t, func() bool {
		return s.OnlineCount() == 1
	}, waitFor, 5*time.Millisecond)
}

func TestStopEndsSession(t *testing.T) {
	s := New(testConfig(models.RoleGuest), memory.New(), nil)
	_, err := s.Send(context.Background(), models.Draft{Body: "x"})
	require.ErrorIs(t, err, ErrNotStarted)

	require.NoError(t, s.Start(context.Background()))
	require.ErrorIs(t, s.Start(context.Background()), ErrAlreadyStarted)
	require.NoError(t, s.Stop())
	require.ErrorIs(t, s.Stop(), ErrNotStarted)

	_, err = s.Send(context.Background(), models.Draft{Body: "x"})
	require.ErrorIs(t, err, ErrStopped)
}

func TestSessionTokenIsReused(t *testing.T) {
	backend := memory.New()
	store := prefs.NewMemory(nil)

	first := startSession(t, testConfig(models.RoleGuest), backend, store)
	id := first.Self().ID
	require.NoError(t, first.Stop())

	second := startSession(t, testConfig(models.RoleGuest), backend, store)
	require.Equal(t, id, second.Self().ID)
}
