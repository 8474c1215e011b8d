package pager

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tOgg1/chatsync/internal/models"
	"github.com/tOgg1/chatsync/internal/timeline"
)

var base = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeFetcher struct {
	all   []models.Message // oldest first
	err   error
	calls int
}

func (f *fakeFetcher) FetchPage(_ context.Context, room models.RoomKey, before time.Time, limit int) ([]models.Message, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	var out []models.Message
	for i := len(f.all) - 1; i >= 0 && len(out) < limit; i-- {
		m := f.all[i]
		if m.Room != room {
			continue
		}
		if !before.IsZero() && !m.CreatedAt.Before(before) {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func history(n int) []models.Message {
	out := make([]models.Message, n)
	for i := range out {
		out[i] = models.Message{
			ID:         fmt.Sprintf("m%03d", i+1),
			AuthorID:   "u1",
			AuthorRole: models.RoleGuest,
			Kind:       models.KindText,
			Body:       fmt.Sprintf("message %d", i+1),
			CreatedAt:  base.Add(time.Duration(i+1) * time.Second),
		}
	}
	return out
}

func TestHistoryWalkUntilExhausted(t *testing.T) {
	store := timeline.New()
	fetcher := &fakeFetcher{all: history(103)}
	p := New(store, fetcher, models.DefaultRoom)

	res, err := p.LoadInitial(context.Background())
	require.NoError(t, err)
	require.Equal(t, 50, res.Added)
	require.True(t, res.HasMore)
	require.True(t, p.Cursor().Equal(base.Add(54*time.Second)))

	res, err = p.LoadOlder(context.Background())
	require.NoError(t, err)
	require.Equal(t, 50, res.Added)
	require.True(t, res.HasMore)

	res, err = p.LoadOlder(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, res.Added)
	require.False(t, res.HasMore)
	require.False(t, p.Status().HasMore)

	calls := fetcher.calls
	res, err = p.LoadOlder(context.Background())
	require.NoError(t, err)
	require.Zero(t, res.Added)
	require.Equal(t, calls, fetcher.calls, "exhausted history must not refetch")

	snap := store.Snapshot()
	require.Len(t, snap, 103)
	require.Equal(t, "m001", snap[0].ID)
	require.Equal(t, "m103", snap[102].ID)
}

func TestOverlappingPageIsDeduplicated(t *testing.T) {
	store := timeline.New()
	all := history(10)
	// Live stream already delivered the two newest.
	store.Append(all[8])
	store.Append(all[9])

	p := New(store, &fakeFetcher{all: all}, models.DefaultRoom, WithPageSize(5))
	res, err := p.LoadInitial(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, res.Added)

	res, err = p.LoadOlder(context.Background())
	require.NoError(t, err)
	require.Equal(t, 5, res.Added)
	require.True(t, res.HasMore)

	snap := store.Snapshot()
	require.Len(t, snap, 10)
	for i := 1; i < len(snap); i++ {
		require.True(t, snap[i-1].CreatedAt.Before(snap[i].CreatedAt))
	}
}

func TestFetchErrorLeavesCursor(t *testing.T) {
	store := timeline.New()
	fetcher := &fakeFetcher{all: history(120)}
	p := New(store, fetcher, models.DefaultRoom)
	_, err := p.LoadInitial(context.Background())
	require.NoError(t, err)
	cursor := p.Cursor()

	fetcher.err = errors.New("connection reset")
	_, err = p.LoadOlder(context.Background())
	var pfe *PageFetchError
	require.ErrorAs(t, err, &pfe)
	require.True(t, pfe.Before.Equal(cursor))
	require.ErrorContains(t, err, "connection reset")

	status := p.Status()
	require.True(t, status.HasMore)
	require.False(t, status.IsLoading)
	require.Error(t, status.LastError)
	require.True(t, p.Cursor().Equal(cursor))

	fetcher.err = nil
	res, err := p.LoadOlder(context.Background())
	require.NoError(t, err)
	require.Equal(t, 50, res.Added)
	require.NoError(t, p.Status().LastError)
}

func TestBeginIsReentrancyGuarded(t *testing.T) {
	p := New(timeline.New(), &fakeFetcher{}, models.DefaultRoom)

	req, ok := p.Begin()
	require.True(t, ok)
	_, ok = p.Begin()
	require.False(t, ok)
	require.True(t, p.Status().IsLoading)

	_, err := p.Complete(req, nil, nil)
	require.NoError(t, err)
	require.False(t, p.Status().IsLoading)
	require.False(t, p.Status().HasMore)
}

func TestStaleCompletionIsDiscarded(t *testing.T) {
	store := timeline.New()
	p := New(store, &fakeFetcher{}, "room-a")

	req, ok := p.Begin()
	require.True(t, ok)
	p.SetRoom("room-b", 2)

	_, err := p.Complete(req, history(3), nil)
	require.ErrorIs(t, err, ErrStale)
	require.Zero(t, store.Len())
	require.True(t, p.Status().HasMore)
}

func TestFilterDropsControlRecords(t *testing.T) {
	all := history(6)
	all[2].Body = "ACTION:THEME_CHANGE:kirby"
	all[0].Body = "ACTION:THEME_CHANGE:rowlet"

	store := timeline.New()
	p := New(store, &fakeFetcher{all: all}, models.DefaultRoom,
		WithPageSize(3),
		WithFilter(func(m models.Message) bool { return !strings.HasPrefix(m.Body, "ACTION:") }),
	)

	res, err := p.LoadInitial(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, res.Added)
	require.Empty(t, res.Filtered)

	res, err = p.LoadOlder(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Added)
	require.Len(t, res.Filtered, 2)
	require.Equal(t, "m001", res.Filtered[0].ID)
	require.True(t, res.HasMore)
	// The cursor moved past filtered records too.
	require.True(t, p.Cursor().Equal(all[0].CreatedAt))
	require.Equal(t, 4, store.Len())
}

func TestRepliesResolvedAcrossPages(t *testing.T) {
	all := history(8)
	all[7].ReplyToID = "m002" // newest page replies into older history
	all[6].ReplyToID = "m007" // self
	all[5].ReplyToID = "m005" // same page

	store := timeline.New()
	p := New(store, &fakeFetcher{all: all}, models.DefaultRoom, WithPageSize(4))

	_, err := p.LoadInitial(context.Background())
	require.NoError(t, err)
	got, _ := store.FindByID("m008")
	require.Nil(t, got.Reply)
	got, _ = store.FindByID("m006")
	require.NotNil(t, got.Reply)
	require.Equal(t, "m005", got.Reply.ID)

	_, err = p.LoadOlder(context.Background())
	require.NoError(t, err)
	got, _ = store.FindByID("m008")
	require.NotNil(t, got.Reply)
	require.Equal(t, "message 2", got.Reply.Body)

	got, _ = store.FindByID("m007")
	require.Nil(t, got.Reply)
}

func TestPrepareHookRuns(t *testing.T) {
	store := timeline.New()
	p := New(store, &fakeFetcher{all: history(2)}, models.DefaultRoom,
		WithPrepare(func(m models.Message) models.Message {
			m.AuthorTheme = "doraemon"
			return m
		}),
	)
	_, err := p.LoadInitial(context.Background())
	require.NoError(t, err)
	for _, m := range store.Snapshot() {
		require.Equal(t, "doraemon", m.AuthorTheme)
	}
}
