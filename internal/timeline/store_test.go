package timeline

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tOgg1/chatsync/internal/models"
)

var base = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func msgAt(id string, sec int) models.Message {
	return models.Message{
		ID:         id,
		AuthorID:   "u1",
		AuthorRole: models.RoleGuest,
		Kind:       models.KindText,
		Body:       id,
		CreatedAt:  base.Add(time.Duration(sec) * time.Second),
	}
}

func ids(msgs []models.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func requireOrdered(t *testing.T, msgs []models.Message) {
	t.Helper()
	seen := map[string]bool{}
	for i, m := range msgs {
		require.False(t, seen[m.ID], "duplicate id %s", m.ID)
		seen[m.ID] = true
		if i > 0 {
			require.False(t, m.CreatedAt.Before(msgs[i-1].CreatedAt), "order broken at %d", i)
		}
	}
}

func TestAppendIsIdempotent(t *testing.T) {
	s := New()
	require.True(t, s.Append(msgAt("a", 1)))
	require.False(t, s.Append(msgAt("a", 1)))
	require.False(t, s.Append(msgAt("a", 5)))
	require.Equal(t, 1, s.Len())
	require.Equal(t, uint64(1), s.Version())
}

func TestAppendOlderRecordInsertsSorted(t *testing.T) {
	s := New()
	s.Append(msgAt("a", 1))
	s.Append(msgAt("c", 3))
	s.Append(msgAt("b", 2))

	require.Equal(t, []string{"a", "b", "c"}, ids(s.Snapshot()))
}

func TestAppendTiesKeepArrivalOrder(t *testing.T) {
	s := New()
	s.Append(msgAt("x", 1))
	s.Append(msgAt("y", 1))
	s.Append(msgAt("z", 1))

	require.Equal(t, []string{"x", "y", "z"}, ids(s.Snapshot()))
}

func TestAppendRejectsBadInput(t *testing.T) {
	s := New()
	require.False(t, s.Append(models.Message{ID: "", CreatedAt: base}))
	require.False(t, s.Append(models.Message{ID: "x"}))
	require.Zero(t, s.Len())
	require.Zero(t, s.Version())
}

func TestPrependSkipsDuplicatesAndMerges(t *testing.T) {
	s := New()
	s.Append(msgAt("m5", 5))
	s.Append(msgAt("m7", 7))

	// Newest-first order with an overlap and an internal duplicate.
	added := s.Prepend([]models.Message{
		msgAt("m6", 6),
		msgAt("m5", 5),
		msgAt("m3", 3),
		msgAt("m3", 3),
		msgAt("m1", 1),
	})

	require.Equal(t, 3, added)
	snap := s.Snapshot()
	require.Equal(t, []string{"m1", "m3", "m5", "m6", "m7"}, ids(snap))
	requireOrdered(t, snap)
}

func TestPrependNothingNewDoesNotNotify(t *testing.T) {
	s := New()
	s.Append(msgAt("a", 1))
	calls := 0
	s.Subscribe(func(Change) { calls++ })

	require.Zero(t, s.Prepend([]models.Message{msgAt("a", 1)}))
	require.Zero(t, calls)
}

func TestReplaceKeepsPosition(t *testing.T) {
	s := New()
	s.Append(msgAt("a", 1))
	tmp := msgAt("tmp", 2)
	tmp.Pending = true
	s.Append(tmp)
	s.Append(msgAt("c", 3))

	confirmed := msgAt("S1", 2)
	require.True(t, s.Replace("tmp", confirmed))

	snap := s.Snapshot()
	require.Equal(t, []string{"a", "S1", "c"}, ids(snap))
	require.False(t, snap[1].Pending)
	require.False(t, s.Has("tmp"))
}

func TestReplaceMovesWhenOrderWouldBreak(t *testing.T) {
	s := New()
	s.Append(msgAt("tmp", 1))
	s.Append(msgAt("b", 2))
	s.Append(msgAt("c", 3))

	// The server clock put the confirmation after b.
	require.True(t, s.Replace("tmp", msgAt("S1", 4)))
	snap := s.Snapshot()
	require.Equal(t, []string{"b", "c", "S1"}, ids(snap))
	requireOrdered(t, snap)
}

func TestReplaceCollapsesIntoExisting(t *testing.T) {
	s := New()
	s.Append(msgAt("tmp", 1))
	s.Append(msgAt("S1", 2))

	require.True(t, s.Replace("tmp", msgAt("S1", 2)))
	require.Equal(t, []string{"S1"}, ids(s.Snapshot()))
}

func TestReplaceUnknownOrInvalid(t *testing.T) {
	s := New()
	s.Append(msgAt("a", 1))
	require.False(t, s.Replace("missing", msgAt("b", 2)))
	require.False(t, s.Replace("a", models.Message{ID: "b"}))
	require.Equal(t, []string{"a"}, ids(s.Snapshot()))
}

func TestMapInPlaceCannotReorder(t *testing.T) {
	s := New()
	s.Append(msgAt("a", 1))
	s.Append(msgAt("b", 2))

	n := s.MapInPlace(func(m models.Message) bool { return m.ID == "a" }, func(m *models.Message) {
		m.AuthorTheme = "kirby"
		m.ID = "hijack"
		m.CreatedAt = base.Add(time.Hour)
	})
	require.Equal(t, 1, n)

	got, ok := s.FindByID("a")
	require.True(t, ok)
	require.Equal(t, "kirby", got.AuthorTheme)
	require.Equal(t, []string{"a", "b"}, ids(s.Snapshot()))
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	s := New()
	m := msgAt("a", 1)
	m.Reply = &models.ReplySnapshot{ID: "p", Body: "orig"}
	s.Append(m)

	snap := s.Snapshot()
	snap[0].Reply.Body = "mutated"
	snap[0].Body = "mutated"

	got, _ := s.FindByID("a")
	require.Equal(t, "orig", got.Reply.Body)
	require.Equal(t, "a", got.Body)
}

func TestSubscribeNotifiesOncePerMutation(t *testing.T) {
	s := New()
	var changes []Change
	cancel := s.Subscribe(func(c Change) {
		// Reading from inside the callback must not deadlock.
		_ = s.Len()
		changes = append(changes, c)
	})

	s.Append(msgAt("a", 1))
	s.Prepend([]models.Message{msgAt("b", 0), msgAt("c", -1)})
	s.Replace("a", msgAt("A", 1))
	s.Reset(nil)
	cancel()
	s.Append(msgAt("z", 9))

	require.Len(t, changes, 4)
	require.Equal(t, OpAppend, changes[0].Op)
	require.Equal(t, OpPrepend, changes[1].Op)
	require.Equal(t, 2, changes[1].Count)
	require.Equal(t, OpReplace, changes[2].Op)
	require.Equal(t, OpReset, changes[3].Op)
	require.Equal(t, uint64(4), changes[3].Version)
}

func TestOldest(t *testing.T) {
	s := New()
	_, ok := s.Oldest()
	require.False(t, ok)

	s.Append(msgAt("b", 5))
	s.Prepend([]models.Message{msgAt("a", 2)})
	oldest, ok := s.Oldest()
	require.True(t, ok)
	require.True(t, oldest.Equal(base.Add(2*time.Second)))
}

func TestConcurrentAppendKeepsInvariant(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				// Every worker writes the same identities.
				s.Append(msgAt(fmt.Sprintf("m%02d", i), (i*7)%50))
				_ = s.Snapshot()
			}
		}(w)
	}
	wg.Wait()

	snap := s.Snapshot()
	require.Len(t, snap, 50)
	requireOrdered(t, snap)
}
