package tui

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/require"

	"github.com/tOgg1/chatsync/internal/models"
	"github.com/tOgg1/chatsync/internal/pager"
	"github.com/tOgg1/chatsync/internal/theme"
)

type fakeSession struct {
	mu       sync.Mutex
	messages []models.Message
	status   pager.Status
	themeID  string
	self     models.Participant
	changes  chan struct{}

	sent     []models.Draft
	retried  []string
	themes   []string
	older    int
	themeErr error
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		themeID: theme.DefaultID,
		self:    models.Participant{ID: "self-0001", Role: models.RoleGuest},
		status:  pager.Status{HasMore: true},
		changes: make(chan struct{}, 1),
	}
}

func (f *fakeSession) Snapshot() []models.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Message(nil), f.messages...)
}

func (f *fakeSession) Status() pager.Status { return f.status }
func (f *fakeSession) Theme() string { return f.themeID }
func (f *fakeSession) OnlineCount() int { return 2 }
func (f *fakeSession) Self() models.Participant { return f.self }
func (f *fakeSession) Changes() <-chan struct{} { return f.changes }

func (f *fakeSession) Send(_ context.Context, d models.Draft) (models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, d)
	return models.Message{ID: "tmp", Body: d.Body, Pending: true}, nil
}

func (f *fakeSession) Retry(_ context.Context, id string) error {
	f.retried = append(f.retried, id)
	return nil
}

func (f *fakeSession) LoadOlder(context.Context) (pager.Result, error) {
	f.older++
	return pager.Result{Added: 50, HasMore: true}, nil
}

func (f *fakeSession) ChangeTheme(_ context.Context, id string) error {
	f.themes = append(f.themes, id)
	return f.themeErr
}

func typeLine(t *testing.T, m *Model, line string) tea.Msg {
	t.Helper()
	for _, r := range line {
		m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}})
	}
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	if cmd == nil {
		return nil
	}
	return cmd()
}

func TestParseInput(t *testing.T) {
	tests := []struct {
		line    string
		kind    commandKind
		arg     string
		draft   models.Draft
		wantErr bool
	}{
		{line: "hello there", kind: cmdSend, draft: models.Draft{Kind: models.KindText, Body: "hello there"}},
		{line: "//not a command", kind: cmdSend, draft: models.Draft{Kind: models.KindText, Body: "/not a command"}},
		{line: "/older", kind: cmdOlder},
		{line: "/theme Kirby", kind: cmdTheme, arg: "kirby"},
		{line: "/theme", wantErr: true},
		{line: "/reply abc12 sounds good", kind: cmdReply, arg: "abc12", draft: models.Draft{Kind: models.KindText, Body: "sounds good"}},
		{line: "/reply abc12", kind: cmdReply, arg: "abc12", draft: models.Draft{Kind: models.KindText}},
		{line: "/image https://x/cat.png look", kind: cmdSend, draft: models.Draft{Kind: models.KindImage, Body: "look", MediaURL: "https://x/cat.png"}},
		{line: "/audio https://x/a.ogg", kind: cmdSend, draft: models.Draft{Kind: models.KindAudio, MediaURL: "https://x/a.ogg"}},
		{line: "/audio", wantErr: true},
		{line: "/retry 1234", kind: cmdRetry, arg: "1234"},
		{line: "/quit", kind: cmdQuit},
		{line: "/dance", wantErr: true},
		{line: "   ", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, err := parseInput(tt.line)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.kind, got.kind)
			require.Equal(t, tt.arg, got.arg)
			require.Equal(t, tt.draft, got.draft)
		})
	}
}

func TestResolveID(t *testing.T) {
	snap := []models.Message{{ID: "abcd-1"}, {ID: "abce-2"}, {ID: "ffff-3"}}

	m, err := resolveID(snap, "ff")
	require.NoError(t, err)
	require.Equal(t, "ffff-3", m.ID)

	_, err = resolveID(snap, "abc")
	require.ErrorContains(t, err, "ambiguous")

	_, err = resolveID(snap, "zzz")
	require.Error(t, err)
}

func TestEnterSendsDraft(t *testing.T) {
	fake := newFakeSession()
	m := NewModel(fake, Config{})

	res := typeLine(t, m, "hello")
	require.Equal(t, actionResultMsg{action: "send"}, res)
	require.Len(t, fake.sent, 1)
	require.Equal(t, "hello", fake.sent[0].Body)
	require.Empty(t, m.input)
}

func TestReplyTargetAppliesToNextSend(t *testing.T) {
	fake := newFakeSession()
	fake.messages = []models.Message{{ID: "parent-123", AuthorID: "o", AuthorRole: models.RoleOwner, Kind: models.KindText, Body: "question?", CreatedAt: time.Now()}}
	m := NewModel(fake, Config{})

	require.Nil(t, typeLine(t, m, "/reply parent"))
	require.NotNil(t, m.replyTo)
	require.Contains(t, m.View(), "replying to parent-1")

	typeLine(t, m, "answer")
	require.Len(t, fake.sent, 1)
	require.Equal(t, "parent-123", fake.sent[0].ReplyToID)
	require.Nil(t, m.replyTo)
}

func TestThemeCommand(t *testing.T) {
	fake := newFakeSession()
	m := NewModel(fake, Config{})

	require.Nil(t, typeLine(t, m, "/theme nosuch"))
	require.Contains(t, m.toast, "unknown theme")
	require.Empty(t, fake.themes)

	res := typeLine(t, m, "/theme kirby")
	require.Equal(t, []string{"kirby"}, fake.themes)
	m.Update(res)
	require.Equal(t, "theme set to kirby", m.toast)

	fake.themeErr = errors.New("only the owner can change the theme")
	m.Update(typeLine(t, m, "/theme usagi"))
	require.Contains(t, m.toast, "theme failed")
}

func TestRetryOnlyFailed(t *testing.T) {
	fake := newFakeSession()
	fake.messages = []models.Message{
		{ID: "ok-message", AuthorID: "self-0001", Body: "fine", CreatedAt: time.Now()},
		{ID: "bad-message", AuthorID: "self-0001", Body: "stuck", CreatedAt: time.Now(), Pending: true, Failed: true},
	}
	m := NewModel(fake, Config{})

	require.Nil(t, typeLine(t, m, "/retry ok-"))
	require.Contains(t, m.toast, "has not failed")

	typeLine(t, m, "/retry bad")
	require.Equal(t, []string{"bad-message"}, fake.retried)
}

func TestRenderMarkers(t *testing.T) {
	fake := newFakeSession()
	now := time.Now()
	fake.messages = []models.Message{
		{ID: "owner-msg-1", AuthorID: "owner-1", AuthorRole: models.RoleOwner, Kind: models.KindText, Body: "welcome", CreatedAt: now},
		{ID: "tmp-pending", AuthorID: "self-0001", Kind: models.KindText, Body: "on its way", CreatedAt: now, Pending: true},
		{ID: "tmp-failed1", AuthorID: "self-0001", Kind: models.KindText, Body: "lost", CreatedAt: now, Pending: true, Failed: true},
		{ID: "reply-msg-1", AuthorID: "guest-22", AuthorRole: models.RoleGuest, Kind: models.KindText, Body: "agreed", CreatedAt: now,
			ReplyToID: "owner-msg-1", Reply: &models.ReplySnapshot{ID: "owner-msg-1", AuthorRole: models.RoleOwner, Kind: models.KindText, Body: "welcome"}},
		{ID: "orphan-msg1", AuthorID: "guest-22", AuthorRole: models.RoleGuest, Kind: models.KindText, Body: "re?", CreatedAt: now, ReplyToID: "gone"},
		{ID: "image-msg-1", AuthorID: "guest-22", AuthorRole: models.RoleGuest, Kind: models.KindImage, Body: "[image]", MediaURL: "https://x/cat.png", CreatedAt: now},
	}
	m := NewModel(fake, Config{})
	m.Update(tea.WindowSizeMsg{Width: 100, Height: 60})

	out := m.View()
	require.Contains(t, out, "owner")
	require.Contains(t, out, "you")
	require.Contains(t, out, "… sending")
	require.Contains(t, out, "/retry tmp-fail")
	require.Contains(t, out, "│ owner: welcome")
	require.Contains(t, out, "original message unavailable")
	require.Contains(t, out, "https://x/cat.png")
	require.Contains(t, out, "2 online")
	require.Contains(t, out, "theme "+theme.DefaultID)
}

func TestChangeRefreshesAndRelistens(t *testing.T) {
	fake := newFakeSession()
	m := NewModel(fake, Config{})

	fake.mu.Lock()
	fake.messages = append(fake.messages, models.Message{ID: "new", AuthorID: "x", Body: "fresh", CreatedAt: time.Now()})
	fake.mu.Unlock()
	fake.themeID = "kirby"

	_, cmd := m.Update(changedMsg{})
	require.NotNil(t, cmd)
	require.Len(t, m.messages, 1)
	require.Equal(t, "kirby", m.styles.ThemeID)

	fake.changes <- struct{}{}
	require.Equal(t, changedMsg{}, cmd())
}

func TestScrollPastTopLoadsOlder(t *testing.T) {
	fake := newFakeSession()
	for i := 0; i < 30; i++ {
		fake.messages = append(fake.messages, models.Message{ID: strings.Repeat("m", 3) + string(rune('a'+i)), AuthorID: "x", Body: "line", CreatedAt: time.Now()})
	}
	m := NewModel(fake, Config{Compact: true})
	m.Update(tea.WindowSizeMsg{Width: 80, Height: 10})

	var cmd tea.Cmd
	for i := 0; i < 40 && cmd == nil; i++ {
		_, cmd = m.Update(tea.KeyMsg{Type: tea.KeyPgUp})
	}
	require.NotNil(t, cmd)
	cmd()
	require.Equal(t, 1, fake.older)
}
