// Package tui is the terminal chat client.
package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"

	"github.com/tOgg1/chatsync/internal/logging"
	"github.com/tOgg1/chatsync/internal/models"
	"github.com/tOgg1/chatsync/internal/pager"
	"github.com/tOgg1/chatsync/internal/theme"
)

const (
	actionTimeout = 15 * time.Second
	toastDuration = 3 * time.Second
)

// Session is what the UI drives.
type Session interface {
	Snapshot() []models.Message
	Status() pager.Status
	Theme() string
	OnlineCount() int
	Self() models.Participant
	Changes() <-chan struct{}
	Send(ctx context.Context, draft models.Draft) (models.Message, error)
	Retry(ctx context.Context, tempID string) error
	LoadOlder(ctx context.Context) (pager.Result, error)
	ChangeTheme(ctx context.Context, id string) error
}

// Config holds display options.
type Config struct {
	ShowTimestamps bool
	Compact        bool
}

// Model is the bubbletea model for one session.
type Model struct {
	session Session
	cfg     Config
	logger  zerolog.Logger
	colors  *authorColors
	styles  palette

	width  int
	height int

	messages []models.Message
	status   pager.Status
	online   int
	self     models.Participant

	input   string
	replyTo *models.Message
	scroll  int

	toast      string
	toastUntil time.Time
	now        func() time.Time
}

type changedMsg struct{}

type actionResultMsg struct {
	action string
	info   string
	err    error
}

// NewModel creates a model bound to session.
func NewModel(session Session, cfg Config) *Model {
	m := &Model{
		session: session,
		cfg:     cfg,
		logger:  logging.Component("tui"),
		colors:  newAuthorColors(),
		now:     time.Now,
	}
	m.refresh()
	return m
}

// Run starts the program in the alternate screen until the user quits or
// ctx ends.
func Run(ctx context.Context, session Session, cfg Config) error {
	program := tea.NewProgram(NewModel(session, cfg), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := program.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func (m *Model) Init() tea.Cmd {
	return waitForChange(m.session.Changes())
}

func waitForChange(ch <-chan struct{}) tea.Cmd {
	return func() tea.Msg {
		if _, ok := <-ch; !ok {
			return nil
		}
		return changedMsg{}
	}
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch typed := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = typed.Width
		m.height = typed.Height
		return m, nil
	case changedMsg:
		m.refresh()
		return m, waitForChange(m.session.Changes())
	case actionResultMsg:
		m.handleResult(typed)
		m.refresh()
		return m, nil
	case tea.KeyMsg:
		return m, m.handleKey(typed)
	}
	return m, nil
}

// refresh copies session state into the model.
func (m *Model) refresh() {
	m.messages = m.session.Snapshot()
	m.status = m.session.Status()
	m.online = m.session.OnlineCount()
	m.self = m.session.Self()
	if id := m.session.Theme(); id != m.styles.ThemeID {
		m.styles = newPalette(id)
	}
}

func (m *Model) handleResult(res actionResultMsg) {
	if res.err != nil {
		m.logger.Warn().Err(res.err).Str("action", res.action).Msg("action failed")
		m.setToast(res.action + " failed: " + res.err.Error())
		return
	}
	if res.info != "" {
		m.setToast(res.info)
	}
}

func (m *Model) handleKey(msg tea.KeyMsg) tea.Cmd {
	switch msg.String() {
	case "ctrl+c":
		return tea.Quit
	case "esc":
		if m.replyTo != nil {
			m.replyTo = nil
			return nil
		}
		m.input = ""
		return nil
	case "backspace", "ctrl+h":
		if len(m.input) > 0 {
			runes := []rune(m.input)
			m.input = string(runes[:len(runes)-1])
		}
		return nil
	case "ctrl+u":
		m.input = ""
		return nil
	case "pgup":
		return m.scrollBy(m.pageStep())
	case "pgdown":
		return m.scrollBy(-m.pageStep())
	case "end":
		m.scroll = 0
		return nil
	case "enter":
		line := m.input
		m.input = ""
		return m.submit(line)
	}

	switch msg.Type {
	case tea.KeySpace:
		m.input += " "
	case tea.KeyRunes:
		m.input += string(msg.Runes)
	}
	return nil
}

func (m *Model) pageStep() int {
	if m.height <= 6 {
		return 3
	}
	return (m.height - 4) / 2
}

// scrollBy moves the viewport; scrolling past the top asks for older
// history.
func (m *Model) scrollBy(delta int) tea.Cmd {
	m.scroll += delta
	if m.scroll < 0 {
		m.scroll = 0
	}
	if delta > 0 && m.scroll >= m.maxScroll() {
		m.scroll = m.maxScroll()
		if m.status.HasMore && !m.status.IsLoading {
			return m.loadOlderCmd()
		}
	}
	return nil
}

func (m *Model) submit(line string) tea.Cmd {
	if strings.TrimSpace(line) == "" {
		return nil
	}
	cmd, err := parseInput(line)
	if err != nil {
		m.setToast(err.Error())
		return nil
	}

	switch cmd.kind {
	case cmdQuit:
		return tea.Quit
	case cmdHelp:
		m.setToast(commandHelp)
		return nil
	case cmdOlder:
		return m.loadOlderCmd()
	case cmdTheme:
		if _, ok := theme.Lookup(cmd.arg); !ok {
			m.setToast(fmt.Sprintf("unknown theme %q (%s)", cmd.arg, strings.Join(theme.IDs(), ", ")))
			return nil
		}
		return m.themeCmd(cmd.arg)
	case cmdRetry:
		target, err := resolveID(m.messages, cmd.arg)
		if err != nil {
			m.setToast(err.Error())
			return nil
		}
		if !target.Failed {
			m.setToast("message " + shortID(target.ID) + " has not failed")
			return nil
		}
		return m.retryCmd(target.ID)
	case cmdReply:
		target, err := resolveID(m.messages, cmd.arg)
		if err != nil {
			m.setToast(err.Error())
			return nil
		}
		if cmd.draft.Body == "" {
			m.replyTo = &target
			return nil
		}
		cmd.draft.ReplyToID = target.ID
		return m.sendCmd(cmd.draft)
	}

	if m.replyTo != nil {
		cmd.draft.ReplyToID = m.replyTo.ID
		m.replyTo = nil
	}
	m.scroll = 0
	return m.sendCmd(cmd.draft)
}

func (m *Model) setToast(text string) {
	m.toast = strings.TrimSpace(text)
	m.toastUntil = m.now().Add(toastDuration)
}

func (m *Model) sendCmd(draft models.Draft) tea.Cmd {
	session := m.session
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		_, err := session.Send(ctx, draft)
		return actionResultMsg{action: "send", err: err}
	}
}

func (m *Model) retryCmd(tempID string) tea.Cmd {
	session := m.session
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		return actionResultMsg{action: "retry", err: session.Retry(ctx, tempID)}
	}
}

func (m *Model) loadOlderCmd() tea.Cmd {
	session := m.session
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		res, err := session.LoadOlder(ctx)
		if err != nil {
			return actionResultMsg{action: "load older", err: err}
		}
		if !res.HasMore && res.Added == 0 {
			return actionResultMsg{action: "load older", info: "beginning of history"}
		}
		return actionResultMsg{action: "load older"}
	}
}

func (m *Model) themeCmd(id string) tea.Cmd {
	session := m.session
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		if err := session.ChangeTheme(ctx, id); err != nil {
			return actionResultMsg{action: "theme", err: err}
		}
		return actionResultMsg{action: "theme", info: "theme set to " + id}
	}
}
