package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/tOgg1/chatsync/internal/models"
	"github.com/tOgg1/chatsync/internal/replies"
)

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

func (m *Model) View() string {
	width := m.width
	if width <= 0 {
		width = 80
	}
	height := m.height
	if height <= 0 {
		height = 24
	}

	header := m.renderHeader(width)
	footer := m.renderFooter(width)
	bodyHeight := height - lipgloss.Height(header) - lipgloss.Height(footer)
	if bodyHeight < 0 {
		bodyHeight = 0
	}
	body := m.renderViewport(width, bodyHeight)
	return lipgloss.JoinVertical(lipgloss.Left, header, body, footer)
}

func (m *Model) renderHeader(width int) string {
	room := m.self.Room.String()
	parts := []string{
		"chatsync",
		"#" + room,
		string(m.self.Role),
		fmt.Sprintf("%d online", m.online),
		"theme " + m.styles.ThemeID,
	}
	if m.status.IsLoading {
		parts = append(parts, spinnerFrames[int(m.now().UnixMilli()/100)%len(spinnerFrames)]+" loading")
	}
	line := truncateVis(strings.Join(parts, "  ·  "), width-2)
	return m.styles.Header.Width(width).Render(line)
}

func (m *Model) renderFooter(width int) string {
	var lines []string
	if m.toast != "" && m.now().Before(m.toastUntil) {
		lines = append(lines, m.styles.Toast.Render(truncateVis(m.toast, width-2)))
	}
	if m.replyTo != nil {
		quote := "replying to " + shortID(m.replyTo.ID) + ": " + quoteFor(*m.replyTo)
		lines = append(lines, m.styles.Reply.Render(truncateVis(quote, width-2)))
	}
	input := m.styles.Prompt.Render("> ") + m.input + "_"
	lines = append(lines, m.styles.Footer.Width(width).Render(truncateVis(input, width-2)))
	return strings.Join(lines, "\n")
}

// renderViewport shows the window of timeline lines ending scroll lines
// above the bottom.
func (m *Model) renderViewport(width, height int) string {
	if height == 0 {
		return ""
	}
	lines := m.timelineLines(width)
	end := len(lines) - m.scroll
	if end < 0 {
		end = 0
	}
	start := end - height
	if start < 0 {
		start = 0
	}
	visible := lines[start:end]
	if len(visible) < height {
		pad := make([]string, height-len(visible))
		visible = append(pad, visible...)
	}
	return strings.Join(visible, "\n")
}

func (m *Model) maxScroll() int {
	width := m.width
	if width <= 0 {
		width = 80
	}
	height := m.height - 2
	if height < 1 {
		height = 1
	}
	n := len(m.timelineLines(width)) - height
	if n < 0 {
		return 0
	}
	return n
}

func (m *Model) timelineLines(width int) []string {
	var lines []string
	if !m.status.HasMore && len(m.messages) > 0 {
		lines = append(lines, m.styles.Timestamp.Render("· beginning of history ·"))
	}
	if err := m.status.LastError; err != nil {
		lines = append(lines, m.styles.Failed.Render("history unavailable: "+err.Error()))
	}

	prevAuthor := ""
	for _, msg := range m.messages {
		showHeader := msg.AuthorID != prevAuthor
		if showHeader && prevAuthor != "" && !m.cfg.Compact {
			lines = append(lines, "")
		}
		lines = append(lines, m.renderMessage(msg, width, showHeader)...)
		prevAuthor = msg.AuthorID
	}
	return lines
}

func (m *Model) renderMessage(msg models.Message, width int, showHeader bool) []string {
	own := msg.AuthorID != "" && msg.AuthorID == m.self.ID
	var lines []string

	if showHeader {
		author, style := m.authorLabel(msg, own)
		lines = append(lines, m.styles.renderHeader(author, style, msg.CreatedAt, m.cfg.ShowTimestamps))
	}

	if msg.ReplyToID != "" {
		quote := "original message unavailable"
		if msg.Reply != nil {
			body := msg.Reply.Body
			if body == "" {
				body = msg.Reply.Kind.Placeholder()
			}
			quote = string(msg.Reply.AuthorRole) + ": " + body
		}
		lines = append(lines, strings.Split(m.styles.renderReply(quote, width-2), "\n")...)
	}

	bodyStyle := m.styles.PeerBody
	if own {
		bodyStyle = m.styles.OwnBody
	}
	text := msg.Body
	if msg.Kind.IsMedia() {
		label := m.styles.MediaLabel.Render(msg.Kind.Placeholder())
		caption := msg.Body
		if caption == msg.Kind.Placeholder() {
			caption = ""
		}
		text = strings.TrimSpace(caption + " " + msg.MediaURL)
		lines = append(lines, label)
	}
	for _, line := range strings.Split(wrapBody(text, width-4), "\n") {
		lines = append(lines, "  "+bodyStyle.Render(line))
	}

	status := m.styles.Timestamp.Render(shortID(msg.ID))
	switch {
	case msg.Failed:
		status = m.styles.Failed.Render("! not sent · /retry " + shortID(msg.ID))
	case msg.Pending:
		status = m.styles.Pending.Render("… sending")
	}
	lines = append(lines, "  "+status)
	return lines
}

func (m *Model) authorLabel(msg models.Message, own bool) (string, lipgloss.Style) {
	switch {
	case own:
		return "you", m.styles.Self
	case msg.AuthorRole == models.RoleOwner:
		return "owner", m.styles.Owner
	}
	return "guest " + shortID(msg.AuthorID), m.colors.style(msg.AuthorID)
}

// quoteFor previews a parent message the way replies are stored.
func quoteFor(parent models.Message) string {
	return replies.Snapshot(parent).Body
}
