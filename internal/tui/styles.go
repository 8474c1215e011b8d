package tui

import (
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/wordwrap"

	"github.com/tOgg1/chatsync/internal/theme"
)

const replyPrefix = "│ "

// authorPalette is an ANSI 256 palette for stable guest identity colors.
var authorPalette = []string{
	"33", "39", "45", "69", "75", "81", "99", "111",
	"117", "141", "147", "153", "177", "183", "207", "213",
}

// authorColors resolves deterministic per-author styles and caches them.
type authorColors struct {
	mu    sync.RWMutex
	cache map[string]lipgloss.Style
}

func newAuthorColors() *authorColors {
	return &authorColors{cache: make(map[string]lipgloss.Style, 32)}
}

func (a *authorColors) style(authorID string) lipgloss.Style {
	key := strings.ToLower(strings.TrimSpace(authorID))

	a.mu.RLock()
	if style, ok := a.cache[key]; ok {
		a.mu.RUnlock()
		return style
	}
	a.mu.RUnlock()

	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	code := authorPalette[int(h.Sum32()%uint32(len(authorPalette)))]
	style := lipgloss.NewStyle().Foreground(lipgloss.Color(code)).Bold(true)

	a.mu.Lock()
	a.cache[key] = style
	a.mu.Unlock()
	return style
}

// palette holds the lipgloss styles for one theme.
type palette struct {
	ThemeID string

	Header     lipgloss.Style
	Footer     lipgloss.Style
	Owner      lipgloss.Style
	Self       lipgloss.Style
	Timestamp  lipgloss.Style
	OwnBody    lipgloss.Style
	PeerBody   lipgloss.Style
	Reply      lipgloss.Style
	ReplyBar   lipgloss.Style
	Pending    lipgloss.Style
	Failed     lipgloss.Style
	Toast      lipgloss.Style
	Prompt     lipgloss.Style
	MediaLabel lipgloss.Style
}

func newPalette(id string) palette {
	t := theme.Resolve(id)
	p := t.Palette
	accent := lipgloss.Color(p.Accent)
	muted := lipgloss.Color(p.Muted)
	text := lipgloss.Color(p.Text)

	return palette{
		ThemeID:    t.ID,
		Header:     lipgloss.NewStyle().Foreground(lipgloss.Color(p.OwnBubble)).Background(accent).Bold(true).Padding(0, 1),
		Footer:     lipgloss.NewStyle().Foreground(text).Background(lipgloss.Color(p.PeerBubble)).Padding(0, 1),
		Owner:      lipgloss.NewStyle().Foreground(accent).Bold(true),
		Self:       lipgloss.NewStyle().Foreground(accent).Bold(true).Underline(true),
		Timestamp:  lipgloss.NewStyle().Foreground(muted),
		OwnBody:    lipgloss.NewStyle().Foreground(text).Background(lipgloss.Color(p.OwnBubble)),
		PeerBody:   lipgloss.NewStyle().Foreground(text).Background(lipgloss.Color(p.PeerBubble)),
		Reply:      lipgloss.NewStyle().Foreground(muted).Italic(true),
		ReplyBar:   lipgloss.NewStyle().Foreground(accent).Bold(true),
		Pending:    lipgloss.NewStyle().Foreground(muted).Faint(true),
		Failed:     lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
		Toast:      lipgloss.NewStyle().Foreground(accent).Bold(true).Padding(0, 1),
		Prompt:     lipgloss.NewStyle().Foreground(accent).Bold(true),
		MediaLabel: lipgloss.NewStyle().Foreground(accent),
	}
}

func (p palette) renderHeader(author string, style lipgloss.Style, ts time.Time, showTime bool) string {
	out := style.Render(author)
	if showTime && !ts.IsZero() {
		out += " " + p.Timestamp.Render(ts.Local().Format("15:04"))
	}
	return out
}

// renderReply renders a quoted parent with a vertical bar.
func (p palette) renderReply(text string, width int) string {
	renderWidth := width - lipgloss.Width(replyPrefix)
	if renderWidth < 1 {
		renderWidth = 1
	}
	lines := strings.Split(wrapBody(text, renderWidth), "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		out = append(out, p.ReplyBar.Render(replyPrefix)+p.Reply.Render(line))
	}
	return strings.Join(out, "\n")
}

func wrapBody(body string, width int) string {
	if width <= 0 {
		return body
	}
	parts := strings.Split(body, "\n")
	for i := range parts {
		parts[i] = wordwrap.String(parts[i], width)
	}
	return strings.Join(parts, "\n")
}

func truncateVis(s string, width int) string {
	if width <= 0 {
		return ""
	}
	if lipgloss.Width(s) <= width {
		return s
	}
	runes := []rune(s)
	for len(runes) > 0 && lipgloss.Width(string(runes))+1 > width {
		runes = runes[:len(runes)-1]
	}
	return string(runes) + "…"
}
