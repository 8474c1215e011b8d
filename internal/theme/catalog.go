// Package theme propagates the room theme chosen by the owner to every
// participant and keeps per-author theme metadata on loaded messages.
package theme

import (
	"strings"

	"github.com/tOgg1/chatsync/internal/models"
)

// DefaultID is used until a trusted value arrives.
const DefaultID = "sprigatito"

// Palette holds the colors a renderer needs, as hex strings.
type Palette struct {
	Accent     string
	Muted      string
	OwnBubble  string
	PeerBubble string
	Text       string
}

// Theme is one catalog entry.
type Theme struct {
	ID      string
	Name    string
	Palette Palette
}

var catalog = []Theme{
	{ID: "sprigatito", Name: "Sprigatito", Palette: Palette{Accent: "#6CBF5E", Muted: "#4E7A47", OwnBubble: "#DFF5D8", PeerBubble: "#F3FAF1", Text: "#1F3B1A"}},
	{ID: "bulbasaur", Name: "Bulbasaur", Palette: Palette{Accent: "#4FA88F", Muted: "#3C6E60", OwnBubble: "#D3F0E6", PeerBubble: "#EEF8F4", Text: "#183A31"}},
	{ID: "rowlet", Name: "Rowlet", Palette: Palette{Accent: "#A5825E", Muted: "#6E5844", OwnBubble: "#F1E4D3", PeerBubble: "#FAF5EE", Text: "#3B2A1C"}},
	{ID: "shaymin", Name: "Shaymin", Palette: Palette{Accent: "#E88BAA", Muted: "#7FA97A", OwnBubble: "#FBE0EA", PeerBubble: "#EEF7EC", Text: "#3D2430"}},
	{ID: "chiikawa", Name: "Chiikawa", Palette: Palette{Accent: "#F29BB8", Muted: "#A7838F", OwnBubble: "#FDE3EC", PeerBubble: "#FFF6F9", Text: "#4A2B36"}},
	{ID: "hachiware", Name: "Hachiware", Palette: Palette{Accent: "#5D9CEC", Muted: "#5E6D82", OwnBubble: "#DCEAFB", PeerBubble: "#F2F7FD", Text: "#1C2C40"}},
	{ID: "usagi", Name: "Usagi", Palette: Palette{Accent: "#E8C547", Muted: "#8A7A45", OwnBubble: "#FBF1C9", PeerBubble: "#FEFAEA", Text: "#3F3416"}},
	{ID: "doraemon", Name: "Doraemon", Palette: Palette{Accent: "#1E88E5", Muted: "#C62828", OwnBubble: "#D6EBFC", PeerBubble: "#F4F9FE", Text: "#0D2A45"}},
	{ID: "backkom", Name: "Backkom", Palette: Palette{Accent: "#4A4A4A", Muted: "#8C8C8C", OwnBubble: "#E6E6E6", PeerBubble: "#F7F7F7", Text: "#1A1A1A"}},
	{ID: "kirby", Name: "Kirby", Palette: Palette{Accent: "#F06292", Muted: "#B0627E", OwnBubble: "#FCDDE8", PeerBubble: "#FEF2F6", Text: "#47182A"}},
}

// All returns the catalog in display order.
func All() []Theme {
	return append([]Theme(nil), catalog...)
}

// IDs returns the catalog ids in display order.
func IDs() []string {
	out := make([]string, len(catalog))
	for i, t := range catalog {
		out[i] = t.ID
	}
	return out
}

// Lookup finds a theme by id.
func Lookup(id string) (Theme, bool) {
	id = strings.ToLower(strings.TrimSpace(id))
	for _, t := range catalog {
		if t.ID == id {
			return t, true
		}
	}
	return Theme{}, false
}

// Resolve returns the theme for id, or the default when id is unknown.
func Resolve(id string) Theme {
	if t, ok := Lookup(id); ok {
		return t
	}
	t, _ := Lookup(DefaultID)
	return t
}

// ControlPrefix marks in-band theme change messages.
const ControlPrefix = "ACTION:THEME_CHANGE:"

// ControlBody builds the body of a fallback theme change message.
func ControlBody(id string) string {
	return ControlPrefix + id
}

// ParseControl extracts the theme id from a control body.
func ParseControl(body string) (string, bool) {
	body = strings.TrimSpace(body)
	if !strings.HasPrefix(body, ControlPrefix) {
		return "", false
	}
	id := strings.TrimSpace(strings.TrimPrefix(body, ControlPrefix))
	if id == "" {
		return "", false
	}
	return id, true
}

// IsControl reports whether msg is a theme control message. Such messages
// never enter the timeline.
func IsControl(msg models.Message) bool {
	if msg.Kind != models.KindText && msg.Kind != "" {
		return false
	}
	_, ok := ParseControl(msg.Body)
	return ok
}
