// Package models defines the core data types of the chat client.
package models

import (
	"errors"
	"strings"
	"time"
)

// Role distinguishes the room owner from everyone else.
type Role string

const (
	RoleOwner Role = "owner"
	RoleGuest Role = "guest"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleOwner || r == RoleGuest
}

// ParseRole converts user input to a Role, defaulting to guest.
func ParseRole(s string) Role {
	if Role(strings.ToLower(strings.TrimSpace(s))) == RoleOwner {
		return RoleOwner
	}
	return RoleGuest
}

// Kind is the body variant of a message.
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
	KindAudio Kind = "audio"
)

// Valid reports whether k is a known body variant.
func (k Kind) Valid() bool {
	switch k {
	case KindText, KindImage, KindAudio:
		return true
	}
	return false
}

// IsMedia reports whether the body lives behind a media URL.
func (k Kind) IsMedia() bool {
	return k == KindImage || k == KindAudio
}

// Placeholder is the body shown for media messages without a caption.
func (k Kind) Placeholder() string {
	switch k {
	case KindImage:
		return "[image]"
	case KindAudio:
		return "[audio]"
	}
	return ""
}

// RoomKey partitions messages and participants. The zero value is the
// default public room.
type RoomKey string

// DefaultRoom is the public room.
const DefaultRoom RoomKey = ""

func (r RoomKey) String() string {
	if r == DefaultRoom {
		return "default"
	}
	return string(r)
}

// IsDefault reports whether r is the public room.
func (r RoomKey) IsDefault() bool { return r == DefaultRoom }

// NormalizeRoom maps user input ("", "default", " id ") to a RoomKey.
func NormalizeRoom(s string) RoomKey {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "default") {
		return DefaultRoom
	}
	return RoomKey(s)
}

// ReplySnapshot is a denormalized summary of the message being replied to.
type ReplySnapshot struct {
	ID         string    `json:"id"`
	AuthorRole Role      `json:"author_role"`
	Kind       Kind      `json:"kind"`
	Body       string    `json:"body"`
	CreatedAt  time.Time `json:"created_at"`
}

// Message is a single timeline entry.
type Message struct {
	ID          string         `json:"id"`
	AuthorID    string         `json:"author_id"`
	AuthorRole  Role           `json:"author_role"`
	Kind        Kind           `json:"kind"`
	Body        string         `json:"body"`
	MediaURL    string         `json:"media_url,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	ReplyToID   string         `json:"reply_to_id,omitempty"`
	Reply       *ReplySnapshot `json:"reply,omitempty"`
	Room        RoomKey        `json:"room,omitempty"`
	AuthorTheme string         `json:"author_theme,omitempty"`

	// Pending is set on locally authored entries until the backend confirms them.
	Pending bool `json:"-"`
	// Failed marks a pending entry whose write was rejected.
	Failed bool `json:"-"`
}

// Clone returns a deep copy.
func (m Message) Clone() Message {
	out := m
	if m.Reply != nil {
		reply := *m.Reply
		out.Reply = &reply
	}
	return out
}

// NeedsReply reports whether the message references a parent that has not
// been resolved yet.
func (m Message) NeedsReply() bool {
	return m.ReplyToID != "" && m.Reply == nil
}

// Validate checks the fields every stored message must carry.
func (m Message) Validate() error {
	var errs ValidationErrors
	if strings.TrimSpace(m.ID) == "" {
		errs.Add("id", ErrMissingID)
	}
	if strings.TrimSpace(m.AuthorID) == "" {
		errs.Add("author_id", ErrMissingAuthor)
	}
	if !m.AuthorRole.Valid() {
		errs.AddMessage("author_role", "must be owner or guest")
	}
	if !m.Kind.Valid() {
		errs.AddMessage("kind", "must be text, image or audio")
	}
	if m.CreatedAt.IsZero() {
		errs.Add("created_at", ErrMissingTimestamp)
	}
	if m.Kind.IsMedia() && strings.TrimSpace(m.MediaURL) == "" && strings.TrimSpace(m.Body) == "" {
		errs.AddMessage("media_url", "media message needs a url or placeholder")
	}
	return errs.Err()
}

// Field-level validation causes.
var (
	ErrMissingID        = errors.New("id is required")
	ErrMissingAuthor    = errors.New("author is required")
	ErrMissingTimestamp = errors.New("timestamp is required")
	ErrEmptyBody        = errors.New("body is required")
	ErrMissingMediaURL  = errors.New("media url is required")
)

// Draft is what a user composes before it becomes a message.
type Draft struct {
	Kind      Kind    `json:"kind"`
	Body      string  `json:"body"`
	MediaURL  string  `json:"media_url,omitempty"`
	ReplyToID string  `json:"reply_to_id,omitempty"`
	Room      RoomKey `json:"room,omitempty"`
}

// Normalize trims the draft and fills media placeholders.
func (d Draft) Normalize() (Draft, error) {
	if d.Kind == "" {
		d.Kind = KindText
	}
	if !d.Kind.Valid() {
		return Draft{}, ValidationError{Field: "kind", Message: "must be text, image or audio"}
	}
	d.Body = strings.TrimSpace(d.Body)
	d.MediaURL = strings.TrimSpace(d.MediaURL)
	d.ReplyToID = strings.TrimSpace(d.ReplyToID)

	if d.Kind.IsMedia() {
		if d.MediaURL == "" {
			return Draft{}, ValidationError{Field: "media_url", Message: ErrMissingMediaURL.Error(), Cause: ErrMissingMediaURL}
		}
		if d.Body == "" {
			d.Body = d.Kind.Placeholder()
		}
		return d, nil
	}
	if d.Body == "" {
		return Draft{}, ValidationError{Field: "body", Message: ErrEmptyBody.Error(), Cause: ErrEmptyBody}
	}
	d.MediaURL = ""
	return d, nil
}

// ByCreatedAt orders messages chronologically, oldest first.
func ByCreatedAt(a, b Message) int {
	return a.CreatedAt.Compare(b.CreatedAt)
}
