package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tOgg1/chatsync/internal/models"
)

// Table names the entity a change event is about.
type Table string

const (
	TableMessages     Table = "messages"
	TableParticipants Table = "participants"
)

// Op is the change kind.
type Op string

const (
	OpInsert Op = "INSERT"
	OpUpdate Op = "UPDATE"
)

// RawEvent is a change event as delivered by a backend. Payload is the
// JSON row.
type RawEvent struct {
	Seq     int64           `json:"seq"`
	Table   Table           `json:"table"`
	Op      Op              `json:"op"`
	Room    models.RoomKey  `json:"room"`
	Payload json.RawMessage `json:"payload"`
}

// Event is a decoded change: MessageInserted or ParticipantChanged.
type Event interface {
	Sequence() int64
}

// MessageInserted carries a confirmed message.
type MessageInserted struct {
	Seq     int64
	Message models.Message
}

func (e MessageInserted) Sequence() int64 { return e.Seq }

// ParticipantChanged carries a participant insert or update.
type ParticipantChanged struct {
	Seq         int64
	Op          Op
	Participant models.Participant
}

func (e ParticipantChanged) Sequence() int64 { return e.Seq }

// MalformedEventError is returned for events that cannot be decoded. The
// event is dropped.
type MalformedEventError struct {
	Seq    int64
	Table  Table
	Op     Op
	Reason string
	Err    error
}

func (e *MalformedEventError) Error() string {
	msg := fmt.Sprintf("malformed %s %s event %d: %s", e.Table, e.Op, e.Seq, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MalformedEventError) Unwrap() error { return e.Err }

// messageRow is the wire shape of a message.
type messageRow struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	UserType  string    `json:"user_type"`
	Type      string    `json:"type"`
	Content   string    `json:"content"`
	FileURL   string    `json:"file_url,omitempty"`
	CreatedAt string    `json:"created_at"`
	ReplyToID string    `json:"reply_to_id,omitempty"`
	ReplyTo   replyJoin `json:"reply_to,omitempty"`
	RoomID    string    `json:"room_id,omitempty"`
}

type replyRow struct {
	ID        string `json:"id"`
	UserType  string `json:"user_type"`
	Type      string `json:"type"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
}

// replyJoin accepts the joined parent either as an object or as a
// one-element array.
type replyJoin struct {
	row *replyRow
}

func (r *replyJoin) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		r.row = nil
		return nil
	}
	if data[0] == '[' {
		var rows []replyRow
		if err := json.Unmarshal(data, &rows); err != nil {
			return err
		}
		if len(rows) > 0 {
			r.row = &rows[0]
		}
		return nil
	}
	var row replyRow
	if err := json.Unmarshal(data, &row); err != nil {
		return err
	}
	r.row = &row
	return nil
}

func (r replyJoin) MarshalJSON() ([]byte, error) {
	if r.row == nil {
		return []byte("null"), nil
	}
	return json.Marshal(r.row)
}

type participantRow struct {
	ID        string `json:"id"`
	UserType  string `json:"user_type"`
	SessionID string `json:"session_id"`
	ThemeID   string `json:"theme_id,omitempty"`
	LastSeen  string `json:"last_seen"`
	RoomID    string `json:"room_id,omitempty"`
}

// FormatTime renders timestamps the way rows store them.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTime parses a stored timestamp.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, strings.TrimSpace(s))
}

// EncodeMessage renders msg as a wire row.
func EncodeMessage(msg models.Message) (json.RawMessage, error) {
	row := messageRow{
		ID:        msg.ID,
		UserID:    msg.AuthorID,
		UserType:  string(msg.AuthorRole),
		Type:      string(msg.Kind),
		Content:   msg.Body,
		FileURL:   msg.MediaURL,
		CreatedAt: FormatTime(msg.CreatedAt),
		ReplyToID: msg.ReplyToID,
		RoomID:    string(msg.Room),
	}
	if msg.Reply != nil {
		row.ReplyTo.row = &replyRow{
			ID:        msg.Reply.ID,
			UserType:  string(msg.Reply.AuthorRole),
			Type:      string(msg.Reply.Kind),
			Content:   msg.Reply.Body,
			CreatedAt: FormatTime(msg.Reply.CreatedAt),
		}
	}
	return json.Marshal(row)
}

// EncodeParticipant renders p as a wire row.
func EncodeParticipant(p models.Participant) (json.RawMessage, error) {
	return json.Marshal(participantRow{
		ID:        p.ID,
		UserType:  string(p.Role),
		SessionID: p.SessionToken,
		ThemeID:   p.Theme,
		LastSeen:  FormatTime(p.LastSeen),
		RoomID:    string(p.Room),
	})
}

// Decode turns a raw event into an Event.
func Decode(raw RawEvent) (Event, error) {
	malformed := func(reason string, err error) error {
		return &MalformedEventError{Seq: raw.Seq, Table: raw.Table, Op: raw.Op, Reason: reason, Err: err}
	}

	switch raw.Table {
	case TableMessages:
		if raw.Op != OpInsert {
			return nil, malformed("unsupported op", nil)
		}
		var row messageRow
		if err := json.Unmarshal(raw.Payload, &row); err != nil {
			return nil, malformed("invalid payload", err)
		}
		msg, err := row.toMessage()
		if err != nil {
			return nil, malformed("invalid message", err)
		}
		return MessageInserted{Seq: raw.Seq, Message: msg}, nil

	case TableParticipants:
		if raw.Op != OpInsert && raw.Op != OpUpdate {
			return nil, malformed("unsupported op", nil)
		}
		var row participantRow
		if err := json.Unmarshal(raw.Payload, &row); err != nil {
			return nil, malformed("invalid payload", err)
		}
		part, err := row.toParticipant()
		if err != nil {
			return nil, malformed("invalid participant", err)
		}
		return ParticipantChanged{Seq: raw.Seq, Op: raw.Op, Participant: part}, nil
	}
	return nil, malformed("unknown table", nil)
}

// DecodeMessage parses a stored message row.
func DecodeMessage(payload []byte) (models.Message, error) {
	var row messageRow
	if err := json.Unmarshal(payload, &row); err != nil {
		return models.Message{}, err
	}
	return row.toMessage()
}

func (row messageRow) toMessage() (models.Message, error) {
	var errs models.ValidationErrors
	if strings.TrimSpace(row.ID) == "" {
		errs.Add("id", models.ErrMissingID)
	}
	if strings.TrimSpace(row.UserID) == "" {
		errs.Add("user_id", models.ErrMissingAuthor)
	}
	createdAt, err := ParseTime(row.CreatedAt)
	if err != nil {
		errs.Add("created_at", models.ErrMissingTimestamp)
	}
	kind := models.Kind(row.Type)
	if kind == "" {
		kind = models.KindText
	}
	if !kind.Valid() {
		errs.AddMessage("type", fmt.Sprintf("unknown message type %q", row.Type))
	}
	if err := errs.Err(); err != nil {
		return models.Message{}, err
	}

	msg := models.Message{
		ID:         row.ID,
		AuthorID:   row.UserID,
		AuthorRole: models.ParseRole(row.UserType),
		Kind:       kind,
		Body:       row.Content,
		MediaURL:   row.FileURL,
		CreatedAt:  createdAt,
		ReplyToID:  row.ReplyToID,
		Room:       models.RoomKey(row.RoomID),
	}
	if msg.Kind.IsMedia() && strings.TrimSpace(msg.Body) == "" {
		msg.Body = msg.Kind.Placeholder()
	}
	if parent := row.ReplyTo.row; parent != nil && parent.ID != "" {
		if msg.ReplyToID == "" {
			msg.ReplyToID = parent.ID
		}
		parentAt, _ := ParseTime(parent.CreatedAt)
		parentKind := models.Kind(parent.Type)
		if !parentKind.Valid() {
			parentKind = models.KindText
		}
		msg.Reply = &models.ReplySnapshot{
			ID:         parent.ID,
			AuthorRole: models.ParseRole(parent.UserType),
			Kind:       parentKind,
			Body:       parent.Content,
			CreatedAt:  parentAt,
		}
	}
	return msg, nil
}

func (row participantRow) toParticipant() (models.Participant, error) {
	if strings.TrimSpace(row.ID) == "" {
		return models.Participant{}, models.ErrMissingID
	}
	part := models.Participant{
		ID:           row.ID,
		Role:         models.ParseRole(row.UserType),
		SessionToken: row.SessionID,
		Theme:        row.ThemeID,
		Room:         models.RoomKey(row.RoomID),
	}
	if row.LastSeen != "" {
		seen, err := ParseTime(row.LastSeen)
		if err != nil {
			return models.Participant{}, fmt.Errorf("last_seen: %w", err)
		}
		part.LastSeen = seen
	}
	return part, nil
}
