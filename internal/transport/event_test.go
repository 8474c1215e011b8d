package transport

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tOgg1/chatsync/internal/models"
)

func TestDecodeMessageRoundTrip(t *testing.T) {
	at := time.Date(2024, 3, 1, 9, 0, 0, 123, time.UTC)
	msg := models.Message{
		ID:         "m2",
		AuthorID:   "u1",
		AuthorRole: models.RoleGuest,
		Kind:       models.KindText,
		Body:       "yes",
		CreatedAt:  at,
		ReplyToID:  "m1",
		Reply: &models.ReplySnapshot{
			ID:         "m1",
			AuthorRole: models.RoleOwner,
			Kind:       models.KindText,
			Body:       "question?",
			CreatedAt:  at.Add(-time.Minute),
		},
		Room: "room-1",
	}
	payload, err := EncodeMessage(msg)
	require.NoError(t, err)

	ev, err := Decode(RawEvent{Seq: 7, Table: TableMessages, Op: OpInsert, Payload: payload})
	require.NoError(t, err)
	inserted, ok := ev.(MessageInserted)
	require.True(t, ok)
	require.Equal(t, int64(7), inserted.Sequence())
	require.Equal(t, msg, inserted.Message)
}

func TestDecodeReplyAsArray(t *testing.T) {
	payload := `{"id":"m2","user_id":"u1","user_type":"guest","type":"text","content":"yes",
		"created_at":"2024-03-01T09:00:00Z","reply_to_id":"m1",
		"reply_to":[{"id":"m1","user_type":"owner","type":"image","content":"","created_at":"2024-03-01T08:59:00Z"}]}`

	ev, err := Decode(RawEvent{Table: TableMessages, Op: OpInsert, Payload: json.RawMessage(payload)})
	require.NoError(t, err)
	msg := ev.(MessageInserted).Message
	require.NotNil(t, msg.Reply)
	require.Equal(t, "m1", msg.Reply.ID)
	require.Equal(t, models.KindImage, msg.Reply.Kind)
	require.Equal(t, models.RoleOwner, msg.Reply.AuthorRole)

	empty := `{"id":"m3","user_id":"u1","type":"text","content":"x","created_at":"2024-03-01T09:00:00Z","reply_to":[]}`
	ev, err = Decode(RawEvent{Table: TableMessages, Op: OpInsert, Payload: json.RawMessage(empty)})
	require.NoError(t, err)
	require.Nil(t, ev.(MessageInserted).Message.Reply)
}

func TestDecodeMediaPlaceholder(t *testing.T) {
	payload := `{"id":"m1","user_id":"u1","type":"audio","file_url":"https://x/a.ogg","created_at":"2024-03-01T09:00:00Z"}`
	msg, err := DecodeMessage([]byte(payload))
	require.NoError(t, err)
	require.Equal(t, "[audio]", msg.Body)
	require.Equal(t, "https://x/a.ogg", msg.MediaURL)
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name string
		raw  RawEvent
	}{
		{"missing id", RawEvent{Table: TableMessages, Op: OpInsert, Payload: json.RawMessage(`{"user_id":"u","created_at":"2024-03-01T09:00:00Z"}`)}},
		{"missing author", RawEvent{Table: TableMessages, Op: OpInsert, Payload: json.RawMessage(`{"id":"m","created_at":"2024-03-01T09:00:00Z"}`)}},
		{"bad timestamp", RawEvent{Table: TableMessages, Op: OpInsert, Payload: json.RawMessage(`{"id":"m","user_id":"u","created_at":"yesterday"}`)}},
		{"unknown kind", RawEvent{Table: TableMessages, Op: OpInsert, Payload: json.RawMessage(`{"id":"m","user_id":"u","type":"video","created_at":"2024-03-01T09:00:00Z"}`)}},
		{"not json", RawEvent{Table: TableMessages, Op: OpInsert, Payload: json.RawMessage(`nope`)}},
		{"message update", RawEvent{Table: TableMessages, Op: OpUpdate, Payload: json.RawMessage(`{}`)}},
		{"participant without id", RawEvent{Table: TableParticipants, Op: OpUpdate, Payload: json.RawMessage(`{"theme_id":"kirby"}`)}},
		{"unknown table", RawEvent{Table: "reactions", Op: OpInsert, Payload: json.RawMessage(`{}`)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.raw)
			var malformed *MalformedEventError
			require.True(t, errors.As(err, &malformed), "got %v", err)
			require.Equal(t, tt.raw.Table, malformed.Table)
		})
	}
}

func TestDecodeParticipant(t *testing.T) {
	seen := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	payload, err := EncodeParticipant(models.Participant{
		ID:           "p1",
		Role:         models.RoleOwner,
		SessionToken: "tok",
		Theme:        "kirby",
		LastSeen:     seen,
		Room:         "room-1",
	})
	require.NoError(t, err)

	ev, err := Decode(RawEvent{Seq: 3, Table: TableParticipants, Op: OpUpdate, Payload: payload})
	require.NoError(t, err)
	changed := ev.(ParticipantChanged)
	require.Equal(t, OpUpdate, changed.Op)
	require.Equal(t, "kirby", changed.Participant.Theme)
	require.Equal(t, models.RoleOwner, changed.Participant.Role)
	require.True(t, seen.Equal(changed.Participant.LastSeen))
	require.Equal(t, models.RoomKey("room-1"), changed.Participant.Room)
}
