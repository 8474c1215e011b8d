package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tOgg1/chatsync/internal/models"
)

// Message repository errors.
var (
	ErrMessageNotFound = errors.New("message not found")
	ErrInvalidMessage  = errors.New("invalid message")
)

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// MessageRepository handles message persistence.
type MessageRepository struct {
	db *DB
}

// NewMessageRepository creates a new MessageRepository.
func NewMessageRepository(db *DB) *MessageRepository {
	return &MessageRepository{db: db}
}

const messageColumns = `
	m.id, m.room_id, m.user_id, m.user_type, m.type, m.content, m.file_url, m.reply_to_id, m.created_at,
	p.id, p.user_type, p.type, p.content, p.created_at`

const messageFrom = `FROM messages m LEFT JOIN messages p ON p.id = m.reply_to_id`

// CreateWithTx stores msg. ID is generated when empty; CreatedAt is taken
// from now, nudged past the newest message in the room so ordering by
// created_at is strict. The stored record, with its joined reply parent,
// is returned.
func (r *MessageRepository) CreateWithTx(ctx context.Context, tx *sql.Tx, msg models.Message, now time.Time) (models.Message, error) {
	if tx == nil {
		return models.Message{}, fmt.Errorf("transaction is required")
	}
	if msg.AuthorID == "" {
		return models.Message{}, fmt.Errorf("%w: author is required", ErrInvalidMessage)
	}
	if msg.Kind == "" {
		msg.Kind = models.KindText
	}
	if !msg.Kind.Valid() {
		return models.Message{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidMessage, msg.Kind)
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}

	createdAt := now.UTC()
	var newest sql.NullString
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(created_at) FROM messages WHERE room_id = ?`, string(msg.Room)).Scan(&newest); err != nil {
		return models.Message{}, fmt.Errorf("failed to read newest message: %w", err)
	}
	if newest.Valid {
		if last, err := parseTime(newest.String); err == nil && !createdAt.After(last) {
			createdAt = last.Add(time.Microsecond)
		}
	}
	msg.CreatedAt = createdAt

	_, err := tx.ExecContext(ctx, `
		INSERT INTO messages (
			id, room_id, user_id, user_type, type, content, file_url, reply_to_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		msg.ID,
		string(msg.Room),
		msg.AuthorID,
		string(msg.AuthorRole),
		string(msg.Kind),
		msg.Body,
		nullString(msg.MediaURL),
		nullString(msg.ReplyToID),
		formatTime(msg.CreatedAt),
	)
	if err != nil {
		return models.Message{}, fmt.Errorf("failed to insert message: %w", err)
	}

	row := tx.QueryRowContext(ctx, `SELECT `+messageColumns+` `+messageFrom+` WHERE m.id = ?`, msg.ID)
	return scanMessage(row)
}

// Get retrieves a message by ID.
func (r *MessageRepository) Get(ctx context.Context, id string) (models.Message, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+messageColumns+` `+messageFrom+` WHERE m.id = ?`, id)
	return scanMessage(row)
}

// ListBefore returns up to limit messages of room created strictly before
// before, newest first. A zero before lists from the newest message.
func (r *MessageRepository) ListBefore(ctx context.Context, room models.RoomKey, before time.Time, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + messageColumns + ` ` + messageFrom + ` WHERE m.room_id = ?`
	args := []any{string(room)}
	if !before.IsZero() {
		query += ` AND m.created_at < ?`
		args = append(args, formatTime(before))
	}
	query += ` ORDER BY m.created_at DESC, m.id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}
	return out, nil
}

// Count returns the number of messages in room.
func (r *MessageRepository) Count(ctx context.Context, room models.RoomKey) (int64, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE room_id = ?`, string(room)).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (models.Message, error) {
	var (
		msg                         models.Message
		room, role, kind, createdAt string
		fileURL, replyToID          sql.NullString
		parentID, parentRole        sql.NullString
		parentKind, parentBody      sql.NullString
		parentCreatedAt             sql.NullString
	)
	err := row.Scan(
		&msg.ID, &room, &msg.AuthorID, &role, &kind, &msg.Body, &fileURL, &replyToID, &createdAt,
		&parentID, &parentRole, &parentKind, &parentBody, &parentCreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	if err != nil {
		return models.Message{}, fmt.Errorf("failed to scan message: %w", err)
	}

	msg.Room = models.RoomKey(room)
	msg.AuthorRole = models.ParseRole(role)
	msg.Kind = models.Kind(kind)
	msg.MediaURL = fileURL.String
	msg.ReplyToID = replyToID.String
	if msg.CreatedAt, err = parseTime(createdAt); err != nil {
		return models.Message{}, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if parentID.Valid {
		parentAt, _ := parseTime(parentCreatedAt.String)
		msg.Reply = &models.ReplySnapshot{
			ID:         parentID.String,
			AuthorRole: models.ParseRole(parentRole.String),
			Kind:       models.Kind(parentKind.String),
			Body:       parentBody.String,
			CreatedAt:  parentAt,
		}
	}
	return msg, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
