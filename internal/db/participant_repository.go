package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tOgg1/chatsync/internal/models"
)

// Participant repository errors.
var (
	ErrParticipantNotFound = errors.New("participant not found")
)

// ParticipantRepository handles participant persistence.
type ParticipantRepository struct {
	db *DB
}

// NewParticipantRepository creates a new ParticipantRepository.
func NewParticipantRepository(db *DB) *ParticipantRepository {
	return &ParticipantRepository{db: db}
}

const participantColumns = `id, session_id, user_type, theme_id, room_id, last_seen`

// JoinWithTx creates the participant bound to req.SessionToken or refreshes
// the existing one. A stored theme is kept; req.Theme only seeds new or
// theme-less records. created reports whether a row was inserted.
func (r *ParticipantRepository) JoinWithTx(ctx context.Context, tx *sql.Tx, req models.JoinRequest, now time.Time) (models.Participant, bool, error) {
	if tx == nil {
		return models.Participant{}, false, fmt.Errorf("transaction is required")
	}
	token := strings.TrimSpace(req.SessionToken)
	if token == "" {
		token = uuid.New().String()
	}
	role := req.Role
	if !role.Valid() {
		role = models.RoleGuest
	}

	existing, err := scanParticipant(tx.QueryRowContext(ctx,
		`SELECT `+participantColumns+` FROM participants WHERE session_id = ?`, token))
	switch {
	case errors.Is(err, ErrParticipantNotFound):
		p := models.Participant{
			ID:           uuid.New().String(),
			Role:         role,
			SessionToken: token,
			Theme:        req.Theme,
			LastSeen:     now.UTC(),
			Room:         req.Room,
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO participants (id, session_id, user_type, theme_id, room_id, last_seen)
			VALUES (?, ?, ?, ?, ?, ?)
		`, p.ID, p.SessionToken, string(p.Role), nullString(p.Theme), string(p.Room), formatTime(p.LastSeen))
		if err != nil {
			return models.Participant{}, false, fmt.Errorf("failed to insert participant: %w", err)
		}
		return p, true, nil
	case err != nil:
		return models.Participant{}, false, err
	}

	existing.Role = role
	existing.Room = req.Room
	existing.LastSeen = now.UTC()
	if existing.Theme == "" {
		existing.Theme = req.Theme
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE participants SET user_type = ?, theme_id = ?, room_id = ?, last_seen = ? WHERE id = ?
	`, string(existing.Role), nullString(existing.Theme), string(existing.Room), formatTime(existing.LastSeen), existing.ID)
	if err != nil {
		return models.Participant{}, false, fmt.Errorf("failed to update participant: %w", err)
	}
	return existing, false, nil
}

// TouchWithTx records liveness for id in room and returns the updated row.
func (r *ParticipantRepository) TouchWithTx(ctx context.Context, tx *sql.Tx, id string, room models.RoomKey, now time.Time) (models.Participant, error) {
	res, err := tx.ExecContext(ctx, `UPDATE participants SET room_id = ?, last_seen = ? WHERE id = ?`,
		string(room), formatTime(now), id)
	if err != nil {
		return models.Participant{}, fmt.Errorf("failed to update presence: %w", err)
	}
	if err := requireRow(res); err != nil {
		return models.Participant{}, err
	}
	return scanParticipant(tx.QueryRowContext(ctx, `SELECT `+participantColumns+` FROM participants WHERE id = ?`, id))
}

// SetThemeWithTx stores the participant's theme and returns the updated row.
func (r *ParticipantRepository) SetThemeWithTx(ctx context.Context, tx *sql.Tx, id, themeID string) (models.Participant, error) {
	res, err := tx.ExecContext(ctx, `UPDATE participants SET theme_id = ? WHERE id = ?`, nullString(themeID), id)
	if err != nil {
		return models.Participant{}, fmt.Errorf("failed to update theme: %w", err)
	}
	if err := requireRow(res); err != nil {
		return models.Participant{}, err
	}
	return scanParticipant(tx.QueryRowContext(ctx, `SELECT `+participantColumns+` FROM participants WHERE id = ?`, id))
}

// Get retrieves a participant by ID.
func (r *ParticipantRepository) Get(ctx context.Context, id string) (models.Participant, error) {
	return scanParticipant(r.db.QueryRowContext(ctx, `SELECT `+participantColumns+` FROM participants WHERE id = ?`, id))
}

// ListSeenSince returns participants of room seen after since, freshest first.
func (r *ParticipantRepository) ListSeenSince(ctx context.Context, room models.RoomKey, since time.Time) ([]models.Participant, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+participantColumns+`
		FROM participants
		WHERE room_id = ? AND last_seen > ?
		ORDER BY last_seen DESC, id
	`, string(room), formatTime(since))
	if err != nil {
		return nil, fmt.Errorf("failed to query participants: %w", err)
	}
	defer rows.Close()

	var out []models.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating participants: %w", err)
	}
	return out, nil
}

func scanParticipant(row scanner) (models.Participant, error) {
	var (
		p                    models.Participant
		role, room, lastSeen string
		theme                sql.NullString
	)
	err := row.Scan(&p.ID, &p.SessionToken, &role, &theme, &room, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Participant{}, ErrParticipantNotFound
	}
	if err != nil {
		return models.Participant{}, fmt.Errorf("failed to scan participant: %w", err)
	}
	p.Role = models.ParseRole(role)
	p.Theme = theme.String
	p.Room = models.RoomKey(room)
	if p.LastSeen, err = parseTime(lastSeen); err != nil {
		return models.Participant{}, fmt.Errorf("failed to parse last_seen: %w", err)
	}
	return p, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrParticipantNotFound
	}
	return nil
}
