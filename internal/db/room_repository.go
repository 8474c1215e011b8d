package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tOgg1/chatsync/internal/models"
)

// Room repository errors.
var (
	ErrRoomNotFound      = errors.New("room not found")
	ErrRoomAlreadyExists = errors.New("room already exists")
)

// RoomRepository handles room persistence.
type RoomRepository struct {
	db *DB
}

// NewRoomRepository creates a new RoomRepository.
func NewRoomRepository(db *DB) *RoomRepository {
	return &RoomRepository{db: db}
}

// Create stores a room with its secret digest.
func (r *RoomRepository) Create(ctx context.Context, room models.Room) (models.Room, error) {
	if room.ID == "" || room.SecretDigest == "" {
		return models.Room{}, fmt.Errorf("room id and digest are required")
	}
	if room.CreatedAt.IsZero() {
		room.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO rooms (id, secret_digest, created_at) VALUES (?, ?, ?)
	`, room.ID, room.SecretDigest, formatTime(room.CreatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return models.Room{}, ErrRoomAlreadyExists
		}
		return models.Room{}, fmt.Errorf("failed to insert room: %w", err)
	}
	return room, nil
}

// Get retrieves a room by ID.
func (r *RoomRepository) Get(ctx context.Context, id string) (models.Room, error) {
	var (
		room      models.Room
		createdAt string
	)
	err := r.db.QueryRowContext(ctx, `SELECT id, secret_digest, created_at FROM rooms WHERE id = ?`, id).
		Scan(&room.ID, &room.SecretDigest, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Room{}, ErrRoomNotFound
	}
	if err != nil {
		return models.Room{}, fmt.Errorf("failed to query room: %w", err)
	}
	if room.CreatedAt, err = parseTime(createdAt); err != nil {
		return models.Room{}, fmt.Errorf("failed to parse created_at: %w", err)
	}
	return room, nil
}

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "unique constraint") || strings.Contains(message, "constraint failed: unique")
}
