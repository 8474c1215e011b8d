package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/tOgg1/chatsync/internal/models"
	"github.com/tOgg1/chatsync/internal/transport"
)

// ChangeRepository is the append-only change feed read by pollers.
type ChangeRepository struct {
	db *DB
}

// NewChangeRepository creates a new ChangeRepository.
func NewChangeRepository(db *DB) *ChangeRepository {
	return &ChangeRepository{db: db}
}

// AppendWithTx records ev in the same transaction as the row it
// describes and returns its sequence number.
func (r *ChangeRepository) AppendWithTx(ctx context.Context, tx *sql.Tx, ev transport.RawEvent, now time.Time) (int64, error) {
	if tx == nil {
		return 0, fmt.Errorf("transaction is required")
	}
	if ev.Table == "" || ev.Op == "" {
		return 0, fmt.Errorf("change table and op are required")
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO changes (room_id, table_name, op, payload_json, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, string(ev.Room), string(ev.Table), string(ev.Op), string(ev.Payload), formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("failed to insert change: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read change seq: %w", err)
	}
	return seq, nil
}

// ListAfter returns up to limit changes of room with seq greater than
// afterSeq, oldest first.
func (r *ChangeRepository) ListAfter(ctx context.Context, room models.RoomKey, afterSeq int64, limit int) ([]transport.RawEvent, error) {
	if limit <= 0 {
		limit = 256
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT seq, room_id, table_name, op, payload_json
		FROM changes
		WHERE room_id = ? AND seq > ?
		ORDER BY seq
		LIMIT ?
	`, string(room), afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query changes: %w", err)
	}
	defer rows.Close()

	var out []transport.RawEvent
	for rows.Next() {
		var (
			ev                    transport.RawEvent
			roomID, table, op, pl string
		)
		if err := rows.Scan(&ev.Seq, &roomID, &table, &op, &pl); err != nil {
			return nil, fmt.Errorf("failed to scan change: %w", err)
		}
		ev.Room = models.RoomKey(roomID)
		ev.Table = transport.Table(table)
		ev.Op = transport.Op(op)
		ev.Payload = []byte(pl)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating changes: %w", err)
	}
	return out, nil
}

// LatestSeq returns the newest sequence number, or zero on an empty feed.
func (r *ChangeRepository) LatestSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := r.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM changes`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to read latest seq: %w", err)
	}
	return seq.Int64, nil
}

// DeleteOlderThan prunes changes recorded before before. Message and
// participant rows are untouched.
func (r *ChangeRepository) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM changes WHERE created_at < ?`, formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("failed to prune changes: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n, nil
}
