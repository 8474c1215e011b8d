package db

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	database, err := Open(DefaultConfig(filepath.Join(t.TempDir(), "chat.db")))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	_, err = database.MigrateUp(context.Background())
	require.NoError(t, err)
	return database
}

func TestWithRetry_RetriesOnBusy(t *testing.T) {
	attempts := 0
	err := withRetry(context.Background(), 3, time.Millisecond, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
}

func TestWithRetry_StopsOnNonBusy(t *testing.T) {
	attempts := 0
	err := withRetry(context.Background(), 3, time.Millisecond, func() error {
		attempts++
		return errors.New("boom")
	})
	require.Error(t, err)
	require.Equal(t, 1, attempts)
}

func TestWithRetry_StopsAfterMaxAttempts(t *testing.T) {
	attempts := 0
	err := withRetry(context.Background(), 2, time.Millisecond, func() error {
		attempts++
		return errors.New("SQLITE_BUSY")
	})
	require.Error(t, err)
	require.True(t, IsBusy(err))
	require.Equal(t, 2, attempts)
}

func TestWithRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := withRetry(ctx, 3, time.Millisecond, func() error { return nil })
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, IsBusy(err))
}

func TestTransactionWithRetry(t *testing.T) {
	database := setupTestDB(t)
	attempts := 0

	err := database.TransactionWithRetry(context.Background(), RetryPolicy{BaseBackoff: time.Millisecond}, func(tx *sql.Tx) error {
		attempts++
		if attempts < 2 {
			return errors.New("database is locked")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, attempts)
}

func TestMigrateUpIsIdempotent(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	n, err := database.MigrateUp(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	version, err := database.SchemaVersion(ctx)
	require.NoError(t, err)
	require.Equal(t, len(migrations), version)
}
