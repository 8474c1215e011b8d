package db

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

const (
	defaultRetryAttempts = 5
	defaultRetryBackoff  = 20 * time.Millisecond
)

// RetryPolicy bounds busy retries. Zero fields take the defaults.
type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultRetryAttempts
	}
	if p.BaseBackoff <= 0 {
		p.BaseBackoff = defaultRetryBackoff
	}
	return p
}

// TransactionWithRetry runs a transaction, retrying the whole of fn while
// the database reports it is busy. Several clients share one file, so
// writers contend.
func (db *DB) TransactionWithRetry(ctx context.Context, policy RetryPolicy, fn func(*sql.Tx) error) error {
	policy = policy.normalized()
	return withRetry(ctx, policy.MaxAttempts, policy.BaseBackoff, func() error {
		return db.Transaction(ctx, fn)
	})
}

// Retry runs fn with the same busy handling as TransactionWithRetry.
func (db *DB) Retry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	policy = policy.normalized()
	return withRetry(ctx, policy.MaxAttempts, policy.BaseBackoff, fn)
}

func withRetry(ctx context.Context, maxAttempts int, baseBackoff time.Duration, fn func() error) error {
	attempt := 0
	backoff := baseBackoff

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := fn()
		if err == nil {
			return nil
		}

		attempt++
		if !isBusyError(err) || attempt >= maxAttempts {
			return err
		}

		if err := sleepWithContext(ctx, backoff); err != nil {
			return err
		}

		backoff *= 2
	}
}

// IsBusy reports whether err is SQLite lock contention.
func IsBusy(err error) bool {
	return isBusyError(err)
}

func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	message := strings.ToLower(err.Error())
	return strings.Contains(message, "database is locked") ||
		strings.Contains(message, "database is busy") ||
		strings.Contains(message, "sqlite_busy")
}

func sleepWithContext(ctx context.Context, duration time.Duration) error {
	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
