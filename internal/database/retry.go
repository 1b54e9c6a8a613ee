package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"coachchat/internal/constants"
	"coachchat/internal/retry"

	"github.com/mattn/go-sqlite3"
)

// withWriteRetry runs a statement against the store, retrying while
// SQLite reports the file as busy or locked. Constraint and schema
// failures surface immediately.
func withWriteRetry(ctx context.Context, op func() error, name string) error {
	backoff := retry.NewBackoff(retry.BackoffConfig{
		InitialDelay: time.Duration(constants.DefaultRetryBackoffMs) * time.Millisecond,
		MaxDelay:     time.Duration(constants.DefaultMaxBackoffMs) * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  constants.DefaultDatabaseRetryAttempts,
		Jitter:       true,
	})
	if err := backoff.RetryWithPredicate(ctx, op, isBusySQLiteError); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// isBusySQLiteError reports whether the failure is write contention a
// later attempt can clear. Everything else, including a dead context,
// fails the operation outright.
func isBusySQLiteError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return true
		}
		return false
	}

	// Wrapped driver errors lose the typed code.
	return strings.Contains(err.Error(), "database is locked")
}
