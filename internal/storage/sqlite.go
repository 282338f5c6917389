// Package storage provides the shared SQLite plumbing used by every store:
// connection setup (WAL + busy timeout), busy-retry, and time scanning for
// columns SQLite hands back as strings.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Open opens (creating if needed) the engine database at path with WAL
// journaling and a 5s busy timeout. All stores share one *sql.DB so that
// cross-store operations (decision supersession, capsule snapshots) can run
// in a single transaction.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("pinging database %s: %w", path, err)
	}
	return db, nil
}

// IsLocked reports whether err is a SQLite busy/locked error worth retrying.
func IsLocked(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "locked")
}

// WithRetry runs fn, retrying on busy/locked with quadratic backoff capped
// at 250ms. Non-lock errors return immediately.
func WithRetry(ctx context.Context, fn func() error) error {
	const maxRetries = 15
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt*attempt) * 20 * time.Millisecond
			if backoff > 250*time.Millisecond {
				backoff = 250 * time.Millisecond
			}
			select {
			case <-ctx.Done():
				return fmt.Errorf("context cancelled: %w", ctx.Err())
			case <-time.After(backoff):
			}
		}
		lastErr = fn()
		if lastErr == nil || !IsLocked(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// ScanTime scans a column that may arrive as time.Time, []byte, or string
// (SQLite returns datetimes as strings depending on how they were bound).
func ScanTime(v interface{}) (time.Time, bool) {
	switch val := v.(type) {
	case nil:
		return time.Time{}, false
	case time.Time:
		return val, true
	case []byte:
		return parseSQLiteTime(string(val))
	case string:
		return parseSQLiteTime(val)
	}
	return time.Time{}, false
}

func parseSQLiteTime(s string) (time.Time, bool) {
	for _, layout := range []string{
		"2006-01-02 15:04:05.999999999-07:00",
		time.RFC3339Nano,
		time.RFC3339,
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// NullableTime converts a *time.Time into a driver-bindable value.
func NullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}
