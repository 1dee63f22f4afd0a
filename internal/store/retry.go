package store

import (
	"context"
	"database/sql"
	"strings"
	"time"
)

const (
	writeAttempts = 3
	writeBackoff  = 50 * time.Millisecond
)

// isConflict reports whether err is a SQLite concurrency error
// (SQLITE_BUSY or "database is locked"). WAL mode makes these rare but
// not impossible under concurrent pipelines.
func isConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// execRetry runs a write statement, retrying conflict errors with a
// short backoff. Non-conflict errors fail immediately.
func (s *SQLiteStore) execRetry(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	var result sql.Result
	var err error
	for attempt := 0; attempt < writeAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(writeBackoff):
			}
		}
		result, err = s.db.ExecContext(ctx, query, args...)
		if err == nil || !isConflict(err) {
			return result, err
		}
	}
	return result, err
}
