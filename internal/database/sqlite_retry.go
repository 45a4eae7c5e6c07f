package database

import (
	"database/sql"
	"errors"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	xlog "github.com/Notnaton/simplewebui/internal/log"
)

const (
	maxRetries = 200
	baseDelay  = 10 * time.Millisecond
	maxDelay   = 25 * time.Millisecond
)

// isRetryableError checks if the error is a retryable SQLite error
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.Code == sqlite3.ErrBusy || serr.Code == sqlite3.ErrLocked
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "database is locked") ||
		strings.Contains(errStr, "database table is locked")
}

// retryDelay is a linear backoff capped at maxDelay plus up to 50% jitter
func retryDelay(attempt int) time.Duration {
	delay := time.Duration(attempt+1) * baseDelay
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay + time.Duration(rand.Int64N(int64(delay)/2))
}

// withRetry runs op until it succeeds, fails with a non-retryable error or
// maxRetries is reached.
func withRetry(what, query string, op func() error) error {
	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err = op()
		if !isRetryableError(err) {
			return err
		}
		if attempt < maxRetries-1 {
			time.Sleep(retryDelay(attempt))
			if attempt%20 == 0 {
				l := xlog.WithComponent("database")
				l.Warn().
					Err(err).
					Int("attempt", attempt+1).
					Str("op", what).
					Str("query", truncateString(query, 50)).
					Msg("sqlite busy, retrying")
			}
		}
	}
	return err
}

// retryableExec executes a SQL statement with retry logic for lock conflicts
func retryableExec(db *sql.DB, query string, args ...any) (sql.Result, error) {
	var result sql.Result
	err := withRetry("exec", query, func() error {
		var err error
		result, err = db.Exec(query, args...)
		return err
	})
	return result, err
}

// retryableQueryRowScan executes a QueryRow and Scan with retry logic
func retryableQueryRowScan(db *sql.DB, query string, args []any, dest ...any) error {
	return withRetry("query_row", query, func() error {
		return db.QueryRow(query, args...).Scan(dest...)
	})
}

// retryableQuery executes a query that returns multiple rows with retry logic
func retryableQuery(db *sql.DB, query string, args ...any) (*sql.Rows, error) {
	var rows *sql.Rows
	err := withRetry("query", query, func() error {
		var err error
		rows, err = db.Query(query, args...)
		return err
	})
	return rows, err
}

// retryableTransactionExec runs txFunc inside a transaction, retrying the
// whole transaction on lock conflicts.
func retryableTransactionExec(db *sql.DB, txFunc func(*sql.Tx) error) error {
	return withRetry("transaction", "", func() error {
		tx, err := db.Begin()
		if err != nil {
			return err
		}
		if err := txFunc(tx); err != nil {
			tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}

// truncateString truncates a string to the specified length
func truncateString(s string, length int) string {
	if len(s) <= length {
		return s
	}
	return s[:length]
}
