// Package pgerr classifies PostgreSQL errors into the taxonomy used to decide
// retry, skip, or fatal behavior across the copier, schema driver, and applier.
package pgerr

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Sentinel errors used for exit-code classification (see cmd/pgcopydb).
var (
	ErrConfiguration     = errors.New("configuration error")
	ErrConnectivity      = errors.New("connectivity error")
	ErrProtocolViolation = errors.New("replication protocol violation")
	ErrFilesystem        = errors.New("work directory filesystem error")
	ErrChildDied         = errors.New("pipeline component died unexpectedly")
)

// IsAlreadyExists reports whether err is a PostgreSQL "object already exists"
// error (42P07 duplicate_table, 42710 duplicate_object) or a 42P16
// invalid_table_definition such as a second primary key on one table,
// which the schema restore driver and index builder treat as a non-fatal skip
// since C5/C6 may have already created the object concurrently.
func IsAlreadyExists(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "42P07", "42P16", "42710":
		return true
	default:
		return false
	}
}

// IsDeterministicDuplicate reports whether err is a unique or check violation,
// the error classes spec §7 treats as "already applied" when the offending
// transaction's commit-lsn is at or below the replication origin's remote_lsn.
func IsDeterministicDuplicate(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "23505", "23514":
		return true
	default:
		return false
	}
}

// IsRetryable reports whether err looks like a transient connectivity failure
// worth retrying with backoff, as opposed to a deterministic SQL error, a
// replication protocol violation, or a work directory filesystem error.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrProtocolViolation) || errors.Is(err, ErrFilesystem) {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Any error that parsed as a well-formed PgError is a deterministic
		// server-side rejection, not a transient connectivity failure.
		return false
	}
	return true
}

// Retry runs fn up to attempts times (default 2 retries beyond the first try,
// per spec §4.5's default R=2), backing off exponentially between retryable
// failures. Non-retryable errors (protocol violations, deterministic SQL
// errors) return immediately without consuming an attempt.
func Retry(ctx context.Context, attempts int, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	backoff := 200 * time.Millisecond
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}
	return err
}
