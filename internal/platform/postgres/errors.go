package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// Error carries the failing operation and how the service layer should treat the failure.
// It satisfies repositories.RepositoryError.
type Error struct {
	Op  string
	Err error

	notFound, conflict, unavailable bool
}

func (e *Error) Error() string {
	if e.Op == "" {
		return "postgres: " + e.Err.Error()
	}
	return "postgres " + e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error       { return e.Err }
func (e *Error) IsNotFound() bool    { return e != nil && e.notFound }
func (e *Error) IsConflict() bool    { return e != nil && e.conflict }
func (e *Error) IsUnavailable() bool { return e != nil && e.unavailable }

// conflictStates are retryable contention failures.
var conflictStates = map[string]bool{
	"23505": true, // unique_violation
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"55P03": true, // lock_not_available
}

// WrapError classifies err by SQLSTATE. Context errors are returned unchanged.
func WrapError(op string, err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var existing *Error
	if errors.As(err, &existing) {
		return existing
	}

	e := &Error{Op: op, Err: err}
	var pgErr *pgconn.PgError
	switch {
	case errors.Is(err, sql.ErrNoRows):
		e.notFound = true
	case errors.Is(err, sql.ErrConnDone), errors.Is(err, sql.ErrTxDone):
		e.unavailable = true
	case errors.As(err, &pgErr):
		e.conflict = conflictStates[pgErr.Code]
		// 08 connection exception, 53 insufficient resources, 57P operator intervention
		e.unavailable = strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "53") || strings.HasPrefix(pgErr.Code, "57P")
	default:
		e.unavailable = pgconn.SafeToRetry(err) || pgconn.Timeout(err)
	}
	return e
}
