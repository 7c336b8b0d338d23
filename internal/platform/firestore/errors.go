package firestore

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type errorKind int

const (
	kindOther errorKind = iota
	kindNotFound
	kindConflict
	kindUnavailable
)

// Error classifies a Firestore failure for the service layer. It satisfies
// repositories.RepositoryError.
type Error struct {
	Op   string
	Err  error
	kind errorKind
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// IsNotFound reports a missing document.
func (e *Error) IsNotFound() bool { return e != nil && e.kind == kindNotFound }

// IsConflict reports contention or a failed precondition; the caller may retry.
func (e *Error) IsConflict() bool { return e != nil && e.kind == kindConflict }

// IsUnavailable reports a transient backend outage.
func (e *Error) IsUnavailable() bool { return e != nil && e.kind == kindUnavailable }

func classify(code codes.Code) errorKind {
	switch code {
	case codes.NotFound:
		return kindNotFound
	case codes.AlreadyExists, codes.FailedPrecondition, codes.Aborted:
		return kindConflict
	case codes.Unavailable, codes.ResourceExhausted, codes.Internal, codes.DeadlineExceeded:
		return kindUnavailable
	default:
		return kindOther
	}
}

// WrapError annotates err with op and its classification. Cancellation is returned as the
// plain context error so callers can tell it apart from backend failures.
func WrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	switch status.Code(err) {
	case codes.Canceled:
		return context.Canceled
	case codes.DeadlineExceeded:
		return context.DeadlineExceeded
	}

	var existing *Error
	if errors.As(err, &existing) {
		if existing.Op == "" {
			existing.Op = op
		}
		return existing
	}
	return &Error{Op: op, Err: err, kind: classify(status.Code(err))}
}

// IsNotFound reports whether err is a NotFound status, wrapped or raw.
func IsNotFound(err error) bool {
	var repoErr *Error
	if errors.As(err, &repoErr) {
		return repoErr.IsNotFound()
	}
	return status.Code(err) == codes.NotFound
}
