package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestWrapErrorClassification(t *testing.T) {
	type kind struct{ notFound, conflict, unavailable bool }
	cases := map[string]struct {
		err  error
		want kind
	}{
		"no rows":          {sql.ErrNoRows, kind{notFound: true}},
		"conn done":        {sql.ErrConnDone, kind{unavailable: true}},
		"unique violation": {&pgconn.PgError{Code: "23505"}, kind{conflict: true}},
		"wrapped serial":   {fmt.Errorf("commit: %w", &pgconn.PgError{Code: "40001"}), kind{conflict: true}},
		"admin shutdown":   {&pgconn.PgError{Code: "57P01"}, kind{unavailable: true}},
		"too many conns":   {&pgconn.PgError{Code: "53300"}, kind{unavailable: true}},
		"syntax":           {&pgconn.PgError{Code: "42601"}, kind{}},
		"plain":            {errors.New("boom"), kind{}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			wrapped := WrapError("carts.lock", tc.err)
			var pgErr *Error
			if !errors.As(wrapped, &pgErr) {
				t.Fatalf("expected *Error, got %T", wrapped)
			}
			got := kind{pgErr.IsNotFound(), pgErr.IsConflict(), pgErr.IsUnavailable()}
			if got != tc.want {
				t.Fatalf("classification = %+v, want %+v", got, tc.want)
			}
			if !errors.Is(wrapped, tc.err) {
				t.Fatal("wrapped error does not unwrap to the cause")
			}
			if !strings.HasPrefix(wrapped.Error(), "postgres carts.lock: ") {
				t.Fatalf("message = %q", wrapped.Error())
			}
		})
	}
}

func TestWrapErrorPassThrough(t *testing.T) {
	if WrapError("op", nil) != nil {
		t.Fatal("nil error should stay nil")
	}
	if err := WrapError("op", fmt.Errorf("query: %w", context.DeadlineExceeded)); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v", err)
	}
	first := WrapError("inner", sql.ErrNoRows)
	if again := WrapError("outer", first); again != first {
		t.Fatal("already classified errors should be returned as is")
	}
}
