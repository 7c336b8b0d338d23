package firestore

import (
	"context"
	"errors"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestWrapErrorClassification(t *testing.T) {
	cases := []struct {
		code        codes.Code
		notFound    bool
		conflict    bool
		unavailable bool
	}{
		{code: codes.NotFound, notFound: true},
		{code: codes.Aborted, conflict: true},
		{code: codes.FailedPrecondition, conflict: true},
		{code: codes.Unavailable, unavailable: true},
		{code: codes.ResourceExhausted, unavailable: true},
		{code: codes.InvalidArgument},
	}
	for _, tc := range cases {
		err := WrapError("carts.get", status.Error(tc.code, "boom"))
		var repoErr *Error
		if !errors.As(err, &repoErr) {
			t.Fatalf("%s: expected *Error, got %T", tc.code, err)
		}
		if repoErr.IsNotFound() != tc.notFound || repoErr.IsConflict() != tc.conflict || repoErr.IsUnavailable() != tc.unavailable {
			t.Fatalf("%s: unexpected classification %+v", tc.code, repoErr)
		}
		if repoErr.Op != "carts.get" {
			t.Fatalf("expected op carts.get, got %q", repoErr.Op)
		}
	}
}

func TestWrapErrorPassesCancellationThrough(t *testing.T) {
	if err := WrapError("op", status.Error(codes.Canceled, "gone")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if err := WrapError("op", context.DeadlineExceeded); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if WrapError("op", nil) != nil {
		t.Fatal("expected nil for nil error")
	}
}

func TestWrapErrorKeepsExistingOp(t *testing.T) {
	inner := WrapError("carts.mutate", status.Error(codes.Aborted, "contention"))
	outer := WrapError("transaction", inner)
	var repoErr *Error
	if !errors.As(outer, &repoErr) || repoErr.Op != "carts.mutate" {
		t.Fatalf("expected original op preserved, got %v", outer)
	}
}

func TestIsNotFoundAcceptsRawStatus(t *testing.T) {
	if !IsNotFound(status.Error(codes.NotFound, "missing")) {
		t.Fatal("expected raw NotFound status to match")
	}
	if IsNotFound(errors.New("other")) {
		t.Fatal("unexpected match for plain error")
	}
}
