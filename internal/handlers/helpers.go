package handlers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mobishop/api/internal/platform/auth"
	"github.com/mobishop/api/internal/platform/httpx"
	"github.com/mobishop/api/internal/platform/observability"
	"github.com/mobishop/api/internal/platform/requestctx"
)

const defaultMaxBodySize = 64 << 10

var (
	errBodyTooLarge = errors.New("request body too large")
	errEmptyBody    = errors.New("request body is required")
)

// readLimitedBody reads at most limit bytes and rejects blank bodies.
func readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil {
		return nil, errEmptyBody
	}
	if limit <= 0 {
		limit = defaultMaxBodySize
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	switch {
	case err != nil:
		return nil, fmt.Errorf("read request body: %w", err)
	case int64(len(data)) > limit:
		return nil, errBodyTooLarge
	case len(bytes.TrimSpace(data)) == 0:
		return nil, errEmptyBody
	}
	return data, nil
}

func writeBodyError(ctx context.Context, w http.ResponseWriter, err error) {
	apiErr := httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest)
	if errors.Is(err, errBodyTooLarge) {
		apiErr = httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge)
	}
	httpx.WriteError(ctx, w, apiErr)
}

func callerUID(ctx context.Context) (string, bool) {
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || strings.TrimSpace(identity.UID) == "" {
		return "", false
	}
	return identity.UID, true
}

// requireUserID answers 401 when the request has no verified caller. The uid is added to
// the access log.
func requireUserID(ctx context.Context, w http.ResponseWriter) (string, bool) {
	uid, ok := callerUID(ctx)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return "", false
	}
	requestctx.Annotate(ctx, zap.String("user_id", observability.LogSafe(uid, 64)))
	return uid, true
}

func userIDFromRequest(r *http.Request) (string, bool) {
	return callerUID(r.Context())
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// setNoStore keeps cart responses out of shared and browser caches.
func setNoStore(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Cache-Control", "no-store")
	h.Set("Pragma", "no-cache")
}
