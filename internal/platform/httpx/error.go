// Package httpx holds the JSON response helpers shared by the cart API handlers.
package httpx

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/mobishop/api/internal/platform/requestctx"
)

const (
	maxCodeLen    = 80
	maxMessageLen = 512
)

// Error is an API failure rendered as {"error", "message", "status"} plus optional fields.
type Error struct {
	Code    string
	Message string
	Status  int
	extra   map[string]any
}

// NewError builds an Error. A zero status means 500.
func NewError(code, message string, status int) Error {
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return Error{
		Code:    clean(code, maxCodeLen),
		Message: clean(message, maxMessageLen),
		Status:  status,
	}
}

func (e Error) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
}

// With returns a copy carrying an additional top-level field. The envelope keys cannot be
// overridden.
func (e Error) With(key string, value any) Error {
	switch key {
	case "", "error", "message", "status", "request_id", "trace_id":
		return e
	}
	extra := make(map[string]any, len(e.extra)+1)
	maps.Copy(extra, e.extra)
	extra[key] = value
	e.extra = extra
	return e
}

// WriteError renders err, stamping the request and trace ids found on ctx.
func WriteError(ctx context.Context, w http.ResponseWriter, err Error) {
	if err.Status == 0 {
		err.Status = http.StatusInternalServerError
	}
	body := make(map[string]any, len(err.extra)+5)
	maps.Copy(body, err.extra)
	body["error"] = err.Code
	body["message"] = err.Message
	body["status"] = err.Status
	if id := clean(middleware.GetReqID(ctx), maxCodeLen); id != "" {
		body["request_id"] = id
	}
	if trace := requestctx.TraceID(ctx); trace != "" {
		body["trace_id"] = trace
	}
	WriteJSON(ctx, w, err.Status, body)
}

// WriteJSON encodes payload with status. The header is already sent when encoding fails, so
// the failure is only logged.
func WriteJSON(ctx context.Context, w http.ResponseWriter, status int, payload any) {
	if status == 0 {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		requestctx.Logger(ctx).Warn("response encoding failed", zap.Int("status", status), zap.Error(err))
	}
}

// clean flattens line breaks and caps value at limit bytes without splitting a rune.
func clean(value string, limit int) string {
	value = strings.TrimSpace(strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == '\t' {
			return ' '
		}
		return r
	}, value))
	if len(value) <= limit {
		return value
	}
	value = value[:limit]
	for !utf8.ValidString(value) {
		value = value[:len(value)-1]
	}
	return value
}
