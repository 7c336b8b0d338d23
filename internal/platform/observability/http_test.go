package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mobishop/api/internal/platform/requestctx"
)

func TestRequestLoggerIncludesRouteAndAnnotations(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	logger := zap.New(core)

	router := chi.NewRouter()
	router.Use(WithLogger(logger))
	router.Use(AccessLog())
	router.Get("/cart/items/{itemID}", func(w http.ResponseWriter, r *http.Request) {
		requestctx.Annotate(r.Context(), zap.String("user_id", "u1"))
		w.WriteHeader(http.StatusNoContent)
	})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/cart/items/abc", nil))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}

	completed := logs.FilterMessage("request completed").All()
	if len(completed) != 1 {
		t.Fatalf("expected one completion entry, got %d", len(completed))
	}
	fields := completed[0].ContextMap()
	if fields["route"] != "/cart/items/{itemID}" {
		t.Fatalf("expected route pattern, got %v", fields["route"])
	}
	if fields["user_id"] != "u1" {
		t.Fatalf("expected annotated user id, got %v", fields["user_id"])
	}
	if fields["status"] != int64(http.StatusNoContent) {
		t.Fatalf("unexpected status field %v", fields["status"])
	}
}

func TestRecovererWritesJSONError(t *testing.T) {
	handler := Recoverer(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("expected json content type, got %q", ct)
	}
}

func TestEventLoggerPrefersRequestLogger(t *testing.T) {
	fallbackCore, fallbackLogs := observer.New(zapcore.InfoLevel)
	requestCore, requestLogs := observer.New(zapcore.InfoLevel)
	log := EventLogger(zap.New(fallbackCore))

	log(context.Background(), "cart.merged", map[string]any{"action": "merge"})
	ctx := requestctx.WithLogger(context.Background(), zap.New(requestCore))
	log(ctx, "cart.merge_failed", map[string]any{"error": "boom"})

	if fallbackLogs.Len() != 1 || fallbackLogs.All()[0].ContextMap()["action"] != "merge" {
		t.Fatalf("unexpected fallback entries %+v", fallbackLogs.All())
	}
	entries := requestLogs.All()
	if len(entries) != 1 || entries[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected failure event at warn level, got %+v", entries)
	}
}

func TestParseCloudTrace(t *testing.T) {
	sc, ok := parseCloudTrace("105445aa7843bc8bf206b12000100000/1;o=1")
	if !ok {
		t.Fatalf("expected header to parse")
	}
	if sc.TraceID().String() != "105445aa7843bc8bf206b12000100000" || sc.SpanID().String() != "0000000000000001" {
		t.Fatalf("unexpected span context %v/%v", sc.TraceID(), sc.SpanID())
	}
	if !sc.IsRemote() || !sc.IsSampled() {
		t.Fatalf("expected remote sampled span context")
	}
	for _, header := range []string{"bad", "105445aa7843bc8bf206b12000100000/abc", "105445aa7843bc8bf206b12000100000/0;o=1"} {
		if _, ok := parseCloudTrace(header); ok {
			t.Fatalf("expected %q to be rejected", header)
		}
	}
}

func TestTracingStoresTraceOnContext(t *testing.T) {
	var got requestctx.TraceInfo
	handler := Tracing("proj")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = requestctx.Trace(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/cart", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if got.ProjectID != "proj" {
		t.Fatalf("expected project id on trace info, got %+v", got)
	}
	// Without an SDK tracer provider the span inherits the remote parent's ids.
	if got.TraceID != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Fatalf("expected trace id from traceparent, got %q", got.TraceID)
	}
}

func TestLogSafe(t *testing.T) {
	if got := LogSafe("u1\nforged", 0); got != "u1forged" {
		t.Fatalf("expected control characters dropped, got %q", got)
	}
	if got := LogSafe("abcdef", 3); got != "abc" {
		t.Fatalf("expected truncation, got %q", got)
	}
}
