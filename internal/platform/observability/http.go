package observability

import (
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"time"
	"unicode"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mobishop/api/internal/platform/httpx"
	"github.com/mobishop/api/internal/platform/requestctx"
)

// HTTPMiddlewares returns the standard chain for the API: logger injection, tracing, panic
// recovery and the access log, in that order.
func HTTPMiddlewares(logger *zap.Logger, projectID string) []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		WithLogger(logger),
		Tracing(projectID),
		Recoverer(logger),
		AccessLog(),
	}
}

// WithLogger stores logger on every request context.
func WithLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(requestctx.WithLogger(r.Context(), logger)))
		})
	}
}

// AccessLog writes one structured entry per request once the handler returns. Fields added
// with requestctx.Annotate during handling (the user id, merge action) are included. The span
// is renamed after the chi route pattern so raw cart keys never show up in span names.
func AccessLog() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			info, _ := requestctx.Trace(ctx)
			logger := requestctx.Logger(ctx).With(
				zap.String("request_id", middleware.GetReqID(ctx)),
				zap.String("method", LogSafe(r.Method, 10)),
				zap.String("trace_id", info.TraceID),
			)
			if resource := cloudLoggingTrace(info); resource != "" {
				logger = logger.With(zap.String("logging.googleapis.com/trace", resource))
			}
			if ip := remoteIP(r.RemoteAddr); ip != "" {
				logger = logger.With(zap.String("remote_ip", ip))
			}
			ctx, annotations := requestctx.WithAnnotations(requestctx.WithLogger(ctx, logger))
			r = r.WithContext(ctx)

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			completed := false
			defer func() {
				status := rec.status
				if !completed && status < http.StatusInternalServerError {
					// The handler panicked; Recoverer further out writes the 500.
					status = http.StatusInternalServerError
				}
				route := routeOf(r)

				span := trace.SpanFromContext(ctx)
				span.SetName(r.Method + " " + route)
				span.SetAttributes(semconv.HTTPRoute(route), semconv.HTTPResponseStatusCode(status))
				if status >= http.StatusInternalServerError {
					span.SetStatus(codes.Error, http.StatusText(status))
				}

				fields := append([]zap.Field{
					zap.String("route", route),
					zap.Int("status", status),
					zap.Duration("latency", time.Since(start)),
					zap.Int64("bytes", rec.bytes),
				}, annotations.Fields()...)
				if ce := logger.Check(levelFor(status), "request completed"); ce != nil {
					ce.Write(fields...)
				}
			}()

			next.ServeHTTP(rec, r)
			completed = true
		})
	}
}

// Recoverer turns a panic into a 500 JSON error and logs the stack.
func Recoverer(fallback *zap.Logger) func(http.Handler) http.Handler {
	if fallback == nil {
		fallback = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				ctx := r.Context()
				logger := requestctx.Logger(ctx)
				if logger == requestctx.NoopLogger() {
					logger = fallback
				}
				logger.Error("panic recovered", zap.Any("panic", rec), zap.ByteString("stack", debug.Stack()))
				httpx.WriteError(ctx, w, httpx.NewError("internal_server_error", "internal server error", http.StatusInternalServerError))
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// LogSafe drops control characters and truncates value to limit runes so client supplied
// strings cannot forge log lines.
func LogSafe(value string, limit int) string {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, value)
	if runes := []rune(cleaned); limit > 0 && len(runes) > limit {
		cleaned = string(runes[:limit])
	}
	return cleaned
}

func levelFor(status int) zapcore.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return zapcore.ErrorLevel
	case status >= http.StatusBadRequest:
		return zapcore.WarnLevel
	default:
		return zapcore.InfoLevel
	}
}

func routeOf(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if pattern := rc.RoutePattern(); pattern != "" {
			return LogSafe(pattern, 180)
		}
	}
	if r.URL.Path == "" {
		return "/"
	}
	return LogSafe(r.URL.Path, 180)
}

func remoteIP(addr string) string {
	addr = strings.TrimSpace(addr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	return LogSafe(addr, 64)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	n, err := s.ResponseWriter.Write(b)
	s.bytes += int64(n)
	return n, err
}
