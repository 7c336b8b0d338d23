// Package requestctx carries per-request values (logger, trace, log annotations) through
// context.Context.
package requestctx

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

type key int

const (
	loggerKey key = iota
	traceKey
	annotationsKey
)

var nop = zap.NewNop()

func lookup[T any](ctx context.Context, k key) (T, bool) {
	var zero T
	if ctx == nil {
		return zero, false
	}
	v, ok := ctx.Value(k).(T)
	return v, ok
}

func orBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

// WithLogger returns ctx carrying logger. A nil logger stores the no-op logger.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	if logger == nil {
		logger = nop
	}
	return context.WithValue(orBackground(ctx), loggerKey, logger)
}

// Logger returns the request logger, or a no-op logger when none is set.
func Logger(ctx context.Context) *zap.Logger {
	if logger, ok := lookup[*zap.Logger](ctx, loggerKey); ok && logger != nil {
		return logger
	}
	return nop
}

func NoopLogger() *zap.Logger { return nop }

// TraceInfo identifies the trace a request belongs to.
type TraceInfo struct {
	TraceID   string
	SpanID    string
	Sampled   bool
	ProjectID string
}

func WithTrace(ctx context.Context, info TraceInfo) context.Context {
	return context.WithValue(orBackground(ctx), traceKey, info)
}

func Trace(ctx context.Context) (TraceInfo, bool) {
	return lookup[TraceInfo](ctx, traceKey)
}

// TraceID is Trace(ctx).TraceID, or "".
func TraceID(ctx context.Context) string {
	info, _ := Trace(ctx)
	return info.TraceID
}

// Annotations accumulates log fields learned while handling a request, such as the user id
// after authentication, for the access log line.
type Annotations struct {
	mu     sync.Mutex
	fields []zap.Field
}

func WithAnnotations(ctx context.Context) (context.Context, *Annotations) {
	a := new(Annotations)
	return context.WithValue(orBackground(ctx), annotationsKey, a), a
}

// Annotate appends fields to the request annotations, if ctx has any.
func Annotate(ctx context.Context, fields ...zap.Field) {
	a, ok := lookup[*Annotations](ctx, annotationsKey)
	if !ok || a == nil || len(fields) == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fields = append(a.fields, fields...)
}

// Fields returns a snapshot of the annotations.
func (a *Annotations) Fields() []zap.Field {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]zap.Field(nil), a.fields...)
}
