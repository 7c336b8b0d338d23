package observability

import (
	"context"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mobishop/api/internal/platform/requestctx"
)

const defaultLogLevel = "info"

type loggerOptions struct {
	level  string
	output []string
}

// LoggerOption customises NewLogger.
type LoggerOption func(*loggerOptions)

// WithLevel overrides the LOG_LEVEL environment variable.
func WithLevel(level string) LoggerOption {
	return func(o *loggerOptions) {
		if level = strings.TrimSpace(level); level != "" {
			o.level = level
		}
	}
}

// WithOutputPaths replaces stdout as the log sink. Command line tools log to stderr so
// stdout stays usable for results.
func WithOutputPaths(paths ...string) LoggerOption {
	return func(o *loggerOptions) {
		if len(paths) > 0 {
			o.output = paths
		}
	}
}

// NewLogger constructs a production-ready zap logger emitting structured JSON.
func NewLogger(opts ...LoggerOption) (*zap.Logger, error) {
	options := loggerOptions{
		level:  os.Getenv("LOG_LEVEL"),
		output: []string{"stdout"},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(options.level)))); err != nil {
		_ = level.UnmarshalText([]byte(defaultLogLevel))
	}

	encoderCfg := zapcore.EncoderConfig{
		MessageKey: "message",
		TimeKey:    "timestamp",
		LevelKey:   "severity",
		NameKey:    "logger",
		EncodeTime: zapcore.RFC3339NanoTimeEncoder,
		EncodeLevel: func(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
			enc.AppendString(strings.ToUpper(level.String()))
		},
		CallerKey:     "caller",
		EncodeCaller:  zapcore.ShortCallerEncoder,
		StacktraceKey: "stacktrace",
	}

	cfg := zap.Config{
		Level:             level,
		Encoding:          "json",
		EncoderConfig:     encoderCfg,
		OutputPaths:       options.output,
		ErrorOutputPaths:  []string{"stderr"},
		DisableCaller:     false,
		DisableStacktrace: true,
	}

	return cfg.Build()
}

// EventLogger adapts a zap logger to the func(ctx, event, fields) shape services log through.
// The request logger stored on ctx wins over the fallback so events carry request fields.
func EventLogger(fallback *zap.Logger) func(context.Context, string, map[string]any) {
	if fallback == nil {
		fallback = zap.NewNop()
	}
	return func(ctx context.Context, event string, fields map[string]any) {
		logger := requestctx.Logger(ctx)
		if logger == requestctx.NoopLogger() {
			logger = fallback
		}
		zapFields := make([]zap.Field, 0, len(fields)+1)
		zapFields = append(zapFields, zap.String("event", event))
		for key, value := range fields {
			zapFields = append(zapFields, zap.Any(key, value))
		}
		if strings.HasSuffix(event, "_failed") {
			logger.Warn(event, zapFields...)
			return
		}
		logger.Info(event, zapFields...)
	}
}
