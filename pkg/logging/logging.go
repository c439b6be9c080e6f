// Package logging wires TerraFix's structured logging: zap as the
// backing core, exposed through the logr.Logger interface so every
// component depends on the interface rather than a concrete logging
// library (DD-005 in the teacher's gateway suite documents the same
// migration).
package logging

import (
	"context"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level is the configured verbosity, matching the values accepted by
// the service's LOG_LEVEL environment variable.
type Level string

const (
	LevelDebug    Level = "DEBUG"
	LevelInfo     Level = "INFO"
	LevelWarning  Level = "WARNING"
	LevelError    Level = "ERROR"
	LevelCritical Level = "CRITICAL"
)

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelInfo:
		return zapcore.InfoLevel
	case LevelWarning:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	case LevelCritical:
		return zapcore.DPanicLevel
	default:
		return zapcore.InfoLevel
	}
}

// New builds the process-wide logr.Logger for the given level. JSON
// encoding is always used in production; callers that want console
// output for local development should build their own zap.Config.
func New(level Level) logr.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level.zapLevel())
	cfg.EncoderConfig.TimeKey = "timestamp"
	zapLog, err := cfg.Build()
	if err != nil {
		// Fall back to a no-op logger; misconfigured logging must never
		// crash the process before it has a chance to report a config error.
		zapLog = zap.NewNop()
	}
	return zapr.NewLogger(zapLog)
}

// NewNop returns a discard logger, used in tests.
func NewNop() logr.Logger {
	return zapr.NewLogger(zap.NewNop())
}

type correlationIDKey struct{}

// WithCorrelationID returns a child context carrying id, and a logger
// with the correlation_id field already attached. Per the concurrency
// model, the field is attached explicitly at pipeline entry rather
// than relying solely on context propagation, since the latter is not
// guaranteed across every goroutine boundary.
func WithCorrelationID(ctx context.Context, logger logr.Logger, id string) (context.Context, logr.Logger) {
	ctx = context.WithValue(ctx, correlationIDKey{}, id)
	return ctx, logger.WithValues("correlation_id", id)
}

// CorrelationID extracts the correlation ID from ctx, if any.
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey{}).(string)
	return id
}
