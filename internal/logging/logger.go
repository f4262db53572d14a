// Package logging provides the process-wide structured logger: every
// connection, session, and room logs through here with its
// correlation/session/room id attached.
package logging

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type contextKey string

const (
	// CorrelationIDKey carries a per-HTTP-request id into the websocket upgrade path.
	CorrelationIDKey contextKey = "correlation_id"
	// SessionIDKey carries the owning session's id, once authenticated.
	SessionIDKey contextKey = "session_id"
	// RoomIDKey carries the owning room's id, once joined.
	RoomIDKey contextKey = "room_id"
)

var (
	logger *zap.Logger
	once   sync.Once
)

// Initialize sets up the global logger. development selects a human-readable,
// colorized encoder; production selects JSON with ISO8601 timestamps.
func Initialize(development bool) error {
	var err error
	once.Do(func() {
		var cfg zap.Config
		if development {
			cfg = zap.NewDevelopmentConfig()
			cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		} else {
			cfg = zap.NewProductionConfig()
			cfg.EncoderConfig.TimeKey = "timestamp"
			cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		}
		cfg.OutputPaths = []string{"stdout"}
		cfg.ErrorOutputPaths = []string{"stderr"}
		logger, err = cfg.Build(zap.AddCallerSkip(1))
	})
	return err
}

// L returns the global logger, falling back to a development logger if
// Initialize was never called (keeps tests from needing to call it).
func L() *zap.Logger {
	if logger == nil {
		l, _ := zap.NewDevelopment()
		return l
	}
	return logger
}

func with(ctx context.Context, fields []zap.Field) []zap.Field {
	if ctx == nil {
		return fields
	}
	if cid, ok := ctx.Value(CorrelationIDKey).(string); ok && cid != "" {
		fields = append(fields, zap.String("correlation_id", cid))
	}
	if sid, ok := ctx.Value(SessionIDKey).(string); ok && sid != "" {
		fields = append(fields, zap.String("session_id", sid))
	}
	if rid, ok := ctx.Value(RoomIDKey).(string); ok && rid != "" {
		fields = append(fields, zap.String("room_id", rid))
	}
	return append(fields, zap.String("service", "syncroom"))
}

func Debug(ctx context.Context, msg string, fields ...zap.Field) { L().Debug(msg, with(ctx, fields)...) }
func Info(ctx context.Context, msg string, fields ...zap.Field)  { L().Info(msg, with(ctx, fields)...) }
func Warn(ctx context.Context, msg string, fields ...zap.Field)  { L().Warn(msg, with(ctx, fields)...) }
func Error(ctx context.Context, msg string, fields ...zap.Field) { L().Error(msg, with(ctx, fields)...) }

// RedactKey masks an API key for logging, keeping only a short prefix.
func RedactKey(key string) string {
	if len(key) <= 6 {
		return "***"
	}
	return key[:6] + "***"
}

// WithSession returns a child context carrying the session id for logging.
func WithSession(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, SessionIDKey, sessionID)
}

// WithRoom returns a child context carrying the room id for logging.
func WithRoom(ctx context.Context, roomID string) context.Context {
	return context.WithValue(ctx, RoomIDKey, roomID)
}

// WithCorrelation returns a child context carrying the correlation id for logging.
func WithCorrelation(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, CorrelationIDKey, correlationID)
}
