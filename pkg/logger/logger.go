package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a production zap logger at the given level. Unknown levels fall
// back to info rather than failing startup.
func New(level string) *zap.Logger {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// WithStream returns a logger annotated with the stream id field used across
// the signaling and controller components.
func WithStream(l *zap.SugaredLogger, streamID string) *zap.SugaredLogger {
	return l.With("stream_id", streamID)
}

// WithConn returns a logger annotated with a signaling connection id.
func WithConn(l *zap.SugaredLogger, connID string) *zap.SugaredLogger {
	return l.With("conn_id", connID)
}
