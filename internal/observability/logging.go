// Package observability provides logging utilities for the relay and client.
package observability

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cory-johannsen/duel/internal/config"
)

// NewLogger creates a structured logger from the given logging configuration.
//
// Precondition: cfg.Level must be one of "debug", "info", "warn", "error".
// Precondition: cfg.Format must be "json" or "console".
// Postcondition: Returns a configured zap.Logger or a non-nil error.
func NewLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level %q: %w", cfg.Level, err)
	}

	var zapCfg zap.Config
	switch cfg.Format {
	case "json":
		zapCfg = zap.NewProductionConfig()
		// Heartbeat and action logs repeat per second; keep every line.
		zapCfg.Sampling = nil
	case "console":
		zapCfg = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	zapCfg.Level = zap.NewAtomicLevelAt(level)
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zapCfg.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger, nil
}

// Session returns a child of logger named after component and tagged with the
// room and player a client session is bound to. Empty identifiers are omitted.
func Session(logger *zap.Logger, component, roomID, playerID string) *zap.Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := logger.Named(component)
	var fields []zap.Field
	if roomID != "" {
		fields = append(fields, zap.String("room_id", roomID))
	}
	if playerID != "" {
		fields = append(fields, zap.String("player_id", playerID))
	}
	if len(fields) == 0 {
		return l
	}
	return l.With(fields...)
}
