// Package logging builds the engine's process-wide zap logger. Per §9's
// redesign flag against module-level mutable state, the logger is
// constructed once at start and passed explicitly into every component
// constructor (no package-level logger singleton, unlike the teacher's
// slog.SetDefault convention in internal/logger).
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a production-profile zap logger at the given level
// ("debug", "info", "warn", "error"), writing structured JSON to stderr.
func New(level string) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	if err := lvl.UnmarshalText([]byte(level)); err == nil {
		// parsed fine, lvl already set
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger, nil
}

// Component returns a child logger tagged with the owning subsystem, the
// zap equivalent of the teacher's bracketed "[Dialog]" prefix convention.
func Component(base *zap.Logger, name string) *zap.Logger {
	return base.With(zap.String("component", name))
}
