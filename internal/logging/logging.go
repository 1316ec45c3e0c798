// Package logging builds the process logger.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a zap logger at level. development switches to the console
// encoder with caller and stack traces on warnings.
func New(level string, development bool) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	logConfig := zap.NewProductionConfig()
	if development {
		logConfig = zap.NewDevelopmentConfig()
	}
	logConfig.Level = zap.NewAtomicLevelAt(lvl)

	logger, err := logConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger, nil
}

// DropLogger logs a running drop total every Every drops instead of on each
// one. It is consumer-side only.
type DropLogger struct {
	Logger *zap.Logger
	Msg    string
	Every  uint64

	last uint64
}

// Observe reports the current total and logs if it crossed a multiple of
// Every since the previous call.
func (d *DropLogger) Observe(total uint64, fields ...zap.Field) {
	every := d.Every
	if every == 0 {
		every = 1000
	}
	if total/every > d.last/every {
		d.Logger.Warn(d.Msg, append(fields, zap.Uint64("total", total))...)
	}
	d.last = total
}
