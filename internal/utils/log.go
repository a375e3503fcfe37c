// Package utils provides small logging and recovery helpers shared across
// the module, in the style of the teacher's top-level utils package.
package utils

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds a zap logger for the given level ("debug", "info",
// "warn", "error"). Unknown levels fall back to "info".
func NewLogger(level string, disableANSI bool) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Encoding = "console"
	cfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	if disableANSI {
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	} else {
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}

// LogError logs err at error level with msg and any additional fields.
// A nil err still logs msg (useful for "expected but missing" conditions).
func LogError(logger *zap.Logger, err error, msg string, fields ...zap.Field) {
	if logger == nil {
		return
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	logger.Error(msg, fields...)
}

// Recover logs a panic recovered from a goroutine instead of crashing the
// process. It must be called directly via defer.
func Recover(logger *zap.Logger) {
	if r := recover(); r != nil {
		if logger != nil {
			logger.Error("recovered from panic", zap.Any("panic", r))
			return
		}
		panic(r)
	}
}
