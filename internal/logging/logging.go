// Package logging builds the zap logger used across maxwatch.
//
// The level comes from LOG_LEVEL (debug, info, warn, error). Unknown levels
// fall back to info. Components receive the logger explicitly and derive
// named children from it:
//
//	log := logging.MustNew("info")
//	sched := scheduler.New(..., log.Named("scheduler"))
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func New(level string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		zapLevel = zap.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.TimeKey = "ts"
	return cfg.Build()
}

func MustNew(level string) *zap.Logger {
	l, err := New(level)
	if err != nil {
		panic(err)
	}
	return l
}
