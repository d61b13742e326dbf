package types

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the structured logger every component writes through.
type Logger interface {
	Error(msg string, fields ...zap.Field)
	ErrorWithErrStack(msg string, err error, fields ...zap.Field)
	Warn(msg string, fields ...zap.Field)
	Info(msg string, fields ...zap.Field)
	Debug(msg string, fields ...zap.Field)
	Log(lvl zapcore.Level, msg string, fields ...zap.Field)

	// With returns a child logger that adds fields to every entry.
	With(fields ...zap.Field) Logger
}

// LoggerCreator builds a custom logger from the raw "config" block.
type LoggerCreator func(config interface{}) (Logger, error)
