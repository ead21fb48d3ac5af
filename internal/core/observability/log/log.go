// Package log is a thin structured-logging facade over zap. Components
// receive a Log value and never touch zap directly, so tests can swap in
// a no-op logger.
package log

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Log interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	Fatal(msg string, fields ...Field)

	With(fields ...Field) Log
	SetLevel(level Level)
}

type Level uint8

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

var _ Log = (*Logger)(nil)

var (
	defaultLogger *Logger
	defaultOnce   sync.Once
)

// Logger is the zap-backed Log implementation.
type Logger struct {
	zl    *zap.Logger
	level zap.AtomicLevel
}

// New builds a JSON logger writing to stderr at the given level. The first
// logger built becomes the process default returned by Provide.
func New(level Level) *Logger {
	atomicLevel := zap.NewAtomicLevelAt(toZapLevel(level))
	cfg := zap.Config{
		Level:            atomicLevel,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
		DisableCaller:    true,
	}

	zl, err := cfg.Build()
	if err != nil {
		panic(err)
	}

	logger := &Logger{zl: zl, level: atomicLevel}
	defaultOnce.Do(func() { defaultLogger = logger })
	return logger
}

// Provide returns the process default logger, building one at Info level
// if none exists yet.
func Provide() *Logger {
	if defaultLogger == nil {
		return New(LevelInfo)
	}
	return defaultLogger
}

// Nop returns a logger that discards everything. Used by tests.
func Nop() *Logger {
	return &Logger{zl: zap.NewNop(), level: zap.NewAtomicLevelAt(zapcore.FatalLevel)}
}

func (l *Logger) Debug(msg string, fields ...Field) { l.zl.Debug(msg, toZapFields(fields)...) }
func (l *Logger) Info(msg string, fields ...Field)  { l.zl.Info(msg, toZapFields(fields)...) }
func (l *Logger) Warn(msg string, fields ...Field)  { l.zl.Warn(msg, toZapFields(fields)...) }
func (l *Logger) Error(msg string, fields ...Field) { l.zl.Error(msg, toZapFields(fields)...) }
func (l *Logger) Fatal(msg string, fields ...Field) { l.zl.Fatal(msg, toZapFields(fields)...) }

func (l *Logger) With(fields ...Field) Log {
	return &Logger{zl: l.zl.With(toZapFields(fields)...), level: l.level}
}

func (l *Logger) SetLevel(level Level) {
	l.level.SetLevel(toZapLevel(level))
}

// ParseLevel maps a config string to a Level, defaulting to Info.
func ParseLevel(s string) Level {
	switch s {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "fatal":
		return LevelFatal
	default:
		return LevelInfo
	}
}

func toZapLevel(level Level) zapcore.Level {
	switch level {
	case LevelDebug:
		return zap.DebugLevel
	case LevelInfo:
		return zap.InfoLevel
	case LevelWarn:
		return zap.WarnLevel
	case LevelError:
		return zap.ErrorLevel
	case LevelFatal:
		return zap.FatalLevel
	default:
		return zap.InfoLevel
	}
}
