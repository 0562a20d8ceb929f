package logger

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Level represents logging level
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns string representation of Level
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Logger is the interface for logging
type Logger interface {
	Debug(format string, args ...interface{})
	Info(format string, args ...interface{})
	Warn(format string, args ...interface{})
	Error(format string, args ...interface{})
	SetLevel(level Level)
}

// ZeroLogger is the default Logger implementation, backed by zerolog.
type ZeroLogger struct {
	log   zerolog.Logger
	level Level
}

// NewZeroLogger creates a zerolog-backed logger writing to w.
func NewZeroLogger(w io.Writer, level Level) *ZeroLogger {
	return &ZeroLogger{
		log:   zerolog.New(w).With().Timestamp().Logger(),
		level: level,
	}
}

// NewDefaultLogger creates the default logger writing to stderr.
func NewDefaultLogger(level Level) *ZeroLogger {
	return NewZeroLogger(os.Stderr, level)
}

// Debug logs debug message
func (l *ZeroLogger) Debug(format string, args ...interface{}) {
	if l.level <= LevelDebug {
		l.log.Debug().Msg(fmt.Sprintf(format, args...))
	}
}

// Info logs info message
func (l *ZeroLogger) Info(format string, args ...interface{}) {
	if l.level <= LevelInfo {
		l.log.Info().Msg(fmt.Sprintf(format, args...))
	}
}

// Warn logs warning message
func (l *ZeroLogger) Warn(format string, args ...interface{}) {
	if l.level <= LevelWarn {
		l.log.Warn().Msg(fmt.Sprintf(format, args...))
	}
}

// Error logs error message
func (l *ZeroLogger) Error(format string, args ...interface{}) {
	if l.level <= LevelError {
		l.log.Error().Msg(fmt.Sprintf(format, args...))
	}
}

// SetLevel sets the logging level
func (l *ZeroLogger) SetLevel(level Level) {
	l.level = level
}

// NoOpLogger is a logger that doesn't log anything
type NoOpLogger struct{}

// NewNoOpLogger creates a logger that doesn't log
func NewNoOpLogger() *NoOpLogger {
	return &NoOpLogger{}
}

// Debug does nothing
func (l *NoOpLogger) Debug(format string, args ...interface{}) {}

// Info does nothing
func (l *NoOpLogger) Info(format string, args ...interface{}) {}

// Warn does nothing
func (l *NoOpLogger) Warn(format string, args ...interface{}) {}

// Error does nothing
func (l *NoOpLogger) Error(format string, args ...interface{}) {}

// SetLevel does nothing
func (l *NoOpLogger) SetLevel(level Level) {}

// Global default logger
var defaultLogger Logger = NewDefaultLogger(LevelInfo)

// SetDefault sets the default logger
func SetDefault(logger Logger) {
	defaultLogger = logger
}

// GetDefault returns the default logger
func GetDefault() Logger {
	return defaultLogger
}
