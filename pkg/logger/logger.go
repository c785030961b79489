package logger

import (
	"fmt"
	"os"
	"time"

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

// ZerologLogger logs through a zerolog.Logger.
type ZerologLogger struct {
	logger zerolog.Logger
}

// NewDefaultLogger creates a console logger for the given component.
func NewDefaultLogger(component string, level Level) *ZerologLogger {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	l := zerolog.New(output).With().Timestamp().Str("component", component).Logger()
	zl := &ZerologLogger{logger: l}
	zl.SetLevel(level)
	return zl
}

// Wrap adapts an existing zerolog.Logger.
func Wrap(l zerolog.Logger) *ZerologLogger {
	return &ZerologLogger{logger: l}
}

// Debug logs debug message
func (l *ZerologLogger) Debug(format string, args ...interface{}) {
	l.logger.Debug().Msg(fmt.Sprintf(format, args...))
}

// Info logs info message
func (l *ZerologLogger) Info(format string, args ...interface{}) {
	l.logger.Info().Msg(fmt.Sprintf(format, args...))
}

// Warn logs warning message
func (l *ZerologLogger) Warn(format string, args ...interface{}) {
	l.logger.Warn().Msg(fmt.Sprintf(format, args...))
}

// Error logs error message
func (l *ZerologLogger) Error(format string, args ...interface{}) {
	l.logger.Error().Msg(fmt.Sprintf(format, args...))
}

// SetLevel sets the logging level
func (l *ZerologLogger) SetLevel(level Level) {
	switch level {
	case LevelDebug:
		l.logger = l.logger.Level(zerolog.DebugLevel)
	case LevelInfo:
		l.logger = l.logger.Level(zerolog.InfoLevel)
	case LevelWarn:
		l.logger = l.logger.Level(zerolog.WarnLevel)
	case LevelError:
		l.logger = l.logger.Level(zerolog.ErrorLevel)
	}
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
