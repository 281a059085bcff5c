package leadapter

import (
	"avaneesh/blefrag/pkg/internal/logger"
)

// Logger is the printf-style logger accepted by the adapter, the radios and
// the secure hook
type Logger = logger.Logger

// LogLevel represents logging level
type LogLevel = logger.Level

const (
	// LevelDebug shows all log messages (most verbose)
	LevelDebug = logger.LevelDebug
	// LevelInfo shows info, warn, and error messages (default)
	LevelInfo = logger.LevelInfo
	// LevelWarn shows warn and error messages
	LevelWarn = logger.LevelWarn
	// LevelError shows only error messages
	LevelError = logger.LevelError
)

// ParseLogLevel converts a level name such as "debug" or "WARN" to a LogLevel
func ParseLogLevel(s string) (LogLevel, error) {
	return logger.ParseLevel(s)
}

// NewLogger creates a zap backed console logger writing to stderr
func NewLogger(level LogLevel) Logger {
	return logger.NewDefaultLogger(level)
}

// NewLogrusLogger creates a logrus backed logger writing to stderr. Every
// entry carries the given key/value pairs.
func NewLogrusLogger(level LogLevel, fields map[string]interface{}) Logger {
	l := logger.NewLogrusLogger(level)
	for k, v := range fields {
		l = l.WithField(k, v)
	}
	return l
}

// NewNoOpLogger returns a logger that discards everything
func NewNoOpLogger() Logger {
	return logger.NewNoOpLogger()
}

// SetLogLevel replaces the global default logger with a zap logger at level
func SetLogLevel(level LogLevel) {
	logger.SetDefault(logger.NewDefaultLogger(level))
}

// SetDefaultLogger sets the logger used by components configured without one
func SetDefaultLogger(l Logger) {
	if l != nil {
		logger.SetDefault(l)
	}
}

// SyncLogger flushes buffered entries of loggers that buffer, such as the
// zap logger returned by NewLogger
func SyncLogger(l Logger) error {
	if s, ok := l.(interface{ Sync() error }); ok {
		return s.Sync()
	}
	return nil
}
