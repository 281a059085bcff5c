package logger

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

var stderr io.Writer = os.Stderr

// LogrusLogger adapts a logrus logger to Logger
type LogrusLogger struct {
	entry *logrus.Entry
}

// NewLogrusLogger creates a text-formatted logrus logger writing to stderr
func NewLogrusLogger(level Level) *LogrusLogger {
	l := logrus.New()
	l.SetOutput(stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	ll := &LogrusLogger{entry: logrus.NewEntry(l)}
	ll.SetLevel(level)
	return ll
}

// WithField returns a logger that tags every entry with key=value
func (l *LogrusLogger) WithField(key string, value interface{}) *LogrusLogger {
	return &LogrusLogger{entry: l.entry.WithField(key, value)}
}

func (l *LogrusLogger) Debug(format string, args ...interface{}) {
	l.entry.Debugf(format, args...)
}

func (l *LogrusLogger) Info(format string, args ...interface{}) {
	l.entry.Infof(format, args...)
}

func (l *LogrusLogger) Warn(format string, args ...interface{}) {
	l.entry.Warnf(format, args...)
}

func (l *LogrusLogger) Error(format string, args ...interface{}) {
	l.entry.Errorf(format, args...)
}

// SetLevel sets the level of the underlying logrus logger
func (l *LogrusLogger) SetLevel(level Level) {
	switch level {
	case LevelDebug:
		l.entry.Logger.SetLevel(logrus.DebugLevel)
	case LevelWarn:
		l.entry.Logger.SetLevel(logrus.WarnLevel)
	case LevelError:
		l.entry.Logger.SetLevel(logrus.ErrorLevel)
	default:
		l.entry.Logger.SetLevel(logrus.InfoLevel)
	}
}
