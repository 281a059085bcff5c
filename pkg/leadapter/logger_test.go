package leadapter_test

import (
	"fmt"
	"strings"
	"sync"
	"testing"

	"avaneesh/blefrag/pkg/leadapter"
	"avaneesh/blefrag/pkg/radio"
)

// lineLogger is a Logger written against the public names only
type lineLogger struct {
	mu    sync.Mutex
	level leadapter.LogLevel
	lines []string
}

func (l *lineLogger) log(level leadapter.LogLevel, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if level >= l.level {
		l.lines = append(l.lines, fmt.Sprintf(format, args...))
	}
}

func (l *lineLogger) Debug(format string, args ...interface{}) {
	l.log(leadapter.LevelDebug, format, args...)
}
func (l *lineLogger) Info(format string, args ...interface{}) {
	l.log(leadapter.LevelInfo, format, args...)
}
func (l *lineLogger) Warn(format string, args ...interface{}) {
	l.log(leadapter.LevelWarn, format, args...)
}
func (l *lineLogger) Error(format string, args ...interface{}) {
	l.log(leadapter.LevelError, format, args...)
}
func (l *lineLogger) SetLevel(level leadapter.LogLevel) {
	l.mu.Lock()
	l.level = level
	l.mu.Unlock()
}

func (l *lineLogger) contains(s string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, line := range l.lines {
		if strings.Contains(line, s) {
			return true
		}
	}
	return false
}

func TestCustomLoggerThroughOptions(t *testing.T) {
	log := &lineLogger{level: leadapter.LevelInfo}
	var _ leadapter.Logger = log

	hub := radio.NewHub(log)
	r, err := hub.NewRadio("00:00:00:00:00:0a")
	if err != nil {
		t.Fatalf("NewRadio() error = %v", err)
	}
	defer r.Close()

	cfg := leadapter.DefaultConfig()
	cfg.Synchronous = true
	cfg.DisableServer = true
	a, err := leadapter.New(cfg, r, nil, leadapter.WithLogger(log))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer a.Close()

	if err := a.RequestListen(); err != nil {
		t.Fatalf("RequestListen() error = %v", err)
	}
	if !log.contains("listen ignored") {
		t.Errorf("custom logger did not receive adapter output, got %v", log.lines)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    leadapter.LogLevel
		wantErr bool
	}{
		{"debug", leadapter.LevelDebug, false},
		{"WARN", leadapter.LevelWarn, false},
		{"error", leadapter.LevelError, false},
		{"loud", leadapter.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := leadapter.ParseLogLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLogLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLoggerConstructors(t *testing.T) {
	loggers := map[string]leadapter.Logger{
		"zap":    leadapter.NewLogger(leadapter.LevelError),
		"logrus": leadapter.NewLogrusLogger(leadapter.LevelError, map[string]interface{}{"test": t.Name()}),
		"noop":   leadapter.NewNoOpLogger(),
	}
	for name, l := range loggers {
		if l == nil {
			t.Errorf("%s logger is nil", name)
			continue
		}
		l.Debug("suppressed %d", 1)
		l.SetLevel(leadapter.LevelError)
		if err := leadapter.SyncLogger(l); err != nil && name != "zap" {
			// zap may report EINVAL syncing a terminal stderr
			t.Errorf("SyncLogger(%s) error = %v", name, err)
		}
	}
}
