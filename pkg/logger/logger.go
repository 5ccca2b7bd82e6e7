// Package logger provides structured logging for the dashboard core.
// It wraps logrus so modules share one configurable backend while keeping a
// small chainable surface (WithField / WithError) in call sites.
package logger

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger is a module-scoped structured logger.
type Logger struct {
	entry *logrus.Entry
}

// New creates a logger for the named module writing to the given output at
// the given level. Unknown level strings fall back to info.
func New(module string, out io.Writer, level string) *Logger {
	backend := logrus.New()
	backend.SetOutput(out)
	backend.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	})

	parsed, err := logrus.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		parsed = logrus.InfoLevel
	}
	backend.SetLevel(parsed)

	return &Logger{entry: backend.WithField("module", module)}
}

// NewDefault creates a logger for the named module with stderr output and
// info level. Services use this when no logger is injected.
func NewDefault(module string) *Logger {
	return New(module, os.Stderr, "info")
}

// NewNop returns a logger that discards everything. Intended for tests.
func NewNop() *Logger {
	return New("nop", io.Discard, "panic")
}

// SetOutput redirects the underlying backend output.
func (l *Logger) SetOutput(out io.Writer) {
	l.entry.Logger.SetOutput(out)
}

// WithField returns a logger with an additional structured field.
func (l *Logger) WithField(key string, value any) *Logger {
	return &Logger{entry: l.entry.WithField(key, value)}
}

// WithError returns a logger carrying the error as a field.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{entry: l.entry.WithError(err)}
}

func (l *Logger) Debug(args ...any)                 { l.entry.Debug(args...) }
func (l *Logger) Debugf(format string, args ...any) { l.entry.Debugf(format, args...) }
func (l *Logger) Info(args ...any)                  { l.entry.Info(args...) }
func (l *Logger) Infof(format string, args ...any)  { l.entry.Infof(format, args...) }
func (l *Logger) Warn(args ...any)                  { l.entry.Warn(args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.entry.Warnf(format, args...) }
func (l *Logger) Error(args ...any)                 { l.entry.Error(args...) }
func (l *Logger) Errorf(format string, args ...any) { l.entry.Errorf(format, args...) }
