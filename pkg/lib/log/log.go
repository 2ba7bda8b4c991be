// Package log provides the component-scoped logger used throughout
// mtpcore's orchestration layer, built on the standard library's
// log/slog rather than a hand-rolled logging abstraction.
package log

import (
	"log/slog"
	"os"
)

var defaultLogger = slog.Default()

// SetOutput redirects the package's default logger to w at info level.
// Callers (e.g. a host application enabling verbose
// logging for a single run) use this instead of reaching into slog
// directly, so every component picks up the change on its next call.
func SetOutput(w *os.File) {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	defaultLogger = slog.New(slog.NewTextHandler(w, opts))
	slog.SetDefault(defaultLogger)
}

// LazyLogger defers to slog.Default() on every call instead of caching
// a *slog.Logger at construction time, so a SetOutput call takes effect
// for loggers that were already handed out to a component.
type LazyLogger struct {
	component string
}

// Debug logs at debug level, tagged with the logger's component.
func (l *LazyLogger) Debug(msg string, args ...any) {
	slog.Default().With("component", l.component).Debug(msg, args...)
}

// Info logs at info level, tagged with the logger's component.
func (l *LazyLogger) Info(msg string, args ...any) {
	slog.Default().With("component", l.component).Info(msg, args...)
}

// Warn logs at warn level, tagged with the logger's component.
func (l *LazyLogger) Warn(msg string, args ...any) {
	slog.Default().With("component", l.component).Warn(msg, args...)
}

// Error logs at error level, tagged with the logger's component.
func (l *LazyLogger) Error(msg string, args ...any) {
	slog.Default().With("component", l.component).Error(msg, args...)
}

// Logger returns a LazyLogger tagging every record with component,
// e.g. "core/instance" or "core/errorpolicy".
func Logger(component string) *LazyLogger {
	return &LazyLogger{component: component}
}

func init() {
	defaultLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
}
