// Package logging provides the component-scoped logging interface shared by
// every subsystem in the control plane.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
)

// Logger is the minimal printf-style logging surface used throughout the
// control plane. It intentionally mirrors the Go standard library's
// formatting verbs rather than slog's structured key/value pairs, so call
// sites stay terse.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
	// With returns a child logger tagged with the given component name.
	With(component string) Logger
}

// slogLogger adapts a *slog.Logger to the Logger interface.
type slogLogger struct {
	base      *slog.Logger
	component string
}

// Config controls the backing slog handler.
type Config struct {
	Level  slog.Level
	Output io.Writer
	// JSON selects a JSON handler instead of the default text handler.
	JSON bool
}

// New creates a Logger backed by log/slog.
func New(cfg Config) Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: cfg.Level}
	var handler slog.Handler
	if cfg.JSON {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	return &slogLogger{base: slog.New(handler)}
}

// NewComponentLogger is a convenience constructor for a text logger at
// Info level scoped to a component.
func NewComponentLogger(component string) Logger {
	return New(Config{Level: slog.LevelInfo}).With(component)
}

func (l *slogLogger) log(level slog.Level, format string, args ...any) {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	if l.component != "" {
		l.base.Log(context.Background(), level, msg, slog.String("component", l.component))
		return
	}
	l.base.Log(context.Background(), level, msg)
}

func (l *slogLogger) Debug(format string, args ...any) { l.log(slog.LevelDebug, format, args...) }
func (l *slogLogger) Info(format string, args ...any)  { l.log(slog.LevelInfo, format, args...) }
func (l *slogLogger) Warn(format string, args ...any)  { l.log(slog.LevelWarn, format, args...) }
func (l *slogLogger) Error(format string, args ...any) { l.log(slog.LevelError, format, args...) }

func (l *slogLogger) With(component string) Logger {
	next := l.component
	if next == "" {
		next = component
	} else if component != "" {
		next = next + "." + component
	}
	return &slogLogger{base: l.base, component: next}
}

// nopLogger discards everything. Used where a caller omits a logger.
type nopLogger struct{}

func (nopLogger) Debug(string, ...any)  {}
func (nopLogger) Info(string, ...any)   {}
func (nopLogger) Warn(string, ...any)   {}
func (nopLogger) Error(string, ...any)  {}
func (n nopLogger) With(string) Logger  { return n }

// Nop returns a Logger that discards all output.
func Nop() Logger { return nopLogger{} }

// IsNil reports whether logger is a nil interface or a nil value boxed in a
// non-nil interface (the classic typed-nil-pointer trap).
func IsNil(logger Logger) bool {
	if logger == nil {
		return true
	}
	if l, ok := logger.(*slogLogger); ok {
		return l == nil
	}
	return false
}

// OrNop returns logger if it is non-nil, or a discarding Logger otherwise.
func OrNop(logger Logger) Logger {
	if IsNil(logger) {
		return Nop()
	}
	return logger
}
