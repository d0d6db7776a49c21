// Package logging provides structured logging for model checking runs.
// It wraps Go's log/slog package to produce JSON-formatted records with
// component and invocation context attached, so a failing run can be
// reconstructed from its log alone.
package logging

import (
	"io"
	"log/slog"
	"strings"
)

// Log levels accepted by New. Unknown strings fall back to INFO.
const (
	LevelDebug = "DEBUG"
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)

// Logger is a thin wrapper over slog.Logger carrying checker context.
// It is safe for concurrent use; in practice only the baton holder and
// the driver log, so contention never occurs on the hot path.
type Logger struct {
	logger *slog.Logger
	level  slog.Level
}

// New creates a Logger writing JSON records to w.
//
// The level parameter controls which messages are logged:
//   - DEBUG: all messages, including per-switch scheduling decisions
//   - INFO: invocation lifecycle and results
//   - WARN / ERROR: anomalies only
func New(w io.Writer, level string) *Logger {
	lvl := parseLevel(level)
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
	return &Logger{logger: slog.New(handler), level: lvl}
}

// Discard returns a logger that drops every record. Used as the default
// when the caller does not configure logging.
func Discard() *Logger {
	return New(io.Discard, LevelError)
}

// WithComponent returns a child logger tagged with a component name
// ("scheduler", "driver", "loopdetect", ...).
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{logger: l.logger.With("component", name), level: l.level}
}

// WithInvocation returns a child logger tagged with the invocation id.
func (l *Logger) WithInvocation(id string) *Logger {
	return &Logger{logger: l.logger.With("invocation", id), level: l.level}
}

// DebugEnabled reports whether DEBUG records will be emitted. Hot paths
// check this before assembling attribute lists.
func (l *Logger) DebugEnabled() bool {
	return l.level <= slog.LevelDebug
}

// Debug logs a message at DEBUG level with key-value attributes.
func (l *Logger) Debug(msg string, args ...any) {
	l.logger.Debug(msg, args...)
}

// Info logs a message at INFO level with key-value attributes.
func (l *Logger) Info(msg string, args ...any) {
	l.logger.Info(msg, args...)
}

// Warn logs a message at WARN level with key-value attributes.
func (l *Logger) Warn(msg string, args ...any) {
	l.logger.Warn(msg, args...)
}

// Error logs a message at ERROR level with key-value attributes.
func (l *Logger) Error(msg string, args ...any) {
	l.logger.Error(msg, args...)
}

func parseLevel(level string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
