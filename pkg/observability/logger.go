package observability

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
)

// LogLevel selects the minimum severity a Logger emits. Values mirror
// slog's levels so conversion is direct.
type LogLevel slog.Level

const (
	DebugLevel = LogLevel(slog.LevelDebug)
	InfoLevel  = LogLevel(slog.LevelInfo)
	WarnLevel  = LogLevel(slog.LevelWarn)
	ErrorLevel = LogLevel(slog.LevelError)
)

func (l LogLevel) String() string {
	return slog.Level(l).String()
}

// ParseLevel maps a configuration string to a level. Unknown strings
// fall back to info rather than failing startup.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return DebugLevel
	case "warn", "warning":
		return WarnLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

// Logger is the registry's structured logger: a slog JSON core with
// chainable field helpers. Deriving a logger per request or subsystem
// is cheap; derived loggers share the handler and level.
type Logger struct {
	s     *slog.Logger
	level *slog.LevelVar
}

// NewLogger builds a JSON logger writing to w (stdout when nil) at the
// given minimum level.
func NewLogger(level LogLevel, w io.Writer) *Logger {
	if w == nil {
		w = os.Stdout
	}
	lv := new(slog.LevelVar)
	lv.Set(slog.Level(level))
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lv})
	return &Logger{s: slog.New(handler), level: lv}
}

// SetLevel adjusts the minimum severity at runtime. All loggers derived
// from the same root follow the change.
func (l *Logger) SetLevel(level LogLevel) {
	l.level.Set(slog.Level(level))
}

// WithField returns a logger that stamps key=value on every record.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{s: l.s.With(slog.Any(key, value)), level: l.level}
}

// WithFields stamps a set of fields, sorted by key so record layout is
// stable across runs.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	attrs := make([]interface{}, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, slog.Any(k, fields[k]))
	}
	return &Logger{s: l.s.With(attrs...), level: l.level}
}

// WithError stamps the error message. A nil error is a no-op so call
// sites need no guard.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return &Logger{s: l.s.With(slog.String("error", err.Error())), level: l.level}
}

func (l *Logger) Debug(msg string) { l.s.Debug(msg) }
func (l *Logger) Info(msg string)  { l.s.Info(msg) }
func (l *Logger) Warn(msg string)  { l.s.Warn(msg) }
func (l *Logger) Error(msg string) { l.s.Error(msg) }

// Infof logs a formatted info message. Prefer fields over format verbs
// for anything a dashboard might query.
func (l *Logger) Infof(format string, args ...interface{}) {
	l.s.Info(fmt.Sprintf(format, args...))
}

type ctxKey int

const requestIDKey ctxKey = iota

// WithRequestID stores the request's correlation ID in the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// GetRequestID returns the stored correlation ID, or "" outside a
// request.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
