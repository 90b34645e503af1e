// Package observability configures the process logger and derives
// per-turn loggers that carry the trace and session ids.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/bdobrica/hearth/common/trace"
)

// ParseLevel maps "debug", "warn", "error" to their slog levels. Anything
// else is info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewHandler builds a text or JSON handler writing to w.
func NewHandler(w io.Writer, level, format string) slog.Handler {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// Setup installs the default slog logger (e.g. level="info", format="json").
func Setup(level, format string) {
	slog.SetDefault(slog.New(NewHandler(os.Stdout, level, format)))
}

// WithTrace returns the default logger enriched with whatever trace_id and
// session_id ctx carries.
func WithTrace(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if id := trace.FromContext(ctx); id != "" {
		l = l.With("trace_id", id)
	}
	if s := trace.SessionFromContext(ctx); s != "" {
		l = l.With("session_id", s)
	}
	return l
}
