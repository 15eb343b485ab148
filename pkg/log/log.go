// Package log configures the process-wide structured logger shared by every flowkeeper binary.
package log

import (
	"log/slog"
	"os"
	"strings"
)

// ParseLevel maps a textual level to its slog value, falling back to info.
func ParseLevel(logLevel string) slog.Level {
	switch strings.ToLower(logLevel) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Setup installs the default logger on stderr. Format is "json" or, for anything else, text.
func Setup(logLevel string, format string) {
	options := &slog.HandlerOptions{
		Level: ParseLevel(logLevel),
	}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(os.Stderr, options)
	} else {
		handler = slog.NewTextHandler(os.Stderr, options)
	}

	slog.SetDefault(slog.New(handler))
}

// WithModule scopes the default logger to one binary or component.
func WithModule(module string) *slog.Logger {
	return slog.With("module", module)
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
