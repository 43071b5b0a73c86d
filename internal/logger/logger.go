// Package logger provides structured logging setup using slog.
package logger

import (
	"io"
	"log/slog"
	"os"
)

// New creates a structured JSON logger writing to stderr.
func New(level slog.Level) *slog.Logger {
	return NewWithWriter(os.Stderr, level)
}

// NewWithWriter creates a structured JSON logger for the given writer.
// Tests use this to capture output.
func NewWithWriter(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
