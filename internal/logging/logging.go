// Package logging provides structured logging using slog.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Config holds logging configuration.
type Config struct {
	Format string // "json" | "text"
	Level  string // "debug" | "info" | "warn" | "error"

	// Identity is attached to every line so concurrent containers can be told apart.
	Identity string
}

// New builds the process logger. It is created once in main and handed to
// every component constructor.
func New(cfg Config) *slog.Logger {
	return NewWithWriter(cfg, os.Stdout)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(cfg Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: parseLevel(cfg.Level),
	}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	log := slog.New(handler)
	if cfg.Identity != "" {
		log = log.With("identity", cfg.Identity)
	}
	return log
}

// Discard returns a logger that drops everything. Useful in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// parseLevel converts a string level to slog.Level.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// RecordLogger creates a logger with record context fields.
func RecordLogger(log *slog.Logger, recordID, fileName string) *slog.Logger {
	return log.With(
		"record_id", recordID,
		"file_name", fileName,
	)
}

// WorkerLogger creates a logger with worker context.
func WorkerLogger(log *slog.Logger, workerID string) *slog.Logger {
	return log.With("worker_id", workerID)
}
