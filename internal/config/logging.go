package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	slogmulti "github.com/samber/slog-multi"
)

// SetupLogger creates the process logger: text to stderr and, when logFile
// is set, JSON to that file. Every record carries the component name.
// Returns the logger and a cleanup function closing the file.
func SetupLogger(component, logFile string, level slog.Level) (*slog.Logger, func() error) {
	opts := &slog.HandlerOptions{Level: level}
	stderrHandler := slog.NewTextHandler(os.Stderr, opts)
	noop := func() error { return nil }

	if logFile == "" {
		return slog.New(stderrHandler).With("component", component), noop
	}

	if err := os.MkdirAll(filepath.Dir(logFile), 0o750); err != nil {
		slog.Error("failed to create log directory, using stderr only", "error", err, "file", logFile)
		return slog.New(stderrHandler).With("component", component), noop
	}
	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		slog.Error("failed to open log file, using stderr only", "error", err, "file", logFile)
		return slog.New(stderrHandler).With("component", component), noop
	}

	logger := slog.New(slogmulti.Fanout(stderrHandler, slog.NewJSONHandler(file, opts)))
	return logger.With("component", component), file.Close
}

// SetupLoggerWithWriters creates the same fanout over custom writers.
func SetupLoggerWithWriters(stderr, file io.Writer, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	return slog.New(slogmulti.Fanout(
		slog.NewTextHandler(stderr, opts),
		slog.NewJSONHandler(file, opts),
	))
}
