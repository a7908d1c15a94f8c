package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options selects where log lines go.
type Options struct {
	// Stderr sends console output to stderr, keeping stdout free for the
	// MCP stdio transport.
	Stderr bool

	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// New creates a slog.Logger based on textual log output. When opts.Path is
// set, output is also written to a size-rotated file.
func New(level string, opts Options) *slog.Logger {
	var console io.Writer = os.Stdout
	if opts.Stderr {
		console = os.Stderr
	}
	return slog.New(slog.NewTextHandler(writer(console, opts), &slog.HandlerOptions{Level: parseLevel(level)}))
}

func writer(console io.Writer, file Options) io.Writer {
	if strings.TrimSpace(file.Path) == "" {
		return console
	}
	if file.MaxSizeMB <= 0 {
		file.MaxSizeMB = 100
	}
	if file.MaxBackups <= 0 {
		file.MaxBackups = 5
	}
	if file.MaxAgeDays <= 0 {
		file.MaxAgeDays = 28
	}
	return io.MultiWriter(console, &lumberjack.Logger{
		Filename:   file.Path,
		MaxSize:    file.MaxSizeMB,
		MaxBackups: file.MaxBackups,
		MaxAge:     file.MaxAgeDays,
		Compress:   true,
		LocalTime:  true,
	})
}

func parseLevel(level string) slog.Leveler {
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
