package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// New creates a slog.Logger writing text records to stderr. Stdout belongs
// to the MCP stdio transport and must stay clean. An optional file sink is
// added when path is non-empty; a file that cannot be opened is skipped.
func New(level, path string) *slog.Logger {
	out := io.Writer(os.Stderr)
	if path != "" {
		if f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
			out = io.MultiWriter(os.Stderr, f)
		}
	}
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	return slog.New(slog.NewTextHandler(out, opts))
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
