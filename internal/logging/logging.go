package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Init installs the default logger. The interactive UI owns the terminal, so
// the default level only shows errors; LOG_FILE sends everything to a file.
func Init() {
	var out io.Writer = os.Stderr
	if path := os.Getenv("LOG_FILE"); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err == nil {
			out = f
		}
	}

	level, _ := os.LookupEnv("LOG_LEVEL")
	slog.SetDefault(New(out, level, os.Getenv("LOG_FORMAT")))
}

// New builds a logger for the given level name and format ("text" or "json").
func New(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func ParseLevel(l string) slog.Level {
	switch strings.ToLower(l) {
	case "dev", "development", "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	default:
		// production only shows errors
		return slog.LevelError
	}
}
