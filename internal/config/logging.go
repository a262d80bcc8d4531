package config

import (
	"log/slog"
	"os"
	"strings"
)

// InitLogging sets the default slog logger from LOG_LEVEL (debug, info, warn,
// error) and LOG_FORMAT (text, json).
func InitLogging() {
	var level slog.Level
	switch strings.ToLower(envStr("LOG_LEVEL", "info")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(envStr("LOG_FORMAT", "text")) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}
