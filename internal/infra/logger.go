package infra

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// NewLogger builds the process logger: JSON records on the configured console,
// mirrored to a rotating file under Logging.Dir when one is configured. Every record carries
// the application name.
func NewLogger(cfg *Config) *slog.Logger {
	level := ParseLevel(cfg.Logging.Level)
	return slog.New(slog.NewJSONHandler(logWriter(cfg), &slog.HandlerOptions{Level: level})).
		With(slog.String("app", cfg.App.Name))
}

func logWriter(cfg *Config) io.Writer {
	console := consoleWriter(cfg.Logging.Console)
	if cfg.Logging.Dir == "" {
		return console
	}
	if err := os.MkdirAll(cfg.Logging.Dir, 0755); err != nil {
		// unwritable log dir: keep logging, just not to disk
		return console
	}

	name := cfg.Logging.File
	if name == "" {
		name = "app.log"
	}
	rotating := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.Logging.Dir, name),
		MaxSize:    cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	}
	if console == io.Discard {
		return rotating
	}
	return io.MultiWriter(console, rotating)
}

func consoleWriter(name string) io.Writer {
	switch name {
	case "stderr":
		return os.Stderr
	case "none":
		return io.Discard
	default:
		return os.Stdout
	}
}

// ParseLevel maps a config level name to slog.Level. Unknown names map to info.
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NopLogger discards everything.
func NopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
