package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"

	slogmulti "github.com/samber/slog-multi"
	"gopkg.in/natefinch/lumberjack.v2"
)

var globalLogger = slog.Default()

// Config holds logger configuration
type Config struct {
	Level      slog.Level
	Format     string // "json" or "text" for the console handler
	OutputPath string // rotating JSON log file, empty disables it
	MaxSizeMB  int
	MaxBackups int
}

// ParseLevel converts a level name into slog.Level, defaulting to info
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// Init builds the process logger: console output plus an optional rotating
// JSON file, and installs it as the slog default.
// The returned cleanup closes the file.
func Init(cfg Config) (*slog.Logger, func() error) {
	opts := &slog.HandlerOptions{Level: cfg.Level}

	var console slog.Handler
	if cfg.Format == "json" {
		console = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		console = slog.NewTextHandler(os.Stderr, opts)
	}

	if cfg.OutputPath == "" {
		globalLogger = slog.New(console)
		slog.SetDefault(globalLogger)
		return globalLogger, func() error { return nil }
	}

	rotator := &lumberjack.Logger{
		Filename:   cfg.OutputPath,
		MaxSize:    orDefault(cfg.MaxSizeMB, 20),
		MaxBackups: orDefault(cfg.MaxBackups, 5),
		Compress:   true,
	}

	globalLogger = slog.New(slogmulti.Fanout(console, slog.NewJSONHandler(rotator, opts)))
	slog.SetDefault(globalLogger)
	return globalLogger, rotator.Close
}

// NewWithWriters creates a logger with custom writers (for testing).
func NewWithWriters(console, file io.Writer, level slog.Level) *slog.Logger {
	consoleHandler := slog.NewTextHandler(console, &slog.HandlerOptions{Level: level})
	fileHandler := slog.NewJSONHandler(file, &slog.HandlerOptions{Level: level})
	return slog.New(slogmulti.Fanout(consoleHandler, fileHandler))
}

// Discard returns a logger that drops everything
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// WithFields returns the global logger with additional fields
func WithFields(fields ...any) *slog.Logger {
	return globalLogger.With(fields...)
}

// Get returns the global logger instance
func Get() *slog.Logger {
	return globalLogger
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
