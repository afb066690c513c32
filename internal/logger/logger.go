package logger

import (
	"io"
	"log/slog"
	"os"
)

const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Environment where logs are collected by machines, so JSON is used
const EnvProduction = "production"

type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)

	With(args ...any) Logger
	WithGroup(name string) Logger
}

// New writes to stderr: JSON in production, text otherwise
func New(env string, level string) (Logger, error) {
	return NewWriter(os.Stderr, env, level)
}

func NewWriter(w io.Writer, env string, level string) (Logger, error) {
	lvl, err := parseLevel(level)
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{
		Level:       lvl,
		AddSource:   true,
		ReplaceAttr: replace,
	}

	var handler slog.Handler
	if env == EnvProduction {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return &slogLogger{logger: slog.New(handler)}, nil
}

func NewNoOpLogger() Logger {
	return &slogLogger{logger: slog.New(slog.DiscardHandler)}
}

// Returns error naming the allowed levels if level is unknown
func CheckLevel(level string) error {
	_, err := parseLevel(level)
	return err
}
