package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Format selects the output encoding.
type Format string

const (
	// FormatJSON is for production log aggregation.
	FormatJSON Format = "json"
	// FormatText is human-readable, for local development.
	FormatText Format = "text"
)

// Config is the env-driven logger configuration.
type Config struct {
	Level     string `env:"LOG_LEVEL" envDefault:"info"`
	Format    Format `env:"LOG_FORMAT" envDefault:"json"`
	AddSource bool   `env:"LOG_ADD_SOURCE" envDefault:"false"`
}

// New builds a slog.Logger from the config, writing to w (os.Stderr
// when nil). Unknown levels and formats fail loudly so a misconfigured
// deployment stops at startup instead of logging into the void.
func New(cfg Config, w io.Writer) (*slog.Logger, error) {
	if w == nil {
		w = os.Stderr
	}

	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "", "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("logger: unknown level %q", cfg.Level)
	}

	opts := &slog.HandlerOptions{Level: level, AddSource: cfg.AddSource}

	var handler slog.Handler
	switch cfg.Format {
	case FormatText:
		handler = slog.NewTextHandler(w, opts)
	case "", FormatJSON:
		handler = slog.NewJSONHandler(w, opts)
	default:
		return nil, fmt.Errorf("logger: unknown format %q", cfg.Format)
	}

	return slog.New(handler), nil
}

// MustNew is New that panics on a bad config. Composition-root use only.
func MustNew(cfg Config, w io.Writer) *slog.Logger {
	log, err := New(cfg, w)
	if err != nil {
		panic(err)
	}
	return log
}

// Error returns the conventional error attribute.
func Error(err error) slog.Attr {
	return slog.Any("error", err)
}

// Component tags a logger subtree with its owning component.
func Component(name string) slog.Attr {
	return slog.String("component", name)
}
