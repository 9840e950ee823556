// Package logging builds the slog loggers used across the plugin runtime.
// The host process must log to stderr only, because stdout carries the
// supervisor protocol.
package logging

import (
	"io"
	"log/slog"
	"strings"
)

// Option configures a logger built by New.
type Option func(*config)

type config struct {
	level     slog.Level
	addSource bool
	json      bool
}

func defaultConfig() config {
	return config{
		level: slog.LevelInfo,
	}
}

// WithLevel sets the minimum level to report.
func WithLevel(level slog.Level) Option {
	return func(c *config) {
		c.level = level
	}
}

// WithSource enables source file/line reporting.
func WithSource(enabled bool) Option {
	return func(c *config) {
		c.addSource = enabled
	}
}

// WithJSON switches output to JSON records. The default is logfmt-style
// text, which reads better when a host's stderr is folded into the
// supervisor's log.
func WithJSON(enabled bool) Option {
	return func(c *config) {
		c.json = enabled
	}
}

// New returns a logger writing to w.
func New(w io.Writer, opts ...Option) *slog.Logger {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	hopts := &slog.HandlerOptions{Level: cfg.level, AddSource: cfg.addSource}
	var h slog.Handler
	if cfg.json {
		h = slog.NewJSONHandler(w, hopts)
	} else {
		h = slog.NewTextHandler(w, hopts)
	}
	return slog.New(h)
}

// Discard returns a logger that drops every record. Constructors use it as
// the default so library code never writes to a stream it was not given.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// ParseLevel maps a config string to a slog level, defaulting to info.
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
