package logging

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{" warn ", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLevel(tt.in), "input %q", tt.in)
	}
}

func TestNewRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, WithLevel(slog.LevelWarn))

	logger.Info("hidden")
	assert.Zero(t, buf.Len())

	logger.Warn("shown", "component", "test")
	assert.Contains(t, buf.String(), "shown")
	assert.Contains(t, buf.String(), "component=test")
}

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, WithJSON(true))

	logger.Info("hello")
	assert.Contains(t, buf.String(), `"msg":"hello"`)
}

func TestDiscardDropsEverything(t *testing.T) {
	assert.NotPanics(t, func() {
		Discard().Error("nobody hears this")
	})
}
