package log_test

import (
	"log/slog"
	"testing"

	"github.com/dukex/flowkeeper/pkg/log"
	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.expected, log.ParseLevel(tt.input))
		})
	}
}

func TestWithModule(t *testing.T) {
	t.Parallel()

	logger := log.WithModule("dispatcher")
	assert.NotNil(t, logger)
	assert.NotNil(t, log.Discard())
}
