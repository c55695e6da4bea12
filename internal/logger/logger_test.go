package logger

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetup(t *testing.T) {
	tests := []struct {
		name     string
		logLevel string
		enabled  slog.Level
		disabled slog.Level
	}{
		{
			name:     "debug level",
			logLevel: "debug",
			enabled:  slog.LevelDebug,
			disabled: slog.LevelDebug - 4,
		},
		{
			name:     "info level",
			logLevel: "info",
			enabled:  slog.LevelInfo,
			disabled: slog.LevelDebug,
		},
		{
			name:     "warn level",
			logLevel: "warn",
			enabled:  slog.LevelWarn,
			disabled: slog.LevelInfo,
		},
		{
			name:     "error level",
			logLevel: "error",
			enabled:  slog.LevelError,
			disabled: slog.LevelWarn,
		},
		{
			name:     "invalid level defaults to info",
			logLevel: "invalid",
			enabled:  slog.LevelInfo,
			disabled: slog.LevelDebug,
		},
		{
			name:     "empty level defaults to info",
			logLevel: "",
			enabled:  slog.LevelInfo,
			disabled: slog.LevelDebug,
		},
		{
			name:     "case insensitive DEBUG",
			logLevel: "DEBUG",
			enabled:  slog.LevelDebug,
			disabled: slog.LevelDebug - 4,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			Setup(tt.logLevel)
			logger := slog.Default()
			assert.True(t, logger.Enabled(context.Background(), tt.enabled))
			assert.False(t, logger.Enabled(context.Background(), tt.disabled))
		})
	}
}

func TestSetupNoErrors(t *testing.T) {
	// Verify Setup can be called multiple times without panic
	Setup("info")
	Setup("debug")
	Setup("warn")
	Setup("error")

	assert.NotNil(t, slog.Default())
}
