package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"ERROR", slog.LevelError},
		{"bogus", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, parseLevel(tt.input))
		})
	}
}

func TestSetupWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "obsidx.log")

	logger, cleanup, err := Setup(Config{Level: "debug", FilePath: path, WriteToStderr: false})
	require.NoError(t, err)

	logger.Info("indexing started", slog.String("collection", "vault"))
	cleanup()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "indexing started"))
	assert.True(t, strings.Contains(string(data), `"collection":"vault"`))
}

func TestSetupFilteredByLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "obsidx.log")

	logger, cleanup, err := Setup(Config{Level: "warn", FilePath: path, WriteToStderr: false})
	require.NoError(t, err)

	logger.Debug("noisy detail")
	logger.Warn("fence unterminated")
	cleanup()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.False(t, strings.Contains(string(data), "noisy detail"))
	assert.True(t, strings.Contains(string(data), "fence unterminated"))
}
