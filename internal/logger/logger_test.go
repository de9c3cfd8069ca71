package logger

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  zapcore.Level
	}{
		{name: "debug", input: "debug", want: zapcore.DebugLevel},
		{name: "info", input: "info", want: zapcore.InfoLevel},
		{name: "warn", input: "warn", want: zapcore.WarnLevel},
		{name: "error", input: "error", want: zapcore.ErrorLevel},
		{name: "empty defaults to info", input: "", want: zapcore.InfoLevel},
		{name: "unknown defaults to info", input: "verbose", want: zapcore.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, parseLevel(tt.input))
		})
	}
}

func TestInitializeWithFileOutput(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "portal-sync.log")

	InitializeWithOptions(Options{
		Level: "debug",
		File:  &FileOptions{Path: logPath, MaxSizeMB: 1},
	})

	Infof("forward sync processed %d items", 3)
	Debug("drained queue")

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "forward sync processed 3 items")
	assert.Contains(t, string(data), "drained queue")
}

func TestSlogRoutesThroughSameSink(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "portal-sync.log")

	InitializeWithOptions(Options{
		Level: "info",
		File:  &FileOptions{Path: logPath, MaxSizeMB: 1},
	})

	slog.Info("poll cycle complete", "notes_synced", 2, "batches_synced", 1)
	slog.Debug("should be filtered at info level")

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "poll cycle complete")
	assert.Contains(t, string(data), "notes_synced")
	assert.NotContains(t, string(data), "should be filtered")
}
