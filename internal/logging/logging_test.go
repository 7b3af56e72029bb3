package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mesh-intelligence/fieldsync/pkg/types"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		out = append(out, entry)
	}
	return out
}

func TestNew_WritesJSONAtLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(types.LogConfig{Level: "warn"}, &buf)
	require.NoError(t, err)
	defer logger.Close()

	logger.Info("ignored")
	logger.Warn("queue stalled", zap.String("project", "tower-a"), zap.Int("ready", 3))

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "warn", lines[0]["level"])
	assert.Equal(t, "queue stalled", lines[0]["msg"])
	assert.Equal(t, "tower-a", lines[0]["project"])
	assert.Equal(t, float64(3), lines[0]["ready"])
	assert.Contains(t, lines[0], "time")
}

func TestLogger_SetLevelAppliesToChildren(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(types.LogConfig{Level: "info"}, &buf)
	require.NoError(t, err)
	child := logger.Named("coordinator")

	child.Debug("hidden")
	require.NoError(t, logger.SetLevel("debug"))
	assert.Equal(t, zapcore.DebugLevel, logger.Level())
	child.Debug("shown")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "shown", lines[0]["msg"])
	assert.Equal(t, "coordinator", lines[0]["logger"])

	assert.ErrorIs(t, logger.SetLevel("loud"), types.ErrLogLevelUnknown)
	assert.Equal(t, zapcore.DebugLevel, logger.Level())
}

func TestNew_RotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fieldsync.log")
	logger, err := New(types.LogConfig{Level: "debug", File: path, MaxSizeMB: 1}, nil)
	require.NoError(t, err)

	logger.Debug("drain started", zap.String("project", "p1"))
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"drain started"`)
}

func TestNew_RejectsUnknownLevel(t *testing.T) {
	_, err := New(types.LogConfig{Level: "chatty"}, &bytes.Buffer{})
	assert.ErrorIs(t, err, types.ErrLogLevelUnknown)
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name string
		want zapcore.Level
	}{
		{"", zapcore.InfoLevel},
		{"debug", zapcore.DebugLevel},
		{"warn", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseLevel(tt.name)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
