package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecgvision/ecgvision/internal/config"
)

func TestConsoleHandlerFormatsComponentAndFields(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Options{Level: "debug", Format: "console", Writer: &buf})
	require.NoError(t, err)

	logger.With("component", "trainer").Info("epoch finished", "epoch", 3, "phase", "valid loss")

	line := buf.String()
	assert.Contains(t, line, "INFO  trainer: epoch finished")
	assert.Contains(t, line, "epoch=3")
	assert.Contains(t, line, `phase="valid loss"`)
	assert.True(t, strings.HasSuffix(line, "\n"))
}

func TestJSONHandler(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Options{Level: "info", Format: "json", Writer: &buf})
	require.NoError(t, err)

	logger.Info("saved", "path", "/tmp/model")

	var payload map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &payload))
	assert.Equal(t, "info", payload["level"])
	assert.Equal(t, "saved", payload["msg"])
	assert.Equal(t, "/tmp/model", payload["path"])
	assert.Contains(t, payload, "ts")
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Options{Level: "warn", Writer: &buf})
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestUnsupportedFormat(t *testing.T) {
	_, err := New(Options{Format: "xml"})
	require.Error(t, err)
}

func TestNewFromConfigQuietRaisesLevel(t *testing.T) {
	cfg := config.Default()
	logger, err := NewFromConfig(&cfg, false)
	require.NoError(t, err)
	assert.False(t, logger.Enabled(t.Context(), slog.LevelInfo))

	verbose, err := NewFromConfig(&cfg, true)
	require.NoError(t, err)
	assert.True(t, verbose.Enabled(t.Context(), slog.LevelInfo))
}
