package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noColor(t *testing.T) {
	t.Helper()
	prev := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = prev })
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("WARN"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("info"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("nonsense"))
}

func TestSetup_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := Setup("info", "json", &buf)
	logger.With("component", "host").Info("dispatched", "agent", "echo")
	logger.Debug("hidden")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "dispatched", rec["msg"])
	assert.Equal(t, "host", rec["component"])
	assert.Equal(t, "echo", rec["agent"])
}

func TestSetup_Color(t *testing.T) {
	noColor(t)
	var buf bytes.Buffer
	logger := Setup("debug", "text", &buf)
	logger.With("component", "server").Warn("slow request", "ms", 1200)
	logger.WithGroup("req").Debug("body", "size", 3)

	out := buf.String()
	assert.Contains(t, out, "WRN slow request component=server ms=1200\n")
	assert.Contains(t, out, "DBG body req.size=3\n")
}

func TestSetup_ColorLevelFilter(t *testing.T) {
	noColor(t)
	var buf bytes.Buffer
	logger := Setup("warn", "", &buf)
	logger.Info("dropped")
	logger.Error("kept")

	assert.NotContains(t, buf.String(), "dropped")
	assert.Contains(t, buf.String(), "ERR kept")
}
