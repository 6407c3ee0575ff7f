package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withRestoredLogger(t *testing.T) {
	t.Helper()
	prev := L
	t.Cleanup(func() { L = prev })
}

func TestInit_Disabled(t *testing.T) {
	withRestoredLogger(t)

	var buf bytes.Buffer
	require.NoError(t, Init(Options{Enabled: false, Writer: &buf}))
	Error("dropped")
	assert.Zero(t, buf.Len())
}

func TestInit_Text(t *testing.T) {
	withRestoredLogger(t)

	var buf bytes.Buffer
	require.NoError(t, Init(Options{Enabled: true, Level: slog.LevelWarn, Writer: &buf}))
	Info("below level")
	Warn("range not tracked", "addr", "0x1000")
	out := buf.String()
	assert.NotContains(t, out, "below level")
	assert.Contains(t, out, "range not tracked")
	assert.Contains(t, out, "addr=0x1000")
}

func TestInit_JSON(t *testing.T) {
	withRestoredLogger(t)

	var buf bytes.Buffer
	require.NoError(t, Init(Options{Enabled: true, Level: slog.LevelDebug, Format: "json", Writer: &buf}))
	Debug("split", "base", 4096)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "split", rec["msg"])
	assert.EqualValues(t, 4096, rec["base"])
}

func TestInit_BadFormat(t *testing.T) {
	withRestoredLogger(t)
	assert.Error(t, Init(Options{Enabled: true, Format: "xml"}))
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("debug")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, lvl)

	lvl, err = ParseLevel("WARN")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, lvl)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
}
