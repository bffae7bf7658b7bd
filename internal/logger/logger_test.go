package logger

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewWritesToConsoleAndJSONFile(t *testing.T) {
	dir := t.TempDir()
	jsonPath := filepath.Join(dir, "nested", "app.log.json")

	var console bytes.Buffer
	log, err := New(&console, jsonPath, "info")
	require.NoError(t, err)

	log.Info("hello world", slog.String("component", "test"))

	require.Contains(t, console.String(), "hello world")

	data, err := os.ReadFile(jsonPath)
	require.NoError(t, err)
	require.Contains(t, string(data), "hello world")
	require.Contains(t, string(data), `"component":"test"`)
}

func TestNewFiltersBelowMinLevel(t *testing.T) {
	dir := t.TempDir()
	jsonPath := filepath.Join(dir, "app.log.json")

	var console bytes.Buffer
	log, err := New(&console, jsonPath, "error")
	require.NoError(t, err)

	log.Info("should be dropped")
	log.Error("should appear")

	data, err := os.ReadFile(jsonPath)
	require.NoError(t, err)
	require.NotContains(t, string(data), "should be dropped")
	require.Contains(t, string(data), "should appear")
}

func TestLevelFromString(t *testing.T) {
	require.Equal(t, slog.LevelDebug, levelFromString("debug"))
	require.Equal(t, slog.LevelWarn, levelFromString("warn"))
	require.Equal(t, slog.LevelError, levelFromString("error"))
	require.Equal(t, slog.LevelInfo, levelFromString("bogus"))
}

func TestConsoleHandlerIncludesLevelAbbrev(t *testing.T) {
	var buf bytes.Buffer
	h := NewConsoleHandler(&buf)
	l := slog.New(h)
	l.Warn("disk low")
	require.True(t, strings.Contains(buf.String(), "WARN"))
	require.True(t, strings.Contains(buf.String(), "disk low"))
}
