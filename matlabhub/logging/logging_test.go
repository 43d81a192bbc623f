package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{
		"debug":    LevelDebug,
		"DEBUG":    LevelDebug,
		"info":     LevelInfo,
		"":         LevelInfo,
		"warning":  LevelWarn,
		"WARN":     LevelWarn,
		"error":    LevelError,
		"CRITICAL": LevelError,
		"verbose":  LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), "input %q", in)
	}
}

func TestParseFormat(t *testing.T) {
	assert.Equal(t, FormatJSON, ParseFormat("json"))
	assert.Equal(t, FormatJSON, ParseFormat("JSON"))
	assert.Equal(t, FormatText, ParseFormat("text"))
	assert.Equal(t, FormatText, ParseFormat("xml"))
}

func TestNewJSONRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, closer := New(Config{Level: LevelWarn, Format: FormatJSON, Output: &buf})
	defer closer.Close()

	logger.Info("hidden")
	logger.Warn("shown", "port", 31515)

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)

	var record map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &record))
	assert.Equal(t, "shown", record["msg"])
	assert.Equal(t, float64(31515), record["port"])
}

func TestNewWritesFile(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "proxy.log")
	cfg := DefaultConfig()
	cfg.Output = &buf
	cfg.File = path

	logger, closer := New(cfg)
	logger.Info("engine started")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "engine started")
	assert.Contains(t, buf.String(), "engine started")
}
