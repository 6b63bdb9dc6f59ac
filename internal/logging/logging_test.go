package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dev.c0redev.securetcp/internal/config"
)

func TestJSONLevel(t *testing.T) {
	var buf bytes.Buffer
	l, err := New("test", config.LogConfig{Level: "warn", Format: "json"}, &buf)
	require.NoError(t, err)
	defer l.Close()

	l.Info().Msg("hidden")
	l.Warn().Str("peer", "127.0.0.1:1").Msg("shown")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "shown", entry["message"])
	assert.Equal(t, "test", entry["app"])
	assert.Equal(t, "127.0.0.1:1", entry["peer"])
}

func TestConsole(t *testing.T) {
	var buf bytes.Buffer
	l, err := New("test", config.LogConfig{Level: "info", Format: "console"}, &buf)
	require.NoError(t, err)
	l.Info().Msg("hello")
	assert.Contains(t, buf.String(), "hello")
	assert.Contains(t, buf.String(), "INF")
}

func TestFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "securetcp.log")
	var buf bytes.Buffer
	l, err := New("test", config.LogConfig{Level: "debug", Format: "json", File: path, MaxSizeMB: 1}, &buf)
	require.NoError(t, err)
	l.Debug().Msg("to file")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "to file")
	assert.Contains(t, buf.String(), "to file")
}

func TestBadLevel(t *testing.T) {
	_, err := New("test", config.LogConfig{Level: "loud", Format: "json"}, nil)
	assert.Error(t, err)
}
