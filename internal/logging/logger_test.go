package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
	}{
		{"debug", LevelDebug},
		{"info", LevelInfo},
		{"WARN", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"unknown", LevelInfo},
		{"", LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseLevel(tt.input))
		})
	}
	assert.Equal(t, "unknown", Level(99).String())
}

func TestParseFormat(t *testing.T) {
	assert.Equal(t, FormatJSON, ParseFormat("json"))
	assert.Equal(t, FormatText, ParseFormat("text"))
	assert.Equal(t, FormatText, ParseFormat("xml"))
}

func TestJSONLoggerWritesFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(Config{Level: "debug", Format: "json"}, &buf)

	log.WithSession("s-1").WithFields("level_name", "serializable").Info("commit", "tx", 7)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "commit", entry["msg"])
	assert.Equal(t, "INFO", entry["level"])
	assert.Equal(t, "s-1", entry["session"])
	assert.Equal(t, "serializable", entry["level_name"])
	assert.Equal(t, float64(7), entry["tx"])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(Config{Level: "warn"}, &buf)

	log.Debug("hidden")
	log.Info("hidden")
	log.Warn("shown", "key", "account/1")
	log.Error("also shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `msg=shown key=account/1`)
	assert.Equal(t, 2, strings.Count(out, "\n"))
}

func TestNopLogger(t *testing.T) {
	log := NewNop()
	log.Info("nothing")
	assert.Equal(t, log, log.WithSession("x").WithFields("a", 1))
}

func TestFileLoggerClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "isodb.log")
	log := New(Config{Level: "info", Output: path})
	child := log.WithSession("s-1")

	child.Info("opened")
	require.NoError(t, log.Close())
	require.NoError(t, child.Close(), "closing twice is harmless")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "msg=opened session=s-1")

	assert.NoError(t, New(Config{Output: "stdout"}).Close())
	assert.NoError(t, NewNop().Close())
}

func TestNewSessionID(t *testing.T) {
	a, b := NewSessionID(), NewSessionID()
	assert.NotEqual(t, a, b)
	_, err := uuid.Parse(a)
	assert.NoError(t, err)
}
