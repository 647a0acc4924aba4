package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, hclog.Info, ParseLevel(""))
	assert.Equal(t, hclog.Debug, ParseLevel("debug"))
	assert.Equal(t, hclog.Warn, ParseLevel("WARN"))
	assert.Equal(t, hclog.Info, ParseLevel("loud"))
}

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	l := New(Options{Name: "test", Level: "debug", Format: "json", Output: &buf})
	l.Debug("hello", "k", "v")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "hello", line["@message"])
	assert.Equal(t, "v", line["k"])
	assert.Equal(t, "test", line["@module"])
}

func TestLevelFromEnv(t *testing.T) {
	t.Setenv("LOG_LEVEL", "error")
	var buf bytes.Buffer
	l := New(Options{Output: &buf})
	l.Warn("dropped")
	assert.Empty(t, buf.String())
	l.Error("kept")
	assert.Contains(t, buf.String(), "kept")
}

func TestSetDefault(t *testing.T) {
	var buf bytes.Buffer
	SetDefault(New(Options{Level: "info", Output: &buf}))
	t.Cleanup(func() { SetDefault(hclog.NewNullLogger()) })

	Info("package level", "n", 1)
	assert.Contains(t, buf.String(), "package level")
	assert.Contains(t, buf.String(), "n=1")
}
