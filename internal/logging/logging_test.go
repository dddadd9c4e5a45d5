package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	l, err := ParseLevel("debug")
	require.NoError(t, err)
	assert.Equal(t, zapcore.DebugLevel, l)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
}

func TestNew_WritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flextrace.log")

	l, err := New(Options{Level: "info", Encoding: "json", File: path})
	require.NoError(t, err)
	t.Cleanup(func() { zap.ReplaceGlobals(zap.NewNop()) })

	l.Debug("hidden")
	l.Info("attached", zap.String("event", "cache_miss"))
	Sync(l)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"message":"attached"`)
	assert.Contains(t, string(data), `"event":"cache_miss"`)
	assert.NotContains(t, string(data), "hidden")
	assert.Same(t, l, zap.L())
}

func TestNew_Errors(t *testing.T) {
	_, err := New(Options{Level: "nope", Encoding: "console"})
	assert.Error(t, err)

	_, err = New(Options{Level: "info", Encoding: "yaml"})
	assert.Error(t, err)
}
