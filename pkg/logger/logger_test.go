package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInit_WritesToRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "bothost.log")
	require.NoError(t, Init(Config{Level: "debug", OutputFile: path, MaxSize: 1}))
	require.Equal(t, path, GetCurrentLogFile())

	WithField("component", "test").Info("hello from logger test")

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(b), "hello from logger test"), "log file content: %s", b)
	require.True(t, strings.Contains(string(b), "component=test"))
}

func TestInit_BadLevelFallsBackToInfo(t *testing.T) {
	require.NoError(t, Init(Config{Level: "nope"}))
	require.Equal(t, "info", Logger.GetLevel().String())
	require.Empty(t, GetCurrentLogFile())
}
