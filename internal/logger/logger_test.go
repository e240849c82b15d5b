package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  log.Level
	}{
		{"debug", log.DebugLevel},
		{"INFO", log.InfoLevel},
		{"warn", log.WarnLevel},
		{"warning", log.WarnLevel},
		{"error", log.ErrorLevel},
		{"fatal", log.FatalLevel},
		{"bogus", log.InfoLevel},
		{"", log.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.input))
		})
	}
}

func TestConfigure_LogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chatc.log")

	require.NoError(t, Configure("debug", path, false))
	t.Cleanup(func() {
		_ = Configure("info", "", false)
	})

	assert.Equal(t, log.DebugLevel, Logger.GetLevel())

	Warn("consistency warning", "session", "s1")
	NewStyledLogger("Router").Warn("component warning")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "consistency warning")
	assert.Contains(t, string(data), "component warning")
}

func TestConfigure_EnvFallback(t *testing.T) {
	t.Setenv("CHATC_LOG_LEVEL", "error")
	require.NoError(t, Configure("", "", false))
	t.Cleanup(func() {
		_ = Configure("info", "", false)
	})

	assert.Equal(t, log.ErrorLevel, Logger.GetLevel())
}

func TestConfigure_TestModeForcesInfo(t *testing.T) {
	require.NoError(t, Configure("debug", "", true))
	t.Cleanup(func() {
		_ = Configure("info", "", false)
	})

	assert.Equal(t, log.InfoLevel, Logger.GetLevel())
}
