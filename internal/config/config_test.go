package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate runs the test from an empty directory with a private config dir so no
// developer .env leaks in.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	return dir
}

func TestLoad_Defaults(t *testing.T) {
	isolate(t)

	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8000", cfg.BaseURL)
	assert.Equal(t, StoreFile, cfg.StoreBackend)
	assert.Equal(t, 30*time.Second, cfg.Timeout())
	assert.Equal(t, DefaultPlaceholder, cfg.SessionPlaceholder)
	assert.Equal(t, "state.yaml", filepath.Base(cfg.StorePath))
}

func TestLoad_Environment(t *testing.T) {
	isolate(t)
	t.Setenv("CHATC_BASE_URL", "https://chat.example.com/api/")
	t.Setenv("CHATC_STORE_BACKEND", "SQLite")
	t.Setenv("CHATC_REQUEST_TIMEOUT", "5s")
	t.Setenv("CHATC_SESSION_PLACEHOLDER", "Untitled")

	cfg, err := Load(viper.New())
	require.NoError(t, err)

	assert.Equal(t, "https://chat.example.com/api", cfg.BaseURL)
	assert.Equal(t, StoreSQLite, cfg.StoreBackend)
	assert.Equal(t, 5*time.Second, cfg.Timeout())
	assert.Equal(t, "Untitled", cfg.SessionPlaceholder)
	assert.Equal(t, "state.db", filepath.Base(cfg.StorePath))
}

func TestLoad_DotEnv(t *testing.T) {
	dir := isolate(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("CHATC_BASE_URL=https://dotenv.example.com\nCHATC_STORE_BACKEND=memory\n"), 0600))
	t.Cleanup(func() {
		_ = os.Unsetenv("CHATC_BASE_URL")
		_ = os.Unsetenv("CHATC_STORE_BACKEND")
	})

	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, "https://dotenv.example.com", cfg.BaseURL)
	assert.Equal(t, StoreMemory, cfg.StoreBackend)
	assert.Empty(t, cfg.StorePath)
}

func TestLoad_ViperOverride(t *testing.T) {
	isolate(t)
	v := viper.New()
	v.Set("BASE_URL", "https://flag.example.com")
	v.Set("STORE_BACKEND", "memory")

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, "https://flag.example.com", cfg.BaseURL)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"relative base url", "CHATC_BASE_URL", "chat.example.com"},
		{"unknown backend", "CHATC_STORE_BACKEND", "redis"},
		{"bad timeout", "CHATC_REQUEST_TIMEOUT", "soon"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t)
			t.Setenv(tt.key, tt.val)

			_, err := Load(nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "config:")
		})
	}
}

func TestLoadDotEnv_ReportsUnreadableFiles(t *testing.T) {
	dir := isolate(t)
	good := filepath.Join(dir, "good.env")
	require.NoError(t, os.WriteFile(good, []byte("CHATC_DOTENV_TEST_KEY=loaded\n"), 0o600))
	unreadable := filepath.Join(dir, "dir.env")
	require.NoError(t, os.Mkdir(unreadable, 0o700))
	t.Setenv("CHATC_DOTENV_TEST_KEY", "")
	require.NoError(t, os.Unsetenv("CHATC_DOTENV_TEST_KEY"))

	err := loadDotEnv([]string{unreadable, filepath.Join(dir, "missing.env"), good})

	require.Error(t, err)
	assert.Contains(t, err.Error(), unreadable)
	assert.NotContains(t, err.Error(), "missing.env")
	assert.Equal(t, "loaded", os.Getenv("CHATC_DOTENV_TEST_KEY"))
}
