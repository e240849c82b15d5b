// Package config loads client configuration from flags, the environment and optional .env
// files using Viper and godotenv.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"chatclient/internal/logger"
)

// EnvPrefix is prepended to every environment key (CHATC_BASE_URL, ...).
const EnvPrefix = "CHATC"

// Store backends accepted by STORE_BACKEND.
const (
	StoreMemory = "memory"
	StoreFile   = "file"
	StoreSQLite = "sqlite"
)

// DefaultPlaceholder is the display name given to sessions with a blank name.
const DefaultPlaceholder = "New Chat"

// Config holds client configuration.
type Config struct {
	// BaseURL is the chat service root (e.g. https://chat.example.com/api).
	BaseURL string `mapstructure:"BASE_URL"`
	// RequestTimeout bounds non-streaming calls (e.g. "30s"). Streams are bounded by their context only.
	RequestTimeout string `mapstructure:"REQUEST_TIMEOUT"`
	// StoreBackend selects local persistence: memory, file (YAML) or sqlite.
	StoreBackend string `mapstructure:"STORE_BACKEND"`
	// StorePath is the file used by the file and sqlite backends; defaults under the user config dir.
	StorePath string `mapstructure:"STORE_PATH"`
	// LogLevel is debug, info, warn or error.
	LogLevel string `mapstructure:"LOG_LEVEL"`
	// LogFile redirects logs away from stderr when set.
	LogFile string `mapstructure:"LOG_FILE"`
	// SessionPlaceholder replaces blank session names.
	SessionPlaceholder string `mapstructure:"SESSION_PLACEHOLDER"`
}

// Load reads .env files (if present), then builds and validates Config from v.
// Pass the viper instance the CLI flags are bound to, or nil for a fresh one.
// Existing environment variables are never overridden by .env contents.
func Load(v *viper.Viper) (*Config, error) {
	if v == nil {
		v = viper.New()
	}

	if err := loadDotEnv(dotEnvFiles()); err != nil {
		logger.Warn("Ignoring unreadable .env file", "error", err)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("BASE_URL", "http://localhost:8000")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("STORE_BACKEND", StoreFile)
	v.SetDefault("STORE_PATH", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FILE", "")
	v.SetDefault("SESSION_PLACEHOLDER", DefaultPlaceholder)

	for _, key := range []string{"BASE_URL", "REQUEST_TIMEOUT", "STORE_BACKEND", "STORE_PATH", "LOG_LEVEL", "LOG_FILE", "SESSION_PLACEHOLDER"} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("config: bind %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if cfg.StorePath == "" && cfg.StoreBackend != StoreMemory {
		cfg.StorePath = defaultStorePath(cfg.StoreBackend)
	}
	if strings.TrimSpace(cfg.SessionPlaceholder) == "" {
		cfg.SessionPlaceholder = DefaultPlaceholder
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if c.BaseURL == "" {
		return errors.New("config: BASE_URL must be set")
	}
	parsed, err := url.Parse(c.BaseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("config: BASE_URL %q is not an absolute URL", c.BaseURL)
	}

	c.StoreBackend = strings.ToLower(strings.TrimSpace(c.StoreBackend))
	switch c.StoreBackend {
	case StoreMemory, StoreFile, StoreSQLite:
	default:
		return fmt.Errorf("config: STORE_BACKEND must be one of memory, file, sqlite (got %q)", c.StoreBackend)
	}

	if _, err := time.ParseDuration(c.RequestTimeout); err != nil {
		return fmt.Errorf("config: REQUEST_TIMEOUT %q: %w", c.RequestTimeout, err)
	}

	return nil
}

// Timeout parses RequestTimeout as a time.Duration. Returns 30s if unset or invalid.
func (c *Config) Timeout() time.Duration {
	d, err := time.ParseDuration(c.RequestTimeout)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// dotEnvFiles lists ~/.config/chatc/.env then ./.env.
func dotEnvFiles() []string {
	var files []string
	if dir, err := os.UserConfigDir(); err == nil {
		files = append(files, filepath.Join(dir, "chatc", ".env"))
	}
	return append(files, ".env")
}

// loadDotEnv loads files in order. Missing files are skipped; files that exist but cannot be
// read or parsed are reported together while the rest still load.
func loadDotEnv(files []string) error {
	var errs []error
	for _, file := range files {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		// godotenv.Load keeps variables that are already set.
		if err := godotenv.Load(file); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", file, err))
		}
	}
	return errors.Join(errs...)
}

func defaultStorePath(backend string) string {
	name := "state.yaml"
	if backend == StoreSQLite {
		name = "state.db"
	}

	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(".", ".chatc", name)
	}
	return filepath.Join(dir, "chatc", name)
}
