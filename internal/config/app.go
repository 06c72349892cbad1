// Package config handles application bootstrap (environment variables) and
// the persisted settings.toml hierarchy the scheduler reads at runtime.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// AppConfig is environment-derived bootstrap configuration: the handful of
// fields needed before settings.toml can even be located and read.
type AppConfig struct {
	ConfigDir            string `env:"GGG_CONFIG_DIR" envDefault:"./ggg-data"`
	LogLevel             string `env:"GGG_LOG_LEVEL" envDefault:"info"`
	LogFile              string `env:"GGG_LOG_FILE" envDefault:""`
	ScriptTimeoutDefault int    `env:"GGG_SCRIPT_TIMEOUT_DEFAULT" envDefault:"30"`
}

// Load reads AppConfig from the process environment, loading a .env file
// first if one is present in the working directory.
func Load() (*AppConfig, error) {
	_ = godotenv.Load()

	var cfg AppConfig
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment variables: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate checks AppConfig invariants and normalizes ConfigDir to an
// absolute, cleaned path.
func (c *AppConfig) Validate() error {
	if c.ConfigDir == "" {
		return fmt.Errorf("GGG_CONFIG_DIR cannot be empty")
	}

	abs, err := filepath.Abs(c.ConfigDir)
	if err != nil {
		return fmt.Errorf("resolving GGG_CONFIG_DIR: %w", err)
	}
	c.ConfigDir = abs

	if info, err := os.Stat(c.ConfigDir); err == nil && !info.IsDir() {
		return fmt.Errorf("GGG_CONFIG_DIR must be a directory, got file: %s", c.ConfigDir)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q, must be one of debug|info|warn|error", c.LogLevel)
	}

	if c.ScriptTimeoutDefault <= 0 {
		return fmt.Errorf("GGG_SCRIPT_TIMEOUT_DEFAULT must be positive, got %d", c.ScriptTimeoutDefault)
	}

	return nil
}

// FolderDir returns the directory holding a folder's settings.toml and
// queue.toml.
func (c *AppConfig) FolderDir(folderID string) string {
	return filepath.Join(c.ConfigDir, folderID)
}

// DefaultDir returns the directory holding default/settings.toml.
func (c *AppConfig) DefaultDir() string {
	return filepath.Join(c.ConfigDir, "default")
}

// ScriptsDir returns the directory holding scripts/*.js, unless overridden
// by Settings.Scripts.Directory.
func (c *AppConfig) ScriptsDir() string {
	return filepath.Join(c.ConfigDir, "scripts")
}

// HistoryPath returns the path to history.toml.
func (c *AppConfig) HistoryPath() string {
	return filepath.Join(c.ConfigDir, "history.toml")
}

// SettingsPath returns the path to the application-wide settings.toml.
func (c *AppConfig) SettingsPath() string {
	return filepath.Join(c.ConfigDir, "settings.toml")
}
