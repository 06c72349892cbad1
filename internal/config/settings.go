package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// ScriptSettings is the scripts.* block of settings.toml.
type ScriptSettings struct {
	Enabled   bool            `toml:"enabled"`
	Directory string          `toml:"directory,omitempty"`
	Timeout   int             `toml:"timeout,omitempty"` // seconds
	Files     map[string]bool `toml:"files,omitempty"`
}

// Settings is the application-wide settings.toml: the configuration
// options the core reads, per spec §6.
type Settings struct {
	MaxConcurrent          int            `toml:"max_concurrent"`
	MaxConcurrentPerFolder int            `toml:"max_concurrent_per_folder"`
	ParallelFolderCount    int            `toml:"parallel_folder_count"`
	RetryCount             int            `toml:"retry_count"`
	RetryDelaySeconds      int            `toml:"retry_delay"`
	MaxRedirects           int            `toml:"max_redirects"`
	UserAgent              string         `toml:"user_agent"`
	Scripts                ScriptSettings `toml:"scripts"`
}

// DefaultSettings returns sane defaults for a fresh ConfigDir.
func DefaultSettings() Settings {
	return Settings{
		MaxConcurrent:          4,
		MaxConcurrentPerFolder: 2,
		ParallelFolderCount:    2,
		RetryCount:             3,
		RetryDelaySeconds:      1,
		MaxRedirects:           10,
		UserAgent:              "ggg/1.0",
		Scripts: ScriptSettings{
			Enabled:   true,
			Directory: "scripts",
			Timeout:   30,
			Files:     map[string]bool{},
		},
	}
}

// Validate implements the admission validation rule from spec §4.1: warn
// when Fmax > Gmax (the folder cap becomes effectively Gmax), and reject
// any zero cap.
func (s Settings) Validate() (warnings []string, err error) {
	if s.MaxConcurrent <= 0 {
		return nil, fmt.Errorf("max_concurrent must be > 0, got %d", s.MaxConcurrent)
	}
	if s.MaxConcurrentPerFolder <= 0 {
		return nil, fmt.Errorf("max_concurrent_per_folder must be > 0, got %d", s.MaxConcurrentPerFolder)
	}
	if s.ParallelFolderCount <= 0 {
		return nil, fmt.Errorf("parallel_folder_count must be > 0, got %d", s.ParallelFolderCount)
	}
	if s.MaxConcurrentPerFolder > s.MaxConcurrent {
		warnings = append(warnings, fmt.Sprintf(
			"max_concurrent_per_folder (%d) exceeds max_concurrent (%d); folder cap is effectively %d",
			s.MaxConcurrentPerFolder, s.MaxConcurrent, s.MaxConcurrent))
	}
	return warnings, nil
}

// LoadSettings reads Settings from path, falling back to DefaultSettings if
// the file does not exist (matching PersistenceLayer's "readers tolerate
// absence" contract).
func LoadSettings(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultSettings(), nil
		}
		return Settings{}, fmt.Errorf("reading %s: %w", path, err)
	}

	s := DefaultSettings()
	if err := toml.Unmarshal(data, &s); err != nil {
		return Settings{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	return s, nil
}
