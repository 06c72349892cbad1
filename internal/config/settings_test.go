package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultSettingsValidates(t *testing.T) {
	warnings, err := DefaultSettings().Validate()
	require.NoError(t, err)
	assert.Empty(t, warnings)
}

func TestValidateRejectsZeroCaps(t *testing.T) {
	s := DefaultSettings()
	s.MaxConcurrent = 0
	_, err := s.Validate()
	assert.Error(t, err)

	s = DefaultSettings()
	s.MaxConcurrentPerFolder = 0
	_, err = s.Validate()
	assert.Error(t, err)

	s = DefaultSettings()
	s.ParallelFolderCount = 0
	_, err = s.Validate()
	assert.Error(t, err)
}

func TestValidateWarnsWhenFolderCapExceedsGlobal(t *testing.T) {
	s := DefaultSettings()
	s.MaxConcurrent = 2
	s.MaxConcurrentPerFolder = 5

	warnings, err := s.Validate()
	require.NoError(t, err)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "max_concurrent_per_folder")
}

func TestLoadSettingsMissingFileFallsBackToDefaults(t *testing.T) {
	dir := t.TempDir()
	s, err := LoadSettings(filepath.Join(dir, "settings.toml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultSettings(), s)
}

func TestLoadSettingsParsesOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.toml")
	content := "max_concurrent = 8\nuser_agent = \"ggg-test/1.0\"\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	s, err := LoadSettings(path)
	require.NoError(t, err)
	assert.Equal(t, 8, s.MaxConcurrent)
	assert.Equal(t, "ggg-test/1.0", s.UserAgent)
	assert.Equal(t, DefaultSettings().MaxConcurrentPerFolder, s.MaxConcurrentPerFolder, "unset fields keep their default")
}
