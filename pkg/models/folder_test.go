package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultFolderSettings(t *testing.T) {
	fs := DefaultFolderSettings()
	assert.True(t, fs.AutoStartDownloads)
	assert.Equal(t, ScriptsInherit, fs.ScriptsEnabled)
	assert.Nil(t, fs.MaxConcurrent)
}

func TestEffectiveMaxConcurrent(t *testing.T) {
	fs := FolderSettings{}
	assert.Equal(t, 3, fs.EffectiveMaxConcurrent(3), "falls back to app default when unset")

	override := 7
	fs.MaxConcurrent = &override
	assert.Equal(t, 7, fs.EffectiveMaxConcurrent(3), "override takes priority")

	zero := 0
	fs.MaxConcurrent = &zero
	assert.Equal(t, 3, fs.EffectiveMaxConcurrent(3), "a zero override is treated as unset")
}
