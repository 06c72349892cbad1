package config

import "ggg/pkg/models"

// Snapshot is the immutable configuration view a single scheduling decision
// or in-flight fetch is bound to, per the Design Notes' "configuration as
// ambient state" pattern: reload_config swaps the snapshot atomically under
// a guard, but a fetch already running keeps the snapshot it started with.
type Snapshot struct {
	App     Settings
	Folders map[string]models.FolderSettings
}

// NewSnapshot builds a Snapshot from app settings and a folder map.
func NewSnapshot(app Settings, folders map[string]models.FolderSettings) *Snapshot {
	cp := make(map[string]models.FolderSettings, len(folders))
	for k, v := range folders {
		cp[k] = v
	}
	return &Snapshot{App: app, Folders: cp}
}

// FolderMaxConcurrent resolves the effective per-folder cap for folderID.
func (s *Snapshot) FolderMaxConcurrent(folderID string) int {
	if f, ok := s.Folders[folderID]; ok {
		return f.EffectiveMaxConcurrent(s.App.MaxConcurrentPerFolder)
	}
	return s.App.MaxConcurrentPerFolder
}

// EffectiveScriptFiles resolves the two-level enable/disable matrix from
// spec §4.4: start from the app-level map, disable all if the folder opted
// out, then apply the folder's per-file overrides.
func (s *Snapshot) EffectiveScriptFiles(folderID string, allFiles []string) map[string]bool {
	effective := make(map[string]bool, len(allFiles))
	for _, f := range allFiles {
		enabled, explicit := s.App.Scripts.Files[f]
		if !explicit {
			enabled = true
		}
		effective[f] = enabled
	}

	folder, ok := s.Folders[folderID]
	if !ok {
		return effective
	}

	if folder.ScriptsEnabled == models.ScriptsOverride {
		for f := range effective {
			effective[f] = false
		}
	}

	for f, enabled := range folder.ScriptFiles {
		effective[f] = enabled
	}

	return effective
}
