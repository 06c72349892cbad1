package models

// ScriptsMode controls whether a folder inherits the application-level
// effective-scripts map or overrides it entirely.
type ScriptsMode string

const (
	ScriptsInherit  ScriptsMode = "inherit"
	ScriptsOverride ScriptsMode = "override"
)

// FolderSettings is the persisted, per-folder configuration consumed (not
// owned) by the scheduler. It is read from <folder_id>/settings.toml.
type FolderSettings struct {
	FolderID           string          `toml:"-"`
	SavePath           string          `toml:"save_path"`
	AutoDateDirectory  bool            `toml:"auto_date_directory"`
	AutoStartDownloads bool            `toml:"auto_start_downloads"`
	MaxConcurrent      *int            `toml:"max_concurrent,omitempty"`
	UserAgent          string          `toml:"user_agent,omitempty"`
	DefaultHeaders     map[string]string `toml:"default_headers,omitempty"`
	ScriptsEnabled     ScriptsMode     `toml:"scripts_enabled,omitempty"`
	ScriptFiles        map[string]bool `toml:"script_files,omitempty"`
}

// DefaultFolderSettings returns the baked-in defaults used when a folder
// has no settings.toml of its own and default/settings.toml is absent.
func DefaultFolderSettings() FolderSettings {
	return FolderSettings{
		AutoDateDirectory:  false,
		AutoStartDownloads: true,
		ScriptsEnabled:     ScriptsInherit,
	}
}

// EffectiveMaxConcurrent resolves this folder's per-folder cap against the
// application default.
func (f FolderSettings) EffectiveMaxConcurrent(appDefault int) int {
	if f.MaxConcurrent != nil && *f.MaxConcurrent > 0 {
		return *f.MaxConcurrent
	}
	return appDefault
}
