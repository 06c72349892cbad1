// Package persistence implements the durable on-disk layout from spec §6:
// write-to-temp-and-rename TOML records for settings, per-folder queues,
// and history, plus the crash-recovery reconciliation run at startup.
package persistence

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"

	"ggg/internal/config"
	"ggg/pkg/models"
)

// Layer is the PersistenceLayer component. All writes are triggered by the
// scheduler at state-transition boundaries, never on a timer (beyond the
// periodic HistoryStore compaction described in SPEC_FULL.md §4.1).
type Layer struct {
	app    *config.AppConfig
	logger *slog.Logger
}

// New creates a Layer rooted at app.ConfigDir.
func New(app *config.AppConfig, logger *slog.Logger) *Layer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Layer{app: app, logger: logger}
}

// AtomicWriteTOML marshals v and writes it to path via a temp file in the
// same directory followed by an atomic rename, the single write primitive
// every persisted record in this package funnels through.
func AtomicWriteTOML(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", path, err)
	}

	data, err := toml.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", path, err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("renaming %s to %s: %w", tmp, path, err)
	}
	return nil
}

// readTOML unmarshals path into v, tolerating a missing file (caller
// decides the fallback) and a truncated/corrupt file by reporting the
// error rather than panicking.
func readTOML(path string, v any) (exists bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := toml.Unmarshal(data, v); err != nil {
		return true, fmt.Errorf("parsing %s: %w", path, err)
	}
	return true, nil
}

// queueFile is the on-disk wrapper for <folder_id>/queue.toml.
type queueFile struct {
	Tasks []models.Task `toml:"tasks"`
}

// SaveQueue writes a folder's full task list to <folder_id>/queue.toml.
func (l *Layer) SaveQueue(folderID string, tasks []*models.Task) error {
	flat := make([]models.Task, len(tasks))
	for i, t := range tasks {
		flat[i] = *t
	}
	path := filepath.Join(l.app.FolderDir(folderID), "queue.toml")
	return AtomicWriteTOML(path, queueFile{Tasks: flat})
}

// LoadQueue reads a folder's queue.toml, returning an empty slice if the
// file does not yet exist. On a read error, it logs and falls back to an
// empty queue rather than failing startup (the "last-known-good" contract
// for readers degrades to "nothing" when there is no prior snapshot at
// all — an empty folder is valid, while failing to start is not).
func (l *Layer) LoadQueue(folderID string) ([]*models.Task, error) {
	var qf queueFile
	path := filepath.Join(l.app.FolderDir(folderID), "queue.toml")
	exists, err := readTOML(path, &qf)
	if err != nil {
		l.logger.Error("failed to parse folder queue, starting empty", "folder_id", folderID, "path", path, "error", err)
		return nil, nil
	}
	if !exists {
		return nil, nil
	}
	out := make([]*models.Task, len(qf.Tasks))
	for i := range qf.Tasks {
		t := qf.Tasks[i]
		out[i] = &t
	}
	return out, nil
}

// DeleteQueueFile removes a folder's queue.toml, used when a folder is torn
// down entirely.
func (l *Layer) DeleteQueueFile(folderID string) error {
	path := filepath.Join(l.app.FolderDir(folderID), "queue.toml")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// LoadFolderSettings reads <folder_id>/settings.toml, falling back to
// default/settings.toml, then to models.DefaultFolderSettings.
func (l *Layer) LoadFolderSettings(folderID string) (models.FolderSettings, error) {
	fs := models.DefaultFolderSettings()

	defPath := filepath.Join(l.app.DefaultDir(), "settings.toml")
	if exists, err := readTOML(defPath, &fs); err != nil {
		l.logger.Warn("failed to parse default folder settings", "path", defPath, "error", err)
	} else if exists {
		l.logger.Debug("loaded default folder settings", "path", defPath)
	}

	path := filepath.Join(l.app.FolderDir(folderID), "settings.toml")
	if exists, err := readTOML(path, &fs); err != nil {
		l.logger.Warn("failed to parse folder settings", "folder_id", folderID, "path", path, "error", err)
	} else if exists {
		l.logger.Debug("loaded folder settings", "folder_id", folderID)
	}

	fs.FolderID = folderID
	return fs, nil
}

// SaveFolderSettings writes <folder_id>/settings.toml.
func (l *Layer) SaveFolderSettings(fs models.FolderSettings) error {
	path := filepath.Join(l.app.FolderDir(fs.FolderID), "settings.toml")
	return AtomicWriteTOML(path, fs)
}

// LoadAppSettings reads settings.toml from ConfigDir, falling back to
// config.DefaultSettings.
func (l *Layer) LoadAppSettings() (config.Settings, error) {
	return config.LoadSettings(l.app.SettingsPath())
}

// SaveAppSettings writes settings.toml.
func (l *Layer) SaveAppSettings(s config.Settings) error {
	return AtomicWriteTOML(l.app.SettingsPath(), s)
}

// ReadTOMLInto reads history.toml into v, matching readTOML's
// missing-file/corrupt-file tolerance.
func ReadTOMLInto(l *Layer, v any) (bool, error) {
	return readTOML(l.app.HistoryPath(), v)
}

// WriteHistory atomically writes v to history.toml.
func WriteHistory(l *Layer, v any) error {
	return AtomicWriteTOML(l.app.HistoryPath(), v)
}

// DiscoverFolders scans ConfigDir for folder subdirectories: every
// directory except "default" and "scripts", whether or not it holds a
// settings.toml or queue.toml.
func (l *Layer) DiscoverFolders() ([]string, error) {
	entries, err := os.ReadDir(l.app.ConfigDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scanning %s: %w", l.app.ConfigDir, err)
	}

	var folders []string
	for _, e := range entries {
		if !e.IsDir() || e.Name() == "default" || e.Name() == "scripts" {
			continue
		}
		folders = append(folders, e.Name())
	}
	return folders, nil
}

// ReconcileOnStartup implements spec §4.6's crash-recovery rule: any task
// found Downloading on disk is demoted to Paused, since no process can
// still be holding its permits or its open file handle. Completed, Failed,
// and Deleted tasks are left as-is.
func ReconcileOnStartup(tasks []*models.Task) {
	for _, t := range tasks {
		if t.Status == models.StatusDownloading {
			t.Status = models.StatusPaused
		}
	}
}
