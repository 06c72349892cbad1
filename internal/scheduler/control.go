package scheduler

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"ggg/internal/config"
	"ggg/internal/eventbus"
	"ggg/internal/history"
	"ggg/pkg/models"
)

// SubmitRequest describes a new download as the caller (UI/CLI, out of
// core scope) presents it to submit.
type SubmitRequest struct {
	FolderID  string
	URL       string
	Filename  string // derived from the URL path if empty
	Priority  int
	Headers   map[string]string
	UserAgent string
}

// Submit places a new Task into its target FolderQueue, per spec §4.1. The
// folder's settings.toml is loaded (or defaulted) on first sight of the
// folder id in this process.
func (m *Manager) Submit(req SubmitRequest) (uuid.UUID, error) {
	parsed, err := url.Parse(req.URL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return uuid.Nil, fmt.Errorf("invalid url %q", req.URL)
	}

	settings, err := m.EnsureFolder(req.FolderID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("resolving folder %s: %w", req.FolderID, err)
	}

	filename := req.Filename
	if filename == "" {
		filename = filepath.Base(parsed.Path)
	}
	if filename == "" || filename == "/" || filename == "." {
		filename = "download"
	}

	directory := resolveDirectory(m.app, req.FolderID, settings)
	task := models.NewTask(req.URL, req.FolderID, directory, filename)
	task.Priority = req.Priority
	task.Headers = req.Headers
	task.UserAgent = req.UserAgent
	if !settings.AutoStartDownloads {
		task.Status = models.StatusPaused
	}

	m.mu.Lock()
	fq := m.ensureFolderLocked(req.FolderID, settings)
	fq.Enqueue(task)
	m.taskIndex[task.ID] = req.FolderID
	m.persistFolderLocked(req.FolderID)
	m.publish(task, eventbus.FieldStatus)
	m.mu.Unlock()

	m.wakeUp()
	return task.ID, nil
}

// Start moves a Paused or Failed task back to Pending. A no-op on an
// already-Downloading or already-Pending task, per spec §8's idempotence
// property.
func (m *Manager) Start(id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	fq, t, err := m.findTaskLocked(id)
	if err != nil {
		return err
	}

	switch t.Status {
	case models.StatusDownloading, models.StatusPending:
		return nil
	case models.StatusPaused, models.StatusFailed:
		t.Status = models.StatusPending
		t.NextEligibleAt = time.Time{}
		fq.SetStatus(id, models.StatusPending)
		m.persistFolderLocked(fq.FolderID())
		m.publish(t, eventbus.FieldStatus)
		m.wakeUp()
		return nil
	default:
		return fmt.Errorf("cannot start task in status %s", t.Status)
	}
}

// Retry resets a Failed task's retry_count to 0 and moves it to Pending,
// per spec §7's "manual retry resets retry_count to 0" rule.
func (m *Manager) Retry(id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	fq, t, err := m.findTaskLocked(id)
	if err != nil {
		return err
	}
	if t.Status != models.StatusFailed {
		return fmt.Errorf("cannot retry task in status %s", t.Status)
	}

	t.Status = models.StatusPending
	t.RetryCount = 0
	t.LastError = nil
	t.NextEligibleAt = time.Time{}
	fq.SetStatus(id, models.StatusPending)
	m.persistFolderLocked(fq.FolderID())
	m.publish(t, eventbus.FieldStatus)
	m.wakeUp()
	return nil
}

// Pause requests cancellation of a Downloading task's in-flight fetch; the
// transition to Paused completes asynchronously once bytes flush (spec
// §4.1). A no-op if already Paused.
func (m *Manager) Pause(id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, t, err := m.findTaskLocked(id)
	if err != nil {
		return err
	}

	switch t.Status {
	case models.StatusPaused:
		return nil
	case models.StatusDownloading:
		if cancel, ok := m.cancels[id]; ok {
			cancel()
		}
		return nil
	default:
		return fmt.Errorf("cannot pause task in status %s", t.Status)
	}
}

// Delete tombstones a task. A task still live in a FolderQueue (Pending,
// Downloading, Paused, or Failed) is removed from the queue immediately,
// any in-flight fetch is canceled and its permits released, and the record
// is held in an in-memory undo table for history.DefaultUndoTTL before
// being flushed to HistoryStore by the heartbeat. A task already terminal
// (Completed, hence already in HistoryStore) is tombstoned there directly,
// per spec §9's Open Question resolution for delete-on-Completed.
func (m *Manager) Delete(id uuid.UUID) error {
	m.mu.Lock()
	fq, t, err := m.findTaskLocked(id)
	if err != nil {
		m.mu.Unlock()
		if histErr := m.hist.Tombstone(id); histErr != nil {
			return fmt.Errorf("task %s not found in any folder, and tombstoning history failed: %w", id, histErr)
		}
		return nil
	}
	defer m.mu.Unlock()
	folderID := fq.FolderID()

	if cancel, ok := m.cancels[id]; ok {
		cancel()
	}
	fq.Remove(id)
	delete(m.taskIndex, id)
	m.persistFolderLocked(folderID)

	priorStatus := t.Status
	now := time.Now().UTC()
	t.Status = models.StatusDeleted
	t.CompletedAt = &now

	m.undos[id] = &undoEntry{
		task:        t,
		folderID:    folderID,
		priorStatus: priorStatus,
		deadline:    now.Add(history.DefaultUndoTTL),
	}
	m.publish(t, eventbus.FieldStatus)
	return nil
}

// UndoDelete restores a tombstoned task to its prior status and folder
// within the undo TTL. Exact enqueue position is not guaranteed across an
// undo — the task re-enters its priority band as the newest member, since
// the original ordinal is not retained once removed from the queue.
func (m *Manager) UndoDelete(id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.undos[id]
	if !ok {
		m.mu.Unlock()
		restored, histErr := m.hist.Undo(id)
		m.mu.Lock()
		if histErr != nil {
			return fmt.Errorf("undoing history tombstone for task %s: %w", id, histErr)
		}
		if !restored {
			return fmt.Errorf("no pending delete to undo for task %s", id)
		}
		return nil
	}
	if time.Now().After(entry.deadline) {
		delete(m.undos, id)
		return fmt.Errorf("undo window for task %s has expired", id)
	}
	delete(m.undos, id)

	fq, ok := m.folders[entry.folderID]
	if !ok {
		return fmt.Errorf("folder %s no longer exists", entry.folderID)
	}

	t := entry.task
	t.Status = entry.priorStatus
	t.CompletedAt = nil
	fq.Enqueue(t)
	m.taskIndex[id] = entry.folderID
	m.persistFolderLocked(entry.folderID)
	m.publish(t, eventbus.FieldStatus)
	m.wakeUp()
	return nil
}

// MoveToFolder reassigns a task to a different folder, resolving the new
// folder's save path and canceling any in-flight fetch first.
func (m *Manager) MoveToFolder(id uuid.UUID, newFolderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	fq, t, err := m.findTaskLocked(id)
	if err != nil {
		return err
	}
	oldFolderID := fq.FolderID()
	if oldFolderID == newFolderID {
		return nil
	}

	settings, err := m.settingsForFolderLocked(newFolderID)
	if err != nil {
		return fmt.Errorf("resolving folder %s: %w", newFolderID, err)
	}

	if cancel, ok := m.cancels[id]; ok {
		cancel()
	}
	fq.Remove(id)
	delete(m.taskIndex, id)
	m.persistFolderLocked(oldFolderID)

	newFQ := m.ensureFolderLocked(newFolderID, settings)
	t.FolderID = newFolderID
	t.Directory = resolveDirectory(m.app, newFolderID, settings)
	newFQ.Enqueue(t)
	m.taskIndex[id] = newFolderID
	m.persistFolderLocked(newFolderID)
	m.publish(t, eventbus.FieldStatus)
	m.wakeUp()
	return nil
}

// StartFolder clears a stop_folder suspension and wakes admission.
func (m *Manager) StartFolder(folderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.stopped, folderID)
	m.wakeUp()
	return nil
}

// StopFolder suspends a folder from admission and cancels any of its
// Downloading tasks.
func (m *Manager) StopFolder(folderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped[folderID] = true
	delete(m.active, folderID)
	if fq, ok := m.folders[folderID]; ok {
		for _, t := range fq.Tasks() {
			if t.Status == models.StatusDownloading {
				if cancel, ok := m.cancels[t.ID]; ok {
					cancel()
				}
			}
		}
	}
	return nil
}

// StartAll clears every folder's stop suspension.
func (m *Manager) StartAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = make(map[string]bool)
	m.wakeUp()
	return nil
}

// StopAll suspends every folder and cancels every Downloading task.
func (m *Manager) StopAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for fid, fq := range m.folders {
		m.stopped[fid] = true
		delete(m.active, fid)
		for _, t := range fq.Tasks() {
			if t.Status == models.StatusDownloading {
				if cancel, ok := m.cancels[t.ID]; ok {
					cancel()
				}
			}
		}
	}
	return nil
}

// ReloadScripts delegates to the ScriptBroker's Reload control message.
func (m *Manager) ReloadScripts(ctx context.Context) error {
	return m.broker.Reload(ctx)
}

// ReloadConfig atomically swaps the configuration snapshot, resizing the
// global and per-folder permit pools to match. Rejected while any task is
// Downloading, per spec §6.
func (m *Manager) ReloadConfig(newApp config.Settings, folderOverrides map[string]models.FolderSettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, fq := range m.folders {
		if fq.Counters().Downloading > 0 {
			return fmt.Errorf("reload_config rejected: downloads are in progress")
		}
	}

	m.globalSem.Resize(newApp.MaxConcurrent, m.globalSize)
	m.globalSize = newApp.MaxConcurrent

	m.snapMu.Lock()
	for fid, fq := range m.folders {
		fs := m.snap.Folders[fid]
		if override, ok := folderOverrides[fid]; ok {
			fs = override
		}
		fq.Resize(fs.EffectiveMaxConcurrent(newApp.MaxConcurrentPerFolder))
		m.snap.Folders[fid] = fs
	}
	for fid, fs := range folderOverrides {
		if _, exists := m.snap.Folders[fid]; !exists {
			m.snap.Folders[fid] = fs
		}
	}
	m.snap = config.NewSnapshot(newApp, m.snap.Folders)
	m.snapMu.Unlock()

	m.wakeUp()
	return nil
}

// FolderTasks returns a snapshot of every task currently in folderID's
// queue, for status reporting by the (out-of-scope) UI layer.
func (m *Manager) FolderTasks(folderID string) []*models.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	fq, ok := m.folders[folderID]
	if !ok {
		return nil
	}
	return fq.Tasks()
}

// settingsForFolderLocked resolves folderID's settings from the current
// snapshot, loading and caching them from disk on first sight. Caller must
// not hold m.mu when this is the only lock needed, but it is also safe to
// call while holding m.mu since it only ever touches snapMu.
func (m *Manager) settingsForFolderLocked(folderID string) (models.FolderSettings, error) {
	m.snapMu.RLock()
	s, ok := m.snap.Folders[folderID]
	m.snapMu.RUnlock()
	if ok {
		return s, nil
	}

	loaded, err := m.persist.LoadFolderSettings(folderID)
	if err != nil {
		return models.FolderSettings{}, err
	}
	m.snapMu.Lock()
	m.snap.Folders[folderID] = loaded
	m.snapMu.Unlock()
	return loaded, nil
}

// resolveDirectory computes a task's destination directory from its
// folder's save_path and auto_date_directory setting.
func resolveDirectory(app *config.AppConfig, folderID string, settings models.FolderSettings) string {
	base := settings.SavePath
	if base == "" {
		base = filepath.Join(app.ConfigDir, "downloads", folderID)
	}
	if settings.AutoDateDirectory {
		base = filepath.Join(base, time.Now().Format("2006-01-02"))
	}
	return base
}
