// Package scheduler implements the DownloadScheduler: the three-level
// admission controller (global cap, per-folder cap, active-folder cap)
// that arbitrates FolderQueues, drives task lifecycle transitions, owns the
// retry/backoff controller, and triggers PersistenceLayer writes at every
// observable state transition. Generalized from the teacher's single-queue
// Worker (internal/downloader.Worker) into a multi-folder admission
// controller; see SPEC_FULL.md §4.1 and DESIGN.md for the mapping.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"ggg/internal/breaker"
	"ggg/internal/config"
	"ggg/internal/eventbus"
	"ggg/internal/fetcher"
	"ggg/internal/history"
	"ggg/internal/persistence"
	"ggg/internal/queue"
	"ggg/internal/script"
	"ggg/pkg/models"
)

// Options bundles the collaborators New needs to build a Manager.
type Options struct {
	App      *config.AppConfig
	Persist  *persistence.Layer
	History  *history.Store
	Bus      *eventbus.Bus
	Broker   *script.Broker
	Breaker  *breaker.Breaker
	Fetcher  *fetcher.Fetcher
	Logger   *slog.Logger
	Snapshot *config.Snapshot
}

// undoEntry is the holding area for a deleted task during its undo TTL,
// per spec §9's Open Question resolution (see DESIGN.md): delete always
// tombstones into this table first, and only the heartbeat's flush ever
// moves a record into HistoryStore permanently.
type undoEntry struct {
	task        *models.Task
	folderID    string
	priorStatus models.TaskStatus
	deadline    time.Time
}

// Manager is the DownloadScheduler.
type Manager struct {
	app     *config.AppConfig
	persist *persistence.Layer
	hist    *history.Store
	bus     *eventbus.Bus
	broker  *script.Broker
	cb      *breaker.Breaker
	fetch   *fetcher.Fetcher
	logger  *slog.Logger

	snapMu sync.RWMutex
	snap   *config.Snapshot

	mu         sync.Mutex
	folders    map[string]*queue.FolderQueue
	taskIndex  map[uuid.UUID]string // task id -> folder id
	globalSem  *queue.Semaphore
	globalSize int
	active     map[string]bool // ActiveFolders
	stopped    map[string]bool // folders suspended via stop_folder/stop_all

	cancels map[uuid.UUID]context.CancelFunc
	undos   map[uuid.UUID]*undoEntry

	wake chan struct{}
	cron *cron.Cron

	attempts sync.WaitGroup
	closed   chan struct{}
}

// New constructs a Manager. Callers must call Load before Run to populate
// folders from disk and reconcile crash-recovered state.
func New(opt Options) *Manager {
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	gmax := opt.Snapshot.App.MaxConcurrent
	m := &Manager{
		app:        opt.App,
		persist:    opt.Persist,
		hist:       opt.History,
		bus:        opt.Bus,
		broker:     opt.Broker,
		cb:         opt.Breaker,
		fetch:      opt.Fetcher,
		logger:     opt.Logger,
		snap:       opt.Snapshot,
		folders:    make(map[string]*queue.FolderQueue),
		taskIndex:  make(map[uuid.UUID]string),
		globalSem:  queue.NewSemaphore(gmax),
		globalSize: gmax,
		active:     make(map[string]bool),
		stopped:    make(map[string]bool),
		cancels:    make(map[uuid.UUID]context.CancelFunc),
		undos:      make(map[uuid.UUID]*undoEntry),
		wake:       make(chan struct{}, 1),
		closed:     make(chan struct{}),
	}
	return m
}

// Load scans the configured directory for existing folders, reconciles any
// task left Downloading on disk (crash recovery, spec §4.6) down to Paused,
// and populates in-memory FolderQueues. Call once before Run.
func (m *Manager) Load() error {
	folderIDs, err := m.persist.DiscoverFolders()
	if err != nil {
		return fmt.Errorf("discovering folders: %w", err)
	}
	for _, fid := range folderIDs {
		if err := m.loadFolder(fid); err != nil {
			m.logger.Error("failed to load folder", "folder_id", fid, "error", err)
		}
	}
	return nil
}

func (m *Manager) loadFolder(folderID string) error {
	settings, err := m.persist.LoadFolderSettings(folderID)
	if err != nil {
		return err
	}
	tasks, err := m.persist.LoadQueue(folderID)
	if err != nil {
		return err
	}
	persistence.ReconcileOnStartup(tasks)

	m.snapMu.Lock()
	m.snap.Folders[folderID] = settings
	m.snapMu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	fq := m.ensureFolderLocked(folderID, settings)
	for _, t := range tasks {
		fq.Enqueue(t)
		m.taskIndex[t.ID] = folderID
	}
	return nil
}

// ensureFolderLocked returns the FolderQueue for folderID, creating it
// (sized from settings/snapshot) if this is the first time the folder has
// been seen. Caller holds m.mu.
func (m *Manager) ensureFolderLocked(folderID string, settings models.FolderSettings) *queue.FolderQueue {
	if fq, ok := m.folders[folderID]; ok {
		return fq
	}
	m.snapMu.RLock()
	size := settings.EffectiveMaxConcurrent(m.snap.App.MaxConcurrentPerFolder)
	m.snapMu.RUnlock()
	fq := queue.NewFolderQueue(folderID, size)
	m.folders[folderID] = fq
	return fq
}

// EnsureFolder makes sure folderID has an in-memory queue and persisted
// settings, loading settings.toml (falling back to defaults) if this is a
// folder the scheduler has never seen in this process.
func (m *Manager) EnsureFolder(folderID string) (models.FolderSettings, error) {
	m.snapMu.RLock()
	settings, known := m.snap.Folders[folderID]
	m.snapMu.RUnlock()
	if !known {
		loaded, err := m.persist.LoadFolderSettings(folderID)
		if err != nil {
			return models.FolderSettings{}, err
		}
		settings = loaded
		m.snapMu.Lock()
		m.snap.Folders[folderID] = settings
		m.snapMu.Unlock()
	}

	m.mu.Lock()
	m.ensureFolderLocked(folderID, settings)
	m.mu.Unlock()
	return settings, nil
}

// Run drives the scheduler's admission loop until ctx is canceled. It also
// starts the periodic heartbeat (undo-flush + history compaction + breaker
// re-check) described in SPEC_FULL.md §4.1, in the idiom of the teacher's
// daily startHistoryCleanup goroutine but built on robfig/cron/v3.
func (m *Manager) Run(ctx context.Context) error {
	m.startHeartbeat()
	defer m.cron.Stop()

	m.pickStep()
	for {
		select {
		case <-ctx.Done():
			close(m.closed)
			m.attempts.Wait()
			return ctx.Err()
		case <-m.wake:
			m.pickStep()
		case <-time.After(5 * time.Second):
			// Periodic re-check catches Open->HalfOpen breaker transitions
			// and expired retry backoffs that have no other wake source.
			m.pickStep()
		}
	}
}

// startHeartbeat wires the cron-driven maintenance tick. "@every 10s" is
// the cron idiom for a fixed-interval job (cf. the retrieved pixiv-grabber
// sync command's cron.New()/AddFunc usage).
func (m *Manager) startHeartbeat() {
	m.cron = cron.New()
	_, err := m.cron.AddFunc("@every 10s", func() {
		m.flushExpiredUndos()
		if err := m.hist.Compact(); err != nil {
			m.logger.Warn("history compaction failed", "error", err)
		}
		m.wakeUp()
	})
	if err != nil {
		m.logger.Error("failed to schedule heartbeat", "error", err)
		return
	}
	m.cron.Start()
}

// flushExpiredUndos ends the undo window of every deleted task whose TTL has
// elapsed, appending it to HistoryStore as a Deleted record.
func (m *Manager) flushExpiredUndos() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for id, entry := range m.undos {
		if now.Before(entry.deadline) {
			continue
		}
		delete(m.undos, id)
		if err := m.hist.Append(*entry.task); err != nil {
			m.logger.Error("failed to flush deleted task to history", "task_id", id, "error", err)
		}
	}
}

func (m *Manager) wakeUp() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// snapshot returns the current, immutable config snapshot.
func (m *Manager) snapshot() *config.Snapshot {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	return m.snap
}

func (m *Manager) findTaskLocked(id uuid.UUID) (*queue.FolderQueue, *models.Task, error) {
	fid, ok := m.taskIndex[id]
	if !ok {
		return nil, nil, fmt.Errorf("task %s not found", id)
	}
	fq, ok := m.folders[fid]
	if !ok {
		return nil, nil, fmt.Errorf("folder %s for task %s not found", fid, id)
	}
	t := fq.Get(id)
	if t == nil {
		return nil, nil, fmt.Errorf("task %s not found in folder %s", id, fid)
	}
	return fq, t, nil
}

// enabledFilesFor resolves a folder's effective script-enable map for one
// fetch attempt, combining the broker's currently loaded file list with the
// app x folder two-level matrix from spec §4.4.
func (m *Manager) enabledFilesFor(folderID string) map[string]bool {
	files := m.broker.ListFiles(context.Background())
	return m.snapshot().EffectiveScriptFiles(folderID, files)
}

func (m *Manager) publish(t *models.Task, mask eventbus.FieldMask) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.Event{TaskID: t.ID, Mask: mask, Snapshot: *t})
}

func (m *Manager) persistFolderLocked(folderID string) {
	fq, ok := m.folders[folderID]
	if !ok {
		return
	}
	if err := m.persist.SaveQueue(folderID, fq.Tasks()); err != nil {
		m.logger.Error("failed to persist folder queue", "folder_id", folderID, "error", err)
	}
}
