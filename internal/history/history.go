// Package history implements HistoryStore: the append-only, terminal-state
// record of completed and deleted tasks, with an optional bounded cap
// (drop-oldest) and tombstone-based undo for deletes, per spec §4.7 and the
// Open Question in spec §9 about delete semantics on terminal tasks.
package history

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"ggg/internal/persistence"
	"ggg/pkg/models"
)

// DefaultUndoTTL is how long a tombstoned record may still be restored by
// undo_delete before the next Compact() flushes it for good.
const DefaultUndoTTL = 30 * time.Second

// Store is the in-memory, persisted-backed HistoryStore.
type Store struct {
	mu      sync.RWMutex
	layer   *persistence.Layer
	logger  *slog.Logger
	records map[uuid.UUID]*models.HistoryRecord
	order   []uuid.UUID // insertion order, oldest first
	cap     int         // 0 means unbounded
	undoTTL time.Duration
}

type historyFile struct {
	Records []models.HistoryRecord `toml:"records"`
}

// New creates a Store backed by layer. cap<=0 means unbounded.
func New(layer *persistence.Layer, cap int, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		layer:   layer,
		logger:  logger,
		records: make(map[uuid.UUID]*models.HistoryRecord),
		cap:     cap,
		undoTTL: DefaultUndoTTL,
	}
}

// Load reads history.toml into memory, preserving insertion order by
// RecordedAt.
func (s *Store) Load() error {
	var hf historyFile
	exists, err := persistence.ReadTOMLInto(s.layer, &hf)
	if err != nil {
		s.logger.Error("failed to parse history, starting empty", "error", err)
		return nil
	}
	if !exists {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sort.Slice(hf.Records, func(i, j int) bool {
		return hf.Records[i].RecordedAt.Before(hf.Records[j].RecordedAt)
	})
	for i := range hf.Records {
		rec := hf.Records[i]
		s.records[rec.Task.ID] = &rec
		s.order = append(s.order, rec.Task.ID)
	}
	return nil
}

func (s *Store) persistLocked() error {
	recs := make([]models.HistoryRecord, 0, len(s.order))
	for _, id := range s.order {
		if r, ok := s.records[id]; ok {
			recs = append(recs, *r)
		}
	}
	return persistence.WriteHistory(s.layer, historyFile{Records: recs})
}

// Append inserts a terminal Task snapshot as a new history record,
// enforcing the bounded-cap drop-oldest policy.
func (s *Store) Append(task models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := &models.HistoryRecord{Task: task, RecordedAt: time.Now().UTC()}
	s.records[task.ID] = rec
	s.order = append(s.order, task.ID)

	if s.cap > 0 {
		for len(s.order) > s.cap {
			oldest := s.order[0]
			s.order = s.order[1:]
			delete(s.records, oldest)
			s.logger.Debug("history cap exceeded, dropped oldest record", "task_id", oldest)
		}
	}

	return s.persistLocked()
}

// Get returns the history record for id, if any.
func (s *Store) Get(id uuid.UUID) (models.HistoryRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return models.HistoryRecord{}, false
	}
	return *r, true
}

// All returns a snapshot of every non-flushed record, oldest first.
func (s *Store) All() []models.HistoryRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.HistoryRecord, 0, len(s.order))
	for _, id := range s.order {
		if r, ok := s.records[id]; ok {
			out = append(out, *r)
		}
	}
	return out
}

// Tombstone marks id for deletion without removing it, so Undo can still
// restore it within DefaultUndoTTL.
func (s *Store) Tombstone(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return nil
	}
	now := time.Now().UTC()
	r.TombstonedAt = &now
	return s.persistLocked()
}

// Undo clears a tombstone if it is still within its TTL. Returns false if
// the record is missing or the TTL has already elapsed.
func (s *Store) Undo(id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok || r.TombstonedAt == nil {
		return false, nil
	}
	if time.Since(*r.TombstonedAt) > s.undoTTL {
		return false, nil
	}
	r.TombstonedAt = nil
	return true, s.persistLocked()
}

// Compact permanently removes tombstoned records whose undo TTL has
// elapsed. Invoked by the scheduler's periodic heartbeat (SPEC_FULL.md
// §4.1).
func (s *Store) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.order[:0:0]
	for _, id := range s.order {
		r := s.records[id]
		if r.TombstonedAt != nil && time.Since(*r.TombstonedAt) > s.undoTTL {
			delete(s.records, id)
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
	return s.persistLocked()
}

// ClearAll tombstones every record immediately (UI "clear history"
// request); the first Compact after their undo TTL flushes them for good.
func (s *Store) ClearAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	for _, r := range s.records {
		if r.TombstonedAt == nil {
			r.TombstonedAt = &now
		}
	}
	return s.persistLocked()
}
