package models

import "time"

// HistoryRecord is an immutable terminal-state snapshot of a Task, appended
// to history.toml when a task reaches Completed or when a Deleted task's
// undo window ends. Failed tasks stay in their FolderQueue.
type HistoryRecord struct {
	Task         Task       `toml:"task"`
	RecordedAt   time.Time  `toml:"recorded_at"`
	TombstonedAt *time.Time `toml:"tombstoned_at,omitempty"`
}

// Tombstoned reports whether the record has been marked for deletion but
// not yet flushed — it still satisfies undo() until flushed.
func (r HistoryRecord) Tombstoned() bool {
	return r.TombstonedAt != nil
}
