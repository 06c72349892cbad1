package history

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ggg/internal/config"
	"ggg/internal/persistence"
	"ggg/pkg/models"
)

func newStore(t *testing.T, undoTTL time.Duration, cap int) *Store {
	t.Helper()
	app := &config.AppConfig{ConfigDir: t.TempDir()}
	layer := persistence.New(app, nil)
	s := New(layer, cap, nil)
	s.undoTTL = undoTTL
	return s
}

func completedTask(url string) models.Task {
	t := models.NewTask(url, "f1", "/tmp", "x.bin")
	t.Status = models.StatusCompleted
	return *t
}

func TestAppendAndGet(t *testing.T) {
	s := newStore(t, DefaultUndoTTL, 0)
	task := completedTask("https://example.com/a")

	require.NoError(t, s.Append(task))

	rec, ok := s.Get(task.ID)
	require.True(t, ok)
	assert.Equal(t, task.ID, rec.Task.ID)
	assert.False(t, rec.Tombstoned())
}

func TestAppendEnforcesBoundedCapDropOldest(t *testing.T) {
	s := newStore(t, DefaultUndoTTL, 2)

	first := completedTask("https://example.com/1")
	second := completedTask("https://example.com/2")
	third := completedTask("https://example.com/3")

	require.NoError(t, s.Append(first))
	require.NoError(t, s.Append(second))
	require.NoError(t, s.Append(third))

	_, ok := s.Get(first.ID)
	assert.False(t, ok, "oldest record dropped once cap exceeded")

	all := s.All()
	assert.Len(t, all, 2)
}

func TestTombstoneAndUndoWithinTTL(t *testing.T) {
	s := newStore(t, time.Minute, 0)
	task := completedTask("https://example.com/a")
	require.NoError(t, s.Append(task))

	require.NoError(t, s.Tombstone(task.ID))
	rec, ok := s.Get(task.ID)
	require.True(t, ok)
	assert.True(t, rec.Tombstoned())

	restored, err := s.Undo(task.ID)
	require.NoError(t, err)
	assert.True(t, restored)

	rec, ok = s.Get(task.ID)
	require.True(t, ok)
	assert.False(t, rec.Tombstoned())
}

func TestUndoAfterTTLExpiredFails(t *testing.T) {
	s := newStore(t, 10*time.Millisecond, 0)
	task := completedTask("https://example.com/a")
	require.NoError(t, s.Append(task))
	require.NoError(t, s.Tombstone(task.ID))

	time.Sleep(20 * time.Millisecond)

	restored, err := s.Undo(task.ID)
	require.NoError(t, err)
	assert.False(t, restored, "undo must fail once the TTL has elapsed")
}

func TestCompactFlushesExpiredTombstones(t *testing.T) {
	s := newStore(t, 10*time.Millisecond, 0)
	task := completedTask("https://example.com/a")
	require.NoError(t, s.Append(task))
	require.NoError(t, s.Tombstone(task.ID))

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, s.Compact())

	_, ok := s.Get(task.ID)
	assert.False(t, ok, "expired tombstone must be permanently removed by compaction")
}

func TestCompactKeepsFreshTombstones(t *testing.T) {
	s := newStore(t, time.Minute, 0)
	task := completedTask("https://example.com/a")
	require.NoError(t, s.Append(task))
	require.NoError(t, s.Tombstone(task.ID))

	require.NoError(t, s.Compact())

	_, ok := s.Get(task.ID)
	assert.True(t, ok, "a tombstone still within its TTL survives compaction")
}

func TestClearAllTombstonesEverything(t *testing.T) {
	s := newStore(t, time.Minute, 0)
	a := completedTask("https://example.com/a")
	b := completedTask("https://example.com/b")
	require.NoError(t, s.Append(a))
	require.NoError(t, s.Append(b))

	require.NoError(t, s.ClearAll())

	recA, _ := s.Get(a.ID)
	recB, _ := s.Get(b.ID)
	assert.True(t, recA.Tombstoned())
	assert.True(t, recB.Tombstoned())
}

func TestLoadRoundTripsPersistedHistory(t *testing.T) {
	app := &config.AppConfig{ConfigDir: t.TempDir()}
	layer := persistence.New(app, nil)

	s1 := New(layer, 0, nil)
	task := completedTask("https://example.com/a")
	require.NoError(t, s1.Append(task))

	s2 := New(layer, 0, nil)
	require.NoError(t, s2.Load())

	rec, ok := s2.Get(task.ID)
	require.True(t, ok)
	assert.Equal(t, task.URL, rec.Task.URL)
}
