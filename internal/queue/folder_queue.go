// Package queue implements FolderQueue: the ordered, single-writer task
// list for one folder plus its concurrency permit pool and O(1) status
// counters. Generalized from the original Rust FolderQueue (VecDeque +
// Semaphore + cached counts) into the teacher's single-writer-mutex idiom.
package queue

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"ggg/pkg/models"
)

// Counts mirrors FolderTaskCounts from the original source: cached,
// incrementally maintained counters so admission checks never scan tasks.
type Counts struct {
	Pending     int
	Downloading int
}

func (c Counts) HasActiveTasks() bool { return c.Pending > 0 || c.Downloading > 0 }

// FolderQueue holds one folder's tasks in priority order. The scheduler is
// the queue's single writer; readers may snapshot via Tasks()/Counters().
type FolderQueue struct {
	folderID string
	sem      *Semaphore
	semSize  int

	// All queue mutation happens while the scheduler holds its Manager lock,
	// so no additional locking is needed here.
	tasks      []*models.Task
	counts     Counts
	enqueueSeq uint64
}

// NewFolderQueue creates an empty queue with a permit pool of size
// maxConcurrent.
func NewFolderQueue(folderID string, maxConcurrent int) *FolderQueue {
	return &FolderQueue{
		folderID: folderID,
		sem:      NewSemaphore(maxConcurrent),
		semSize:  maxConcurrent,
	}
}

// FolderID returns the folder this queue belongs to.
func (q *FolderQueue) FolderID() string { return q.folderID }

// Enqueue appends a task, assigning it a stable enqueue sequence number for
// tie-breaking, and updates cached counters.
func (q *FolderQueue) Enqueue(t *models.Task) {
	q.enqueueSeq++
	t.EnqueueSeq = q.enqueueSeq
	q.tasks = append(q.tasks, t)
	q.bumpCount(t.Status, 1)
}

// Remove deletes the task with id, returning it if found.
func (q *FolderQueue) Remove(id uuid.UUID) *models.Task {
	for i, t := range q.tasks {
		if t.ID == id {
			q.tasks = append(q.tasks[:i], q.tasks[i+1:]...)
			q.bumpCount(t.Status, -1)
			return t
		}
	}
	return nil
}

// Get returns the task with id, if present.
func (q *FolderQueue) Get(id uuid.UUID) *models.Task {
	for _, t := range q.tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// SetStatus transitions a task's status in place, keeping cached counters
// consistent. Returns false if the task is not in this queue.
func (q *FolderQueue) SetStatus(id uuid.UUID, status models.TaskStatus) bool {
	t := q.Get(id)
	if t == nil {
		return false
	}
	old := t.Status
	t.Status = status
	q.bumpCount(old, -1)
	q.bumpCount(status, 1)
	return true
}

func (q *FolderQueue) bumpCount(status models.TaskStatus, delta int) {
	switch status {
	case models.StatusPending:
		q.counts.Pending += delta
	case models.StatusDownloading:
		q.counts.Downloading += delta
	}
}

// Counters returns a snapshot of the cached pending/downloading counts.
func (q *FolderQueue) Counters() Counts { return q.counts }

// Tasks returns a snapshot slice of all tasks currently in the queue, in
// their internal order (not priority order — see HeadPending for that).
func (q *FolderQueue) Tasks() []*models.Task {
	out := make([]*models.Task, len(q.tasks))
	copy(out, q.tasks)
	return out
}

// HeadPending returns the highest-priority Pending task, stable tie-broken
// by ascending enqueue order (spec §4.1/§5 ordering guarantee).
func (q *FolderQueue) HeadPending() *models.Task {
	var best *models.Task
	for _, t := range q.tasks {
		if t.Status != models.StatusPending {
			continue
		}
		if best == nil || better(t, best) {
			best = t
		}
	}
	return best
}

func better(a, b *models.Task) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.EnqueueSeq < b.EnqueueSeq
}

// PendingTasksOrdered returns all Pending tasks ordered by (priority desc,
// enqueue_seq asc).
func (q *FolderQueue) PendingTasksOrdered() []*models.Task {
	var pend []*models.Task
	for _, t := range q.tasks {
		if t.Status == models.StatusPending {
			pend = append(pend, t)
		}
	}
	sort.SliceStable(pend, func(i, j int) bool { return better(pend[i], pend[j]) })
	return pend
}

// OldestHeadAge returns the enqueue sequence number of this folder's
// HeadPending task. Sequence numbers are per folder, so values from
// different folders are not comparable. Returns false if there is no
// pending task.
func (q *FolderQueue) OldestHeadAge() (uint64, bool) {
	head := q.HeadPending()
	if head == nil {
		return 0, false
	}
	return head.EnqueueSeq, true
}

// AcquirePermit attempts a non-blocking folder-permit acquisition, per
// spec §4.1's "folder permit first" ordering.
func (q *FolderQueue) AcquirePermit() bool { return q.sem.TryAcquire() }

// ReleasePermit returns a folder permit to the pool.
func (q *FolderQueue) ReleasePermit() { q.sem.Release() }

// AcquirePermitBlocking blocks until a folder permit is available or ctx
// ends. The scheduler's admission path uses the non-blocking AcquirePermit.
func (q *FolderQueue) AcquirePermitBlocking(ctx context.Context) error {
	return q.sem.Acquire(ctx)
}

// Resize adjusts the folder permit pool to a new effective cap, e.g. after
// reload_config changes a folder's max_concurrent override.
func (q *FolderQueue) Resize(newSize int) {
	q.sem.Resize(newSize, q.semSize)
	q.semSize = newSize
}

// IsDeactivatable reports whether the folder has no downloading tasks and
// no admissible pending tasks (spec §4.1 deactivation rule); callers pass
// in whether any remaining pending task is circuit-blocked via
// allPendingBlocked.
func (q *FolderQueue) IsDeactivatable(allPendingBlocked bool) bool {
	c := q.Counters()
	if c.Downloading != 0 {
		return false
	}
	if c.Pending == 0 {
		return true
	}
	return allPendingBlocked
}
