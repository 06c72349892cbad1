package scheduler

import (
	"context"
	"time"

	"ggg/internal/breaker"
	"ggg/internal/eventbus"
	"ggg/internal/queue"
	"ggg/pkg/models"
)

// pickStep runs the three-level admission algorithm from spec §4.1: first
// deactivate folders that have drained, then admit new folders into
// ActiveFolders while room remains, then fill every active folder's free
// permits with its next admissible task.
func (m *Manager) pickStep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	select {
	case <-m.closed:
		return
	default:
	}

	for fid := range m.active {
		fq, ok := m.folders[fid]
		if !ok {
			delete(m.active, fid)
			continue
		}
		if fq.IsDeactivatable(m.allPendingBlockedLocked(fq)) {
			delete(m.active, fid)
		}
	}

	amax := m.snapshot().App.ParallelFolderCount
	for len(m.active) < amax {
		fid, ok := m.pickFolderToActivateLocked()
		if !ok {
			break
		}
		m.active[fid] = true
	}

	for fid := range m.active {
		m.fillFolderLocked(fid)
	}
}

// pickFolderToActivateLocked implements the admissibility rule: among
// folders not already active, not stopped, with ≥1 admissible Pending task,
// choose the one whose head-of-queue task was created longest ago, tying
// lexicographically by folder id.
func (m *Manager) pickFolderToActivateLocked() (string, bool) {
	var best string
	var bestAge time.Time
	found := false

	for fid, fq := range m.folders {
		if m.active[fid] || m.stopped[fid] {
			continue
		}
		if task, _, _ := m.nextAdmissibleTaskLocked(fq); task == nil {
			continue
		}
		head := fq.HeadPending()
		if head == nil {
			continue
		}
		age := head.CreatedAt
		if !found || age.Before(bestAge) || (age.Equal(bestAge) && fid < best) {
			best, bestAge, found = fid, age, true
		}
	}
	return best, found
}

// fillFolderLocked acquires permits (folder first, then global, per spec
// §4.1's deadlock-avoidance ordering) for as many of this folder's
// admissible tasks as it can, returning the folder permit immediately if
// the global acquire fails. The single Half-Open probe slot is claimed only
// once both permits are secured and an attempt is actually about to launch,
// never as a side effect of merely testing admissibility.
func (m *Manager) fillFolderLocked(folderID string) {
	fq, ok := m.folders[folderID]
	if !ok || m.stopped[folderID] {
		return
	}

	for {
		task, origin, isProbe := m.nextAdmissibleTaskLocked(fq)
		if task == nil {
			return
		}
		if !fq.AcquirePermit() {
			return
		}
		if !m.globalSem.TryAcquire() {
			fq.ReleasePermit()
			return
		}
		if isProbe && !m.cb.TryAcquireProbe(origin) {
			// Another folder's fill claimed the probe first this round;
			// give up the permits and wait for the next pickStep tick
			// rather than spinning on the same task.
			m.globalSem.Release()
			fq.ReleasePermit()
			return
		}

		fq.SetStatus(task.ID, models.StatusDownloading)
		if task.StartedAt == nil {
			now := time.Now().UTC()
			task.StartedAt = &now
		}

		ctx, cancel := context.WithCancel(context.Background())
		m.cancels[task.ID] = cancel
		m.persistFolderLocked(folderID)
		m.publish(task, eventbus.FieldStatus)

		enabledFiles := m.enabledFilesFor(folderID)
		m.attempts.Add(1)
		go m.runAttempt(ctx, folderID, task, isProbe, enabledFiles)
	}
}

// nextAdmissibleTaskLocked returns the highest-priority Pending task in fq
// that is not gated by a retry backoff and whose origin's circuit breaker
// currently admits it, along with its origin and whether admission would
// only be via the Half-Open probe path. This is purely a test: it never
// claims the probe slot, so calling it more than once (as pickStep does,
// once to decide whether to activate a folder and again to actually fill
// it) never consumes a probe that is then never attempted.
func (m *Manager) nextAdmissibleTaskLocked(fq *queue.FolderQueue) (*models.Task, string, bool) {
	now := time.Now()
	for _, t := range fq.PendingTasksOrdered() {
		if !t.NextEligibleAt.IsZero() && now.Before(t.NextEligibleAt) {
			continue
		}
		origin, err := breaker.ExtractOrigin(t.URL)
		if err != nil {
			continue
		}
		switch m.cb.CanRequest(origin) {
		case breaker.Closed:
			return t, origin, false
		case breaker.HalfOpen:
			return t, origin, true
		case breaker.Open:
			continue
		}
	}
	return nil, "", false
}

// allPendingBlockedLocked reports whether every Pending task in fq is
// currently circuit-blocked, the deactivation condition's other half from
// spec §4.1 ("or all its pendings are circuit-blocked").
func (m *Manager) allPendingBlockedLocked(fq *queue.FolderQueue) bool {
	pending := fq.PendingTasksOrdered()
	if len(pending) == 0 {
		return true
	}
	for _, t := range pending {
		origin, err := breaker.ExtractOrigin(t.URL)
		if err != nil {
			continue
		}
		if m.cb.CanRequest(origin) != breaker.Open {
			return false
		}
	}
	return true
}
