package scheduler

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"time"

	"ggg/internal/breaker"
	"ggg/internal/eventbus"
	"ggg/internal/fetcher"
	"ggg/pkg/models"
)

// backoffCap bounds the exponential retry delay from spec §4.1:
// delay = base * 2^retry_count, capped.
const backoffCap = 5 * time.Minute

// runAttempt owns one fetch attempt plus its outcome handling: this is the
// "explicit retry controller owned by the Scheduler, not the Fetcher" the
// Design Notes call for, so cancellation can short-circuit backoff sleep.
// Always called with the task already transitioned to Downloading and both
// permits held; always releases both permits before returning.
func (m *Manager) runAttempt(ctx context.Context, folderID string, task *models.Task, probeClaim bool, enabledFiles map[string]bool) {
	defer m.attempts.Done()

	origin, _ := breaker.ExtractOrigin(task.URL)
	outcome := m.fetch.Fetch(ctx, task, enabledFiles)

	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.cancels, task.ID)
	fq, ok := m.folders[folderID]
	if ok {
		fq.ReleasePermit()
	}
	m.globalSem.Release()

	task.BytesDownloaded = outcome.BytesDownloaded
	task.Resumption.Validator = outcome.Validator
	task.Resumption.Supported = outcome.ResumeSupported
	task.Resumption.BytesVerified = outcome.BytesDownloaded

	switch outcome.Kind {
	case fetcher.OutcomeCompleted:
		m.handleCompleted(folderID, task, outcome, origin, probeClaim, enabledFiles)
	case fetcher.OutcomeCanceled:
		m.handleCanceled(folderID, task, origin, probeClaim)
	case fetcher.OutcomeRetriable:
		m.handleRetriable(folderID, task, outcome, origin, probeClaim, enabledFiles)
	case fetcher.OutcomeFatal:
		m.handleFatal(folderID, task, outcome, origin, probeClaim, enabledFiles)
	}

	m.wakeUp()
}

func (m *Manager) handleCompleted(folderID string, task *models.Task, outcome fetcher.Outcome, origin string, probeClaim bool, enabledFiles map[string]bool) {
	if origin != "" {
		m.cb.RecordSuccess(origin)
	}
	_ = probeClaim // success clears HalfOpen regardless of how it was admitted

	finalPath := filepath.Join(task.Directory, task.Filename)
	if outcome.NewFilename != "" || outcome.MoveToPath != "" {
		moved, newPath := m.realizeCompletionMove(task, finalPath, outcome.NewFilename, outcome.MoveToPath, enabledFiles)
		if moved {
			finalPath = newPath
			task.Filename = filepath.Base(newPath)
			task.Directory = filepath.Dir(newPath)
		}
	}

	now := time.Now().UTC()
	task.Status = models.StatusCompleted
	task.CompletedAt = &now
	task.TotalBytes = outcome.Size

	if fq, ok := m.folders[folderID]; ok {
		fq.Remove(task.ID)
		delete(m.taskIndex, task.ID)
		m.persistFolderLocked(folderID)
	}
	if err := m.hist.Append(*task); err != nil {
		m.logger.Error("failed to append history record", "task_id", task.ID, "error", err)
	}
	m.publish(task, eventbus.FieldStatus)
}

// handleCanceled transitions a canceled attempt's task back to Paused,
// unless it has already been removed from its queue in the meantime (e.g.
// a concurrent Delete or MoveToFolder), in which case that operation's own
// final state wins. A canceled attempt never reaches RecordSuccess or
// RecordFailure, so a claimed probe slot is released explicitly here —
// otherwise pausing a probe task would strand the breaker in Half-Open.
func (m *Manager) handleCanceled(folderID string, task *models.Task, origin string, probeClaim bool) {
	if probeClaim && origin != "" {
		m.cb.ReleaseProbe(origin)
	}

	fq, ok := m.folders[folderID]
	if !ok || fq.Get(task.ID) == nil {
		return
	}
	fq.SetStatus(task.ID, models.StatusPaused)
	task.Status = models.StatusPaused
	m.persistFolderLocked(folderID)
	m.publish(task, eventbus.FieldStatus)
}

func (m *Manager) handleRetriable(folderID string, task *models.Task, outcome fetcher.Outcome, origin string, probeClaim bool, enabledFiles map[string]bool) {
	if isOriginFailure(outcome.ErrorKind) && origin != "" {
		m.cb.RecordFailure(origin)
	} else if probeClaim && origin != "" {
		m.cb.ReleaseProbe(origin)
	}

	task.LastError = &models.ErrorInfo{Kind: outcome.ErrorKind, Message: outcome.ErrorMessage, StatusCode: outcome.StatusCode}
	m.fetch.EmitError(task, *task.LastError, enabledFiles)

	maxRetries := m.snapshot().App.RetryCount
	if task.RetryCount >= maxRetries {
		task.Status = models.StatusFailed
		now := time.Now().UTC()
		task.CompletedAt = &now
		if fq, ok := m.folders[folderID]; ok {
			fq.SetStatus(task.ID, models.StatusFailed)
			m.persistFolderLocked(folderID)
		}
		m.publish(task, eventbus.FieldStatus)
		return
	}

	task.RetryCount++
	delay := backoffDelay(m.snapshot().App.RetryDelaySeconds, task.RetryCount, outcome.RetryAfter)
	task.NextEligibleAt = time.Now().Add(delay)
	task.Status = models.StatusPending

	if fq, ok := m.folders[folderID]; ok {
		fq.SetStatus(task.ID, models.StatusPending)
		m.persistFolderLocked(folderID)
	}
	m.publish(task, eventbus.FieldStatus)

	time.AfterFunc(delay, m.wakeUp)
}

func (m *Manager) handleFatal(folderID string, task *models.Task, outcome fetcher.Outcome, origin string, probeClaim bool, enabledFiles map[string]bool) {
	if isOriginFailure(outcome.ErrorKind) && origin != "" {
		m.cb.RecordFailure(origin)
	} else if probeClaim && origin != "" {
		m.cb.ReleaseProbe(origin)
	}

	task.LastError = &models.ErrorInfo{Kind: outcome.ErrorKind, Message: outcome.ErrorMessage, StatusCode: outcome.StatusCode}
	m.fetch.EmitError(task, *task.LastError, enabledFiles)

	task.Status = models.StatusFailed
	now := time.Now().UTC()
	task.CompletedAt = &now
	if fq, ok := m.folders[folderID]; ok {
		fq.SetStatus(task.ID, models.StatusFailed)
		m.persistFolderLocked(folderID)
	}
	m.publish(task, eventbus.FieldStatus)
}

// isOriginFailure reports whether an error kind reflects the origin's own
// health, the only kinds the circuit breaker should count (spec §4.5 is
// scoped to transport/server failures, not local storage or script
// errors).
func isOriginFailure(kind models.ErrorKind) bool {
	switch kind {
	case models.ErrNetworkTransient, models.ErrServerTransient:
		return true
	default:
		return false
	}
}

// backoffDelay computes spec §4.1's exponential backoff, honoring a
// server-supplied Retry-After as a floor per spec §6/§8.
func backoffDelay(baseSeconds, retryCount int, retryAfter time.Duration) time.Duration {
	if baseSeconds <= 0 {
		baseSeconds = 1
	}
	base := time.Duration(baseSeconds) * time.Second
	delay := base << uint(retryCount-1)
	if delay <= 0 || delay > backoffCap {
		delay = backoffCap
	}
	if retryAfter > delay {
		delay = retryAfter
	}
	return delay
}

// realizeCompletionMove applies a completed hook's requested rename/move as
// a single atomic operation when possible, falling back to copy-and-unlink
// across devices, per spec §4.3 step 5. On failure it aborts, keeps the
// file at its original path, and surfaces a non-fatal error — spec §9's
// Open Question resolution for a non-writable move_to_path.
func (m *Manager) realizeCompletionMove(task *models.Task, currentPath, newFilename, moveToPath string, enabledFiles map[string]bool) (bool, string) {
	target := currentPath
	if newFilename != "" {
		target = filepath.Join(filepath.Dir(currentPath), newFilename)
	}
	if moveToPath != "" {
		if newFilename != "" {
			target = filepath.Join(moveToPath, newFilename)
		} else {
			target = filepath.Join(moveToPath, filepath.Base(currentPath))
		}
		if err := os.MkdirAll(moveToPath, 0o755); err != nil {
			m.logger.Warn("completed hook move_to_path not writable, keeping original path", "task_id", task.ID, "path", moveToPath, "error", err)
			m.fetch.EmitError(task, models.ErrorInfo{Kind: models.ErrStoragePermanent, Message: err.Error()}, enabledFiles)
			return false, currentPath
		}
	}
	if target == currentPath {
		return false, currentPath
	}

	if err := os.Rename(currentPath, target); err == nil {
		return true, target
	}
	if err := copyAndUnlink(currentPath, target); err != nil {
		m.logger.Warn("completed hook move failed, keeping original path", "task_id", task.ID, "target", target, "error", err)
		m.fetch.EmitError(task, models.ErrorInfo{Kind: models.ErrStoragePermanent, Message: err.Error()}, enabledFiles)
		return false, currentPath
	}
	return true, target
}

// copyAndUnlink implements the cross-device fallback for a move: copy then
// remove the source, verifying the copied size matches before unlinking.
func copyAndUnlink(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	srcInfo, err := in.Stat()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	n, err := io.Copy(out, in)
	if err != nil {
		return err
	}
	if n != srcInfo.Size() {
		return errors.New("copy size mismatch during cross-device move")
	}
	if err := out.Sync(); err != nil {
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}
