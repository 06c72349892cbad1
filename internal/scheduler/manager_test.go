package scheduler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ggg/internal/breaker"
	"ggg/internal/config"
	"ggg/internal/eventbus"
	"ggg/internal/fetcher"
	"ggg/internal/history"
	"ggg/internal/persistence"
	"ggg/internal/script"
	"ggg/pkg/models"
)

// blockingServer serves any request only after release is closed, letting a
// test hold a task in StatusDownloading until it asserts the admission
// counters it is trying to observe.
func blockingServer(t *testing.T, release <-chan struct{}) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Header().Set("Content-Length", "2")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
}

func newManager(t *testing.T, settings config.Settings) *Manager {
	t.Helper()
	app := &config.AppConfig{ConfigDir: t.TempDir()}
	persist := persistence.New(app, nil)
	hist := history.New(persist, 0, nil)
	bus := eventbus.New(nil)
	broker := script.New(t.TempDir(), 0, nil)
	t.Cleanup(broker.Close)
	cb := breaker.New(breaker.DefaultConfig(), nil)
	fetch := fetcher.New(fetcher.Config{Broker: broker, Bus: bus})

	snap := config.NewSnapshot(settings, map[string]models.FolderSettings{})
	m := New(Options{
		App:      app,
		Persist:  persist,
		History:  hist,
		Bus:      bus,
		Broker:   broker,
		Breaker:  cb,
		Fetcher:  fetch,
		Snapshot: snap,
	})
	require.NoError(t, m.Load())
	return m
}

func runManager(t *testing.T, m *Manager) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("manager did not shut down in time")
		}
	})
	return cancel
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func settingsWith(gmax, fmax, amax int) config.Settings {
	s := config.DefaultSettings()
	s.MaxConcurrent = gmax
	s.MaxConcurrentPerFolder = fmax
	s.ParallelFolderCount = amax
	s.RetryCount = 0
	return s
}

func TestSubmitEnqueuesPendingTask(t *testing.T) {
	m := newManager(t, settingsWith(4, 2, 2))
	id, err := m.Submit(SubmitRequest{FolderID: "f1", URL: "https://example.com/a.bin"})
	require.NoError(t, err)

	tasks := m.FolderTasks("f1")
	require.Len(t, tasks, 1)
	assert.Equal(t, id, tasks[0].ID)
	assert.Equal(t, models.StatusPending, tasks[0].Status)
}

func TestSubmitRejectsInvalidURL(t *testing.T) {
	m := newManager(t, settingsWith(4, 2, 2))
	_, err := m.Submit(SubmitRequest{FolderID: "f1", URL: "not a url"})
	assert.Error(t, err)
}

func TestAdmissionSerializesUnderGmax1Fmax1Amax1(t *testing.T) {
	release := make(chan struct{})
	srv := blockingServer(t, release)
	defer srv.Close()

	m := newManager(t, settingsWith(1, 1, 1))
	runManager(t, m)

	_, err := m.Submit(SubmitRequest{FolderID: "f1", URL: srv.URL + "/a"})
	require.NoError(t, err)
	_, err = m.Submit(SubmitRequest{FolderID: "f1", URL: srv.URL + "/b"})
	require.NoError(t, err)

	waitFor(t, time.Second, func() bool {
		downloading := 0
		for _, tsk := range m.FolderTasks("f1") {
			if tsk.Status == models.StatusDownloading {
				downloading++
			}
		}
		return downloading == 1
	})

	// With Gmax=Fmax=Amax=1 only one task may ever be in flight.
	downloading := 0
	for _, tsk := range m.FolderTasks("f1") {
		if tsk.Status == models.StatusDownloading {
			downloading++
		}
	}
	assert.Equal(t, 1, downloading)

	close(release)
	waitFor(t, time.Second, func() bool {
		for _, tsk := range m.FolderTasks("f1") {
			if tsk.Status != models.StatusCompleted {
				return false
			}
		}
		return true
	})
}

func TestAdmissionAcrossThreeFoldersRespectsAmax(t *testing.T) {
	release := make(chan struct{})
	srv := blockingServer(t, release)
	defer srv.Close()

	m := newManager(t, settingsWith(4, 2, 2))
	runManager(t, m)

	for _, fid := range []string{"f1", "f2", "f3"} {
		_, err := m.Submit(SubmitRequest{FolderID: fid, URL: srv.URL + "/" + fid})
		require.NoError(t, err)
	}

	waitFor(t, time.Second, func() bool {
		activeFolders := map[string]bool{}
		for _, fid := range []string{"f1", "f2", "f3"} {
			for _, tsk := range m.FolderTasks(fid) {
				if tsk.Status == models.StatusDownloading {
					activeFolders[fid] = true
				}
			}
		}
		return len(activeFolders) == 2
	})

	activeFolders := map[string]bool{}
	for _, fid := range []string{"f1", "f2", "f3"} {
		for _, tsk := range m.FolderTasks(fid) {
			if tsk.Status == models.StatusDownloading {
				activeFolders[fid] = true
			}
		}
	}
	assert.Len(t, activeFolders, 2, "at most Amax=2 folders may be active at once")

	close(release)
}

func TestPauseCancelsInFlightFetchAndReturnsToPaused(t *testing.T) {
	release := make(chan struct{})
	srv := blockingServer(t, release)
	defer srv.Close()
	defer close(release)

	m := newManager(t, settingsWith(4, 2, 2))
	runManager(t, m)

	id, err := m.Submit(SubmitRequest{FolderID: "f1", URL: srv.URL})
	require.NoError(t, err)

	waitFor(t, time.Second, func() bool {
		for _, tsk := range m.FolderTasks("f1") {
			if tsk.ID == id {
				return tsk.Status == models.StatusDownloading
			}
		}
		return false
	})

	require.NoError(t, m.Pause(id))

	waitFor(t, time.Second, func() bool {
		for _, tsk := range m.FolderTasks("f1") {
			if tsk.ID == id {
				return tsk.Status == models.StatusPaused
			}
		}
		return false
	})
}

func TestStartResumesAPausedTask(t *testing.T) {
	m := newManager(t, settingsWith(4, 2, 2))
	id, err := m.Submit(SubmitRequest{FolderID: "f1", URL: "https://example.com/a"})
	require.NoError(t, err)

	// Force the task into Paused directly on the queue (keeping its cached
	// counters consistent) to exercise Start's transition independent of
	// the admission loop's own timing.
	m.mu.Lock()
	m.folders["f1"].SetStatus(id, models.StatusPaused)
	m.mu.Unlock()

	require.NoError(t, m.Start(id))
	for _, tsk := range m.FolderTasks("f1") {
		if tsk.ID == id {
			assert.Equal(t, models.StatusPending, tsk.Status)
		}
	}
}

func TestRetryResetsRetryCountAndReturnsToPending(t *testing.T) {
	m := newManager(t, settingsWith(4, 2, 2))
	id, err := m.Submit(SubmitRequest{FolderID: "f1", URL: "https://example.com/a"})
	require.NoError(t, err)

	m.mu.Lock()
	m.folders["f1"].SetStatus(id, models.StatusFailed)
	m.folders["f1"].Get(id).RetryCount = 3
	m.mu.Unlock()

	require.NoError(t, m.Retry(id))
	for _, tsk := range m.FolderTasks("f1") {
		if tsk.ID == id {
			assert.Equal(t, models.StatusPending, tsk.Status)
			assert.Equal(t, 0, tsk.RetryCount)
		}
	}
}

func TestRetryRejectsNonFailedTask(t *testing.T) {
	m := newManager(t, settingsWith(4, 2, 2))
	id, err := m.Submit(SubmitRequest{FolderID: "f1", URL: "https://example.com/a"})
	require.NoError(t, err)
	assert.Error(t, m.Retry(id))
}

func TestDeleteThenUndoDeleteRestoresTask(t *testing.T) {
	m := newManager(t, settingsWith(4, 2, 2))
	id, err := m.Submit(SubmitRequest{FolderID: "f1", URL: "https://example.com/a"})
	require.NoError(t, err)

	require.NoError(t, m.Delete(id))
	assert.Empty(t, m.FolderTasks("f1"))

	require.NoError(t, m.UndoDelete(id))
	tasks := m.FolderTasks("f1")
	require.Len(t, tasks, 1)
	assert.Equal(t, models.StatusPending, tasks[0].Status)
}

func TestMoveToFolderTransfersTaskBetweenQueues(t *testing.T) {
	m := newManager(t, settingsWith(4, 2, 2))
	id, err := m.Submit(SubmitRequest{FolderID: "f1", URL: "https://example.com/a"})
	require.NoError(t, err)

	require.NoError(t, m.MoveToFolder(id, "f2"))
	assert.Empty(t, m.FolderTasks("f1"))
	tasks := m.FolderTasks("f2")
	require.Len(t, tasks, 1)
	assert.Equal(t, "f2", tasks[0].FolderID)
}

func TestReloadConfigRejectedWhileDownloading(t *testing.T) {
	release := make(chan struct{})
	srv := blockingServer(t, release)
	defer srv.Close()
	defer close(release)

	m := newManager(t, settingsWith(4, 2, 2))
	runManager(t, m)

	_, err := m.Submit(SubmitRequest{FolderID: "f1", URL: srv.URL})
	require.NoError(t, err)

	waitFor(t, time.Second, func() bool {
		for _, tsk := range m.FolderTasks("f1") {
			if tsk.Status == models.StatusDownloading {
				return true
			}
		}
		return false
	})

	err = m.ReloadConfig(settingsWith(8, 4, 4), nil)
	assert.Error(t, err)
}

func TestReloadConfigAppliesNewCapsWhenIdle(t *testing.T) {
	m := newManager(t, settingsWith(4, 2, 2))
	require.NoError(t, m.ReloadConfig(settingsWith(8, 4, 4), nil))
	assert.Equal(t, 8, m.globalSize)
}

func TestFullPipelineCompletesAndAppendsHistory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "5")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("hello"))
	}))
	defer srv.Close()

	m := newManager(t, settingsWith(4, 2, 2))
	runManager(t, m)

	id, err := m.Submit(SubmitRequest{FolderID: "f1", URL: srv.URL})
	require.NoError(t, err)

	waitFor(t, time.Second, func() bool {
		return len(m.FolderTasks("f1")) == 0
	})

	rec, ok := m.hist.Get(id)
	require.True(t, ok)
	assert.Equal(t, models.StatusCompleted, rec.Task.Status)
}

// TestHalfOpenProbeSucceedsAndRecoversCircuit exercises spec §4.5 scenario
// 5 end to end through the scheduler: a failing origin opens its circuit,
// and once the cooldown elapses the next task to that origin is admitted
// as the single Half-Open probe, succeeds, and closes the circuit again.
// This guards against the probe slot being claimed and discarded by
// pickFolderToActivateLocked before fillFolderLocked ever gets to use it.
func TestHalfOpenProbeSucceedsAndRecoversCircuit(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Length", "2")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	app := &config.AppConfig{ConfigDir: t.TempDir()}
	persist := persistence.New(app, nil)
	hist := history.New(persist, 0, nil)
	bus := eventbus.New(nil)
	broker := script.New(t.TempDir(), 0, nil)
	t.Cleanup(broker.Close)
	cb := breaker.New(breaker.Config{
		FailureThreshold: 1,
		OpenDuration:     30 * time.Millisecond,
		ProbeInterval:    5 * time.Millisecond,
	}, nil)
	fetch := fetcher.New(fetcher.Config{Broker: broker, Bus: bus})
	snap := config.NewSnapshot(settingsWith(4, 2, 2), map[string]models.FolderSettings{})
	m := New(Options{
		App:      app,
		Persist:  persist,
		History:  hist,
		Bus:      bus,
		Broker:   broker,
		Breaker:  cb,
		Fetcher:  fetch,
		Snapshot: snap,
	})
	require.NoError(t, m.Load())
	runManager(t, m)

	_, err := m.Submit(SubmitRequest{FolderID: "f1", URL: srv.URL + "/a"})
	require.NoError(t, err)

	waitFor(t, time.Second, func() bool {
		for _, tsk := range m.FolderTasks("f1") {
			if tsk.Status == models.StatusFailed {
				return true
			}
		}
		return false
	})

	origin, err := breaker.ExtractOrigin(srv.URL)
	require.NoError(t, err)
	state, _ := cb.Status(origin)
	require.Equal(t, breaker.Open, state, "a single failure at threshold 1 must open the circuit")

	time.Sleep(50 * time.Millisecond) // let OpenDuration elapse

	id2, err := m.Submit(SubmitRequest{FolderID: "f1", URL: srv.URL + "/b"})
	require.NoError(t, err)

	waitFor(t, time.Second, func() bool {
		_, ok := m.hist.Get(id2)
		return ok
	})

	rec, ok := m.hist.Get(id2)
	require.True(t, ok)
	assert.Equal(t, models.StatusCompleted, rec.Task.Status, "the probe attempt must be allowed to actually run, not starved by the admissibility check")

	finalState, failures := cb.Status(origin)
	assert.Equal(t, breaker.Closed, finalState)
	assert.Equal(t, 0, failures)
}

func TestConcurrentSubmitsAreRaceFree(t *testing.T) {
	m := newManager(t, settingsWith(4, 2, 2))
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.Submit(SubmitRequest{FolderID: "f1", URL: "https://example.com/a"})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	assert.Len(t, m.FolderTasks("f1"), 20)
}
