// Package models defines the data structures shared across the download
// core: tasks, folder configuration, and terminal history records.
package models

import (
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the current lifecycle state of a Task.
type TaskStatus string

const (
	StatusPending     TaskStatus = "pending"
	StatusDownloading TaskStatus = "downloading"
	StatusPaused      TaskStatus = "paused"
	StatusCompleted   TaskStatus = "completed"
	StatusFailed      TaskStatus = "failed"
	StatusDeleted     TaskStatus = "deleted"
)

// ErrorKind categorizes a failure for retry-policy and circuit-breaker
// decisions. These are taxonomy kinds, not Go error types.
type ErrorKind string

const (
	ErrNetworkTransient ErrorKind = "network_transient"
	ErrServerTransient  ErrorKind = "server_transient"
	ErrClientPermanent  ErrorKind = "client_permanent"
	ErrStoragePermanent ErrorKind = "storage_permanent"
	ErrValidatorChanged ErrorKind = "validator_changed"
	ErrCanceled         ErrorKind = "canceled"
	ErrScript           ErrorKind = "script_error"
)

// Retriable reports whether an ErrorKind should be retried by the scheduler.
func (k ErrorKind) Retriable() bool {
	switch k {
	case ErrNetworkTransient, ErrServerTransient, ErrValidatorChanged:
		return true
	default:
		return false
	}
}

// ErrorInfo records the last failure observed for a task.
type ErrorInfo struct {
	Kind       ErrorKind `toml:"kind,omitempty" json:"kind,omitempty"`
	Message    string    `toml:"message,omitempty" json:"message,omitempty"`
	StatusCode int       `toml:"status_code,omitempty" json:"status_code,omitempty"`
}

// Resumption holds the state needed to resume a partially downloaded file.
type Resumption struct {
	Supported     bool   `toml:"resume_supported" json:"resume_supported"`
	Validator     string `toml:"validator,omitempty" json:"validator,omitempty"`
	BytesVerified int64  `toml:"bytes_verified,omitempty" json:"bytes_verified,omitempty"`
}

// Task is the unit of work scheduled, fetched, and persisted by the core.
type Task struct {
	ID       uuid.UUID `toml:"id" json:"id"`
	URL      string    `toml:"url" json:"url"`
	FolderID string    `toml:"folder_id" json:"folder_id"`

	Directory string `toml:"save_path" json:"save_path"`
	Filename  string `toml:"filename" json:"filename"`

	BytesDownloaded int64   `toml:"downloaded" json:"downloaded"`
	TotalBytes      int64   `toml:"size,omitempty" json:"size,omitempty"`
	Speed           float64 `toml:"-" json:"speed"`

	CreatedAt   time.Time  `toml:"created_at" json:"created_at"`
	StartedAt   *time.Time `toml:"started_at,omitempty" json:"started_at,omitempty"`
	CompletedAt *time.Time `toml:"completed_at,omitempty" json:"completed_at,omitempty"`

	Status     TaskStatus `toml:"status" json:"status"`
	Priority   int        `toml:"priority" json:"priority"`
	EnqueueSeq uint64     `toml:"-" json:"-"`

	// NextEligibleAt gates re-admission during a retry backoff window; it is
	// scheduler-internal state, not part of the persisted record, so a task
	// loaded by a restarted process is eligible immediately.
	NextEligibleAt time.Time `toml:"-" json:"-"`

	Resumption Resumption `toml:"resumption" json:"resumption"`

	LastError  *ErrorInfo `toml:"last_error,omitempty" json:"last_error,omitempty"`
	RetryCount int        `toml:"retry_count" json:"retry_count"`

	Headers       map[string]string `toml:"headers,omitempty" json:"headers,omitempty"`
	UserAgent     string            `toml:"user_agent,omitempty" json:"user_agent,omitempty"`
	SavePathOverride string         `toml:"save_path_override,omitempty" json:"save_path_override,omitempty"`
}

// NewTask constructs a Pending task ready for enqueue.
func NewTask(url, folderID, directory, filename string) *Task {
	return &Task{
		ID:        uuid.New(),
		URL:       url,
		FolderID:  folderID,
		Directory: directory,
		Filename:  filename,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}
}

// BytesRemaining returns TotalBytes-BytesDownloaded, or -1 if TotalBytes is
// unknown.
func (t *Task) BytesRemaining() int64 {
	if t.TotalBytes <= 0 {
		return -1
	}
	return t.TotalBytes - t.BytesDownloaded
}

// Percentage returns download completion in [0,100], or -1 if TotalBytes is
// unknown.
func (t *Task) Percentage() float64 {
	if t.TotalBytes <= 0 {
		return -1
	}
	return float64(t.BytesDownloaded) / float64(t.TotalBytes) * 100
}
