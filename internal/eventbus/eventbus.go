// Package eventbus implements the in-process publish-subscribe fan-out of
// task state changes to observers (UI, logs, telemetry), per spec §4.8.
package eventbus

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"ggg/pkg/models"
)

// FieldMask names which Task fields changed in an Event, letting
// subscribers skip redundant re-renders.
type FieldMask int

const (
	FieldStatus FieldMask = 1 << iota
	FieldProgress
	FieldError
	FieldAll = FieldStatus | FieldProgress | FieldError
)

// Event is one published task mutation.
type Event struct {
	TaskID   uuid.UUID
	Mask     FieldMask
	Snapshot models.Task
}

const subscriberBuffer = 64

// Bus fans Events out to subscribers. Each subscriber gets its own
// buffered channel; when full, the bus drops the oldest queued event for
// that subscriber and logs a high-water warning, per spec §4.8.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]chan Event
	nextID      int
	logger      *slog.Logger
}

// New creates an empty Bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{subscribers: make(map[int]chan Event), logger: logger}
}

// Subscribe registers a new subscriber and returns its channel plus an
// unsubscribe function.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, subscriberBuffer)
	b.subscribers[id] = ch

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(c)
		}
	}
	return ch, unsub
}

// Publish fans ev out to every subscriber, applying drop-oldest
// backpressure per subscriber.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
			b.logger.Warn("eventbus: subscriber backpressure, dropped oldest event",
				"subscriber_id", id, "task_id", ev.TaskID)
		}
	}
}
