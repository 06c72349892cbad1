package eventbus

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ggg/pkg/models"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := New(nil)
	ch, unsub := b.Subscribe()
	defer unsub()

	id := uuid.New()
	b.Publish(Event{TaskID: id, Mask: FieldStatus, Snapshot: models.Task{ID: id}})

	select {
	case ev := <-ch:
		assert.Equal(t, id, ev.TaskID)
		assert.Equal(t, FieldStatus, ev.Mask)
	case <-time.After(time.Second):
		t.Fatal("event was not delivered")
	}
}

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	b := New(nil)
	ch1, unsub1 := b.Subscribe()
	defer unsub1()
	ch2, unsub2 := b.Subscribe()
	defer unsub2()

	id := uuid.New()
	b.Publish(Event{TaskID: id})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			assert.Equal(t, id, ev.TaskID)
		case <-time.After(time.Second):
			t.Fatal("event was not delivered to a subscriber")
		}
	}
}

func TestPublishDropsOldestOnBackpressure(t *testing.T) {
	b := New(nil)
	ch, unsub := b.Subscribe()
	defer unsub()

	first := uuid.New()
	b.Publish(Event{TaskID: first})

	// Flood past the subscriber buffer without draining.
	var last uuid.UUID
	for i := 0; i < subscriberBuffer+10; i++ {
		last = uuid.New()
		b.Publish(Event{TaskID: last})
	}

	var got Event
	for {
		select {
		case got = <-ch:
		default:
			goto drained
		}
	}
drained:
	assert.Equal(t, last, got.TaskID, "the most recent event must survive drop-oldest backpressure")
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New(nil)
	ch, unsub := b.Subscribe()
	unsub()

	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after unsubscribe")

	require.NotPanics(t, func() {
		b.Publish(Event{TaskID: uuid.New()})
	})
}
