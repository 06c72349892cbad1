package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSemaphoreTryAcquireRelease(t *testing.T) {
	s := NewSemaphore(2)

	assert.True(t, s.TryAcquire())
	assert.True(t, s.TryAcquire())
	assert.False(t, s.TryAcquire(), "third acquire should fail, pool exhausted")

	s.Release()
	assert.True(t, s.TryAcquire(), "release frees a slot")
}

func TestSemaphoreAcquireBlocksUntilRelease(t *testing.T) {
	s := NewSemaphore(1)
	require.True(t, s.TryAcquire())

	done := make(chan struct{})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		err := s.Acquire(ctx)
		assert.NoError(t, err)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("acquire returned before release")
	case <-time.After(50 * time.Millisecond):
	}

	s.Release()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("acquire did not unblock after release")
	}
}

func TestSemaphoreAcquireRespectsContext(t *testing.T) {
	s := NewSemaphore(0)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := s.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSemaphoreResize(t *testing.T) {
	s := NewSemaphore(1)
	require.True(t, s.TryAcquire())
	assert.Equal(t, 0, s.Available())

	s.Resize(3, 1)
	assert.Equal(t, 2, s.Available(), "growing adds the delta in free tokens")

	s.Resize(1, 3)
	assert.Equal(t, 0, s.Available(), "shrinking drains available tokens first")
}
