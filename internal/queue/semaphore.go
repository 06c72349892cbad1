package queue

import "context"

// Semaphore is a simple counting semaphore built on a buffered channel. No
// third-party semaphore implementation appears anywhere in the retrieved
// corpus; a buffered-channel token bucket is the standard idiomatic Go
// substitute and needs no additional dependency. It backs both a
// FolderQueue's permit pool and the scheduler's single global permit pool.
type Semaphore struct {
	tokens chan struct{}
}

// NewSemaphore creates a Semaphore with n tokens available.
func NewSemaphore(n int) *Semaphore {
	s := &Semaphore{tokens: make(chan struct{}, n)}
	for i := 0; i < n; i++ {
		s.tokens <- struct{}{}
	}
	return s
}

// TryAcquire attempts a non-blocking acquire.
func (s *Semaphore) TryAcquire() bool {
	select {
	case <-s.tokens:
		return true
	default:
		return false
	}
}

// Acquire blocks until a token is available or ctx is done.
func (s *Semaphore) Acquire(ctx context.Context) error {
	select {
	case <-s.tokens:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a token to the pool.
func (s *Semaphore) Release() {
	select {
	case s.tokens <- struct{}{}:
	default:
		// Pool resized down or double-release; drop rather than block.
	}
}

// Resize grows or shrinks capacity by adding/draining tokens currently
// available. Used when a cap changes via reload_config. Growing past the
// current channel capacity swaps in a larger channel, so Resize is not safe
// to run concurrently with the other methods.
func (s *Semaphore) Resize(newSize, oldSize int) {
	delta := newSize - oldSize
	if delta > 0 {
		if newSize > cap(s.tokens) {
			grown := make(chan struct{}, newSize)
			for n := len(s.tokens); n > 0; n-- {
				<-s.tokens
				grown <- struct{}{}
			}
			s.tokens = grown
		}
		for i := 0; i < delta; i++ {
			select {
			case s.tokens <- struct{}{}:
			default:
			}
		}
		return
	}
	for i := 0; i < -delta; i++ {
		select {
		case <-s.tokens:
		default:
		}
	}
}

// Available reports how many tokens could be acquired right now, without
// taking one. Used only for diagnostics; admission decisions use TryAcquire.
func (s *Semaphore) Available() int { return len(s.tokens) }
