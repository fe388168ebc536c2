// Package ratelimit bounds concurrency into external collaborators. The
// buffered-channel semaphore here caps calls from this one process into
// an oracle or effector (default 16 per oracle, per the concurrency and
// resource model); the Redis-backed RedisCounter is a fixed-window counter
// shared across instances, used as the ingress per-source rate cap.
package ratelimit

import "context"

// Semaphore bounds the number of concurrent callers holding a slot.
type Semaphore struct {
	tokens chan struct{}
}

// NewSemaphore creates a Semaphore with the given number of slots.
func NewSemaphore(n int) *Semaphore {
	if n <= 0 {
		n = 1
	}
	return &Semaphore{tokens: make(chan struct{}, n)}
}

// Acquire blocks until a slot is available or ctx is canceled.
func (s *Semaphore) Acquire(ctx context.Context) error {
	select {
	case s.tokens <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a slot to the pool.
func (s *Semaphore) Release() {
	select {
	case <-s.tokens:
	default:
	}
}

// Do runs fn while holding a slot, blocking until one is available.
func (s *Semaphore) Do(ctx context.Context, fn func() error) error {
	if err := s.Acquire(ctx); err != nil {
		return err
	}
	defer s.Release()
	return fn()
}
