package waitq

import (
	"context"

	"github.com/corehv/corehv/core/hverr"
)

// Semaphore is a counting semaphore: Down blocks while the count is zero,
// Up releases one unit.
type Semaphore struct {
	ch chan struct{}
}

// NewSemaphore builds a semaphore starting with n available units.
func NewSemaphore(n int) *Semaphore {
	s := &Semaphore{ch: make(chan struct{}, n)}
	for i := 0; i < n; i++ {
		s.ch <- struct{}{}
	}
	return s
}

// Down acquires one unit, blocking until available or ctx is done.
func (s *Semaphore) Down(ctx context.Context) error {
	select {
	case <-s.ch:
		return nil
	case <-ctx.Done():
		return hverr.New(hverr.TimedOut, "semaphore down interrupted: %v", ctx.Err())
	}
}

// TryDown acquires one unit without blocking, reporting whether it
// succeeded.
func (s *Semaphore) TryDown() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

// Up releases one unit.
func (s *Semaphore) Up() {
	select {
	case s.ch <- struct{}{}:
	default:
		// Releasing more units than the semaphore was created with is a
		// caller bug, not a runtime condition to recover from silently.
		hverr.BugOn(true, "semaphore released beyond its capacity")
	}
}
