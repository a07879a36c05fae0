// Package waitq implements the sleep/wake primitives VCPU and hypervisor
// housekeeping threads block on: waitqueues, counting semaphores, and a
// work queue (spec.md §4.6 "Sleep primitives"). These are expressed with
// plain channels and sync primitives rather than a borrowed library: the
// corpus's concurrency idiom for exactly this concern is the standard
// library itself (every retrieved repo builds its own wait/semaphore
// helpers on channels, never importing one for it).
package waitq

import (
	"context"
	"sync"
	"time"

	"github.com/corehv/corehv/core/hverr"
)

// WaitQueue is a multi-waiter sleep/wake point, analogous to a Linux
// wait_queue_head_t.
type WaitQueue struct {
	mu      sync.Mutex
	waiters []chan struct{}
}

// New builds an empty waitqueue.
func New() *WaitQueue {
	return &WaitQueue{}
}

// Sleep blocks the calling goroutine until Wake/WakeAll is called or ctx
// is done.
func (w *WaitQueue) Sleep(ctx context.Context) error {
	ch := make(chan struct{})
	w.mu.Lock()
	w.waiters = append(w.waiters, ch)
	w.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		w.removeWaiter(ch)
		return hverr.New(hverr.TimedOut, "wait interrupted: %v", ctx.Err())
	}
}

// SleepTimeout is Sleep bounded by duration d, reporting whether the
// timeout (rather than a wake) elapsed first.
func (w *WaitQueue) SleepTimeout(d time.Duration) (timedOut bool, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	err = w.Sleep(ctx)
	if err != nil && hverr.Is(err, hverr.TimedOut) {
		return true, nil
	}
	return false, err
}

func (w *WaitQueue) removeWaiter(ch chan struct{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, c := range w.waiters {
		if c == ch {
			w.waiters = append(w.waiters[:i], w.waiters[i+1:]...)
			return
		}
	}
}

// Wake wakes exactly one sleeper, if any are waiting.
func (w *WaitQueue) Wake() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.waiters) == 0 {
		return
	}
	ch := w.waiters[0]
	w.waiters = w.waiters[1:]
	close(ch)
}

// WakeAll wakes every current sleeper.
func (w *WaitQueue) WakeAll() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, ch := range w.waiters {
		close(ch)
	}
	w.waiters = nil
}

// Waiting reports the number of goroutines currently asleep, for tests.
func (w *WaitQueue) Waiting() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.waiters)
}
