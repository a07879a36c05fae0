package waitq_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/corehv/corehv/core/waitq"
)

func TestWaitQueueWakeReleasesOneSleeper(t *testing.T) {
	wq := waitq.New()
	woken := make(chan struct{})
	go func() {
		wq.Sleep(context.Background())
		close(woken)
	}()

	for wq.Waiting() == 0 {
		time.Sleep(time.Millisecond)
	}
	wq.Wake()
	select {
	case <-woken:
	case <-time.After(time.Second):
		t.Fatalf("sleeper not woken")
	}
}

func TestWaitQueueSleepTimeout(t *testing.T) {
	wq := waitq.New()
	timedOut, err := wq.SleepTimeout(10 * time.Millisecond)
	if err != nil {
		t.Fatalf("sleep timeout: %v", err)
	}
	if !timedOut {
		t.Fatalf("expected timeout with no waker")
	}
}

func TestSemaphoreBlocksAtZero(t *testing.T) {
	sem := waitq.NewSemaphore(1)
	if !sem.TryDown() {
		t.Fatalf("first down should succeed")
	}
	if sem.TryDown() {
		t.Fatalf("second down should fail, semaphore exhausted")
	}
	sem.Up()
	if !sem.TryDown() {
		t.Fatalf("down after up should succeed")
	}
}

func TestSemaphoreDownBlocksUntilUp(t *testing.T) {
	sem := waitq.NewSemaphore(0)
	acquired := make(chan struct{})
	go func() {
		sem.Down(context.Background())
		close(acquired)
	}()
	select {
	case <-acquired:
		t.Fatalf("down should block with zero units")
	case <-time.After(20 * time.Millisecond):
	}
	sem.Up()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatalf("down did not unblock after up")
	}
}

// Scenario 6 (spec.md §8): workqueue flush drains pending work.
func TestWorkQueueFlushDrainsPendingWork(t *testing.T) {
	wq := waitq.NewWorkQueue("test", 2)
	defer wq.Close()

	var mu sync.Mutex
	var ran int
	for i := 0; i < 20; i++ {
		wq.ScheduleWork(&waitq.Work{Fn: func() {
			mu.Lock()
			ran++
			mu.Unlock()
		}})
	}
	wq.Flush()

	mu.Lock()
	defer mu.Unlock()
	if ran != 20 {
		t.Fatalf("ran = %d, want 20 after flush", ran)
	}
}

func TestDelayedWorkStopCancelsBeforeFire(t *testing.T) {
	wq := waitq.NewWorkQueue("test", 1)
	defer wq.Close()

	fired := make(chan struct{})
	w := &waitq.Work{Fn: func() { close(fired) }}
	wq.ScheduleDelayedWork(w, 50*time.Millisecond)
	if !w.Stop() {
		t.Fatalf("stop should cancel before fire")
	}
	select {
	case <-fired:
		t.Fatalf("work fired despite being stopped")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSystemWorkQueueIsSingleton(t *testing.T) {
	a := waitq.System()
	b := waitq.System()
	if a != b {
		t.Fatalf("System() returned different instances")
	}
}
