package clock

import (
	"sync"

	"github.com/corehv/corehv/core/hverr"
)

// Clock is the system-wide facade tying the clocksource registry, the
// system Timecounter, and one timer Queue per host CPU together —
// `timer_timestamp`, `timer_start`, `timer_stop` from spec.md §4.3.
type Clock struct {
	Registry *Registry

	mu     sync.RWMutex
	tc     *Timecounter
	queues map[int]*Queue
}

// NewClock selects the best registered clocksource and builds the system
// Timecounter. Per-CPU queues are attached later via BindQueue as each CPU
// comes online.
func NewClock(registry *Registry) (*Clock, error) {
	best, err := registry.Best()
	if err != nil {
		return nil, err
	}
	return &Clock{Registry: registry, tc: NewTimecounter(best), queues: make(map[int]*Queue)}, nil
}

// TimerTimestamp returns the monotonic nanosecond clock from the best
// clocksource.
func (c *Clock) TimerTimestamp() uint64 { return c.tc.Read() }

// ProfilerTimestamp is the non-mutating variant safe for concurrent
// profiling reads.
func (c *Clock) ProfilerTimestamp() uint64 { return c.tc.ReadProfiler() }

// BindQueue attaches CPU cpu's timer queue to the clock.
func (c *Clock) BindQueue(cpu int, q *Queue) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queues[cpu] = q
}

// Queue returns the timer queue bound to cpu.
func (c *Clock) Queue(cpu int) (*Queue, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.queues[cpu]
	if !ok {
		return nil, hverr.New(hverr.NotAvailable, "no timer queue bound for cpu %d", cpu)
	}
	return q, nil
}

// EventStart is the package-level convenience spec.md names directly:
// `event_start(ev, duration)`.
func (c *Clock) EventStart(cpu int, ev *Event, durationNS uint64) error {
	q, err := c.Queue(cpu)
	if err != nil {
		return err
	}
	q.Start(ev, durationNS)
	return nil
}

// EventStop is `event_stop`.
func (c *Clock) EventStop(cpu int, ev *Event) error {
	q, err := c.Queue(cpu)
	if err != nil {
		return err
	}
	q.Stop(ev)
	return nil
}

// TimerStart enables the clockchip bound to cpu's queue.
func (c *Clock) TimerStart(cpu int, chip *ClockChip, enable func() error) error {
	if enable == nil {
		return nil
	}
	if err := enable(); err != nil {
		return hverr.New(hverr.FAIL, "timer_start cpu %d: %v", cpu, err)
	}
	return nil
}

// TimerStop disables the clockchip bound to cpu's queue.
func (c *Clock) TimerStop(cpu int, disable func() error) error {
	if disable == nil {
		return nil
	}
	if err := disable(); err != nil {
		return hverr.New(hverr.FAIL, "timer_stop cpu %d: %v", cpu, err)
	}
	return nil
}
