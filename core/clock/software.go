package clock

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// NewMonotonicClocksource builds the default clocksource reading
// CLOCK_MONOTONIC via golang.org/x/sys/unix — there is no physical counter
// under a hosted Go process, so this stands in for whatever free-running
// hardware counter a bare-metal arch port would read.
func NewMonotonicClocksource() *Clocksource {
	return &Clocksource{
		Name:   "monotonic",
		Rating: 300,
		Mask:   ^uint64(0),
		Mult:   1,
		Shift:  0,
		Read: func() uint64 {
			var ts unix.Timespec
			if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
				return 0
			}
			return uint64(ts.Sec)*1_000_000_000 + uint64(ts.Nsec)
		},
	}
}

// SoftwareClockChip drives its one-shot deadline with a time.Timer, for
// hosts with no physical clockchip hardware.
type SoftwareClockChip struct {
	*ClockChip

	mu    sync.Mutex
	timer *time.Timer
}

// NewSoftwareClockChip builds a clockchip bound to cpu, where cycles and
// nanoseconds are identical (Mult=1, Shift=0).
func NewSoftwareClockChip(cpu int) *SoftwareClockChip {
	sc := &SoftwareClockChip{}
	sc.ClockChip = &ClockChip{
		Name:       "soft-timer",
		CPU:        cpu,
		Features:   FeatureOneShot,
		Mult:       1,
		Shift:      0,
		MinDeltaNS: 1000, // 1us floor so a near-past deadline still schedules
		MaxDeltaNS: 0,
	}
	sc.ClockChip.SetNextEvent = sc.setNextEvent
	return sc
}

func (sc *SoftwareClockChip) setNextEvent(cycles uint64) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.timer != nil {
		sc.timer.Stop()
	}
	sc.timer = time.AfterFunc(time.Duration(cycles), func() {
		if sc.ClockChip.EventHandler != nil {
			sc.ClockChip.EventHandler()
		}
	})
	return nil
}

// Disable stops any pending one-shot deadline.
func (sc *SoftwareClockChip) Disable() error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.timer != nil {
		sc.timer.Stop()
		sc.timer = nil
	}
	return nil
}
