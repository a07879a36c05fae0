package clock

import "github.com/corehv/corehv/core/hverr"

// Feature is a bitmask of clockchip capabilities.
type Feature uint8

const (
	FeaturePeriodic Feature = 1 << iota
	FeatureOneShot
)

// ClockChip is a one-shot event timer bound to exactly one online CPU
// (spec.md §3 "Clockchip").
type ClockChip struct {
	Name         string
	HostIRQ      uint32
	Rating       int
	CPU          int
	Features     Feature
	Mult         uint64
	Shift        uint
	MinDeltaNS   uint64
	MaxDeltaNS   uint64
	SetNextEvent func(cycles uint64) error
	Expire       func() error // optional best-effort retry/force-fire hook

	// EventHandler is invoked by the chip's interrupt handler; the timer
	// queue binds its Fire method here.
	EventHandler func()
}

// ProgramEvent computes delta_ns = clamp(expiry-now, min, max), converts to
// chip cycles, and calls SetNextEvent. If the hardware refuses because the
// deadline has already passed, Expire is invoked as a best-effort retry.
func (c *ClockChip) ProgramEvent(nowNS, expiryNS uint64) error {
	var deltaNS uint64
	if expiryNS > nowNS {
		deltaNS = expiryNS - nowNS
	}
	if deltaNS < c.MinDeltaNS {
		deltaNS = c.MinDeltaNS
	}
	if c.MaxDeltaNS != 0 && deltaNS > c.MaxDeltaNS {
		deltaNS = c.MaxDeltaNS
	}
	cycles := (deltaNS * c.Mult) >> c.Shift
	if err := c.SetNextEvent(cycles); err != nil {
		if c.Expire != nil {
			return c.Expire()
		}
		return hverr.New(hverr.FAIL, "%s: set_next_event refused and no expire hook: %v", c.Name, err)
	}
	return nil
}
