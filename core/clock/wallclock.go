package clock

import "time"

// WallClock is the host's view of calendar time, read once at boot (the
// "wallclock" boot-sequence step) the way the original CMOS/RTC register
// bank did for a guest — this layer has no register bus to expose it
// through, so it is read directly from the host instead of decoded out of
// BCD/binary CMOS registers.
type WallClock struct {
	bootUnixNS int64
	boot       uint64 // TimerTimestamp() at the moment WallClock was read
}

// ReadWallClock samples the host's calendar time alongside the monotonic
// timer, so later TimerTimestamp reads can be converted back to a
// wall-clock instant via At.
func ReadWallClock(monotonicNowNS uint64) *WallClock {
	return &WallClock{bootUnixNS: time.Now().UnixNano(), boot: monotonicNowNS}
}

// At converts a TimerTimestamp reading to a wall-clock time.
func (w *WallClock) At(monotonicNS uint64) time.Time {
	deltaNS := int64(monotonicNS) - int64(w.boot)
	return time.Unix(0, w.bootUnixNS+deltaNS)
}
