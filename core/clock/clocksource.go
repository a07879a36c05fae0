// Package clock implements the clocksource / clockchip / timer stack
// (spec.md §4.3): a free-running counter turned into a monotonic
// nanosecond clock by a Timecounter, and a per-CPU tickless priority queue
// of timer events that programs a one-shot clockchip.
package clock

import (
	"sync"

	"github.com/corehv/corehv/core/hverr"
)

// Clocksource is a free-running counter plus the linear mapping from raw
// cycles to nanoseconds (spec.md §3 "Clocksource").
type Clocksource struct {
	Name    string
	Rating  int
	Mask    uint64
	Mult    uint64
	Shift   uint
	Read    func() uint64
	Enable  func() error
	Disable func() error
}

// Registry tracks every registered clocksource; the best one (highest
// rating) backs the system Timecounter.
type Registry struct {
	mu      sync.Mutex
	sources []*Clocksource
}

func NewRegistry() *Registry { return &Registry{} }

func (r *Registry) Register(cs *Clocksource) error {
	if cs == nil || cs.Read == nil {
		return hverr.New(hverr.INVALID, "clocksource requires a Read function")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources = append(r.sources, cs)
	return nil
}

// Best returns the highest-rated registered clocksource.
func (r *Registry) Best() (*Clocksource, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sources) == 0 {
		return nil, hverr.New(hverr.NotAvailable, "no clocksource registered")
	}
	best := r.sources[0]
	for _, cs := range r.sources[1:] {
		if cs.Rating > best.Rating {
			best = cs
		}
	}
	return best, nil
}

// Timecounter tracks (cycles_last, nsec) atop a clocksource (spec.md §4.3).
// Read must be called often enough that the cycle delta never wraps the
// clocksource's mask.
type Timecounter struct {
	mu         sync.RWMutex
	cs         *Clocksource
	cyclesLast uint64
	nsec       uint64
}

// NewTimecounter seeds a Timecounter from cs's current reading.
func NewTimecounter(cs *Clocksource) *Timecounter {
	return &Timecounter{cs: cs, cyclesLast: cs.Read()}
}

func (t *Timecounter) deltaNS(cur uint64) uint64 {
	delta := (cur - t.cyclesLast) & t.cs.Mask
	return (delta * t.cs.Mult) >> t.cs.Shift
}

// Read samples the counter and accumulates the elapsed nanoseconds,
// advancing cycles_last.
func (t *Timecounter) Read() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur := t.cs.Read()
	t.nsec += t.deltaNS(cur)
	t.cyclesLast = cur
	return t.nsec
}

// ReadProfiler returns the same monotonic value as Read without mutating
// cycles_last, so concurrent profiling cannot corrupt the counter.
func (t *Timecounter) ReadProfiler() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	cur := t.cs.Read()
	return t.nsec + t.deltaNS(cur)
}
