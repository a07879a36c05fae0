package manager

import "github.com/corehv/corehv/core/hverr"

// State is one of the VCPU lifecycle states (spec.md §3 "VCPU").
type State int

const (
	Unknown State = iota
	Reset
	Ready
	Running
	Paused
	Halted
)

func (s State) String() string {
	switch s {
	case Unknown:
		return "UNKNOWN"
	case Reset:
		return "RESET"
	case Ready:
		return "READY"
	case Running:
		return "RUNNING"
	case Paused:
		return "PAUSED"
	case Halted:
		return "HALTED"
	default:
		return "INVALID"
	}
}

// legalTransitions is the table in spec.md §4.4. RUNNING never appears as
// a destination here: READY->RUNNING and RUNNING->READY are the
// scheduler's own transitions (spec.md §4.5), driven directly by
// scheduler_next/scheduler_yield rather than through VCPUStateChange.
var legalTransitions = map[State]map[State]bool{
	Unknown: {Reset: true},
	Reset:   {Reset: true, Ready: true},
	Ready:   {Reset: true, Paused: true, Halted: true},
	Running: {Reset: true, Paused: true, Halted: true},
	Paused:  {Reset: true, Ready: true},
	Halted:  {Reset: true},
}

func checkTransition(from, to State) error {
	allowed, ok := legalTransitions[from]
	if !ok || !allowed[to] {
		return hverr.New(hverr.FAIL, "illegal vcpu state transition %s -> %s", from, to)
	}
	return nil
}
