package manager

import (
	"sync"

	"github.com/corehv/corehv/core/archif"
	"github.com/corehv/corehv/core/hverr"
)

// VCPU is a virtual CPU slot: either "orphan" (Normal == false, not
// attached to any guest — used for the hypervisor's own housekeeping
// threads) or "normal" (attached to GuestID).
type VCPU struct {
	ID      int
	SubID   int
	Name    string
	GuestID int // -1 for orphan VCPUs
	Normal  bool

	Priority    int
	TimeSliceNS uint64
	StartPC     uint64
	StartSP     uint64

	mu       sync.Mutex
	state    State
	regs     archif.Regs
	resets   uint64
	SchedPriv any // opaque per-scheduler bookkeeping, never read by manager
}

// State returns the VCPU's current lifecycle state.
func (v *VCPU) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// Regs returns the arch register block last installed by VcpuRegsInit.
func (v *VCPU) Regs() archif.Regs {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.regs
}

// ResetCount reports how many times the VCPU has been reset, for
// diagnostics (dump_stat).
func (v *VCPU) ResetCount() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.resets
}

// transition validates and applies a state change under the VCPU's own
// lock, returning the prior state on success.
func (v *VCPU) transition(to State) (State, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	from := v.state
	if err := checkTransition(from, to); err != nil {
		return from, err
	}
	v.state = to
	return from, nil
}

// SchedulerSetState is the escape hatch used exclusively by the scheduler
// for the READY<->RUNNING edge, which VCPUStateChange's table deliberately
// excludes (spec.md §4.5: that transition is scheduler_next's and
// scheduler_yield's, not vcpu_state_change's).
func (v *VCPU) SchedulerSetState(to State) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	from := v.state
	switch {
	case from == Ready && to == Running:
	case from == Running && to == Ready:
	default:
		return hverr.New(hverr.FAIL, "scheduler cannot move vcpu %d %s -> %s", v.ID, from, to)
	}
	v.state = to
	return nil
}
