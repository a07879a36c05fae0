// Package scheduler implements the per-CPU preemptive priority and
// round-robin scheduler (spec.md §4.5), driven by VCPU lifecycle
// notifications from core/manager.
package scheduler

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/corehv/corehv/core/hverr"
	"github.com/corehv/corehv/core/manager"
)

var log = logrus.WithField("component", "scheduler")

type perCPU struct {
	mu           sync.Mutex
	q            runQueue
	current      *manager.VCPU
	preemptDepth int
	idle         *manager.VCPU
	remainingNS  uint64 // current VCPU's remaining time slice
}

// Scheduler implements manager.SchedulerHook.
type Scheduler struct {
	mgr    *manager.Manager
	numCPU int
	tickNS uint64 // granularity of the timer-tick driving Tick

	mu       sync.Mutex
	cpus     []*perCPU
	affinity map[int]int // vcpuID -> cpu, fixed at first state-change notification
}

// New builds a scheduler for numCPU host CPUs, bound to mgr, time-slicing
// VCPUs via Tick calls spaced tickNS apart (spec.md §4.5). Callers must
// register it with mgr.SetScheduler(s) before creating any VCPU.
func New(mgr *manager.Manager, numCPU int, tickNS uint64) *Scheduler {
	s := &Scheduler{mgr: mgr, numCPU: numCPU, tickNS: tickNS, affinity: map[int]int{}}
	s.cpus = make([]*perCPU, numCPU)
	for i := range s.cpus {
		s.cpus[i] = &perCPU{}
	}
	return s
}

// SetIdleVCPU installs the per-CPU orphan VCPU run when no other VCPU is
// ready (scheduler_preempt_orphan's target).
func (s *Scheduler) SetIdleVCPU(cpu int, v *manager.VCPU) error {
	if cpu < 0 || cpu >= s.numCPU {
		return hverr.New(hverr.INVALID, "no such cpu %d", cpu)
	}
	s.cpus[cpu].idle = v
	return nil
}

func (s *Scheduler) cpuFor(vcpuID int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cpu, ok := s.affinity[vcpuID]; ok {
		return cpu
	}
	cpu := vcpuID % s.numCPU
	s.affinity[vcpuID] = cpu
	return cpu
}

// NotifyStateChange implements manager.SchedulerHook: a VCPU entering
// READY is enqueued on its assigned CPU's run queue; leaving READY (to
// PAUSED/HALTED/RESET) removes it if still queued.
func (s *Scheduler) NotifyStateChange(vcpuID int, from, to manager.State) error {
	v, err := s.mgr.GetVCPU(vcpuID)
	if err != nil {
		return err
	}
	cpu := s.cpuFor(vcpuID)
	cp := s.cpus[cpu]

	cp.mu.Lock()
	defer cp.mu.Unlock()
	switch to {
	case manager.Ready:
		cp.q.enqueue(v)
	case manager.Paused, manager.Halted, manager.Reset:
		cp.q.remove(vcpuID)
		if cp.current == v {
			cp.current = nil
		}
	}
	log.WithFields(logrus.Fields{"vcpu": vcpuID, "cpu": cpu, "from": from, "to": to}).Debug("scheduler notified")
	return nil
}

// PreemptDisable increments cpu's preemption-disable depth. While
// non-zero, Next refuses to switch the running VCPU.
func (s *Scheduler) PreemptDisable(cpu int) {
	cp := s.cpus[cpu]
	cp.mu.Lock()
	cp.preemptDepth++
	cp.mu.Unlock()
}

// PreemptEnable decrements cpu's preemption-disable depth.
func (s *Scheduler) PreemptEnable(cpu int) error {
	cp := s.cpus[cpu]
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if cp.preemptDepth == 0 {
		return hverr.New(hverr.FAIL, "cpu %d: preempt_enable without matching disable", cpu)
	}
	cp.preemptDepth--
	return nil
}

// CurrentVCPU is scheduler_current_vcpu.
func (s *Scheduler) CurrentVCPU(cpu int) *manager.VCPU {
	cp := s.cpus[cpu]
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.current
}

// Next is scheduler_next: picks the next runnable VCPU for cpu, demoting
// the previously running VCPU back to READY and re-enqueuing it, then
// promoting the chosen VCPU to RUNNING. Falls back to the CPU's idle
// VCPU, if one is set, when the run queue is empty.
func (s *Scheduler) Next(cpu int) (*manager.VCPU, error) {
	if cpu < 0 || cpu >= s.numCPU {
		return nil, hverr.New(hverr.INVALID, "no such cpu %d", cpu)
	}
	cp := s.cpus[cpu]

	cp.mu.Lock()
	if cp.preemptDepth > 0 {
		cur := cp.current
		cp.mu.Unlock()
		return cur, nil
	}
	prev := cp.current
	next := cp.q.dequeue()
	if next == nil {
		next = cp.idle
	}
	if prev != nil && prev != next && prev.State() == manager.Running {
		if err := prev.SchedulerSetState(manager.Ready); err != nil {
			cp.mu.Unlock()
			return nil, err
		}
		cp.q.enqueue(prev)
	}
	cp.mu.Unlock()

	if next == nil {
		return nil, hverr.New(hverr.NotAvailable, "cpu %d: no runnable vcpu and no idle vcpu set", cpu)
	}
	if next != prev {
		if next == cp.idle && next.State() == manager.Reset {
			// Same RESET -> READY kick as PreemptOrphan, off the run queue.
			if err := s.mgr.VCPUStateChange(next.ID, manager.Ready); err != nil {
				return nil, err
			}
			owner := s.cpus[s.cpuFor(next.ID)]
			owner.mu.Lock()
			owner.q.remove(next.ID)
			owner.mu.Unlock()
		}
		if next.State() != manager.Running {
			if err := next.SchedulerSetState(manager.Running); err != nil {
				return nil, err
			}
		}
	}
	cp.mu.Lock()
	cp.current = next
	cp.remainingNS = next.TimeSliceNS // rearm the timer for the incoming slice
	cp.mu.Unlock()
	return next, nil
}

// Tick implements the timer-tick handler from spec.md §4.5: decrements
// cpu's current VCPU's remaining time slice by the scheduler's tick
// granularity (tickNS, fixed at New); on exhaustion it invokes Next, which
// rearms the slice for whichever VCPU ends up running next. Returns the
// VCPU that was running before the tick and the one running after — the
// caller (the boot timer handler) uses these to decide whether a register
// context switch is needed.
func (s *Scheduler) Tick(cpu int) (prev, next *manager.VCPU, err error) {
	if cpu < 0 || cpu >= s.numCPU {
		return nil, nil, hverr.New(hverr.INVALID, "no such cpu %d", cpu)
	}
	cp := s.cpus[cpu]

	cp.mu.Lock()
	prev = cp.current
	if prev == nil {
		cp.mu.Unlock()
		return nil, nil, nil
	}
	if cp.remainingNS > s.tickNS {
		cp.remainingNS -= s.tickNS
		cp.mu.Unlock()
		return prev, prev, nil
	}
	cp.remainingNS = 0
	cp.mu.Unlock()

	next, err = s.Next(cpu)
	if err != nil {
		return prev, nil, err
	}
	return prev, next, nil
}

// Yield is scheduler_yield: voluntarily give up the CPU, letting Next pick
// the next runnable VCPU (which may be the same one, if nothing else is
// ready).
func (s *Scheduler) Yield(cpu int) (*manager.VCPU, error) {
	return s.Next(cpu)
}

// PreemptOrphan forces cpu onto its idle/orphan VCPU immediately,
// re-enqueuing whatever was running.
func (s *Scheduler) PreemptOrphan(cpu int) (*manager.VCPU, error) {
	if cpu < 0 || cpu >= s.numCPU {
		return nil, hverr.New(hverr.INVALID, "no such cpu %d", cpu)
	}
	cp := s.cpus[cpu]
	cp.mu.Lock()
	if cp.idle == nil {
		cp.mu.Unlock()
		return nil, hverr.New(hverr.NotAvailable, "cpu %d has no idle vcpu", cpu)
	}
	prev := cp.current
	cp.mu.Unlock()
	if prev != nil && prev != cp.idle && prev.State() == manager.Running {
		if err := prev.SchedulerSetState(manager.Ready); err != nil {
			return nil, err
		}
		cp.mu.Lock()
		cp.q.enqueue(prev)
		cp.mu.Unlock()
	}
	if cp.idle.State() == manager.Reset {
		// A freshly created orphan sits in RESET: kick it to READY through
		// the manager, then take it back off the run queue it just joined.
		if err := s.mgr.VCPUStateChange(cp.idle.ID, manager.Ready); err != nil {
			return nil, err
		}
		owner := s.cpus[s.cpuFor(cp.idle.ID)]
		owner.mu.Lock()
		owner.q.remove(cp.idle.ID)
		owner.mu.Unlock()
	}
	if cp.idle.State() != manager.Running {
		if err := cp.idle.SchedulerSetState(manager.Running); err != nil {
			return nil, err
		}
	}
	cp.mu.Lock()
	cp.current = cp.idle
	cp.remainingNS = cp.idle.TimeSliceNS
	cp.mu.Unlock()
	return cp.idle, nil
}
