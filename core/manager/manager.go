// Package manager implements the guest/VCPU manager: fixed-capacity slot
// tables for guests and VCPUs, guest and orphan-VCPU creation, and the
// centralized VCPU lifecycle state machine (spec.md §4.4).
package manager

import (
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/corehv/corehv/core/archif"
	"github.com/corehv/corehv/core/guestaspace"
	"github.com/corehv/corehv/core/hostaspace"
	"github.com/corehv/corehv/core/hverr"
)

var log = logrus.WithField("component", "manager")

// SchedulerHook lets the manager notify a scheduler of VCPU lifecycle
// events without importing core/scheduler — core/scheduler imports
// core/manager and implements this interface, never the reverse.
type SchedulerHook interface {
	NotifyStateChange(vcpuID int, from, to State) error
}

// Manager owns every guest and VCPU slot in the system.
type Manager struct {
	arch archif.Arch
	host *hostaspace.HostAspace
	mu   sync.Mutex

	sched SchedulerHook

	vcpus    []*VCPU
	vcpuUsed []bool

	guests    []*Guest
	guestUsed []bool
}

// New builds a manager with fixed VCPU and guest slot capacities — mirrors
// Xvisor's CONFIG_MAX_VCPU_COUNT/CONFIG_MAX_GUEST_COUNT static tables
// rather than an unbounded append-only slice. host backs guests' real
// (non-virtual) address space regions; it may be nil for an all-virtual
// configuration (e.g. tests).
func New(arch archif.Arch, host *hostaspace.HostAspace, maxVCPUs, maxGuests int) *Manager {
	return &Manager{
		arch:      arch,
		host:      host,
		vcpus:     make([]*VCPU, maxVCPUs),
		vcpuUsed:  make([]bool, maxVCPUs),
		guests:    make([]*Guest, maxGuests),
		guestUsed: make([]bool, maxGuests),
	}
}

// SetScheduler binds the scheduler hook. Must be called once during boot
// before any VCPU is created.
func (m *Manager) SetScheduler(hook SchedulerHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sched = hook
}

func (m *Manager) allocVCPUSlot() (int, error) {
	for i, used := range m.vcpuUsed {
		if !used {
			m.vcpuUsed[i] = true
			return i, nil
		}
	}
	return 0, hverr.New(hverr.OutOfResources, "no free vcpu slots")
}

func (m *Manager) allocGuestSlot() (int, error) {
	for i, used := range m.guestUsed {
		if !used {
			m.guestUsed[i] = true
			return i, nil
		}
	}
	return 0, hverr.New(hverr.OutOfResources, "no free guest slots")
}

// CreateOrphanVCPU creates a VCPU slot not attached to any guest — used
// for the hypervisor's own background/housekeeping threads.
func (m *Manager) CreateOrphanVCPU(spec VCPUSpec) (*VCPU, error) {
	m.mu.Lock()
	id, err := m.allocVCPUSlot()
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	v := &VCPU{
		ID:          id,
		SubID:       spec.SubID,
		Name:        spec.Name,
		GuestID:     -1,
		Normal:      false,
		Priority:    spec.Priority,
		TimeSliceNS: spec.TimeSliceNS,
		StartPC:     spec.StartPC,
		StartSP:     spec.StartSP,
		state:       Unknown,
	}
	m.vcpus[id] = v
	m.mu.Unlock()

	log.WithFields(logrus.Fields{"vcpu": id, "name": spec.Name}).Info("orphan vcpu created")
	if err := m.VCPUStateChange(id, Reset); err != nil {
		m.mu.Lock()
		m.vcpuUsed[id] = false
		m.vcpus[id] = nil
		m.mu.Unlock()
		return nil, err
	}
	return v, nil
}

// CreateGuest creates a guest's VCPUs and address space from spec.
func (m *Manager) CreateGuest(spec GuestSpec) (*Guest, error) {
	m.mu.Lock()
	gid, err := m.allocGuestSlot()
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	g := &Guest{ID: gid, Name: spec.Name}
	m.guests[gid] = g
	m.mu.Unlock()

	aspace, err := guestaspace.New(spec.Regions, m.host)
	if err != nil {
		m.mu.Lock()
		m.guestUsed[gid] = false
		m.guests[gid] = nil
		m.mu.Unlock()
		return nil, hverr.New(hverr.FAIL, "guest %q aspace: %v", spec.Name, err)
	}
	g.Aspace = aspace

	for _, vs := range spec.VCPUs {
		m.mu.Lock()
		vid, err := m.allocVCPUSlot()
		if err != nil {
			m.mu.Unlock()
			return nil, err
		}
		v := &VCPU{
			ID: vid, SubID: vs.SubID, Name: vs.Name, GuestID: gid, Normal: true,
			Priority: vs.Priority, TimeSliceNS: vs.TimeSliceNS,
			StartPC: vs.StartPC, StartSP: vs.StartSP, state: Unknown,
		}
		m.vcpus[vid] = v
		g.vcpuIDs = append(g.vcpuIDs, vid)
		m.mu.Unlock()

		if err := m.VCPUStateChange(vid, Reset); err != nil {
			return nil, hverr.New(hverr.FAIL, "guest %q vcpu %q: %v", spec.Name, vs.Name, err)
		}
	}

	log.WithFields(logrus.Fields{"guest": gid, "name": spec.Name, "vcpus": len(g.vcpuIDs)}).Info("guest created")
	return g, nil
}

// GetVCPU resolves a VCPU by its manager-global ID.
func (m *Manager) GetVCPU(id int) (*VCPU, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id < 0 || id >= len(m.vcpus) || !m.vcpuUsed[id] {
		return nil, hverr.New(hverr.INVALID, "no such vcpu %d", id)
	}
	return m.vcpus[id], nil
}

// GetGuest resolves a guest by its manager-global ID.
func (m *Manager) GetGuest(id int) (*Guest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id < 0 || id >= len(m.guests) || !m.guestUsed[id] {
		return nil, hverr.New(hverr.INVALID, "no such guest %d", id)
	}
	return m.guests[id], nil
}

// VCPUStateChange is the single entry point for every VCPU lifecycle
// transition outside of READY<->RUNNING (spec.md §4.4). On success the
// bound scheduler is notified so it can enqueue/dequeue the VCPU.
func (m *Manager) VCPUStateChange(id int, to State) error {
	v, err := m.GetVCPU(id)
	if err != nil {
		return err
	}
	from, err := v.transition(to)
	if err != nil {
		return err
	}
	if to == Reset {
		v.mu.Lock()
		v.resets++
		v.mu.Unlock()
		if err := m.reinitVCPURegs(v); err != nil {
			return err
		}
	}

	m.mu.Lock()
	hook := m.sched
	m.mu.Unlock()
	if hook != nil {
		if err := hook.NotifyStateChange(id, from, to); err != nil {
			return hverr.New(hverr.FAIL, "vcpu %d scheduler notify %s -> %s: %v", id, from, to, err)
		}
	}
	log.WithFields(logrus.Fields{"vcpu": id, "from": from, "to": to}).Debug("vcpu state change")
	return nil
}

// reinitVCPURegs re-initializes a VCPU's register block and
// per-architecture IRQ state, releasing whatever was previously installed
// first (spec.md §4.4: "Entering RESET re-initializes registers and
// per-architecture IRQ state"). Called on every Reset edge, including the
// VCPU's first one, so this is the sole place registers ever get built.
func (m *Manager) reinitVCPURegs(v *VCPU) error {
	v.mu.Lock()
	old := v.regs
	v.mu.Unlock()
	if old != nil {
		if err := m.arch.VcpuRegsDeinit(old); err != nil {
			return hverr.New(hverr.FAIL, "vcpu %d regs deinit: %v", v.ID, err)
		}
	}
	regs, err := m.arch.VcpuRegsInit(archif.VCPUInit{
		ID: v.ID, SubID: v.SubID, Name: v.Name, Normal: v.Normal,
		StartPC: v.StartPC, StartSP: v.StartSP,
	})
	if err != nil {
		return hverr.New(hverr.FAIL, "vcpu %d regs init: %v", v.ID, err)
	}
	if err := m.arch.VcpuIrqInit(regs); err != nil {
		return hverr.New(hverr.FAIL, "vcpu %d irq init: %v", v.ID, err)
	}
	v.mu.Lock()
	v.regs = regs
	v.mu.Unlock()
	return nil
}

// GuestReset, GuestKick, GuestPause, GuestResume, and GuestHalt fan out a
// single requested transition across every VCPU of a guest, aggregating
// per-VCPU failures with go-multierror rather than aborting on the first
// one (spec.md §4.4 "guest-wide" operations).
func (m *Manager) GuestReset(id int) error  { return m.fanOut(id, Reset) }
func (m *Manager) GuestPause(id int) error  { return m.fanOut(id, Paused) }
func (m *Manager) GuestResume(id int) error { return m.fanOut(id, Ready) }
func (m *Manager) GuestHalt(id int) error   { return m.fanOut(id, Halted) }

// GuestKick nudges every non-RUNNING VCPU of a guest back to READY,
// leaving already-RUNNING VCPUs alone (kicking a running VCPU is a
// scheduler-level preemption, not a manager state change).
func (m *Manager) GuestKick(id int) error {
	g, err := m.GetGuest(id)
	if err != nil {
		return err
	}
	var result error
	for _, vid := range g.VCPUIDs() {
		v, err := m.GetVCPU(vid)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if v.State() == Running {
			continue
		}
		if err := m.VCPUStateChange(vid, Ready); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result
}

func (m *Manager) fanOut(guestID int, to State) error {
	g, err := m.GetGuest(guestID)
	if err != nil {
		return err
	}
	var result error
	for _, vid := range g.VCPUIDs() {
		if err := m.VCPUStateChange(vid, to); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result
}

// DumpReg renders the VCPU's architectural register state. Refused while
// RUNNING: the register block may be mid-switch on another CPU.
func (m *Manager) DumpReg(id int) (string, error) {
	v, err := m.GetVCPU(id)
	if err != nil {
		return "", err
	}
	if v.State() == Running {
		return "", hverr.New(hverr.Busy, "vcpu %d is running, cannot dump registers", id)
	}
	return m.arch.VcpuRegsDump(v.Regs()), nil
}

// DumpStat renders hypervisor-level VCPU statistics (reset count, state).
// Refused while RUNNING, same as DumpReg.
func (m *Manager) DumpStat(id int) (string, error) {
	v, err := m.GetVCPU(id)
	if err != nil {
		return "", err
	}
	if v.State() == Running {
		return "", hverr.New(hverr.Busy, "vcpu %d is running, cannot dump stats", id)
	}
	return fmt.Sprintf("%s state=%s resets=%d", m.arch.VcpuStatDump(v.Regs()), v.State(), v.ResetCount()), nil
}
