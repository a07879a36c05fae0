package manager_test

import (
	"testing"

	"github.com/corehv/corehv/core/guestaspace"
	"github.com/corehv/corehv/core/manager"
	"github.com/corehv/corehv/internal/archstub"
)

type recordingHook struct {
	changes [][2]manager.State
}

func (r *recordingHook) NotifyStateChange(vcpuID int, from, to manager.State) error {
	r.changes = append(r.changes, [2]manager.State{from, to})
	return nil
}

// Scenario 3 (spec.md §8): VCPU lifecycle walks the legal edges of the
// state machine and rejects illegal ones.
func TestVCPULifecycle(t *testing.T) {
	m := manager.New(archstub.New(), nil, 8, 4)
	hook := &recordingHook{}
	m.SetScheduler(hook)

	v, err := m.CreateOrphanVCPU(manager.VCPUSpec{Name: "housekeeper", Priority: 1})
	if err != nil {
		t.Fatalf("create orphan: %v", err)
	}
	if v.State() != manager.Reset {
		t.Fatalf("state after create = %s, want RESET", v.State())
	}

	if err := m.VCPUStateChange(v.ID, manager.Ready); err != nil {
		t.Fatalf("reset -> ready: %v", err)
	}
	// READY -> RUNNING is scheduler-only, not legal through VCPUStateChange.
	if err := m.VCPUStateChange(v.ID, manager.Running); err == nil {
		t.Fatalf("ready -> running through VCPUStateChange should fail")
	}
	if err := v.SchedulerSetState(manager.Running); err != nil {
		t.Fatalf("scheduler ready -> running: %v", err)
	}
	if v.State() != manager.Running {
		t.Fatalf("state = %s, want RUNNING", v.State())
	}
	if err := m.VCPUStateChange(v.ID, manager.Paused); err != nil {
		t.Fatalf("running -> paused: %v", err)
	}
	if err := m.VCPUStateChange(v.ID, manager.Halted); err == nil {
		t.Fatalf("paused -> halted should be illegal")
	}
	if err := m.VCPUStateChange(v.ID, manager.Reset); err != nil {
		t.Fatalf("paused -> reset: %v", err)
	}
	if v.ResetCount() != 2 {
		t.Fatalf("reset count = %d, want 2", v.ResetCount())
	}
}

func TestGuestCreateAndFanOut(t *testing.T) {
	m := manager.New(archstub.New(), nil, 8, 4)
	g, err := m.CreateGuest(manager.GuestSpec{
		Name: "guest0",
		VCPUs: []manager.VCPUSpec{
			{Name: "vcpu0", SubID: 0, Priority: 1},
			{Name: "vcpu1", SubID: 1, Priority: 1},
		},
		Regions: []guestaspace.RegionSpec{
			{Name: "ram", GuestPhysAddr: 0, Size: 0x1000, Kind: guestaspace.RegionRAM, Virtual: true},
		},
	})
	if err != nil {
		t.Fatalf("create guest: %v", err)
	}
	if len(g.VCPUIDs()) != 2 {
		t.Fatalf("vcpu count = %d, want 2", len(g.VCPUIDs()))
	}

	for _, id := range g.VCPUIDs() {
		if err := m.VCPUStateChange(id, manager.Ready); err != nil {
			t.Fatalf("vcpu %d reset -> ready: %v", id, err)
		}
	}

	if err := m.GuestPause(g.ID); err != nil {
		t.Fatalf("guest pause: %v", err)
	}
	for _, id := range g.VCPUIDs() {
		v, err := m.GetVCPU(id)
		if err != nil {
			t.Fatal(err)
		}
		if v.State() != manager.Paused {
			t.Fatalf("vcpu %d state = %s, want PAUSED", id, v.State())
		}
	}
}

func TestDumpRegRefusedWhileRunning(t *testing.T) {
	m := manager.New(archstub.New(), nil, 4, 2)
	v, err := m.CreateOrphanVCPU(manager.VCPUSpec{Name: "v0"})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.VCPUStateChange(v.ID, manager.Ready); err != nil {
		t.Fatal(err)
	}
	if err := v.SchedulerSetState(manager.Running); err != nil {
		t.Fatal(err)
	}
	if _, err := m.DumpReg(v.ID); err == nil {
		t.Fatalf("dump reg while running should fail")
	}
}

func TestDumpStatRefusedWhileRunning(t *testing.T) {
	m := manager.New(archstub.New(), nil, 4, 2)
	v, err := m.CreateOrphanVCPU(manager.VCPUSpec{Name: "v0"})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.VCPUStateChange(v.ID, manager.Ready); err != nil {
		t.Fatal(err)
	}
	if err := v.SchedulerSetState(manager.Running); err != nil {
		t.Fatal(err)
	}
	if _, err := m.DumpStat(v.ID); err == nil {
		t.Fatalf("dump stat while running should fail")
	}
}
