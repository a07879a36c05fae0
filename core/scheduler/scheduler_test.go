package scheduler_test

import (
	"testing"

	"github.com/corehv/corehv/core/manager"
	"github.com/corehv/corehv/core/scheduler"
	"github.com/corehv/corehv/internal/archstub"
)

func setup(t *testing.T, numCPU int) (*manager.Manager, *scheduler.Scheduler) {
	t.Helper()
	mgr := manager.New(archstub.New(), nil, 16, 4)
	sched := scheduler.New(mgr, numCPU, 10_000_000)
	mgr.SetScheduler(sched)
	return mgr, sched
}

func mkReadyVCPU(t *testing.T, mgr *manager.Manager, name string, prio int) *manager.VCPU {
	t.Helper()
	v, err := mgr.CreateOrphanVCPU(manager.VCPUSpec{Name: name, Priority: prio})
	if err != nil {
		t.Fatalf("create %s: %v", name, err)
	}
	if err := mgr.VCPUStateChange(v.ID, manager.Ready); err != nil {
		t.Fatalf("%s reset->ready: %v", name, err)
	}
	return v
}

func TestSchedulerPicksHighestPriorityFirst(t *testing.T) {
	mgr, sched := setup(t, 1)
	// Pin both to CPU 0 by construction (affinity is id % numCPU, and
	// numCPU == 1 here so every vcpu lands on CPU 0).
	low := mkReadyVCPU(t, mgr, "low", 3)
	high := mkReadyVCPU(t, mgr, "high", 0)
	_ = low

	next, err := sched.Next(0)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if next.ID != high.ID {
		t.Fatalf("scheduled %q, want high-priority vcpu", next.Name)
	}
	if sched.CurrentVCPU(0).ID != high.ID {
		t.Fatalf("current vcpu not updated")
	}
}

func TestSchedulerRoundRobinsSamePriority(t *testing.T) {
	mgr, sched := setup(t, 1)
	a := mkReadyVCPU(t, mgr, "a", 1)
	b := mkReadyVCPU(t, mgr, "b", 1)

	first, err := sched.Next(0)
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != a.ID {
		t.Fatalf("first = %q, want a", first.Name)
	}
	// a is now RUNNING; b is still queued. Yielding a should round-robin
	// to b, requeuing a behind it.
	second, err := sched.Yield(0)
	if err != nil {
		t.Fatal(err)
	}
	if second.ID != b.ID {
		t.Fatalf("second = %q, want b", second.Name)
	}
	third, err := sched.Yield(0)
	if err != nil {
		t.Fatal(err)
	}
	if third.ID != a.ID {
		t.Fatalf("third = %q, want a (round-robin)", third.Name)
	}
}

func TestPreemptDisablePinsCurrent(t *testing.T) {
	mgr, sched := setup(t, 1)
	a := mkReadyVCPU(t, mgr, "a", 1)
	if _, err := sched.Next(0); err != nil {
		t.Fatal(err)
	}
	mkReadyVCPU(t, mgr, "b", 1)

	sched.PreemptDisable(0)
	next, err := sched.Next(0)
	if err != nil {
		t.Fatal(err)
	}
	if next.ID != a.ID {
		t.Fatalf("next while preempt-disabled = %q, want unchanged a", next.Name)
	}
	if err := sched.PreemptEnable(0); err != nil {
		t.Fatal(err)
	}
	if err := sched.PreemptEnable(0); err == nil {
		t.Fatalf("unbalanced preempt_enable should fail")
	}
}

func TestPreemptOrphanForcesIdle(t *testing.T) {
	mgr, sched := setup(t, 1)
	idle, err := mgr.CreateOrphanVCPU(manager.VCPUSpec{Name: "idle0"})
	if err != nil {
		t.Fatal(err)
	}
	if err := sched.SetIdleVCPU(0, idle); err != nil {
		t.Fatal(err)
	}
	busy := mkReadyVCPU(t, mgr, "busy", 1)
	if _, err := sched.Next(0); err != nil {
		t.Fatal(err)
	}
	if sched.CurrentVCPU(0).ID != busy.ID {
		t.Fatalf("expected busy running before preempt")
	}

	got, err := sched.PreemptOrphan(0)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != idle.ID {
		t.Fatalf("preempt_orphan returned %q, want idle0", got.Name)
	}
}

func TestTickDecrementsSliceWithoutExhausting(t *testing.T) {
	mgr, sched := setup(t, 1)
	a, err := mgr.CreateOrphanVCPU(manager.VCPUSpec{Name: "a", Priority: 1, TimeSliceNS: 25_000_000})
	if err != nil {
		t.Fatal(err)
	}
	if err := mgr.VCPUStateChange(a.ID, manager.Ready); err != nil {
		t.Fatal(err)
	}
	if _, err := sched.Next(0); err != nil {
		t.Fatal(err)
	}

	prev, next, err := sched.Tick(0)
	if err != nil {
		t.Fatal(err)
	}
	if prev == nil || next == nil || prev.ID != a.ID || next.ID != a.ID {
		t.Fatalf("tick before exhaustion should keep a running, got prev=%v next=%v", prev, next)
	}
}

func TestTickExhaustionCallsNext(t *testing.T) {
	mgr, sched := setup(t, 1)
	a, err := mgr.CreateOrphanVCPU(manager.VCPUSpec{Name: "a", Priority: 1, TimeSliceNS: 10_000_000})
	if err != nil {
		t.Fatal(err)
	}
	if err := mgr.VCPUStateChange(a.ID, manager.Ready); err != nil {
		t.Fatal(err)
	}
	b := mkReadyVCPU(t, mgr, "b", 1)

	if _, err := sched.Next(0); err != nil {
		t.Fatal(err)
	}

	prev, next, err := sched.Tick(0)
	if err != nil {
		t.Fatal(err)
	}
	if prev == nil || prev.ID != a.ID {
		t.Fatalf("prev = %v, want a", prev)
	}
	if next == nil || next.ID != b.ID {
		t.Fatalf("next = %v, want b after slice exhaustion", next)
	}
}
