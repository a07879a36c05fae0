package devemu_test

import (
	"testing"

	"github.com/corehv/corehv/core/devemu"
	"github.com/corehv/corehv/core/hverr"
)

type fakeIRQTarget struct {
	asserted   []uint32
	deasserted []uint32
}

func (f *fakeIRQTarget) AssertIRQ(irq uint32) error {
	f.asserted = append(f.asserted, irq)
	return nil
}

func (f *fakeIRQTarget) DeassertIRQ(irq uint32) error {
	f.deasserted = append(f.deasserted, irq)
	return nil
}

// Scenario 5 (spec.md §8, §4.8): a shared handler fires for any cpu, a
// per-CPU handler only fires for the cpu it was registered against.
func TestIRQRouterSharedVsPerCPURouting(t *testing.T) {
	rt := devemu.NewIRQRouter()
	shared := &fakeIRQTarget{}
	cpu1Only := &fakeIRQTarget{}

	rt.RegisterIRQ(0, 3, true, 0, shared, nil)
	rt.RegisterIRQ(0, 3, false, 1, cpu1Only, nil)

	if err := rt.EmulateIRQ(0, 3, 0, true); err != nil {
		t.Fatalf("emulate irq on cpu 0: %v", err)
	}
	if len(shared.asserted) != 1 {
		t.Fatalf("shared handler asserted %d times on cpu 0, want 1", len(shared.asserted))
	}
	if len(cpu1Only.asserted) != 0 {
		t.Fatalf("per-cpu(1) handler fired on cpu 0, want 0 calls")
	}

	if err := rt.EmulateIRQ(0, 3, 1, true); err != nil {
		t.Fatalf("emulate irq on cpu 1: %v", err)
	}
	if len(shared.asserted) != 2 {
		t.Fatalf("shared handler asserted %d times total, want 2", len(shared.asserted))
	}
	if len(cpu1Only.asserted) != 1 {
		t.Fatalf("per-cpu(1) handler asserted %d times on cpu 1, want 1", len(cpu1Only.asserted))
	}
}

func TestIRQRouterUnknownIRQ(t *testing.T) {
	rt := devemu.NewIRQRouter()
	if err := rt.EmulateIRQ(0, 7, 0, true); !hverr.Is(err, hverr.NotAvailable) {
		t.Fatalf("emulate unregistered irq = %v, want NotAvailable", err)
	}
}

func TestIRQRouterUnregisterRemovesHandlers(t *testing.T) {
	rt := devemu.NewIRQRouter()
	target := &fakeIRQTarget{}
	rt.RegisterIRQ(0, 3, true, 0, target, nil)
	rt.UnregisterIRQ(0, 3)
	if err := rt.EmulateIRQ(0, 3, 0, true); !hverr.Is(err, hverr.NotAvailable) {
		t.Fatalf("emulate unregistered irq = %v, want NotAvailable", err)
	}
}

func TestIRQRouterDeassertCallsDeassertIRQ(t *testing.T) {
	rt := devemu.NewIRQRouter()
	target := &fakeIRQTarget{}
	rt.RegisterIRQ(1, 9, true, 0, target, nil)
	if err := rt.EmulateIRQ(1, 9, 0, false); err != nil {
		t.Fatal(err)
	}
	if len(target.deasserted) != 1 || target.deasserted[0] != 9 {
		t.Fatalf("deasserted = %v, want [9]", target.deasserted)
	}
}
