package builtin_test

import (
	"testing"

	"github.com/corehv/corehv/core/archif"
	"github.com/corehv/corehv/core/devemu"
	"github.com/corehv/corehv/core/devemu/builtin"
	"github.com/corehv/corehv/core/guestaspace"
	"github.com/corehv/corehv/internal/archstub"
)

// Scenario 5 (spec.md §8): asserting a device IRQ injects it into the
// target VCPU's register block, through the PIC emulator's vector
// resolution.
func TestPIC8259InjectsResolvedVector(t *testing.T) {
	stub := archstub.New()
	regs, err := stub.VcpuRegsInit(archif.VCPUInit{Name: "test-vcpu", ID: 0})
	if err != nil {
		t.Fatal(err)
	}

	pic := builtin.NewPIC8259(stub)
	reg := devemu.NewRegistry()
	if err := reg.Register(pic); err != nil {
		t.Fatal(err)
	}
	as, err := guestaspace.New([]guestaspace.RegionSpec{
		{
			Name: "pic", GuestPhysAddr: 0x1000, Size: 4, Virtual: true, EmulatorName: "pic8259",
			EmulatorConfig: map[string]any{"target_regs": regs},
		},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	as.BindEmulator(reg)

	// Program master ICW1 (single, IC4 expected)/ICW2/ICW4, then unmask IRQ1.
	if err := reg.EmulateWrite(0, as, 0x1000, []byte{0x13}); err != nil { // ICW1: INIT|SNGL|IC4
		t.Fatal(err)
	}
	if err := reg.EmulateWrite(0, as, 0x1001, []byte{0x08}); err != nil { // ICW2: vector offset 8
		t.Fatal(err)
	}
	if err := reg.EmulateWrite(0, as, 0x1001, []byte{0x00}); err != nil { // ICW4
		t.Fatal(err)
	}
	if err := reg.EmulateWrite(0, as, 0x1001, []byte{0xFD}); err != nil { // OCW1: unmask IRQ1 only
		t.Fatal(err)
	}

	if err := pic.AssertIRQ(1); err != nil {
		t.Fatalf("assert irq: %v", err)
	}

	r := regs.(*archstub.Regs)
	pending := r.PendingIRQs()
	if len(pending) != 1 || pending[0] != 9 { // vector = offset(8) + irq(1)
		t.Fatalf("pending irqs = %v, want [9]", pending)
	}
}

func TestGICInjectsEnabledIRQOnly(t *testing.T) {
	stub := archstub.New()
	regs, err := stub.VcpuRegsInit(archif.VCPUInit{Name: "test-vcpu", ID: 0})
	if err != nil {
		t.Fatal(err)
	}

	gic := builtin.NewGIC(stub)
	reg := devemu.NewRegistry()
	reg.Register(gic)
	as, err := guestaspace.New([]guestaspace.RegionSpec{
		{
			Name: "gic", GuestPhysAddr: 0x2000, Size: 0x400, Virtual: true, EmulatorName: "gic",
			EmulatorConfig: map[string]any{"target_regs": regs},
		},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	as.BindEmulator(reg)

	r := regs.(*archstub.Regs)

	// The GIC binds its target VCPU when the region is first probed, which
	// happens on the first emulated access.
	probe := make([]byte, 4)
	if err := reg.EmulateRead(0, as, 0x2000+0x100, probe); err != nil {
		t.Fatal(err)
	}

	// IRQ 5 not yet enabled: assert should not inject.
	if err := gic.AssertIRQ(5); err != nil {
		t.Fatal(err)
	}
	if len(r.PendingIRQs()) != 0 {
		t.Fatalf("disabled irq should not inject, got %v", r.PendingIRQs())
	}

	// Enable IRQ 5 via ISENABLER, then assert again.
	enable := make([]byte, 4)
	enable[0] = 1 << 5
	if err := reg.EmulateWrite(0, as, 0x2000+0x100, enable); err != nil {
		t.Fatal(err)
	}
	if err := gic.AssertIRQ(5); err != nil {
		t.Fatal(err)
	}
	pending := r.PendingIRQs()
	if len(pending) != 1 || pending[0] != 5 {
		t.Fatalf("pending irqs = %v, want [5]", pending)
	}
}
