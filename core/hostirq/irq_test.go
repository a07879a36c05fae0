package hostirq_test

import (
	"testing"

	"github.com/corehv/corehv/core/hostirq"
)

type mockChip struct {
	masked, unmasked, acked, eoid int
}

func (c *mockChip) Name() string                                      { return "mock" }
func (c *mockChip) Mask(irq uint32, data any)                         { c.masked++ }
func (c *mockChip) Unmask(irq uint32, data any)                       { c.unmasked++ }
func (c *mockChip) Ack(irq uint32, data any)                          { c.acked++ }
func (c *mockChip) EOI(irq uint32, data any)                          { c.eoid++ }
func (c *mockChip) SetType(irq uint32, data any, t hostirq.TriggerType) error { return nil }
func (c *mockChip) SetAffinity(irq uint32, data any, cpu int) error           { return nil }

func TestRegisterUnmasksAndUnregisterMasks(t *testing.T) {
	tbl := hostirq.NewTable(4)
	chip := &mockChip{}
	calls := 0
	fn := func(irq uint32, cookie any) hostirq.Result {
		calls++
		return hostirq.Handled
	}
	if err := tbl.Register(10, "test", chip, nil, hostirq.FlowLevel, false, fn, "cookie-a"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if chip.unmasked != 1 {
		t.Fatalf("expected unmask on register, got %d", chip.unmasked)
	}
	if err := tbl.HostGenericIRQExec(10, 0); err != nil {
		t.Fatalf("exec: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected action called once, got %d", calls)
	}
	if chip.masked != 1 || chip.acked != 1 {
		t.Fatalf("level flow should mask+ack: masked=%d acked=%d", chip.masked, chip.acked)
	}
	cnt, err := tbl.Count(10, 0)
	if err != nil || cnt != 1 {
		t.Fatalf("count = %d, %v", cnt, err)
	}

	if err := tbl.Unregister(10, "cookie-a"); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	flags, err := tbl.Flags(10)
	if err != nil {
		t.Fatalf("flags: %v", err)
	}
	if flags&hostirq.Masked == 0 {
		t.Fatalf("expected line masked after last unregister")
	}
}

func TestFastEOIFlow(t *testing.T) {
	tbl := hostirq.NewTable(1)
	chip := &mockChip{}
	fn := func(irq uint32, cookie any) hostirq.Result { return hostirq.Handled }
	if err := tbl.Register(5, "timer", chip, nil, hostirq.FlowFastEOI, true, fn, nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := tbl.HostGenericIRQExec(5, 0); err != nil {
		t.Fatalf("exec: %v", err)
	}
	if chip.eoid != 1 {
		t.Fatalf("expected EOI call, got %d", chip.eoid)
	}
	if chip.masked != 0 {
		t.Fatalf("fast-EOI flow must not mask")
	}
}

func TestUnknownIRQFails(t *testing.T) {
	tbl := hostirq.NewTable(1)
	if err := tbl.HostGenericIRQExec(999, 0); err == nil {
		t.Fatalf("expected failure for unknown irq")
	}
}

func TestHostIRQExecResolves(t *testing.T) {
	tbl := hostirq.NewTable(1)
	chip := &mockChip{}
	fn := func(irq uint32, cookie any) hostirq.Result { return hostirq.Handled }
	tbl.Register(7, "resolved", chip, nil, hostirq.FlowLevel, false, fn, nil)
	resolve := func(cpuIRQ uint32) (uint32, error) { return cpuIRQ + 7, nil }
	if err := tbl.HostIRQExec(chip, 0, resolve, 0); err != nil {
		t.Fatalf("host irq exec: %v", err)
	}
}
