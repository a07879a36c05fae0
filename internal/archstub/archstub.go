// Package archstub implements archif.Arch entirely in software: maps keyed
// by page address standing in for stage-1/stage-2 page tables and a
// plain Go struct standing in for per-architecture register state. It
// exists so every core package is unit-testable on a host with no
// virtualization hardware, per the Design Note in spec.md §9
// ("Architecture dispatch ... so the core is unit-testable on a host
// without any virtualization hardware").
//
// It is not a performance-representative architecture: CpuAspaceMap/Unmap
// just record bookkeeping, and Stage2Map only ever installs 4 KiB entries
// (see Open Question resolution #3 in SPEC_FULL.md).
package archstub

import (
	"fmt"
	"sync"

	"github.com/corehv/corehv/core/archif"
)

// pageEntry is one recorded host-VA -> host-PA mapping.
type pageEntry struct {
	phys  uint64
	flags archif.MapFlags
}

// Regs is the stub's opaque per-VCPU register block.
type Regs struct {
	mu      sync.Mutex
	ID      int
	Name    string
	PC, SP  uint64
	running bool
	irqs    []uint32
}

// Stub is a software-only Arch implementation.
type Stub struct {
	mu    sync.Mutex
	pages map[uint64]pageEntry // host VA -> entry
	s2    map[uint64]archif.StageRegion
}

// New builds a Stub.
func New() *Stub {
	return &Stub{
		pages: make(map[uint64]pageEntry),
		s2:    make(map[uint64]archif.StageRegion),
	}
}

func (s *Stub) Name() string { return "stub" }

func (s *Stub) CpuIrqSetup(cpu int) error { return nil }
func (s *Stub) CpuIrqEnable()             {}
func (s *Stub) CpuIrqDisable()            {}
func (s *Stub) CpuIrqSave() uintptr       { return 0 }
func (s *Stub) CpuIrqRestore(flags uintptr) {}

func (s *Stub) CpuAspaceInit() error { return nil }

func (s *Stub) CpuAspaceMap(virt, phys, size uint64, flags archif.MapFlags) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pageSize := uint64(4096)
	for off := uint64(0); off < size; off += pageSize {
		s.pages[virt+off] = pageEntry{phys: phys + off, flags: flags}
	}
	return nil
}

func (s *Stub) CpuAspaceUnmap(virt, size uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pageSize := uint64(4096)
	for off := uint64(0); off < size; off += pageSize {
		delete(s.pages, virt+off)
	}
	return nil
}

func (s *Stub) CpuAspaceVa2Pa(virt uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pageSize := uint64(4096)
	base := virt - (virt % pageSize)
	e, ok := s.pages[base]
	if !ok {
		return 0, &archif.ErrUnsupported{Op: "va2pa: no mapping for 0x" + fmt.Sprintf("%x", virt)}
	}
	return e.phys + (virt % pageSize), nil
}

func (s *Stub) VcpuRegsInit(init archif.VCPUInit) (archif.Regs, error) {
	return &Regs{ID: init.ID, Name: init.Name, PC: init.StartPC, SP: init.StartSP}, nil
}

func (s *Stub) VcpuRegsDeinit(regs archif.Regs) error { return nil }

func (s *Stub) VcpuRegsSwitch(out, in archif.Regs) error {
	if o, ok := out.(*Regs); ok {
		o.mu.Lock()
		o.running = false
		o.mu.Unlock()
	}
	if i, ok := in.(*Regs); ok {
		i.mu.Lock()
		i.running = true
		i.mu.Unlock()
	}
	return nil
}

func (s *Stub) VcpuRegsDump(regs archif.Regs) string {
	r, ok := regs.(*Regs)
	if !ok {
		return "<invalid regs>"
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return fmt.Sprintf("vcpu=%d pc=0x%x sp=0x%x running=%t", r.ID, r.PC, r.SP, r.running)
}

func (s *Stub) VcpuStatDump(regs archif.Regs) string {
	r, ok := regs.(*Regs)
	if !ok {
		return "<invalid regs>"
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return fmt.Sprintf("vcpu=%d pending_irqs=%d", r.ID, len(r.irqs))
}

func (s *Stub) VcpuIrqInit(regs archif.Regs) error { return nil }

func (s *Stub) VcpuIrqAssert(regs archif.Regs, irq uint32) error {
	r, ok := regs.(*Regs)
	if !ok {
		return &archif.ErrUnsupported{Op: "vcpu_irq_assert"}
	}
	r.mu.Lock()
	r.irqs = append(r.irqs, irq)
	r.mu.Unlock()
	return nil
}

// PendingIRQs returns a copy of the IRQs asserted on regs via
// VcpuIrqAssert and not yet consumed by VcpuIrqProcess, for tests.
func (r *Regs) PendingIRQs() []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]uint32, len(r.irqs))
	copy(out, r.irqs)
	return out
}

func (s *Stub) VcpuIrqProcess(regs archif.Regs) error {
	r, ok := regs.(*Regs)
	if !ok {
		return &archif.ErrUnsupported{Op: "vcpu_irq_process"}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.irqs) > 0 {
		r.irqs = r.irqs[1:]
	}
	return nil
}

// Stage2Map only ever installs 4 KiB entries; larger block splits are
// architecture-specific and intentionally unimplemented here (Open
// Question resolution #3 in SPEC_FULL.md).
func (s *Stub) Stage2Map(regs archif.Regs, region archif.StageRegion, faultIPA uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	const pageSize = 4096
	page := faultIPA - (faultIPA % pageSize)
	if page < region.GuestPhysStart || page >= region.GuestPhysStart+region.Size {
		return &archif.ErrUnsupported{Op: "stage2map: fault outside region"}
	}
	s.s2[page] = region
	return nil
}

func (s *Stub) DecodeMMIOFault(regs archif.Regs, faultIPA uint64) (archif.TransferWidth, bool, int, bool) {
	// The stub never executes guest instructions, so it cannot decode a
	// real instruction stream. Callers that need deterministic behavior in
	// tests should drive devemu directly; this always reports "not decoded".
	return 0, false, 0, false
}

// Stage2Mapped reports whether a stage-2 entry exists for the page containing
// ipa, for tests asserting on fault handling.
func (s *Stub) Stage2Mapped(ipa uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	const pageSize = 4096
	_, ok := s.s2[ipa-(ipa%pageSize)]
	return ok
}
