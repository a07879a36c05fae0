package builtin

import (
	"encoding/binary"
	"sync"

	"github.com/corehv/corehv/core/archif"
	"github.com/corehv/corehv/core/guestaspace"
	"github.com/corehv/corehv/core/hverr"
)

// GIC register offsets, a reduced subset of the ARM GICv2 distributor
// block this emulator is adapted from: interrupt set/clear-enable and
// set/clear-pending, each a 32-bit-per-word bitmap over up to 32 SPIs.
const (
	gicISENABLER = 0x100
	gicICENABLER = 0x180
	gicISPENDR   = 0x200
	gicICPENDR   = 0x280
)

type gicState struct {
	mu      sync.Mutex
	enabled uint32
	pending uint32
	target  archif.Regs
}

// GIC emulates a single-word (32 SPI) slice of an ARM GICv2 distributor.
type GIC struct {
	Arch archif.Arch

	mu    sync.Mutex
	state *gicState
}

// NewGIC builds the emulator, injecting resolved IRQs into the target
// VCPU via arch.
func NewGIC(arch archif.Arch) *GIC {
	return &GIC{Arch: arch}
}

func (g *GIC) Name() string { return "gic" }

// BindTarget sets the VCPU register block AssertIRQ injects into.
func (g *GIC) BindTarget(regs archif.Regs) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != nil {
		g.state.mu.Lock()
		g.state.target = regs
		g.state.mu.Unlock()
	}
}

func (g *GIC) Probe(region *guestaspace.Region) (any, error) {
	s := &gicState{}
	if regs, ok := region.EmulatorConfig["target_regs"].(archif.Regs); ok {
		s.target = regs
	}
	g.mu.Lock()
	g.state = s
	g.mu.Unlock()
	return s, nil
}

func (g *GIC) Reset(region *guestaspace.Region, priv any) error {
	s := priv.(*gicState)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = 0
	s.pending = 0
	return nil
}

func (g *GIC) Read(region *guestaspace.Region, priv any, offset uint64, buf []byte) error {
	if len(buf) != 4 {
		return hverr.New(hverr.INVALID, "gic: only 4-byte word accesses supported")
	}
	s := priv.(*gicState)
	s.mu.Lock()
	defer s.mu.Unlock()
	var val uint32
	switch offset {
	case gicISENABLER, gicICENABLER:
		val = s.enabled
	case gicISPENDR, gicICPENDR:
		val = s.pending
	default:
		return hverr.New(hverr.INVALID, "gic: read from unmapped offset %#x", offset)
	}
	binary.LittleEndian.PutUint32(buf, val)
	return nil
}

func (g *GIC) Write(region *guestaspace.Region, priv any, offset uint64, buf []byte) error {
	if len(buf) != 4 {
		return hverr.New(hverr.INVALID, "gic: only 4-byte word accesses supported")
	}
	s := priv.(*gicState)
	val := binary.LittleEndian.Uint32(buf)
	s.mu.Lock()
	defer s.mu.Unlock()
	switch offset {
	case gicISENABLER:
		s.enabled |= val
	case gicICENABLER:
		s.enabled &^= val
	case gicISPENDR:
		s.pending |= val & s.enabled
	case gicICPENDR:
		s.pending &^= val
	default:
		return hverr.New(hverr.INVALID, "gic: write to unmapped offset %#x", offset)
	}
	return nil
}

// AssertIRQ implements devemu.IRQTarget: sets irq's pending bit (0-31) if
// enabled, then injects it into the bound target VCPU.
func (g *GIC) AssertIRQ(irq uint32) error {
	if irq >= 32 {
		return hverr.New(hverr.INVALID, "gic: irq %d out of range for this distributor slice", irq)
	}
	g.mu.Lock()
	s := g.state
	g.mu.Unlock()
	if s == nil {
		return hverr.New(hverr.NotAvailable, "gic: not yet probed into a region")
	}

	s.mu.Lock()
	bit := uint32(1) << irq
	wasEnabled := s.enabled&bit != 0
	if wasEnabled {
		s.pending |= bit
	}
	target := s.target
	s.mu.Unlock()

	if !wasEnabled || target == nil || g.Arch == nil {
		return nil
	}
	return g.Arch.VcpuIrqAssert(target, irq)
}

// DeassertIRQ clears irq's pending bit (level-triggered deassert).
func (g *GIC) DeassertIRQ(irq uint32) error {
	if irq >= 32 {
		return hverr.New(hverr.INVALID, "gic: irq %d out of range for this distributor slice", irq)
	}
	g.mu.Lock()
	s := g.state
	g.mu.Unlock()
	if s == nil {
		return nil
	}
	s.mu.Lock()
	s.pending &^= uint32(1) << irq
	s.mu.Unlock()
	return nil
}
