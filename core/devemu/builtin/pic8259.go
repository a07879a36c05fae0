package builtin

import (
	"sync"

	"github.com/corehv/corehv/core/archif"
	"github.com/corehv/corehv/core/guestaspace"
	"github.com/corehv/corehv/core/hverr"
)

// Register offsets within a PIC8259's 4-byte MMIO window, addressed the
// way the pair would be addressed as consecutive I/O ports on real
// hardware: master cmd, master data, slave cmd, slave data.
const (
	picOffMasterCmd  = 0
	picOffMasterData = 1
	picOffSlaveCmd   = 2
	picOffSlaveData  = 3
)

const (
	picICW1Init = 0x10
	picICW1IC4  = 0x01
	picICW1SNGL = 0x02
	picICW4AEOI = 0x02
	picICW4SFNM = 0x10
	picOCW2EOI  = 0x20
	picOCW2SL   = 0x40
	picOCW3RR   = 0x08
	picOCW3RIS  = 0x02
	picMasterSlaveIRQ = 2
)

type picController struct {
	isMaster bool
	offset   uint8
	imr      uint8
	irr      uint8
	isr      uint8

	icwCount  int
	modeFlags byte
	autoEOI   bool

	readRegSelect byte
}

// PIC8259 emulates the classic cascaded master/slave 8259A pair as an
// MMIO register bank, adapted from the host-side KVM device model this
// module started from: same ICW/OCW state machine, different transport.
type PIC8259 struct {
	Arch archif.Arch

	mu    sync.Mutex
	state *picState // the single region this instance was probed into
}

// NewPIC8259 builds the emulator. Arch is used to inject the resolved
// interrupt vector into the target VCPU's registers as soon as a pending
// line is asserted.
func NewPIC8259(arch archif.Arch) *PIC8259 {
	return &PIC8259{Arch: arch}
}

// BindTarget sets the VCPU register block AssertIRQ injects resolved
// vectors into.
func (p *PIC8259) BindTarget(regs archif.Regs) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != nil {
		p.state.mu.Lock()
		p.state.target = regs
		p.state.mu.Unlock()
	}
}

func (p *PIC8259) Name() string { return "pic8259" }

type picState struct {
	mu     sync.Mutex
	master picController
	slave  picController
	target archif.Regs
}

func (p *PIC8259) Probe(region *guestaspace.Region) (any, error) {
	s := &picState{
		master: picController{isMaster: true, imr: 0xFF, modeFlags: picICW1IC4},
		slave:  picController{isMaster: false, imr: 0xFF, modeFlags: picICW1IC4},
	}
	if regs, ok := region.EmulatorConfig["target_regs"].(archif.Regs); ok {
		s.target = regs
	}
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
	return s, nil
}

func (p *PIC8259) Reset(region *guestaspace.Region, priv any) error {
	s := priv.(*picState)
	s.mu.Lock()
	defer s.mu.Unlock()
	target := s.target
	*s = picState{
		master: picController{isMaster: true, imr: 0xFF, modeFlags: picICW1IC4},
		slave:  picController{isMaster: false, imr: 0xFF, modeFlags: picICW1IC4},
		target: target,
	}
	return nil
}

func (p *PIC8259) Read(region *guestaspace.Region, priv any, offset uint64, buf []byte) error {
	if len(buf) != 1 {
		return hverr.New(hverr.INVALID, "pic8259: only 1-byte accesses supported")
	}
	s := priv.(*picState)
	s.mu.Lock()
	defer s.mu.Unlock()
	switch offset {
	case picOffMasterCmd:
		buf[0] = s.master.readSelected()
	case picOffMasterData:
		buf[0] = s.master.imr
	case picOffSlaveCmd:
		buf[0] = s.slave.readSelected()
	case picOffSlaveData:
		buf[0] = s.slave.imr
	default:
		return hverr.New(hverr.INVALID, "pic8259: read from unmapped offset %d", offset)
	}
	return nil
}

func (p *PIC8259) Write(region *guestaspace.Region, priv any, offset uint64, buf []byte) error {
	if len(buf) != 1 {
		return hverr.New(hverr.INVALID, "pic8259: only 1-byte accesses supported")
	}
	s := priv.(*picState)
	s.mu.Lock()
	defer s.mu.Unlock()
	val := buf[0]
	switch offset {
	case picOffMasterCmd:
		s.master.writeCommand(val, &s.slave)
	case picOffMasterData:
		s.master.writeData(val)
	case picOffSlaveCmd:
		s.slave.writeCommand(val, nil)
	case picOffSlaveData:
		s.slave.writeData(val)
	default:
		return hverr.New(hverr.INVALID, "pic8259: write to unmapped offset %d", offset)
	}
	return nil
}

// AssertIRQ implements devemu.IRQTarget: sets the IRR bit for irq (0-15)
// if unmasked, then resolves and injects the highest-priority pending
// vector into the bound target VCPU, if one is set.
func (p *PIC8259) AssertIRQ(irq uint32) error {
	p.mu.Lock()
	s := p.state
	p.mu.Unlock()
	if s == nil {
		return hverr.New(hverr.NotAvailable, "pic8259: not yet probed into a region")
	}

	s.mu.Lock()
	s.raise(uint8(irq))
	vector, ok := s.vector()
	target := s.target
	s.mu.Unlock()

	if !ok || target == nil || p.Arch == nil {
		return nil
	}
	return p.Arch.VcpuIrqAssert(target, uint32(vector))
}

// DeassertIRQ is a no-op: edge-triggered 8259 lines have no explicit
// deassert, they clear on EOI via the command port instead.
func (p *PIC8259) DeassertIRQ(irq uint32) error {
	return nil
}

func (pc *picController) readSelected() byte {
	if pc.readRegSelect == 0 {
		return pc.irr
	}
	return pc.isr
}

func (pc *picController) writeCommand(val byte, slave *picController) {
	if val&picICW1Init != 0 {
		pc.icwCount = 1
		pc.imr = 0
		pc.irr = 0
		pc.isr = 0
		pc.modeFlags = val & (picICW1SNGL | picICW1IC4)
		pc.autoEOI = false
		return
	}
	if val&0x18 == 0x08 {
		pc.processOCW3(val)
	} else {
		pc.processOCW2(val, slave)
	}
}

func (pc *picController) writeData(val byte) {
	if pc.icwCount == 0 {
		pc.imr = val
		return
	}
	switch pc.icwCount {
	case 1:
		pc.offset = val
		if pc.modeFlags&picICW1SNGL != 0 {
			if pc.modeFlags&picICW1IC4 == 0 {
				pc.icwCount = 0
			} else {
				pc.icwCount = 3
			}
		} else {
			pc.icwCount++
		}
	case 2:
		if pc.modeFlags&picICW1IC4 == 0 {
			pc.icwCount = 0
		} else {
			pc.icwCount++
		}
	case 3:
		pc.autoEOI = val&picICW4AEOI != 0
		pc.icwCount = 0
	}
}

func (pc *picController) processOCW2(val byte, slave *picController) {
	if val&picOCW2EOI == 0 {
		return
	}
	if val&picOCW2SL != 0 {
		line := val & 0x07
		pc.isr &^= 1 << line
		return
	}
	for i := uint8(0); i < 8; i++ {
		if pc.isr>>i&1 != 0 {
			pc.isr &^= 1 << i
			if pc.isMaster && i == picMasterSlaveIRQ && slave != nil {
				slave.processOCW2(picOCW2EOI, nil)
			}
			break
		}
	}
}

func (pc *picController) processOCW3(val byte) {
	if val&picOCW3RR != 0 {
		pc.readRegSelect = (val & picOCW3RIS) >> 1
	}
}

// raise sets irqLine's IRR bit if unmasked, cascading through the slave
// when irqLine >= 8.
func (s *picState) raise(irqLine uint8) {
	if irqLine < 8 {
		if s.master.imr>>irqLine&1 == 0 {
			s.master.irr |= 1 << irqLine
		}
		return
	}
	line := irqLine - 8
	if s.slave.imr>>line&1 == 0 {
		s.slave.irr |= 1 << line
		if s.master.imr>>picMasterSlaveIRQ&1 == 0 {
			s.master.irr |= 1 << picMasterSlaveIRQ
		}
	}
}

// vector resolves the highest-priority pending, unmasked, not-in-service
// interrupt to its vector, marking it in-service (unless AEOI).
func (s *picState) vector() (uint8, bool) {
	pending := s.master.irr &^ s.master.imr
	for i := uint8(0); i < 8; i++ {
		if i == picMasterSlaveIRQ {
			continue
		}
		if pending>>i&1 != 0 && s.master.isr>>i&1 == 0 {
			if !s.master.autoEOI {
				s.master.isr |= 1 << i
			}
			s.master.irr &^= 1 << i
			return s.master.offset + i, true
		}
	}
	if pending>>picMasterSlaveIRQ&1 != 0 && s.master.isr>>picMasterSlaveIRQ&1 == 0 {
		slavePending := s.slave.irr &^ s.slave.imr
		for i := uint8(0); i < 8; i++ {
			if slavePending>>i&1 != 0 && s.slave.isr>>i&1 == 0 {
				if !s.master.autoEOI {
					s.master.isr |= 1 << picMasterSlaveIRQ
				}
				if !s.slave.autoEOI {
					s.slave.isr |= 1 << i
				}
				s.slave.irr &^= 1 << i
				if s.slave.irr&^s.slave.imr == 0 {
					s.master.irr &^= 1 << picMasterSlaveIRQ
				}
				return s.slave.offset + i, true
			}
		}
	}
	return 0, false
}
