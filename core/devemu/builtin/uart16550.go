// Package builtin holds the device emulators adapted into the
// device-emulation framework from host-side device models, re-expressed
// as guest-physical MMIO register banks instead of x86 I/O ports.
package builtin

import (
	"io"
	"sync"

	"github.com/corehv/corehv/core/devemu"
	"github.com/corehv/corehv/core/guestaspace"
	"github.com/corehv/corehv/core/hverr"
)

// 16550 register offsets, identical layout to the classic 8-register I/O
// port bank, just addressed by MMIO offset instead of port number.
const (
	regRHR_THR_DLL = 0 // Receive Holding / Transmit Holding / Divisor Latch Low
	regIER_DLH     = 1 // Interrupt Enable / Divisor Latch High
	regIIR_FCR     = 2 // Interrupt Identification (read) / FIFO Control (write)
	regLCR         = 3 // Line Control
	regMCR         = 4 // Modem Control
	regLSR         = 5 // Line Status
	regMSR         = 6 // Modem Status
	regSCR         = 7 // Scratch
)

const (
	lcrDLAB  = 0x80
	lsrTHRE  = 0x20
	lsrTEMT  = 0x40
	lsrDR    = 0x01
	iirNoInt = 0x01
)

// uartState is one region's per-instance register file.
type uartState struct {
	mu sync.Mutex

	thrDll byte
	ierDlh byte
	iirFcr byte
	lcr    byte
	mcr    byte
	lsr    byte
	msr    byte
	scr    byte

	dlabActive bool
	rxByte     byte
	rxPending  bool

	out io.Writer
	irq devemu.IRQTarget
	line uint32
}

// UART16550 is a software 16550A UART emulator.
type UART16550 struct {
	Output io.Writer
	IRQ    devemu.IRQTarget
	Line   uint32
}

// NewUART16550 builds the emulator. Output defaults to io.Discard if nil;
// IRQ may be nil for guests with no emulated interrupt controller.
func NewUART16550(out io.Writer, irq devemu.IRQTarget, line uint32) *UART16550 {
	if out == nil {
		out = io.Discard
	}
	return &UART16550{Output: out, IRQ: irq, Line: line}
}

func (u *UART16550) Name() string { return "uart16550" }

func (u *UART16550) Probe(region *guestaspace.Region) (any, error) {
	return &uartState{
		lsr: lsrTHRE | lsrTEMT,
		iirFcr: iirNoInt,
		out:  u.Output,
		irq:  u.IRQ,
		line: u.Line,
	}, nil
}

func (u *UART16550) Reset(region *guestaspace.Region, priv any) error {
	s := priv.(*uartState)
	s.mu.Lock()
	defer s.mu.Unlock()
	*s = uartState{lsr: lsrTHRE | lsrTEMT, iirFcr: iirNoInt, out: s.out, irq: s.irq, line: s.line}
	return nil
}

func (u *UART16550) Read(region *guestaspace.Region, priv any, offset uint64, buf []byte) error {
	if len(buf) != 1 {
		return hverr.New(hverr.INVALID, "uart16550: only 1-byte accesses supported, got %d", len(buf))
	}
	s := priv.(*uartState)
	s.mu.Lock()
	defer s.mu.Unlock()

	switch offset {
	case regRHR_THR_DLL:
		if s.dlabActive {
			buf[0] = s.thrDll
		} else {
			buf[0] = s.rxByte
			s.rxPending = false
			s.lsr &^= lsrDR
		}
	case regIER_DLH:
		if s.dlabActive {
			buf[0] = s.ierDlh
		} else {
			buf[0] = s.ierDlh
		}
	case regIIR_FCR:
		buf[0] = s.iirFcr
	case regLCR:
		buf[0] = s.lcr
	case regMCR:
		buf[0] = s.mcr
	case regLSR:
		buf[0] = s.lsr
	case regMSR:
		buf[0] = s.msr
	case regSCR:
		buf[0] = s.scr
	default:
		return hverr.New(hverr.INVALID, "uart16550: read from unmapped offset %d", offset)
	}
	return nil
}

func (u *UART16550) Write(region *guestaspace.Region, priv any, offset uint64, buf []byte) error {
	if len(buf) != 1 {
		return hverr.New(hverr.INVALID, "uart16550: only 1-byte accesses supported, got %d", len(buf))
	}
	s := priv.(*uartState)
	s.mu.Lock()
	defer s.mu.Unlock()
	val := buf[0]

	switch offset {
	case regRHR_THR_DLL:
		if s.dlabActive {
			s.thrDll = val
			return nil
		}
		if _, err := s.out.Write([]byte{val}); err != nil {
			return hverr.New(hverr.IO, "uart16550: output write: %v", err)
		}
		s.lsr |= lsrTHRE | lsrTEMT
	case regIER_DLH:
		s.ierDlh = val
	case regIIR_FCR:
		s.iirFcr = val
	case regLCR:
		s.lcr = val
		s.dlabActive = val&lcrDLAB != 0
	case regMCR:
		s.mcr = val
	case regSCR:
		s.scr = val
	case regMSR:
		// Modem status is host-driven, not guest-writable; ignore.
	default:
		return hverr.New(hverr.INVALID, "uart16550: write to unmapped offset %d", offset)
	}
	return nil
}

// Inject delivers a received byte to the guest, raising its interrupt
// line if the guest has receive-data-available interrupts enabled.
func (u *UART16550) Inject(priv any, b byte) error {
	s := priv.(*uartState)
	s.mu.Lock()
	s.rxByte = b
	s.rxPending = true
	s.lsr |= lsrDR
	raise := s.ierDlh&0x01 != 0 && s.irq != nil
	irq, line := s.irq, s.line
	s.mu.Unlock()
	if raise {
		return irq.AssertIRQ(line)
	}
	return nil
}
