package builtin

import (
	"encoding/binary"
	"sync"

	"github.com/corehv/corehv/core/guestaspace"
	"github.com/corehv/corehv/core/hverr"
)

// SysReg register indices, generalized from the single SYSCTRL word the
// PrimeCell system-controller emulator this is adapted from exposes, into
// an 8-word bank covering control, status, and scratch config words.
const (
	SysRegCtrl = iota
	SysRegStatus
	SysRegClockCfg
	SysRegLock
	SysRegLED
	SysRegOsc
	SysRegCfgData
	SysRegCfgCtrl
	sysRegCount
)

type sysRegState struct {
	mu   sync.Mutex
	regs [sysRegCount]uint32
}

// SysReg emulates a small memory-mapped system-control register block.
type SysReg struct{}

// NewSysReg builds the emulator.
func NewSysReg() *SysReg { return &SysReg{} }

func (s *SysReg) Name() string { return "sysreg" }

func (s *SysReg) Probe(region *guestaspace.Region) (any, error) {
	return &sysRegState{}, nil
}

func (s *SysReg) Reset(region *guestaspace.Region, priv any) error {
	st := priv.(*sysRegState)
	st.mu.Lock()
	defer st.mu.Unlock()
	for i := range st.regs {
		st.regs[i] = 0
	}
	return nil
}

func (s *SysReg) Read(region *guestaspace.Region, priv any, offset uint64, buf []byte) error {
	if len(buf) != 4 || offset%4 != 0 {
		return hverr.New(hverr.INVALID, "sysreg: only aligned 4-byte accesses supported")
	}
	idx := offset / 4
	if idx >= sysRegCount {
		return hverr.New(hverr.INVALID, "sysreg: read from unmapped register %d", idx)
	}
	st := priv.(*sysRegState)
	st.mu.Lock()
	defer st.mu.Unlock()
	binary.LittleEndian.PutUint32(buf, st.regs[idx])
	return nil
}

func (s *SysReg) Write(region *guestaspace.Region, priv any, offset uint64, buf []byte) error {
	if len(buf) != 4 || offset%4 != 0 {
		return hverr.New(hverr.INVALID, "sysreg: only aligned 4-byte accesses supported")
	}
	idx := offset / 4
	if idx >= sysRegCount {
		return hverr.New(hverr.INVALID, "sysreg: write to unmapped register %d", idx)
	}
	// SysRegStatus is read-only: hardware-reported, not guest-settable.
	if idx == SysRegStatus {
		return nil
	}
	st := priv.(*sysRegState)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.regs[idx] = binary.LittleEndian.Uint32(buf)
	return nil
}
