// Package archif is the per-architecture glue contract (spec.md §4.9).
// The core never calls a concrete architecture package directly; it holds
// an Arch value injected at boot, so every other core package is
// unit-testable on a host with no virtualization hardware at all.
package archif

import "fmt"

// MapFlags describes the protection/caching attributes of a mapping, used
// both for host VA-pool mappings and for guest stage-2 mappings.
type MapFlags uint8

const (
	Readable MapFlags = 1 << iota
	Writable
	Executable
	Cacheable
	Bufferable
)

func (f MapFlags) String() string {
	s := ""
	if f&Readable != 0 {
		s += "R"
	}
	if f&Writable != 0 {
		s += "W"
	}
	if f&Executable != 0 {
		s += "X"
	}
	if f&Cacheable != 0 {
		s += "C"
	}
	if f&Bufferable != 0 {
		s += "B"
	}
	if s == "" {
		return "-"
	}
	return s
}

// RegionKind mirrors a guest address-space region's backing kind, passed
// down to Stage2Map without archif needing to import the guestaspace
// package (which itself depends on archif).
type RegionKind uint8

const (
	RegionRAM RegionKind = iota
	RegionROM
	RegionDevice
)

// StageRegion is the subset of a guest-aspace region Stage2Map needs to
// install (or refuse) a translation.
type StageRegion struct {
	GuestPhysStart uint64
	HostPhysStart  uint64
	Size           uint64
	Kind           RegionKind
	Virtual        bool // true for an emulated (devemu) region
	ReadOnly       bool
	Cacheable      bool
	Bufferable     bool
}

// VCPUInit is the subset of VCPU creation parameters the architecture
// needs to build the initial register state.
type VCPUInit struct {
	ID      int
	SubID   int
	Name    string
	Normal  bool
	StartPC uint64
	StartSP uint64
}

// Regs is an opaque per-architecture register/context block. The core
// never inspects it; it is only ever round-tripped through Arch calls.
type Regs interface{}

// TransferWidth is the decoded width of an emulated MMIO access, produced
// by the architecture's instruction-fault decoder.
type TransferWidth uint8

const (
	Width8 TransferWidth = 1 << iota
	Width16
	Width32
	Width64
)

// Arch is the full per-architecture glue contract from spec.md §4.9.
type Arch interface {
	Name() string

	// Host CPU / IRQ plumbing.
	CpuIrqSetup(cpu int) error
	CpuIrqEnable()
	CpuIrqDisable()
	CpuIrqSave() uintptr
	CpuIrqRestore(flags uintptr)

	// Host address space plumbing backing core/hostaspace.
	CpuAspaceInit() error
	CpuAspaceMap(virt, phys, size uint64, flags MapFlags) error
	CpuAspaceUnmap(virt, size uint64) error
	CpuAspaceVa2Pa(virt uint64) (uint64, error)

	// VCPU register lifecycle.
	VcpuRegsInit(init VCPUInit) (Regs, error)
	VcpuRegsDeinit(regs Regs) error
	VcpuRegsSwitch(out, in Regs) error
	VcpuRegsDump(regs Regs) string
	VcpuStatDump(regs Regs) string

	// VCPU IRQ plumbing.
	VcpuIrqInit(regs Regs) error
	VcpuIrqAssert(regs Regs, irq uint32) error
	VcpuIrqProcess(regs Regs) error

	// Stage-2 / instruction-fault glue (spec.md §4.9).
	Stage2Map(regs Regs, region StageRegion, faultIPA uint64) error
	DecodeMMIOFault(regs Regs, faultIPA uint64) (width TransferWidth, isWrite bool, reg int, ok bool)
}

// ErrUnsupported is returned by Arch methods an implementation has no
// hardware behind; it is distinct from a real fault so callers can tell
// "unimplemented scaffolding" apart from "guest did something illegal".
type ErrUnsupported struct {
	Op string
}

func (e *ErrUnsupported) Error() string { return fmt.Sprintf("archif: unsupported op %q", e.Op) }
