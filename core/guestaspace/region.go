package guestaspace

// RegionKind classifies a guest physical region (spec.md §5 "Guest address
// space").
type RegionKind uint8

const (
	RegionRAM RegionKind = iota
	RegionROM
	RegionIO
)

func (k RegionKind) String() string {
	switch k {
	case RegionRAM:
		return "ram"
	case RegionROM:
		return "rom"
	case RegionIO:
		return "io"
	default:
		return "invalid"
	}
}

// RegionSpec describes one guest physical address range as parsed from a
// device tree node (core/devtree).
type RegionSpec struct {
	Name          string
	GuestPhysAddr uint64
	HostPhysAddr  uint64 // meaningful only when Virtual == false
	Size          uint64
	Kind          RegionKind

	// Virtual regions are routed through the bound EmuHook (core/devemu);
	// real regions are backed directly by host physical memory.
	Virtual    bool
	ReadOnly   bool
	Cacheable  bool
	Bufferable bool

	// EmulatorName and EmulatorConfig are only consulted for virtual
	// regions, matched against an emulator registry's match table.
	EmulatorName   string
	EmulatorConfig map[string]any
}

// Region is a RegionSpec attached to its guest's address space, plus
// mutable attach state.
type Region struct {
	RegionSpec

	// EmuPriv is installed by devemu on first probe; nil means the region
	// has never been touched yet. Opaque to guestaspace.
	EmuPriv any
}

func (r *Region) contains(gpa uint64) bool {
	return gpa >= r.GuestPhysAddr && gpa < r.GuestPhysAddr+r.Size
}

func (r *Region) overlaps(o *Region) bool {
	aEnd := r.GuestPhysAddr + r.Size
	bEnd := o.GuestPhysAddr + o.Size
	return r.GuestPhysAddr < bEnd && o.GuestPhysAddr < aEnd
}
