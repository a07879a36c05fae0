// Package devemu implements the device-emulation framework: an emulator
// registry matched against guest address-space regions, and a pair of
// per-VCPU access caches in front of it, one for reads and one for writes
// (spec.md §5 "Device emulation", §3 "two small... tables").
package devemu

import (
	"sync"

	"github.com/corehv/corehv/core/guestaspace"
	"github.com/corehv/corehv/core/hverr"
)

// Emulator is one emulated device type. A single Emulator instance is
// shared across every region it matches; per-region state lives in the
// opaque value Probe returns.
type Emulator interface {
	// Name is matched against a region's RegionSpec.EmulatorName.
	Name() string
	// Probe instantiates per-region device state the first time a
	// region is touched.
	Probe(region *guestaspace.Region) (priv any, err error)
	Reset(region *guestaspace.Region, priv any) error
	Read(region *guestaspace.Region, priv any, offset uint64, buf []byte) error
	Write(region *guestaspace.Region, priv any, offset uint64, buf []byte) error
}

type boundEmu struct {
	emu  Emulator
	priv any
}

// Registry is an emulator match table. It implements
// guestaspace.EmuHook, so a Registry can be bound directly to an
// AddressSpace with AddressSpace.BindEmulator. Registry also owns the
// probe-on-first-touch bookkeeping guestaspace no longer does: it is the
// sole caller of Emulator.Probe/Read/Write, through EmulateRead/Write.
type Registry struct {
	byName map[string]Emulator

	probeMu sync.Mutex // serializes first-touch Probe across regions

	readCache  *accessCache
	writeCache *accessCache

	irq *IRQRouter
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byName:     map[string]Emulator{},
		readCache:  newAccessCache(),
		writeCache: newAccessCache(),
		irq:        NewIRQRouter(),
	}
}

// RegisterIRQ, UnregisterIRQ, and EmulateIRQ forward to the registry's
// guest-scoped IRQ router (spec.md §4.8 scenario 5); kept here too so
// boot code has a single object to carry.
func (r *Registry) RegisterIRQ(guest int, irq uint32, shared bool, cpu int, target IRQTarget, cookie any) {
	r.irq.RegisterIRQ(guest, irq, shared, cpu, target, cookie)
}

func (r *Registry) UnregisterIRQ(guest int, irq uint32) {
	r.irq.UnregisterIRQ(guest, irq)
}

func (r *Registry) EmulateIRQ(guest int, irq uint32, cpu int, level bool) error {
	return r.irq.EmulateIRQ(guest, irq, cpu, level)
}

// Register adds an emulator to the match table, keyed by its Name().
func (r *Registry) Register(e Emulator) error {
	if _, exists := r.byName[e.Name()]; exists {
		return hverr.New(hverr.INVALID, "emulator %q already registered", e.Name())
	}
	r.byName[e.Name()] = e
	return nil
}

func (r *Registry) find(region *guestaspace.Region) (Emulator, error) {
	e, ok := r.byName[region.EmulatorName]
	if !ok {
		return nil, hverr.New(hverr.NotAvailable, "no emulator registered for %q (region %q)", region.EmulatorName, region.Name)
	}
	return e, nil
}

// ensureProbed instantiates a region's per-region device state the first
// time it is touched, caching the result on region.EmuPriv so every later
// access is a plain type assertion.
func (r *Registry) ensureProbed(region *guestaspace.Region) (*boundEmu, error) {
	if b, ok := region.EmuPriv.(*boundEmu); ok {
		return b, nil
	}
	r.probeMu.Lock()
	defer r.probeMu.Unlock()
	if b, ok := region.EmuPriv.(*boundEmu); ok {
		return b, nil
	}
	e, err := r.find(region)
	if err != nil {
		return nil, err
	}
	priv, err := e.Probe(region)
	if err != nil {
		return nil, hverr.New(hverr.FAIL, "emulator %q probe region %q: %v", e.Name(), region.Name, err)
	}
	b := &boundEmu{emu: e, priv: priv}
	region.EmuPriv = b
	return b, nil
}

// Reset implements guestaspace.EmuHook: resets a region's device state and
// invalidates any cached access-cache entries pointing at it, regardless
// of whether the region was ever probed (spec.md §4.8, §3: cache entries
// are invalidated on region removal and on guest reset).
func (r *Registry) Reset(region *guestaspace.Region) error {
	r.readCache.invalidateRegion(region)
	r.writeCache.invalidateRegion(region)
	b, ok := region.EmuPriv.(*boundEmu)
	if !ok {
		return nil
	}
	return b.emu.Reset(region, b.priv)
}

// Read probes region on first touch, then executes a single MMIO read
// against its device state.
func (r *Registry) Read(region *guestaspace.Region, gpa uint64, buf []byte) error {
	b, err := r.ensureProbed(region)
	if err != nil {
		return err
	}
	return b.emu.Read(region, b.priv, gpa-region.GuestPhysAddr, buf)
}

// Write is Read's write-side counterpart.
func (r *Registry) Write(region *guestaspace.Region, gpa uint64, buf []byte) error {
	b, err := r.ensureProbed(region)
	if err != nil {
		return err
	}
	return b.emu.Write(region, b.priv, gpa-region.GuestPhysAddr, buf)
}

// EmulateRead is devemu_emulate_read: it services the access through
// vcpuID's read cache before falling back to a full AddressSpace lookup.
func (r *Registry) EmulateRead(vcpuID int, as *guestaspace.AddressSpace, gpa uint64, buf []byte) error {
	if region := r.readCache.lookup(vcpuID, gpa); region != nil {
		return r.Read(region, gpa, buf)
	}
	region, err := as.FindRegion(gpa)
	if err != nil {
		return err
	}
	r.readCache.insert(vcpuID, region)
	return r.Read(region, gpa, buf)
}

// EmulateWrite is devemu_emulate_write, the write-side counterpart of
// EmulateRead, serviced through its own write cache.
func (r *Registry) EmulateWrite(vcpuID int, as *guestaspace.AddressSpace, gpa uint64, buf []byte) error {
	if region := r.writeCache.lookup(vcpuID, gpa); region != nil {
		return r.Write(region, gpa, buf)
	}
	region, err := as.FindRegion(gpa)
	if err != nil {
		return err
	}
	r.writeCache.insert(vcpuID, region)
	return r.Write(region, gpa, buf)
}
