// Package guestaspace implements the guest physical address space: an
// ordered region list split between regions backed directly by host
// memory ("real") and regions routed to an emulator ("virtual"), per
// spec.md §5.
package guestaspace

import (
	"sort"
	"sync"

	"github.com/corehv/corehv/core/hostaspace"
	"github.com/corehv/corehv/core/hverr"
)

// EmuHook is implemented by core/devemu. guestaspace depends only on this
// interface, never on devemu itself, so devemu is free to import
// guestaspace without an import cycle. Probing and MMIO dispatch are
// devemu's own responsibility (see devemu.Registry.EmulateRead/Write);
// guestaspace only needs to fan a guest reset out to device state.
type EmuHook interface {
	Reset(region *Region) error
}

// AddressSpace is one guest's physical address space.
type AddressSpace struct {
	mu      sync.RWMutex
	regions []*Region
	host    *hostaspace.HostAspace
	emu     EmuHook
}

// New builds a guest address space from specs, sorted by guest physical
// start address, rejecting overlaps. host backs real (non-virtual)
// regions; it may be nil for address spaces consisting only of virtual
// regions (e.g. tests).
func New(specs []RegionSpec, host *hostaspace.HostAspace) (*AddressSpace, error) {
	as := &AddressSpace{host: host}
	for i := range specs {
		as.regions = append(as.regions, &Region{RegionSpec: specs[i]})
	}
	sort.Slice(as.regions, func(i, j int) bool {
		return as.regions[i].GuestPhysAddr < as.regions[j].GuestPhysAddr
	})
	for i := 1; i < len(as.regions); i++ {
		if as.regions[i-1].overlaps(as.regions[i]) {
			return nil, hverr.New(hverr.INVALID, "region %q overlaps %q", as.regions[i-1].Name, as.regions[i].Name)
		}
	}
	return as, nil
}

// BindEmulator attaches the device-emulation framework. Must be called
// before any virtual region is read, written, or reset.
func (as *AddressSpace) BindEmulator(hook EmuHook) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.emu = hook
}

// Regions returns the address space's regions in guest-physical order.
func (as *AddressSpace) Regions() []*Region {
	as.mu.RLock()
	defer as.mu.RUnlock()
	out := make([]*Region, len(as.regions))
	copy(out, as.regions)
	return out
}

// FindRegion is guest_find_region: the region containing gpa, or
// hverr.NotAvailable.
func (as *AddressSpace) FindRegion(gpa uint64) (*Region, error) {
	as.mu.RLock()
	defer as.mu.RUnlock()
	// Regions are sorted and non-overlapping; binary search the start.
	i := sort.Search(len(as.regions), func(i int) bool {
		return as.regions[i].GuestPhysAddr+as.regions[i].Size > gpa
	})
	if i < len(as.regions) && as.regions[i].contains(gpa) {
		return as.regions[i], nil
	}
	return nil, hverr.New(hverr.NotAvailable, "no region contains guest physical address %#x", gpa)
}

// Read is guest_physical_read: strides through covered real memory
// regions only (spec.md §4.7). Virtual and IO regions are rejected; MMIO
// goes exclusively through devemu.Registry.EmulateRead.
func (as *AddressSpace) Read(gpa uint64, buf []byte) error {
	r, err := as.FindRegion(gpa)
	if err != nil {
		return err
	}
	if r.Virtual || r.Kind == RegionIO {
		return hverr.New(hverr.INVALID, "guest physical read: region %q is virtual/io, route through devemu", r.Name)
	}
	if as.host == nil {
		return hverr.New(hverr.FAIL, "region %q is real but no host aspace bound", r.Name)
	}
	return as.host.PhysicalRead(r.HostPhysAddr+(gpa-r.GuestPhysAddr), buf)
}

// Write is guest_physical_write: the write-side counterpart of Read, same
// real-memory-only restriction.
func (as *AddressSpace) Write(gpa uint64, buf []byte) error {
	r, err := as.FindRegion(gpa)
	if err != nil {
		return err
	}
	if r.Virtual || r.Kind == RegionIO {
		return hverr.New(hverr.INVALID, "guest physical write: region %q is virtual/io, route through devemu", r.Name)
	}
	if r.ReadOnly {
		return hverr.New(hverr.Access, "region %q is read-only", r.Name)
	}
	if as.host == nil {
		return hverr.New(hverr.FAIL, "region %q is real but no host aspace bound", r.Name)
	}
	return as.host.PhysicalWrite(r.HostPhysAddr+(gpa-r.GuestPhysAddr), buf)
}

// Reset fans Reset out to every virtual region's emulator instance,
// visiting every region and returning the first failure (spec.md §4.4
// guest reset also resets device state). Regions never touched by devemu
// reset as a no-op.
func (as *AddressSpace) Reset() error {
	as.mu.RLock()
	emu := as.emu
	as.mu.RUnlock()
	if emu == nil {
		// No emulator bound (e.g. an address space with only real
		// regions) is not an error: there is nothing to reset.
		return nil
	}
	var firstErr error
	for _, r := range as.Regions() {
		if !r.Virtual {
			continue
		}
		if err := emu.Reset(r); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
