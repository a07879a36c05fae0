// Package hostaspace implements the host address space (spec.md §4.1): the
// RAM pool, the VA pool, and the narrow memmap/physical_read/physical_write
// contract that composes them with an architecture MMU.
package hostaspace

import (
	"sync"

	"github.com/corehv/corehv/core/archif"
	"github.com/corehv/corehv/core/hverr"
)

// mapping records one live VA-pool reservation so Memunmap and PhysicalRead/
// PhysicalWrite can resolve a virtual handle back to its backing frames.
type mapping struct {
	phys  uint64
	size  uint64
	flags archif.MapFlags
}

// HostAspace composes the RAM pool, the VA pool, and an injected
// architecture MMU into the memmap/physical_read/physical_write contract.
type HostAspace struct {
	RAM *RAMPool
	VA  *VAPool
	mmu archif.Arch

	mu       sync.Mutex
	mappings map[uint64]mapping
}

// New builds a host address space over an already-constructed RAM pool and
// VA pool, driven by the given architecture MMU.
func New(ram *RAMPool, va *VAPool, mmu archif.Arch) *HostAspace {
	return &HostAspace{RAM: ram, VA: va, mmu: mmu, mappings: make(map[uint64]mapping)}
}

// Memmap rounds size up to the page size, carves a run from the VA pool,
// asks the architecture MMU to install a mapping at the given flags for
// each covered page, and returns the virtual address plus the byte offset
// of `phys` within its first page (so byte-granularity access is possible
// from the returned handle).
func (a *HostAspace) Memmap(phys, size uint64, flags archif.MapFlags) (virt uint64, pageOffset uint64, err error) {
	if size == 0 {
		return 0, 0, hverr.New(hverr.INVALID, "memmap size must be positive")
	}
	pageSize := a.VA.PageSize()
	pageOffset = phys % pageSize
	alignedPhys := phys - pageOffset
	mapSize := size + pageOffset
	pages := int((mapSize + pageSize - 1) / pageSize)

	v, err := a.VA.Alloc(pages, 1)
	if err != nil {
		return 0, 0, err
	}
	for i := 0; i < pages; i++ {
		pv := v + uint64(i)*pageSize
		pp := alignedPhys + uint64(i)*pageSize
		if err := a.mmu.CpuAspaceMap(pv, pp, pageSize, flags); err != nil {
			// Unwind partial mapping.
			for j := 0; j < i; j++ {
				a.mmu.CpuAspaceUnmap(v+uint64(j)*pageSize, pageSize)
			}
			a.VA.Free(v, pages)
			return 0, 0, hverr.New(hverr.FAIL, "arch map failed at page %d: %v", i, err)
		}
	}
	a.mu.Lock()
	a.mappings[v] = mapping{phys: alignedPhys, size: uint64(pages) * pageSize, flags: flags}
	a.mu.Unlock()
	return v, pageOffset, nil
}

// Memunmap tears down a mapping previously returned by Memmap (the virtual
// base, not a byte-offset address within it).
func (a *HostAspace) Memunmap(virt, size uint64) error {
	a.mu.Lock()
	m, ok := a.mappings[virt]
	if ok {
		delete(a.mappings, virt)
	}
	a.mu.Unlock()
	if !ok {
		return hverr.New(hverr.INVALID, "memunmap of unknown virtual address 0x%x", virt)
	}
	pageSize := a.VA.PageSize()
	pages := int(m.size / pageSize)
	for i := 0; i < pages; i++ {
		a.mmu.CpuAspaceUnmap(virt+uint64(i)*pageSize, pageSize)
	}
	return a.VA.Free(virt, pages)
}

// AllocPages allocates `count` RAM pages and maps them long-lived into the
// VA pool, for hypervisor heap backing.
func (a *HostAspace) AllocPages(count int, flags archif.MapFlags) (virt uint64, err error) {
	phys, err := a.RAM.Alloc(count, 1)
	if err != nil {
		return 0, err
	}
	virt, _, err = a.Memmap(phys, uint64(count)*a.RAM.PageSize(), flags)
	if err != nil {
		a.RAM.Free(phys, count)
		return 0, err
	}
	return virt, nil
}

// FreePages unmaps and frees `count` pages previously returned by
// AllocPages.
func (a *HostAspace) FreePages(virt uint64, count int) error {
	a.mu.Lock()
	m, ok := a.mappings[virt]
	a.mu.Unlock()
	if !ok {
		return hverr.New(hverr.INVALID, "free_pages of unmapped virtual address 0x%x", virt)
	}
	if err := a.Memunmap(virt, m.size); err != nil {
		return err
	}
	return a.RAM.Free(m.phys, count)
}

// Va2Pa resolves a host-virtual address to the physical address it is
// currently mapped to.
func (a *HostAspace) Va2Pa(virt uint64) (uint64, error) {
	return a.mmu.CpuAspaceVa2Pa(virt)
}

// PhysicalRead copies n bytes starting at phys into buf, covering each
// page with a transient single-page mapping window per spec.md §4.1: this
// lets the hypervisor touch any host-physical byte without permanently
// retaining the mapping, while still exercising VA-pool bookkeeping and
// the architecture MMU for every page touched.
func (a *HostAspace) PhysicalRead(phys uint64, buf []byte) error {
	return a.physicalIO(phys, buf, false)
}

// PhysicalWrite copies buf to host-physical memory starting at phys, using
// the same transient-window discipline as PhysicalRead.
func (a *HostAspace) PhysicalWrite(phys uint64, buf []byte) error {
	return a.physicalIO(phys, buf, true)
}

func (a *HostAspace) physicalIO(phys uint64, buf []byte, write bool) error {
	pageSize := a.RAM.PageSize()
	remaining := buf
	cur := phys
	for len(remaining) > 0 {
		pageOff := cur % pageSize
		chunk := pageSize - pageOff
		if chunk > uint64(len(remaining)) {
			chunk = uint64(len(remaining))
		}
		flags := archif.Readable
		if write {
			flags |= archif.Writable
		}
		v, _, err := a.Memmap(cur, chunk, flags)
		if err != nil {
			return err
		}
		backing, berr := a.RAM.Bytes(cur, int(chunk))
		if berr != nil {
			a.Memunmap(v, chunk)
			return berr
		}
		if write {
			copy(backing, remaining[:chunk])
		} else {
			copy(remaining[:chunk], backing)
		}
		if err := a.Memunmap(v, chunk); err != nil {
			return err
		}
		remaining = remaining[chunk:]
		cur += chunk
	}
	return nil
}
