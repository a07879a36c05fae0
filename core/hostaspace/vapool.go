package hostaspace

import "github.com/corehv/corehv/core/hverr"

// VAPool owns a contiguous host-virtual range of equal page granularity to
// the RAM pool (spec.md §3 "VA pool"). It is structurally identical to
// RAMPool but indexed by virtual address and carries no backing bytes of
// its own — allocations map 1:1 to RAM pages via the architecture MMU.
type VAPool struct {
	pool
}

// NewVAPool creates a VA pool of sizeBytes starting at virtual base.
func NewVAPool(base, sizeBytes, pageSize uint64) *VAPool {
	return &VAPool{pool: newPool(base, sizeBytes, pageSize)}
}

// Alloc reserves a run of `count` pages in the VA range, aligned to
// alignPages, and returns the resulting virtual base address.
func (v *VAPool) Alloc(count int, alignPages int) (virt uint64, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if count <= 0 {
		return 0, hverr.New(hverr.INVALID, "alloc count must be positive")
	}
	start, ok := v.findRun(count, alignPages)
	if !ok {
		return 0, hverr.New(hverr.OutOfMemory, "no run of %d VA pages available", count)
	}
	v.allocAt(start, count)
	return v.addrOf(start), nil
}

// Free releases `count` pages starting at virt.
func (v *VAPool) Free(virt uint64, count int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	start, err := v.pageOf(virt)
	if err != nil {
		return err
	}
	if !v.rangeAllocated(start, count) {
		return hverr.New(hverr.INVALID, "free of partially-unallocated VA range at 0x%x", virt)
	}
	v.freeAt(start, count)
	return nil
}

// FreeFrameCount returns the number of currently free VA pages.
func (v *VAPool) FreeFrameCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.freeCount()
}

// Snapshot returns a copy of the allocation bitmap.
func (v *VAPool) Snapshot() []uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.snapshot()
}

// PageSize returns the pool's page granularity.
func (v *VAPool) PageSize() uint64 { return v.pageSize }

// EstimateBitmapBytes returns how many bytes the bitmap for a VA pool of
// sizeBytes/pageSize would itself occupy — the "estimation helper" spec.md
// §4.1 calls for so early boot can size the house-keeping area before the
// pool is up.
func EstimateBitmapBytes(sizeBytes, pageSize uint64) uint64 {
	pages := (sizeBytes + pageSize - 1) / pageSize
	words := (pages + 63) / 64
	return words * 8
}
