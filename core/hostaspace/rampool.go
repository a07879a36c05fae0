package hostaspace

import (
	"golang.org/x/sys/unix"

	"github.com/corehv/corehv/core/hverr"
)

// RAMPool owns a contiguous host-physical range and the bitmap tracking
// per-page allocation state (spec.md §3 "RAM pool"). It is created once at
// boot and never destroyed.
//
// Page content is backed by a single anonymous, locked mmap arena
// (golang.org/x/sys/unix.Mmap/Mlock) standing in for physical RAM frames —
// the idiomatic Go replacement for the teacher's raw syscall.Mmap of guest
// memory — so PhysicalRead/PhysicalWrite move real bytes instead of
// simulating them against an opaque handle.
type RAMPool struct {
	pool
	backing []byte
}

// NewRAMPool creates a RAM pool of sizeBytes starting at physical base,
// with the given page granularity.
func NewRAMPool(base, sizeBytes, pageSize uint64) (*RAMPool, error) {
	backing, err := unix.Mmap(-1, 0, int(sizeBytes), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, hverr.New(hverr.OutOfMemory, "mmap RAM pool arena: %v", err)
	}
	if err := unix.Mlock(backing); err != nil {
		// Non-fatal: locking may be unavailable under an unprivileged test
		// runner. The pool still functions, just swappable.
		hverr.WarnOn(true, "mlock RAM pool arena failed: %v", err)
	}
	return &RAMPool{pool: newPool(base, sizeBytes, pageSize), backing: backing}, nil
}

// Close releases the backing arena. Never called in the normal boot path —
// the RAM pool lives for the process lifetime — but kept for tests that
// create many short-lived pools.
func (r *RAMPool) Close() error {
	if r.backing == nil {
		return nil
	}
	err := unix.Munmap(r.backing)
	r.backing = nil
	return err
}

// Alloc performs a first-fit scan for a run of `count` pages, optionally
// aligned to `alignPages` pages, and marks them allocated.
func (r *RAMPool) Alloc(count int, alignPages int) (phys uint64, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if count <= 0 {
		return 0, hverr.New(hverr.INVALID, "alloc count must be positive")
	}
	start, ok := r.findRun(count, alignPages)
	if !ok {
		return 0, hverr.New(hverr.OutOfMemory, "no run of %d pages available", count)
	}
	r.allocAt(start, count)
	return r.addrOf(start), nil
}

// Free releases `count` pages starting at phys back to the pool.
func (r *RAMPool) Free(phys uint64, count int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	start, err := r.pageOf(phys)
	if err != nil {
		return err
	}
	if !r.rangeAllocated(start, count) {
		return hverr.New(hverr.INVALID, "free of partially-unallocated range at 0x%x", phys)
	}
	r.freeAt(start, count)
	return nil
}

// Reserve marks [phys, phys+size) allocated. It is
// idempotent only insofar as the affected frames were already free;
// reserving over an allocated frame fails (spec.md §4.1).
func (r *RAMPool) Reserve(phys, size uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	start, err := r.pageOf(phys)
	if err != nil {
		return err
	}
	count := r.pageCount(size)
	if !r.rangeFree(start, count) {
		return hverr.New(hverr.FAIL, "reserve of 0x%x overlaps an allocated frame", phys)
	}
	r.allocAt(start, count)
	return nil
}

// FreeFrameCount returns the number of currently free pages.
func (r *RAMPool) FreeFrameCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.freeCount()
}

// Snapshot returns a copy of the allocation bitmap, for round-trip tests.
func (r *RAMPool) Snapshot() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot()
}

// PageSize returns the pool's page granularity.
func (r *RAMPool) PageSize() uint64 { return r.pageSize }

// Base returns the pool's physical base address.
func (r *RAMPool) Base() uint64 { return r.base }

// Bytes returns a slice into the backing arena covering [phys, phys+n).
// Callers must not retain the slice past an unmap/free of the covered
// pages.
func (r *RAMPool) Bytes(phys uint64, n int) ([]byte, error) {
	if phys < r.base || phys+uint64(n) > r.base+uint64(r.pages)*r.pageSize {
		return nil, hverr.New(hverr.INVALID, "0x%x..+%d out of RAM pool range", phys, n)
	}
	off := phys - r.base
	return r.backing[off : off+uint64(n)], nil
}
