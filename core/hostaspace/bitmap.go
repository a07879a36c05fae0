package hostaspace

import (
	"sync"

	"github.com/corehv/corehv/core/hverr"
)

// pool is the packed-bitmap, free-run-cursor allocator shared by the RAM
// pool and the VA pool (spec.md §4.1 / Design Note in spec.md §9: "a
// packed bitmap with a free-run cursor is adequate and cheaper" than the
// original's one-byte-per-frame representation).
type pool struct {
	mu       sync.Mutex
	base     uint64
	pageSize uint64
	pages    int
	words    []uint64 // one bit per page; set == allocated
	cursor   int       // page index the next first-fit scan starts from
}

func newPool(base, sizeBytes, pageSize uint64) pool {
	pages := int((sizeBytes + pageSize - 1) / pageSize)
	nwords := (pages + 63) / 64
	return pool{base: base, pageSize: pageSize, pages: pages, words: make([]uint64, nwords)}
}

func (p *pool) bit(i int) bool  { return p.words[i/64]&(1<<uint(i%64)) != 0 }
func (p *pool) set(i int)       { p.words[i/64] |= 1 << uint(i%64) }
func (p *pool) clear(i int)     { p.words[i/64] &^= 1 << uint(i%64) }

// findRun performs a first-fit scan for `count` consecutive clear bits
// whose starting index satisfies `alignPages` (a page-count alignment
// predicate; 1 means unaligned). It starts at the cached cursor so
// repeated allocations after a reset don't always rescan from zero.
func (p *pool) findRun(count int, alignPages int) (int, bool) {
	if alignPages < 1 {
		alignPages = 1
	}
	start := p.cursor
	for pass := 0; pass < 2; pass++ {
		i := start
		for i+count <= p.pages {
			if i%alignPages != 0 {
				i += alignPages - (i % alignPages)
				continue
			}
			run := 0
			for run < count && !p.bit(i+run) {
				run++
			}
			if run == count {
				return i, true
			}
			i += run + 1
		}
		start = 0 // second pass covers [0, cursor)
		if p.cursor == 0 {
			break
		}
	}
	return 0, false
}

func (p *pool) allocAt(start, count int) {
	for i := start; i < start+count; i++ {
		p.set(i)
	}
	p.cursor = start + count
	if p.cursor >= p.pages {
		p.cursor = 0
	}
}

func (p *pool) freeAt(start, count int) {
	for i := start; i < start+count; i++ {
		p.clear(i)
	}
}

// rangeAllocated reports whether every page in [start, start+count) is
// currently marked allocated.
func (p *pool) rangeAllocated(start, count int) bool {
	for i := start; i < start+count; i++ {
		if !p.bit(i) {
			return false
		}
	}
	return true
}

// rangeFree reports whether every page in [start, start+count) is free.
func (p *pool) rangeFree(start, count int) bool {
	for i := start; i < start+count; i++ {
		if p.bit(i) {
			return false
		}
	}
	return true
}

func (p *pool) freeCount() int {
	n := 0
	for i := 0; i < p.pages; i++ {
		if !p.bit(i) {
			n++
		}
	}
	return n
}

// snapshot copies the bitmap words for before/after comparisons in tests.
func (p *pool) snapshot() []uint64 {
	out := make([]uint64, len(p.words))
	copy(out, p.words)
	return out
}

func (p *pool) pageOf(addr uint64) (int, error) {
	if addr < p.base {
		return 0, hverr.New(hverr.INVALID, "address 0x%x below pool base 0x%x", addr, p.base)
	}
	off := addr - p.base
	if off%p.pageSize != 0 {
		return 0, hverr.New(hverr.INVALID, "address 0x%x not page aligned", addr)
	}
	idx := int(off / p.pageSize)
	if idx >= p.pages {
		return 0, hverr.New(hverr.INVALID, "address 0x%x beyond pool", addr)
	}
	return idx, nil
}

func (p *pool) pageCount(size uint64) int {
	return int((size + p.pageSize - 1) / p.pageSize)
}

func (p *pool) addrOf(page int) uint64 {
	return p.base + uint64(page)*p.pageSize
}
