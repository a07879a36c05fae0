package devemu

import (
	"sync"

	"github.com/corehv/corehv/core/guestaspace"
)

const cacheDepth = 4

// vcpuSlots is one VCPU's small cache of recently accessed regions,
// evicted round-robin rather than LRU — cheap enough to take under a
// lock on every MMIO trap (spec.md §5 "per-VCPU access cache").
type vcpuSlots struct {
	regions [cacheDepth]*guestaspace.Region
	next    int
}

// accessCache is keyed by plain VCPU id (an int) rather than a
// core/manager.VCPU pointer, so devemu never imports core/manager and no
// import cycle forms between the two packages.
type accessCache struct {
	mu    sync.Mutex
	slots map[int]*vcpuSlots
}

func newAccessCache() *accessCache {
	return &accessCache{slots: map[int]*vcpuSlots{}}
}

func (c *accessCache) lookup(vcpuID int, gpa uint64) *guestaspace.Region {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.slots[vcpuID]
	if !ok {
		return nil
	}
	for _, r := range s.regions {
		if r != nil && gpa >= r.GuestPhysAddr && gpa < r.GuestPhysAddr+r.Size {
			return r
		}
	}
	return nil
}

func (c *accessCache) insert(vcpuID int, r *guestaspace.Region) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.slots[vcpuID]
	if !ok {
		s = &vcpuSlots{}
		c.slots[vcpuID] = s
	}
	for _, existing := range s.regions {
		if existing == r {
			return
		}
	}
	s.regions[s.next] = r
	s.next = (s.next + 1) % cacheDepth
}

// invalidateRegion drops r from every VCPU's cached slots (spec.md §4.8:
// "Cache invalidation happens on region removal and on guest reset"; §3:
// "entries are invalidated when the owning region is removed").
func (c *accessCache) invalidateRegion(r *guestaspace.Region) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.slots {
		for i, existing := range s.regions {
			if existing == r {
				s.regions[i] = nil
			}
		}
	}
}
