package devemu

import (
	"testing"

	"github.com/corehv/corehv/core/guestaspace"
)

func TestAccessCacheInvalidateRegionDropsOnlyMatchingEntries(t *testing.T) {
	c := newAccessCache()
	a := &guestaspace.Region{RegionSpec: guestaspace.RegionSpec{Name: "a", GuestPhysAddr: 0, Size: 0x10}}
	b := &guestaspace.Region{RegionSpec: guestaspace.RegionSpec{Name: "b", GuestPhysAddr: 0x10, Size: 0x10}}

	c.insert(0, a)
	c.insert(0, b)
	c.insert(1, a)

	if got := c.lookup(0, 0x4); got != a {
		t.Fatalf("lookup(0, 0x4) = %v, want a", got)
	}

	c.invalidateRegion(a)

	if got := c.lookup(0, 0x4); got != nil {
		t.Fatalf("lookup(0, 0x4) after invalidate = %v, want nil", got)
	}
	if got := c.lookup(1, 0x4); got != nil {
		t.Fatalf("lookup(1, 0x4) after invalidate = %v, want nil", got)
	}
	if got := c.lookup(0, 0x14); got != b {
		t.Fatalf("lookup(0, 0x14) after invalidating a = %v, want b unaffected", got)
	}
}
