package manager

import (
	"sync"

	"github.com/corehv/corehv/core/guestaspace"
)

// VCPUSpec describes one VCPU to create as part of a guest, as parsed out
// of a device tree node (core/devtree) — kept here rather than in devtree
// itself so devtree depends on manager's shape instead of the reverse.
type VCPUSpec struct {
	Name        string
	SubID       int
	Priority    int
	TimeSliceNS uint64
	StartPC     uint64
	StartSP     uint64
}

// GuestSpec describes a guest to create: its VCPUs and its address space
// regions (spec.md §5 "Guest address space").
type GuestSpec struct {
	Name    string
	VCPUs   []VCPUSpec
	Regions []guestaspace.RegionSpec
}

// Guest is a created guest: its VCPU slots and its guest physical address
// space.
type Guest struct {
	ID     int
	Name   string
	Aspace *guestaspace.AddressSpace

	mu      sync.Mutex
	vcpuIDs []int
}

// VCPUIDs returns the manager-global IDs of the guest's VCPUs.
func (g *Guest) VCPUIDs() []int {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]int, len(g.vcpuIDs))
	copy(out, g.vcpuIDs)
	return out
}
