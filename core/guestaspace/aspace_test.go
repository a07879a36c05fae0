package guestaspace_test

import (
	"testing"

	"github.com/corehv/corehv/core/guestaspace"
	"github.com/corehv/corehv/core/hverr"
)

// fakeEmu implements guestaspace.EmuHook only — Reset is the only method
// guestaspace itself ever calls; probing and read/write dispatch are
// devemu's responsibility now, exercised at that package's own tests.
type fakeEmu struct {
	resets int
}

func (f *fakeEmu) Reset(r *guestaspace.Region) error {
	f.resets++
	return nil
}

func TestFindRegionAndOverlapRejected(t *testing.T) {
	_, err := guestaspace.New([]guestaspace.RegionSpec{
		{Name: "a", GuestPhysAddr: 0, Size: 0x2000, Virtual: true},
		{Name: "b", GuestPhysAddr: 0x1000, Size: 0x1000, Virtual: true},
	}, nil)
	if err == nil {
		t.Fatalf("overlapping regions should be rejected")
	}

	as, err := guestaspace.New([]guestaspace.RegionSpec{
		{Name: "low", GuestPhysAddr: 0, Size: 0x1000, Kind: guestaspace.RegionRAM, Virtual: true},
		{Name: "io", GuestPhysAddr: 0x1000, Size: 0x100, Kind: guestaspace.RegionIO, Virtual: true},
	}, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	r, err := as.FindRegion(0x1050)
	if err != nil || r.Name != "io" {
		t.Fatalf("find region = %v, %v; want io", r, err)
	}
	if _, err := as.FindRegion(0x5000); !hverr.Is(err, hverr.NotAvailable) {
		t.Fatalf("out-of-range find should be NotAvailable, got %v", err)
	}
}

// guest_physical_read/write strides through covered real memory regions
// only; virtual and IO regions are rejected outright (spec.md §4.7) — MMIO
// against them goes exclusively through devemu.Registry.EmulateRead/Write.
func TestReadWriteRejectsVirtualAndIORegions(t *testing.T) {
	as, err := guestaspace.New([]guestaspace.RegionSpec{
		{Name: "io", GuestPhysAddr: 0x1000, Size: 0x100, Kind: guestaspace.RegionIO, Virtual: true},
		{Name: "virtmem", GuestPhysAddr: 0x2000, Size: 0x100, Kind: guestaspace.RegionRAM, Virtual: true},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 4)

	if err := as.Read(0x1000, buf); !hverr.Is(err, hverr.INVALID) {
		t.Fatalf("read from virtual io region = %v, want INVALID", err)
	}
	if err := as.Write(0x1000, buf); !hverr.Is(err, hverr.INVALID) {
		t.Fatalf("write to virtual io region = %v, want INVALID", err)
	}
	if err := as.Read(0x2000, buf); !hverr.Is(err, hverr.INVALID) {
		t.Fatalf("read from virtual ram region = %v, want INVALID", err)
	}
	if err := as.Write(0x2000, buf); !hverr.Is(err, hverr.INVALID) {
		t.Fatalf("write to virtual ram region = %v, want INVALID", err)
	}
}

func TestWriteReadOnlyRegionRejected(t *testing.T) {
	as, err := guestaspace.New([]guestaspace.RegionSpec{
		{Name: "rom", GuestPhysAddr: 0, Size: 0x1000, Kind: guestaspace.RegionROM, Virtual: false, ReadOnly: true},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := as.Write(0, []byte{1}); !hverr.Is(err, hverr.Access) {
		t.Fatalf("write to read-only region should be Access error, got %v", err)
	}
}

// Reset fans out to every virtual region's bound emulator, leaving real
// regions untouched, regardless of whether the region was ever probed.
func TestResetFansOutToVirtualRegionsOnly(t *testing.T) {
	as, err := guestaspace.New([]guestaspace.RegionSpec{
		{Name: "ram", GuestPhysAddr: 0, Size: 0x1000, Kind: guestaspace.RegionRAM, Virtual: false},
		{Name: "dev", GuestPhysAddr: 0x1000, Size: 0x20, Kind: guestaspace.RegionIO, Virtual: true},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	emu := &fakeEmu{}
	as.BindEmulator(emu)

	if err := as.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if emu.resets != 1 {
		t.Fatalf("resets = %d, want 1 (only the virtual region)", emu.resets)
	}
}
