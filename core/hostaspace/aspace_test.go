package hostaspace_test

import (
	"bytes"
	"testing"

	"github.com/corehv/corehv/core/archif"
	"github.com/corehv/corehv/core/hostaspace"
	"github.com/corehv/corehv/internal/archstub"
)

const pageSize = 4096

func newTestAspace(t *testing.T, ramBytes uint64) (*hostaspace.HostAspace, *hostaspace.RAMPool) {
	t.Helper()
	ram, err := hostaspace.NewRAMPool(0, ramBytes, pageSize)
	if err != nil {
		t.Fatalf("NewRAMPool: %v", err)
	}
	t.Cleanup(func() { ram.Close() })
	va := hostaspace.NewVAPool(0x1000_0000, ramBytes*2, pageSize)
	mmu := archstub.New()
	return hostaspace.New(ram, va, mmu), ram
}

// Scenario 1 (spec.md §8): RAM alloc/free round trip.
func TestRAMPoolAllocFreeRoundTrip(t *testing.T) {
	ram, err := hostaspace.NewRAMPool(0, 64*1024*1024, pageSize)
	if err != nil {
		t.Fatalf("NewRAMPool: %v", err)
	}
	defer ram.Close()

	before := ram.FreeFrameCount()
	beforeBitmap := ram.Snapshot()

	addrs := make([]uint64, 10)
	for i := range addrs {
		a, err := ram.Alloc(1, 1)
		if err != nil {
			t.Fatalf("alloc %d: %v", i, err)
		}
		addrs[i] = a
	}
	for i := len(addrs) - 1; i >= 0; i-- {
		if err := ram.Free(addrs[i], 1); err != nil {
			t.Fatalf("free %d: %v", i, err)
		}
	}

	if got := ram.FreeFrameCount(); got != before {
		t.Fatalf("free frame count = %d, want %d", got, before)
	}
	afterBitmap := ram.Snapshot()
	if !bytesEqualWords(beforeBitmap, afterBitmap) {
		t.Fatalf("bitmap not restored to pre-test snapshot")
	}
}

func bytesEqualWords(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestReserveFailsOverAllocated(t *testing.T) {
	ram, err := hostaspace.NewRAMPool(0, 1024*1024, pageSize)
	if err != nil {
		t.Fatalf("NewRAMPool: %v", err)
	}
	defer ram.Close()

	phys, err := ram.Alloc(1, 1)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if err := ram.Reserve(phys, pageSize); err == nil {
		t.Fatalf("expected reserve over allocated frame to fail")
	}
	// Reserving free frames succeeds.
	phys2, _ := ram.Alloc(1, 1)
	ram.Free(phys2, 1)
	if err := ram.Reserve(phys2, pageSize); err != nil {
		t.Fatalf("reserve of free frame failed: %v", err)
	}
}

func TestMemmapMemunmapRestoresBitmap(t *testing.T) {
	a, ram := newTestAspace(t, 4*1024*1024)
	phys, err := ram.Alloc(4, 1)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}

	before := a.VA.Snapshot()
	virt, off, err := a.Memmap(phys, pageSize*4, archif.Readable|archif.Writable)
	if err != nil {
		t.Fatalf("memmap: %v", err)
	}
	if off != 0 {
		t.Fatalf("unexpected page offset %d", off)
	}
	if err := a.Memunmap(virt, pageSize*4); err != nil {
		t.Fatalf("memunmap: %v", err)
	}
	after := a.VA.Snapshot()
	if !bytesEqualWords(before, after) {
		t.Fatalf("VA pool bitmap not restored after memunmap")
	}
}

// Round-trip property (spec.md §8): physical_write then physical_read
// yields the written bytes back, for any RAM page.
func TestPhysicalReadWriteRoundTrip(t *testing.T) {
	a, ram := newTestAspace(t, 4*1024*1024)
	phys, err := ram.Alloc(2, 1)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}

	want := bytes.Repeat([]byte{0xDE, 0xAD, 0xBE, 0xEF}, 2048) // spans two pages
	if err := a.PhysicalWrite(phys, want); err != nil {
		t.Fatalf("physical write: %v", err)
	}
	got := make([]byte, len(want))
	if err := a.PhysicalRead(phys, got); err != nil {
		t.Fatalf("physical read: %v", err)
	}
	if !bytes.Equal(want, got) {
		t.Fatalf("round trip mismatch")
	}
}

func TestAllocFreePagesUnmapsAndFrees(t *testing.T) {
	a, ram := newTestAspace(t, 4*1024*1024)
	beforeRAM := ram.FreeFrameCount()
	beforeVA := a.VA.Snapshot()

	virt, err := a.AllocPages(3, archif.Readable|archif.Writable)
	if err != nil {
		t.Fatalf("alloc_pages: %v", err)
	}
	if err := a.FreePages(virt, 3); err != nil {
		t.Fatalf("free_pages: %v", err)
	}
	if got := ram.FreeFrameCount(); got != beforeRAM {
		t.Fatalf("RAM pool not restored: got %d want %d", got, beforeRAM)
	}
	if !bytesEqualWords(beforeVA, a.VA.Snapshot()) {
		t.Fatalf("VA pool not restored")
	}
}

func TestEstimateBitmapBytes(t *testing.T) {
	if got := hostaspace.EstimateBitmapBytes(64*1024*1024, pageSize); got == 0 {
		t.Fatalf("expected non-zero bitmap size estimate")
	}
}
