package archx86

import (
	"os"
	"testing"

	"github.com/corehv/corehv/core/archif"
)

func newTestArch(t *testing.T) *Arch {
	t.Helper()
	if _, err := os.Stat("/dev/kvm"); err != nil {
		t.Skip("/dev/kvm not available in this environment")
	}
	a, err := New()
	if err != nil {
		t.Skipf("kvm unavailable: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestVCPURegsInitAndDump(t *testing.T) {
	a := newTestArch(t)
	regs, err := a.VcpuRegsInit(archif.VCPUInit{ID: 0, Name: "vcpu0", StartPC: 0x1000, StartSP: 0x9000})
	if err != nil {
		t.Fatalf("VcpuRegsInit: %v", err)
	}
	defer a.VcpuRegsDeinit(regs)

	dump := a.VcpuRegsDump(regs)
	if dump == "" {
		t.Fatal("expected non-empty register dump")
	}
}

func TestCpuAspaceBookkeepingRoundTrips(t *testing.T) {
	a := newTestArch(t)
	if err := a.CpuAspaceMap(0x1000, 0x2000, 4096, archif.Readable|archif.Writable); err != nil {
		t.Fatalf("map: %v", err)
	}
	pa, err := a.CpuAspaceVa2Pa(0x1000)
	if err != nil || pa != 0x2000 {
		t.Fatalf("va2pa = 0x%x, %v, want 0x2000", pa, err)
	}
	if err := a.CpuAspaceUnmap(0x1000, 4096); err != nil {
		t.Fatalf("unmap: %v", err)
	}
	if _, err := a.CpuAspaceVa2Pa(0x1000); err == nil {
		t.Fatal("expected error after unmap")
	}
}

func TestStage2MapRejectsFaultOutsideRegion(t *testing.T) {
	a := newTestArch(t)
	region := archif.StageRegion{GuestPhysStart: 0x10000000, HostPhysStart: 0x0, Size: 0x1000}
	if err := a.Stage2Map(nil, region, 0x20000000); err == nil {
		t.Fatal("expected error for fault outside region")
	}
}
