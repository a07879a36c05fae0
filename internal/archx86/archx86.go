// archx86.go implements archif.Arch by driving Linux KVM: one VM per Arch,
// one vCPU file descriptor and mmap'd kvm_run page per VcpuRegsInit. The
// host-CPU IRQ hooks and the host address-space hooks have no real
// userspace equivalent (masking real CPU interrupts or walking real page
// tables both require kernel privilege this process does not have) so
// they stay simple bookkeeping, same as internal/archstub; the value this
// package adds over the stub is everywhere a real ioctl exists: VCPU
// creation, register access, guest-memory slot installation, the
// KVM_RUN exit loop, and interrupt injection.
package archx86

import (
	"fmt"
	"sync"
	"syscall"
	"unsafe"

	"github.com/corehv/corehv/core/archif"
)

// Regs is the per-VCPU KVM handle: the vcpu fd, its mmap'd kvm_run page,
// and the decoded state of the last exit this glue has not yet resolved.
type Regs struct {
	mu      sync.Mutex
	id      int
	name    string
	fd      int
	runBuf  []byte
	run     *kvmRun
	running bool

	// pendingFault is set by VcpuRegsSwitch on KVM_EXIT_MMIO. DecodeMMIOFault
	// reads it without clearing it (the byte payload is still needed after:
	// MMIOData/SetMMIOResult consume it once the caller has driven the
	// actual devemu read/write), and VcpuRegsSwitch overwrites it on the
	// next exit.
	pendingFault *mmioFault
}

type mmioFault struct {
	addr       uint64
	width      archif.TransferWidth
	isWrite    bool
	data       [8]byte
	dataOffset uint64 // offset within kvm_run to write a read result back to
}

// pageEntry is one recorded host-VA -> host-PA mapping; see the package
// doc comment for why this stays bookkeeping rather than a real MMU walk.
type pageEntry struct {
	phys  uint64
	flags archif.MapFlags
}

// Arch is the KVM-backed Arch implementation. One Arch owns one VM.
type Arch struct {
	mu       sync.Mutex
	kvmFD    int
	vmFD     int
	nextSlot uint32
	slots    map[uint64]uint32 // guest-phys region base -> memory slot

	pages map[uint64]pageEntry
}

// New opens /dev/kvm and creates a VM, ready to take VcpuRegsInit and
// Stage2Map calls.
func New() (*Arch, error) {
	kvmFD, err := kvmOpen()
	if err != nil {
		return nil, err
	}
	vmFD, err := kvmCreateVMFD(kvmFD)
	if err != nil {
		syscall.Close(kvmFD)
		return nil, err
	}
	return &Arch{
		kvmFD: kvmFD,
		vmFD:  vmFD,
		slots: make(map[uint64]uint32),
		pages: make(map[uint64]pageEntry),
	}, nil
}

// Close tears down the VM and the /dev/kvm handle. Individual VCPUs must
// be torn down with VcpuRegsDeinit first.
func (a *Arch) Close() error {
	syscall.Close(a.vmFD)
	syscall.Close(a.kvmFD)
	return nil
}

func (a *Arch) Name() string { return "x86_kvm" }

// Host CPU / IRQ plumbing. Userspace has no CLI/STI equivalent; these
// exist for interface parity and are exercised by tests that run the core
// against this backend without a real interrupt source.
func (a *Arch) CpuIrqSetup(cpu int) error   { return nil }
func (a *Arch) CpuIrqEnable()               {}
func (a *Arch) CpuIrqDisable()              {}
func (a *Arch) CpuIrqSave() uintptr         { return 0 }
func (a *Arch) CpuIrqRestore(flags uintptr) {}

func (a *Arch) CpuAspaceInit() error { return nil }

func (a *Arch) CpuAspaceMap(virt, phys, size uint64, flags archif.MapFlags) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	const pageSize = 4096
	for off := uint64(0); off < size; off += pageSize {
		a.pages[virt+off] = pageEntry{phys: phys + off, flags: flags}
	}
	return nil
}

func (a *Arch) CpuAspaceUnmap(virt, size uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	const pageSize = 4096
	for off := uint64(0); off < size; off += pageSize {
		delete(a.pages, virt+off)
	}
	return nil
}

func (a *Arch) CpuAspaceVa2Pa(virt uint64) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	const pageSize = 4096
	base := virt - (virt % pageSize)
	e, ok := a.pages[base]
	if !ok {
		return 0, &archif.ErrUnsupported{Op: fmt.Sprintf("va2pa: no mapping for 0x%x", virt)}
	}
	return e.phys + (virt % pageSize), nil
}

// VcpuRegsInit creates a KVM vcpu, mmaps its kvm_run page, and loads the
// initial segment/general-purpose register state: a flat 32-bit protected
// mode with CS/DS/ES/FS/GS/SS spanning the full address space, matching
// how a bootloader hands off to a 32-bit kernel entry point.
func (a *Arch) VcpuRegsInit(init archif.VCPUInit) (archif.Regs, error) {
	vcpuFD, err := kvmCreateVCPUFD(a.vmFD)
	if err != nil {
		return nil, err
	}
	mmapSize, err := kvmVCPUMmapSize(a.kvmFD)
	if err != nil {
		syscall.Close(vcpuFD)
		return nil, err
	}
	runBuf, err := syscall.Mmap(vcpuFD, 0, mmapSize, syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		syscall.Close(vcpuFD)
		return nil, fmt.Errorf("archx86: mmap kvm_run: %w", err)
	}

	r := &Regs{
		id:     init.ID,
		name:   init.Name,
		fd:     vcpuFD,
		runBuf: runBuf,
		run:    (*kvmRun)(unsafe.Pointer(&runBuf[0])),
	}

	flat := kvmSegment{Base: 0, Limit: 0xFFFFFFFF, Selector: 0, Type: 11, Present: 1, DB: 1, S: 1, G: 1}
	data := flat
	data.Type = 3
	sregs, err := kvmGetSregsFD(vcpuFD)
	if err != nil {
		r.close()
		return nil, err
	}
	sregs.CS = flat
	sregs.DS, sregs.ES, sregs.FS, sregs.GS, sregs.SS = data, data, data, data, data
	sregs.CR0 |= 1 // PE: protected mode
	if err := kvmSetSregsFD(vcpuFD, sregs); err != nil {
		r.close()
		return nil, err
	}

	regs := &kvmRegs{RIP: init.StartPC, RSP: init.StartSP, RFLAGS: 0x2}
	if err := kvmSetRegsFD(vcpuFD, regs); err != nil {
		r.close()
		return nil, err
	}
	return r, nil
}

func (r *Regs) close() {
	if r.runBuf != nil {
		syscall.Munmap(r.runBuf)
		r.runBuf, r.run = nil, nil
	}
	if r.fd != 0 {
		syscall.Close(r.fd)
		r.fd = 0
	}
}

func (a *Arch) VcpuRegsDeinit(regs archif.Regs) error {
	r, ok := regs.(*Regs)
	if !ok {
		return &archif.ErrUnsupported{Op: "vcpu_regs_deinit"}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.close()
	return nil
}

// VcpuRegsSwitch marks `out` no longer current and runs `in` through
// KVM_RUN until an exit this glue needs to hand back to the core occurs:
// KVM_EXIT_HLT (returned to the caller as nil — the scheduler decides
// what runs next), KVM_EXIT_MMIO (recorded on Regs for
// DecodeMMIOFault and then returned to the caller), or a fatal exit
// (shutdown / fail-entry / unknown), which becomes an error. KVM_EXIT_IO
// ports are not emulated by this glue (the device-emulation framework
// this hypervisor exposes is guest-physical-address based, not
// port-based; see core/devemu/builtin's adaptation of the original
// port-mapped devices to MMIO) and are treated as a no-op for the
// request, then re-entered.
func (a *Arch) VcpuRegsSwitch(out, in archif.Regs) error {
	if o, ok := out.(*Regs); ok {
		o.mu.Lock()
		o.running = false
		o.mu.Unlock()
	}
	r, ok := in.(*Regs)
	if !ok {
		return &archif.ErrUnsupported{Op: "vcpu_regs_switch"}
	}
	r.mu.Lock()
	r.running = true
	r.mu.Unlock()

	for {
		if err := kvmRunVCPU(r.fd); err != nil {
			return err
		}
		switch r.run.ExitReason {
		case kvmExitHlt:
			return nil
		case kvmExitIO:
			io := r.run.io()
			if io.Direction == 0 { // IN: guest reads, supply zero.
				data := r.run.ioData(io.DataOffset, int(io.Size))
				for i := range data {
					data[i] = 0
				}
			}
			continue
		case kvmExitMMIO:
			m := r.run.mmio()
			width := archif.Width8
			switch m.Len {
			case 2:
				width = archif.Width16
			case 4:
				width = archif.Width32
			case 8:
				width = archif.Width64
			}
			r.mu.Lock()
			r.pendingFault = &mmioFault{
				addr:    m.PhysAddr,
				width:   width,
				isWrite: m.IsWrite == 1,
				data:    m.Data,
				// offset of the mmio union member's Data field within kvm_run.
				dataOffset: uint64(unsafe.Offsetof(kvmRun{}.union) + unsafe.Offsetof(kvmRunMMIO{}.Data)),
			}
			r.mu.Unlock()
			return nil
		case kvmExitShutdown:
			return fmt.Errorf("archx86: vcpu %d: KVM_EXIT_SHUTDOWN", r.id)
		case kvmExitFailEntry:
			return fmt.Errorf("archx86: vcpu %d: KVM_EXIT_FAIL_ENTRY", r.id)
		case kvmExitUnknown:
			return fmt.Errorf("archx86: vcpu %d: KVM_EXIT_UNKNOWN", r.id)
		default:
			continue
		}
	}
}

func (a *Arch) VcpuRegsDump(regs archif.Regs) string {
	r, ok := regs.(*Regs)
	if !ok {
		return "<invalid regs>"
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	kregs, err := kvmGetRegsFD(r.fd)
	if err != nil {
		return fmt.Sprintf("vcpu=%d <regs unavailable: %v>", r.id, err)
	}
	return fmt.Sprintf("vcpu=%d name=%s rip=0x%x rsp=0x%x rflags=0x%x running=%t",
		r.id, r.name, kregs.RIP, kregs.RSP, kregs.RFLAGS, r.running)
}

func (a *Arch) VcpuStatDump(regs archif.Regs) string {
	r, ok := regs.(*Regs)
	if !ok {
		return "<invalid regs>"
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	pending := r.pendingFault != nil
	return fmt.Sprintf("vcpu=%d pending_mmio_fault=%t", r.id, pending)
}

// VcpuIrqInit has nothing to do: this glue uses KVM_INTERRUPT for direct
// vector injection rather than an in-kernel irqchip, so there is no
// per-VCPU interrupt controller to initialize.
func (a *Arch) VcpuIrqInit(regs archif.Regs) error { return nil }

func (a *Arch) VcpuIrqAssert(regs archif.Regs, irq uint32) error {
	r, ok := regs.(*Regs)
	if !ok {
		return &archif.ErrUnsupported{Op: "vcpu_irq_assert"}
	}
	r.mu.Lock()
	fd := r.fd
	r.mu.Unlock()
	return kvmInjectInterrupt(fd, irq)
}

// VcpuIrqProcess is a no-op: KVM_INTERRUPT injects synchronously, so there
// is no pending-queue to drain on this backend (contrast
// internal/archstub, which simulates one).
func (a *Arch) VcpuIrqProcess(regs archif.Regs) error { return nil }

// Stage2Map installs (or confirms already installed) a KVM userspace
// memory region slot covering region, backed by the host-virtual address
// the caller resolved for it (region.HostPhysStart is the mmap'd host
// virtual address of the backing store — KVM's memory-region API takes a
// userspace address, not a host physical one, so host physical memory is
// never touched directly by this glue). One slot per region; repeat
// faults inside an already-installed region are a no-op.
func (a *Arch) Stage2Map(regs archif.Regs, region archif.StageRegion, faultIPA uint64) error {
	if faultIPA < region.GuestPhysStart || faultIPA >= region.GuestPhysStart+region.Size {
		return &archif.ErrUnsupported{Op: "stage2map: fault outside region"}
	}
	if region.Virtual {
		// Emulated regions are never backed by a KVM memory slot; faults
		// against them are resolved by the device-emulation framework.
		return &archif.ErrUnsupported{Op: "stage2map: region is emulated"}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.slots[region.GuestPhysStart]; ok {
		return nil
	}
	slot := a.nextSlot
	a.nextSlot++
	if err := kvmSetMemoryRegion(a.vmFD, slot, region.GuestPhysStart, region.Size, region.HostPhysStart); err != nil {
		return err
	}
	a.slots[region.GuestPhysStart] = slot
	return nil
}

// DecodeMMIOFault reports the access VcpuRegsSwitch already decoded from
// KVM_EXIT_MMIO without consuming it; x86 KVM supplies address/width/direction
// directly in kvm_run, so there is no instruction stream to disassemble
// (contrast an ARM backend, which would decode the trapped instruction
// here). The register-index return is always -1: x86 MMIO exits do not
// identify which general-purpose register sourced/sank the access, only
// the raw bytes, which DecodeMMIOFault's caller reads via the devemu
// framework's length-prefixed read/write instead.
func (a *Arch) DecodeMMIOFault(regs archif.Regs, faultIPA uint64) (archif.TransferWidth, bool, int, bool) {
	r, ok := regs.(*Regs)
	if !ok {
		return 0, false, 0, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	f := r.pendingFault
	if f == nil || f.addr != faultIPA {
		return 0, false, 0, false
	}
	return f.width, f.isWrite, -1, true
}

// widthBytes converts a TransferWidth bit to a byte count.
func widthBytes(w archif.TransferWidth) int {
	switch w {
	case archif.Width8:
		return 1
	case archif.Width16:
		return 2
	case archif.Width32:
		return 4
	default:
		return 8
	}
}

// MMIOData exposes the raw bytes a guest wrote on the last decoded
// KVM_EXIT_MMIO fault (the archif.Arch interface has no room for a byte
// payload since other architectures source it differently); callers drive
// the actual devemu.Registry.EmulateWrite call with it.
func (r *Regs) MMIOData() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pendingFault == nil {
		return nil
	}
	out := make([]byte, widthBytes(r.pendingFault.width))
	copy(out, r.pendingFault.data[:])
	return out
}

// SetMMIOResult writes an emulated read's result back into kvm_run so the
// next KVM_RUN hands it to the guest, and clears the pending fault.
func (r *Regs) SetMMIOResult(data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pendingFault == nil {
		return
	}
	dst := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(unsafe.Pointer(r.run))+uintptr(r.pendingFault.dataOffset))), widthBytes(r.pendingFault.width))
	copy(dst, data)
	r.pendingFault = nil
}
