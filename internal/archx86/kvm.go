// Package archx86 implements archif.Arch on top of Linux KVM: /dev/kvm is
// opened once per Arch, one KVM_CREATE_VM per Arch, one KVM_CREATE_VCPU
// per VcpuRegsInit. It is the real counterpart to internal/archstub's
// software simulation.
package archx86

import (
	"fmt"
	"syscall"
	"unsafe"
)

// KVM ioctl numbers, encoded the same way the kernel's _IO/_IOR/_IOW
// macros would: direction in bits 30-31, size in bits 16-29, type 0xAE in
// bits 8-15, number in bits 0-7.
const (
	kvmType = 0xAE

	kvmCreateVM           = (kvmType << 8) | 0x01
	kvmGetVCPUMmapSize    = (kvmType << 8) | 0x04
	kvmCreateVCPU         = (kvmType << 8) | 0x41
	kvmRunIoctl           = (kvmType << 8) | 0x80
	kvmSetUserMemoryRegion = (1 << 30) | (32 << 16) | (kvmType << 8) | 0x46
	kvmGetRegs            = (2 << 30) | (144 << 16) | (kvmType << 8) | 0x81
	kvmSetRegs            = (1 << 30) | (144 << 16) | (kvmType << 8) | 0x82
	kvmGetSregs           = (2 << 30) | (312 << 16) | (kvmType << 8) | 0x83
	kvmSetSregs           = (1 << 30) | (312 << 16) | (kvmType << 8) | 0x84
	kvmInterrupt          = (1 << 30) | (4 << 16) | (kvmType << 8) | 0x86

	// Exit reasons (subset).
	kvmExitUnknown   = 0
	kvmExitHlt       = 5
	kvmExitIO        = 2
	kvmExitShutdown  = 8
	kvmExitFailEntry = 9
	kvmExitMMIO      = 6
	kvmExitIntr      = 10
)

// kvmUserspaceMemoryRegion mirrors struct kvm_userspace_memory_region.
type kvmUserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// kvmRegs mirrors the subset of struct kvm_regs this glue needs.
type kvmRegs struct {
	RAX, RBX, RCX, RDX, RSI, RDI, RSP, RBP uint64
	R8, R9, R10, R11, R12, R13, R14, R15   uint64
	RIP, RFLAGS                           uint64
}

// kvmSegment mirrors struct kvm_segment.
type kvmSegment struct {
	Base                      uint64
	Limit                     uint32
	Selector                  uint16
	Type, Present, DPL        uint8
	DB, S, L, G, AVL          uint8
	Unusable                  uint8
	_                         uint8
}

// kvmDtable mirrors struct kvm_dtable (GDTR/IDTR).
type kvmDtable struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

// kvmSregs mirrors the subset of struct kvm_sregs this glue needs.
type kvmSregs struct {
	CS, DS, ES, FS, GS, SS, TR, LDT kvmSegment
	GDT, IDT                        kvmDtable
	CR0, CR2, CR3, CR4, CR8, EFER   uint64
	ApicBase                        uint64
	InterruptBitmap                 [(256 + 63) / 64]uint64
}

// kvmRun mirrors the head of struct kvm_run plus enough of the exit-reason
// union to decode KVM_EXIT_IO and KVM_EXIT_MMIO, which is all this glue
// handles (no in-kernel irqchip or APIC window handling).
type kvmRun struct {
	RequestInterruptWindow uint8
	_                      [7]byte
	ExitReason             uint32
	ReadyForInterruptInjection uint8
	IfFlag                 uint8
	_                      [2]byte
	CR8                    uint64
	ApicBase               uint64
	union                  [256]byte
}

// kvmRunIO mirrors the `io` member of the kvm_run exit-reason union.
type kvmRunIO struct {
	Direction  uint8
	Size       uint8
	Port       uint16
	Count      uint32
	DataOffset uint64
}

// kvmRunMMIO mirrors the `mmio` member of the kvm_run exit-reason union.
type kvmRunMMIO struct {
	PhysAddr uint64
	Data     [8]byte
	Len      uint32
	IsWrite  uint8
}

func (r *kvmRun) io() *kvmRunIO     { return (*kvmRunIO)(unsafe.Pointer(&r.union[0])) }
func (r *kvmRun) mmio() *kvmRunMMIO { return (*kvmRunMMIO)(unsafe.Pointer(&r.union[0])) }

// ioData returns the slice KVM reads OUT data from / writes IN data into
// for a KVM_EXIT_IO exit, living inside kvm_run past DataOffset.
func (r *kvmRun) ioData(off uint64, size int) []byte {
	base := uintptr(unsafe.Pointer(r))
	return unsafe.Slice((*byte)(unsafe.Pointer(base+uintptr(off))), size)
}

func ioctl(fd int, req uintptr, arg uintptr) (uintptr, error) {
	ret, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), req, arg)
	if errno != 0 {
		return 0, errno
	}
	return ret, nil
}

func kvmOpen() (int, error) {
	fd, err := syscall.Open("/dev/kvm", syscall.O_RDWR|syscall.O_CLOEXEC, 0)
	if err != nil {
		return 0, fmt.Errorf("archx86: open /dev/kvm: %w", err)
	}
	return fd, nil
}

func kvmCreateVMFD(kvmFD int) (int, error) {
	fd, err := ioctl(kvmFD, kvmCreateVM, 0)
	if err != nil {
		return 0, fmt.Errorf("archx86: KVM_CREATE_VM: %w", err)
	}
	return int(fd), nil
}

func kvmCreateVCPUFD(vmFD int) (int, error) {
	fd, err := ioctl(vmFD, kvmCreateVCPU, 0)
	if err != nil {
		return 0, fmt.Errorf("archx86: KVM_CREATE_VCPU: %w", err)
	}
	return int(fd), nil
}

func kvmVCPUMmapSize(kvmFD int) (int, error) {
	n, err := ioctl(kvmFD, kvmGetVCPUMmapSize, 0)
	if err != nil {
		return 0, fmt.Errorf("archx86: KVM_GET_VCPU_MMAP_SIZE: %w", err)
	}
	return int(n), nil
}

func kvmSetMemoryRegion(vmFD int, slot uint32, guestPhysAddr, memorySize, userspaceAddr uint64) error {
	region := kvmUserspaceMemoryRegion{
		Slot:          slot,
		GuestPhysAddr: guestPhysAddr,
		MemorySize:    memorySize,
		UserspaceAddr: userspaceAddr,
	}
	if _, err := ioctl(vmFD, kvmSetUserMemoryRegion, uintptr(unsafe.Pointer(&region))); err != nil {
		return fmt.Errorf("archx86: KVM_SET_USER_MEMORY_REGION slot %d: %w", slot, err)
	}
	return nil
}

func kvmGetRegsFD(vcpuFD int) (*kvmRegs, error) {
	var regs kvmRegs
	if _, err := ioctl(vcpuFD, kvmGetRegs, uintptr(unsafe.Pointer(&regs))); err != nil {
		return nil, fmt.Errorf("archx86: KVM_GET_REGS: %w", err)
	}
	return &regs, nil
}

func kvmSetRegsFD(vcpuFD int, regs *kvmRegs) error {
	if _, err := ioctl(vcpuFD, kvmSetRegs, uintptr(unsafe.Pointer(regs))); err != nil {
		return fmt.Errorf("archx86: KVM_SET_REGS: %w", err)
	}
	return nil
}

func kvmGetSregsFD(vcpuFD int) (*kvmSregs, error) {
	var sregs kvmSregs
	if _, err := ioctl(vcpuFD, kvmGetSregs, uintptr(unsafe.Pointer(&sregs))); err != nil {
		return nil, fmt.Errorf("archx86: KVM_GET_SREGS: %w", err)
	}
	return &sregs, nil
}

func kvmSetSregsFD(vcpuFD int, sregs *kvmSregs) error {
	if _, err := ioctl(vcpuFD, kvmSetSregs, uintptr(unsafe.Pointer(sregs))); err != nil {
		return fmt.Errorf("archx86: KVM_SET_SREGS: %w", err)
	}
	return nil
}

func kvmInjectInterrupt(vcpuFD int, vector uint32) error {
	if _, err := ioctl(vcpuFD, kvmInterrupt, uintptr(unsafe.Pointer(&vector))); err != nil {
		return fmt.Errorf("archx86: KVM_INTERRUPT vector 0x%x: %w", vector, err)
	}
	return nil
}

func kvmRunVCPU(vcpuFD int) error {
	for {
		_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(vcpuFD), kvmRunIoctl, 0)
		if errno == syscall.EINTR {
			continue
		}
		if errno != 0 {
			return fmt.Errorf("archx86: KVM_RUN: %w", errno)
		}
		return nil
	}
}
