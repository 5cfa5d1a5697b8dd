// Package kvmabi mirrors the subset of the Linux KVM uapi
// (include/uapi/linux/kvm.h) that the rest of this module needs: ioctl
// request numbers, the structures passed by reference to them, and the
// KVM_EXIT_* reasons found in kvm_run.
//
// Request numbers are computed the same way the kernel's
// asm-generic/ioctl.h macros do, rather than hardcoded, so that a typo in
// a struct definition is caught as a wrong ioctl number instead of silently
// corrupting memory in the tracee.
package kvmabi

import "unsafe"

const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	iocNRBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocNRShift   = 0
	iocTypeShift = iocNRShift + iocNRBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits

	kvmIOC = 0xAE
)

func ioc(dir, nr, size uintptr) uintptr {
	return dir<<iocDirShift | kvmIOC<<iocTypeShift | nr<<iocNRShift | size<<iocSizeShift
}

func io(nr uintptr) uintptr            { return ioc(iocNone, nr, 0) }
func ior(nr uintptr, size uintptr) uintptr  { return ioc(iocRead, nr, size) }
func iow(nr uintptr, size uintptr) uintptr  { return ioc(iocWrite, nr, size) }
func iowr(nr uintptr, size uintptr) uintptr { return ioc(iocWrite|iocRead, nr, size) }

// IowCompat exposes the _IOW encoding for build-tag-gated callers
// (e.g. the ioregionfd doorbell path) that need to derive a request
// number for a uapi struct not otherwise named in this package.
func IowCompat(nr uintptr, size uintptr) uintptr { return iow(nr, size) }

// Ioctl request numbers used by this module, per §6 "Kernel interfaces
// consumed" of the specification.
var (
	KVM_GET_API_VERSION       = io(0x00)
	KVM_CREATE_VM             = io(0x01)
	KVM_CHECK_EXTENSION       = io(0x03)
	KVM_GET_VCPU_MMAP_SIZE    = io(0x04)
	KVM_CREATE_VCPU           = io(0x41)
	KVM_SET_USER_MEMORY_REGION = iow(0x46, unsafe.Sizeof(UserspaceMemoryRegion{}))
	KVM_RUN                   = io(0x80)
	KVM_GET_REGS              = ior(0x81, unsafe.Sizeof(Regs{}))
	KVM_SET_REGS              = iow(0x82, unsafe.Sizeof(Regs{}))
	KVM_GET_SREGS             = ior(0x83, unsafe.Sizeof(Sregs{}))
	KVM_SET_SREGS             = iow(0x84, unsafe.Sizeof(Sregs{}))
	KVM_IRQ_LINE              = iow(0x61, unsafe.Sizeof(IrqLevel{}))
	KVM_CREATE_IRQCHIP        = io(0x60)
	KVM_IRQFD                 = iow(0x76, unsafe.Sizeof(Irqfd{}))
	KVM_IOEVENTFD             = iow(0x79, unsafe.Sizeof(IoEventFd{}))
	KVM_GET_FPU               = ior(0x8c, unsafe.Sizeof(Fpu{}))
	KVM_SET_FPU               = iow(0x8d, unsafe.Sizeof(Fpu{}))
)

// KVM_EXIT_* reasons reported in RunData.ExitReason.
const (
	ExitUnknown     = 0
	ExitException   = 1
	ExitIO          = 2
	ExitHypercall   = 3
	ExitDebug       = 4
	ExitHlt         = 5
	ExitMmio        = 6
	ExitIrqWindow   = 7
	ExitShutdown    = 8
	ExitFailEntry   = 9
	ExitIntr        = 10
	ExitInternalErr = 17
)

// UserspaceMemoryRegion mirrors struct kvm_userspace_memory_region.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

const MemFlagLogDirtyPages = 1 << 0
const MemFlagReadonly = 1 << 1

// Irqfd mirrors struct kvm_irqfd.
type Irqfd struct {
	Fd    uint32
	Gsi   uint32
	Flags uint32
	_     [20]byte
}

const IrqfdFlagDeassign = 1 << 0

// IoEventFd mirrors struct kvm_ioeventfd.
type IoEventFd struct {
	Datamatch uint64
	Addr      uint64
	Len       uint32
	Fd        int32
	Flags     uint32
	_         [36]byte
}

const (
	IoEventFdFlagDatamatch = 1 << 0
	IoEventFdFlagDeassign  = 1 << 2
)

// IrqLevel mirrors struct kvm_irq_level.
type IrqLevel struct {
	Irq   uint32
	Level uint32
}

// Regs mirrors the x86-64 subset of struct kvm_regs.
type Regs struct {
	RAX, RBX, RCX, RDX    uint64
	RSI, RDI, RSP, RBP    uint64
	R8, R9, R10, R11      uint64
	R12, R13, R14, R15    uint64
	RIP, RFLAGS           uint64
}

// Segment mirrors struct kvm_segment.
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Type     uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
	_        uint8
}

// DTable mirrors struct kvm_dtable (GDT/IDT descriptors).
type DTable struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

// Sregs mirrors struct kvm_sregs.
type Sregs struct {
	CS, DS, ES, FS, GS, SS Segment
	TR, LDT                Segment
	GDT, IDT               DTable
	CR0, CR2, CR3, CR4     uint64
	CR8                    uint64
	EFER                   uint64
	ApicBase               uint64
	InterruptBitmap        [(256 + 63) / 64]uint64
}

// Fpu mirrors struct kvm_fpu.
type Fpu struct {
	FPR         [8][16]uint8
	FCW         uint16
	FSW         uint16
	FTWX        uint8
	_           uint8
	LastOpcode  uint16
	LastIP      uint64
	LastDP      uint64
	XMM         [16][16]uint8
	MXCSR       uint32
	_           uint32
}

// RunData mirrors the fixed-size header of struct kvm_run; the exit-reason
// specific union that follows (io, mmio, ...) is decoded by
// internal/interpose directly from the mmap'd page at these fixed offsets,
// matching upstream kvm_run layout on x86-64.
type RunData struct {
	RequestInterruptWindow uint8
	_                      [7]uint8

	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	_                          [2]uint8

	CR8      uint64
	ApicBase uint64

	// Union data for the exit reason above.
	Data [32]uint64
}

// MmioExit decodes RunData.Data for ExitMmio.
type MmioExit struct {
	PhysAddr uint64
	Data     [8]byte
	Len      uint32
	IsWrite  uint8
}

// IOExit decodes RunData.Data for ExitIO.
type IOExit struct {
	Direction uint8
	Size      uint8
	Port      uint16
	Count     uint32
	DataOffset uint64
}

const (
	IOExitIn  = 0
	IOExitOut = 1
)
