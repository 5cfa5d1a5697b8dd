// Package hvmem provides typed handles onto memory living in the
// tracee's address space: HvMem[T] for a plain remote allocation, and
// VmMem[T] for one that has additionally been registered with KVM as a
// guest-physical memory region. Go's generics replace the phantom-type
// workaround the original implementation needed; see DESIGN.md for the
// recorded decision.
package hvmem

import (
	"sync"
	"unsafe"

	"github.com/vmsh-io/vmsh/internal/kvmabi"
	"github.com/vmsh-io/vmsh/internal/tracee"
	"github.com/vmsh-io/vmsh/internal/vmsherr"
)

// Remote is the subset of Tracee that hvmem depends on, so tests can
// substitute a fake without pulling in real ptrace.
type Remote interface {
	Mmap(addr, length uintptr, prot, flags int, fd int32, offset int64) (uintptr, error)
	Munmap(addr, length uintptr) error
	ReadAt(addr uintptr, buf []byte) error
	WriteAt(addr uintptr, buf []byte) error
	Ioctl(fd int32, request uintptr, argAddr uintptr) (uintptr, error)
}

var _ Remote = (*tracee.Tracee)(nil)

// HvMem[T] is a T-sized anonymous mapping inside the tracee, created
// with mmap(MAP_ANONYMOUS|MAP_SHARED) so the mapping survives
// independently of any file and can be read back with ReadAt/WriteAt or
// ioctl'd by address (e.g. as a KVM_SET_USER_MEMORY_REGION argument).
type HvMem[T any] struct {
	Addr uintptr
	Size uintptr

	mu     *sync.RWMutex // the hypervisor's tracee lock, held by the caller during munmap
	remote Remote
	closed bool
}

// Alloc maps size bytes (rounded up to T's alignment requirements by
// the caller) inside remote and returns a handle to it.
func Alloc[T any](remote Remote, mu *sync.RWMutex, size uintptr) (*HvMem[T], error) {
	if size == 0 {
		size = unsafe.Sizeof(*new(T))
	}
	addr, err := remote.Mmap(0, size,
		unix_PROT_READ|unix_PROT_WRITE,
		unix_MAP_SHARED|unix_MAP_ANONYMOUS,
		-1, 0)
	if err != nil {
		return nil, vmsherr.Wrap(vmsherr.TraceeTransport, "alloc hvmem", err)
	}
	return &HvMem[T]{Addr: addr, Size: size, mu: mu, remote: remote}, nil
}

// Read copies the current remote value back into the host.
func (h *HvMem[T]) Read() (T, error) {
	var v T
	buf := make([]byte, unsafe.Sizeof(v))
	if err := h.remote.ReadAt(h.Addr, buf); err != nil {
		return v, err
	}
	return *(*T)(unsafe.Pointer(&buf[0])), nil
}

// Write overwrites the remote value.
func (h *HvMem[T]) Write(v T) error {
	size := unsafe.Sizeof(v)
	buf := make([]byte, size)
	*(*T)(unsafe.Pointer(&buf[0])) = v
	return h.remote.WriteAt(h.Addr, buf)
}

// Close unmaps the remote memory and returns the munmap error. When mu
// is non-nil it is held for writing around the munmap, so Close blocks
// until that lock is free. A second call is a no-op.
func (h *HvMem[T]) Close() error {
	if h.closed {
		return nil
	}
	if h.mu != nil {
		h.mu.Lock()
		defer h.mu.Unlock()
	}
	return h.closeLocked()
}

func (h *HvMem[T]) closeLocked() error {
	if h.closed {
		return nil
	}
	h.closed = true
	return h.remote.Munmap(h.Addr, h.Size)
}

// VmMem[T] is an HvMem[T] that has additionally been registered as a
// KVM guest-physical memory region via KVM_SET_USER_MEMORY_REGION. Its
// ioctl argument is itself backed by remote memory, so that closing it
// can reissue the ioctl with memory_size=0 (tearing the slot down)
// before unmapping the underlying pages — same ordering as the
// reference implementation's Drop for its equivalent type.
type VmMem[T any] struct {
	Mem      *HvMem[T]
	ioctlArg *HvMem[kvmabi.UserspaceMemoryRegion]
	vmFd     int32
	region   kvmabi.UserspaceMemoryRegion
	remote   Remote
}

// NewVmMem registers mem's backing pages as guest-physical memory at
// gpa, on the given KVM VM fd, using the given slot id.
func NewVmMem[T any](remote Remote, mu *sync.RWMutex, vmFd int32, slot uint32, gpa uint64, mem *HvMem[T]) (*VmMem[T], error) {
	region := kvmabi.UserspaceMemoryRegion{
		Slot:          slot,
		GuestPhysAddr: gpa,
		MemorySize:    uint64(mem.Size),
		UserspaceAddr: uint64(mem.Addr),
	}
	arg, err := Alloc[kvmabi.UserspaceMemoryRegion](remote, mu, unsafe.Sizeof(region))
	if err != nil {
		return nil, err
	}
	if err := arg.Write(region); err != nil {
		return nil, err
	}
	if _, err := remote.Ioctl(vmFd, kvmabi.KVM_SET_USER_MEMORY_REGION, arg.Addr); err != nil {
		arg.Close()
		return nil, vmsherr.Wrap(vmsherr.KvmProtocol, "KVM_SET_USER_MEMORY_REGION", err)
	}
	return &VmMem[T]{Mem: mem, ioctlArg: arg, vmFd: vmFd, region: region, remote: remote}, nil
}

// Close deregisters the memory region (memory_size=0) before unmapping
// the backing pages, in that order, matching the kernel's expectation
// that a slot be torn down before its backing memory disappears.
func (v *VmMem[T]) Close() error {
	v.region.MemorySize = 0
	if err := v.ioctlArg.Write(v.region); err == nil {
		v.remote.Ioctl(v.vmFd, kvmabi.KVM_SET_USER_MEMORY_REGION, v.ioctlArg.Addr)
	}
	err1 := v.ioctlArg.Close()
	err2 := v.Mem.Close()
	if err2 != nil {
		return err2
	}
	return err1
}

// Defined here rather than imported from golang.org/x/sys/unix to keep this package's
// public surface free of a direct unix dependency for its in-memory
// test fakes; values match unix.PROT_*/MAP_*.
const (
	unix_PROT_READ  = 0x1
	unix_PROT_WRITE = 0x2
	unix_MAP_SHARED = 0x01
	unix_MAP_ANONYMOUS = 0x20
)
