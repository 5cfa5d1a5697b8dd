package hypervisor

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/vmsh-io/vmsh/internal/kvmabi"
	"github.com/vmsh-io/vmsh/internal/tracee"
	"github.com/vmsh-io/vmsh/internal/vmsherr"
)

// sysPidfdGetfd is not wrapped by x/sys/unix on all supported
// toolchains; its number is architecture-fixed on x86-64 (Linux 5.6+).
const sysPidfdGetfd = 438

// Irqfd creates an eventfd inside the tracee and registers it with KVM
// as the doorbell for guest interrupt line gsi, then duplicates that
// same fd back into the host's own table via pidfd_getfd so the host
// can raise the interrupt with a plain write(2) without needing any
// further syscall injection. Callers must hold at least RLock.
func (h *Hypervisor) Irqfd(gsi uint32) (hostFd int, err error) {
	remoteFd, err := remoteEventfd(h.tr)
	if err != nil {
		return 0, err
	}

	arg := kvmabi.Irqfd{Fd: uint32(remoteFd), Gsi: gsi}
	argAddr, cleanup, err := h.stageBytes(unsafe.Pointer(&arg), unsafe.Sizeof(arg))
	if err != nil {
		return 0, err
	}
	defer cleanup()

	if _, err := h.tr.Ioctl(h.VMFd, kvmabi.KVM_IRQFD, argAddr); err != nil {
		return 0, vmsherr.Wrap(vmsherr.KvmProtocol, "KVM_IRQFD", err)
	}

	hostFd, err = h.dupRemoteFd(remoteFd)
	if err != nil {
		return 0, err
	}
	return hostFd, nil
}

// Ioeventfd creates an eventfd inside the tracee and registers it with
// KVM as the doorbell for MMIO writes of `size` bytes at `addr`, and
// duplicates it back to the host the same way Irqfd does, so a
// queue-notify handler can block on a plain read(2) instead of the
// interposer's KVM_RUN loop.
func (h *Hypervisor) Ioeventfd(addr uint64, size uint32) (hostFd int, err error) {
	remoteFd, err := remoteEventfd(h.tr)
	if err != nil {
		return 0, err
	}

	arg := kvmabi.IoEventFd{Addr: addr, Len: size, Fd: int32(remoteFd)}
	argAddr, cleanup, err := h.stageBytes(unsafe.Pointer(&arg), unsafe.Sizeof(arg))
	if err != nil {
		return 0, err
	}
	defer cleanup()

	if _, err := h.tr.Ioctl(h.VMFd, kvmabi.KVM_IOEVENTFD, argAddr); err != nil {
		return 0, vmsherr.Wrap(vmsherr.KvmProtocol, "KVM_IOEVENTFD", err)
	}

	return h.dupRemoteFd(remoteFd)
}

// dupRemoteFd duplicates fd `remoteFd` living in the tracee's table
// into the host's own fd table via pidfd_getfd.
func (h *Hypervisor) dupRemoteFd(remoteFd int) (int, error) {
	pidfd, err := unix.PidfdOpen(h.Pid, 0)
	if err != nil {
		return 0, vmsherr.Wrap(vmsherr.TraceeTransport, "pidfd_open", err)
	}
	defer unix.Close(pidfd)

	ret, _, errno := unix.Syscall(sysPidfdGetfd, uintptr(pidfd), uintptr(remoteFd), 0)
	if errno != 0 {
		return 0, vmsherr.Wrap(vmsherr.TraceeTransport, "pidfd_getfd", errno)
	}
	return int(ret), nil
}

// stageBytes copies a small fixed-size ioctl argument struct into
// anonymous remote memory and returns its address plus a cleanup
// closure that unmaps it.
func (h *Hypervisor) stageBytes(p unsafe.Pointer, size uintptr) (uintptr, func(), error) {
	buf := unsafe.Slice((*byte)(p), int(size))
	addr, err := h.tr.Mmap(0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS, -1, 0)
	if err != nil {
		return 0, nil, err
	}
	if err := h.tr.WriteAt(addr, buf); err != nil {
		h.tr.Munmap(addr, size)
		return 0, nil, err
	}
	return addr, func() { h.tr.Munmap(addr, size) }, nil
}

func remoteEventfd(t *tracee.Tracee) (int, error) {
	ret, err := t.RemoteSyscall(unix.SYS_EVENTFD2, 0, unix.EFD_NONBLOCK, 0, 0, 0, 0)
	if err != nil {
		return 0, err
	}
	if int64(ret) < 0 {
		return 0, vmsherr.Wrap(vmsherr.TraceeTransport, "remote eventfd2", unix.Errno(-int64(ret)))
	}
	return int(ret), nil
}
