// Package tracee attaches to an already-running process via ptrace and
// lets the rest of this module execute syscalls inside it — the
// mechanism the attach pipeline uses to issue KVM ioctls, mmap guest
// memory, and read/write guest-physical pages, all without the target's
// cooperation or a restart.
//
// Remote syscalls are injected the classic ptrace way: save the
// tracee's registers, point its instruction pointer at a `syscall`
// instruction already present in its own text, prime the syscall
// argument registers, single-step across the instruction, read back
// the return value from RAX, then restore the original registers.
package tracee

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/vmsh-io/vmsh/internal/logging"
	"github.com/vmsh-io/vmsh/internal/procfs"
	"github.com/vmsh-io/vmsh/internal/vmsherr"
)

// Tracee is a ptrace attachment to a single thread of the target
// process. All syscall injection happens on this one tid.
type Tracee struct {
	Pid int // tid actually under ptrace control

	attached     bool
	syscallAddr  uintptr // address of a `syscall` instruction in the tracee's text
	savedRegs    unix.PtraceRegs
}

// Attach stops the thread `tid` with PTRACE_ATTACH and
// waits for it to enter trap state. tid must belong to a process the
// caller has permission to trace (same uid, or CAP_SYS_PTRACE).
func Attach(tid int) (*Tracee, error) {
	if err := unix.PtraceAttach(tid); err != nil {
		return nil, vmsherr.Wrap(vmsherr.TraceeTransport, "ptrace attach", err)
	}
	var ws unix.WaitStatus
	if _, err := unix.Wait4(tid, &ws, 0, nil); err != nil {
		unix.PtraceDetach(tid)
		return nil, vmsherr.Wrap(vmsherr.TraceeTransport, "wait for attach stop", err)
	}

	t := &Tracee{Pid: tid, attached: true}
	addr, err := t.findSyscallInsn()
	if err != nil {
		t.Detach()
		return nil, vmsherr.Wrap(vmsherr.TraceeTransport, "locate syscall gadget", err)
	}
	t.syscallAddr = addr

	logging.For("tracee").WithField("tid", tid).Debug("attached")
	return t, nil
}

// Detach resumes the tracee and releases the ptrace attachment. Safe to
// call more than once.
func (t *Tracee) Detach() error {
	if !t.attached {
		return nil
	}
	t.attached = false
	if err := unix.PtraceDetach(t.Pid); err != nil {
		return vmsherr.Wrap(vmsherr.TraceeTransport, "ptrace detach", err)
	}
	return nil
}

// findSyscallInsn scans the tracee's executable mappings for a `syscall`
// instruction (opcode 0x0f 0x05) to reuse as the injection site, instead
// of writing one into the target (which would dirty guest/hypervisor
// memory the interposer must leave untouched).
func (t *Tracee) findSyscallInsn() (uintptr, error) {
	maps, err := procfs.ReadMaps(t.Pid)
	if err != nil {
		return 0, err
	}
	const syscallOpcode = 0x050f // little-endian bytes 0x0f 0x05
	for _, m := range maps {
		if m.Perms[2] != 'x' {
			continue
		}
		buf := make([]byte, 4096)
		n, err := t.peekAt(m.Start, buf)
		if err != nil || n == 0 {
			continue
		}
		for i := 0; i+1 < n; i++ {
			if buf[i] == 0x0f && buf[i+1] == 0x05 {
				return m.Start + uintptr(i), nil
			}
		}
	}
	return 0, fmt.Errorf("no executable `syscall` instruction found in tracee %d", t.Pid)
}

func (t *Tracee) peekAt(addr uintptr, buf []byte) (int, error) {
	return unix.PtracePeekData(t.Pid, addr, buf)
}

// RemoteSyscall executes syscall `nr` inside the tracee with the given
// arguments and returns its raw return value (errno encoded as a
// negative value in [-4095,-1], per the x86-64 kernel syscall ABI).
func (t *Tracee) RemoteSyscall(nr uintptr, a1, a2, a3, a4, a5, a6 uintptr) (uintptr, error) {
	if !t.attached {
		return 0, vmsherr.Wrap(vmsherr.TraceeTransport, "remote syscall", fmt.Errorf("not attached"))
	}

	var orig unix.PtraceRegs
	if err := unix.PtraceGetRegs(t.Pid, &orig); err != nil {
		return 0, vmsherr.Wrap(vmsherr.TraceeTransport, "get regs", err)
	}
	regs := orig
	regs.Rax = uint64(nr)
	regs.Rdi = uint64(a1)
	regs.Rsi = uint64(a2)
	regs.Rdx = uint64(a3)
	regs.R10 = uint64(a4)
	regs.R8 = uint64(a5)
	regs.R9 = uint64(a6)
	regs.Rip = uint64(t.syscallAddr)

	if err := unix.PtraceSetRegs(t.Pid, &regs); err != nil {
		return 0, vmsherr.Wrap(vmsherr.TraceeTransport, "set regs", err)
	}

	if err := unix.PtraceSingleStep(t.Pid); err != nil {
		unix.PtraceSetRegs(t.Pid, &orig)
		return 0, vmsherr.Wrap(vmsherr.TraceeTransport, "single-step syscall", err)
	}
	var ws unix.WaitStatus
	if _, err := unix.Wait4(t.Pid, &ws, 0, nil); err != nil {
		return 0, vmsherr.Wrap(vmsherr.TraceeTransport, "wait after single-step", err)
	}
	if ws.Exited() {
		return 0, vmsherr.Wrap(vmsherr.TraceeTransport, "remote syscall", fmt.Errorf("tracee %d exited during injection", t.Pid))
	}

	var after unix.PtraceRegs
	if err := unix.PtraceGetRegs(t.Pid, &after); err != nil {
		return 0, vmsherr.Wrap(vmsherr.TraceeTransport, "get regs after syscall", err)
	}
	ret := uintptr(after.Rax)

	if err := unix.PtraceSetRegs(t.Pid, &orig); err != nil {
		return 0, vmsherr.Wrap(vmsherr.TraceeTransport, "restore regs", err)
	}
	return ret, nil
}

// Ioctl issues ioctl(fd, request, argAddr) inside the tracee, where
// argAddr is typically the remote address of an HvMem-backed struct.
func (t *Tracee) Ioctl(fd int32, request uintptr, argAddr uintptr) (uintptr, error) {
	ret, err := t.RemoteSyscall(unix.SYS_IOCTL, uintptr(fd), request, argAddr, 0, 0, 0)
	if err != nil {
		return 0, err
	}
	if errnoFailed(ret) {
		return 0, vmsherr.Wrap(vmsherr.KvmProtocol, "remote ioctl", unix.Errno(-int64(ret)))
	}
	return ret, nil
}

// Mmap issues mmap(addr, length, prot, flags, fd, offset) inside the
// tracee and returns the resulting remote address.
func (t *Tracee) Mmap(addr, length uintptr, prot, flags int, fd int32, offset int64) (uintptr, error) {
	ret, err := t.RemoteSyscall(unix.SYS_MMAP, addr, length, uintptr(prot), uintptr(flags), uintptr(fd), uintptr(offset))
	if err != nil {
		return 0, err
	}
	if errnoFailed(ret) {
		return 0, vmsherr.Wrap(vmsherr.TraceeTransport, "remote mmap", unix.Errno(-int64(ret)))
	}
	return ret, nil
}

// Munmap issues munmap(addr, length) inside the tracee.
func (t *Tracee) Munmap(addr, length uintptr) error {
	ret, err := t.RemoteSyscall(unix.SYS_MUNMAP, addr, length, 0, 0, 0, 0)
	if err != nil {
		return err
	}
	if errnoFailed(ret) {
		return vmsherr.Wrap(vmsherr.TraceeTransport, "remote munmap", unix.Errno(-int64(ret)))
	}
	return nil
}

func errnoFailed(ret uintptr) bool {
	v := int64(ret)
	return v < 0 && v >= -4095
}

// process_vm_readv/writev are not wrapped by golang.org/x/sys/unix, so
// this package issues them directly; their syscall numbers are
// architecture-fixed on x86-64.
const (
	sysProcessVMReadv  = 310
	sysProcessVMWritev = 311
)

type iovec struct {
	Base *byte
	Len  uint64
}

// ReadAt copies len(buf) bytes from the tracee's address space starting
// at addr into buf, failing rather than retrying on a short copy:
// a process-memory transfer that can't be serviced in one step
// indicates the remote range spans an unmapped gap, which callers need
// to see as an error rather than a partial, silently-truncated read.
func (t *Tracee) ReadAt(addr uintptr, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	local := iovec{Base: &buf[0], Len: uint64(len(buf))}
	remote := iovec{Base: (*byte)(unsafe.Pointer(addr)), Len: uint64(len(buf))}
	n, _, errno := unix.Syscall6(sysProcessVMReadv,
		uintptr(t.Pid),
		uintptr(unsafe.Pointer(&local)), 1,
		uintptr(unsafe.Pointer(&remote)), 1,
		0)
	if errno != 0 {
		return vmsherr.Wrap(vmsherr.TraceeTransport, "process_vm_readv", errno)
	}
	if int(n) != len(buf) {
		return vmsherr.Wrap(vmsherr.TraceeTransport, "process_vm_readv",
			fmt.Errorf("short read: wanted %d got %d", len(buf), n))
	}
	return nil
}

// WriteAt is the write-direction counterpart of ReadAt.
func (t *Tracee) WriteAt(addr uintptr, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	local := iovec{Base: &buf[0], Len: uint64(len(buf))}
	remote := iovec{Base: (*byte)(unsafe.Pointer(addr)), Len: uint64(len(buf))}
	n, _, errno := unix.Syscall6(sysProcessVMWritev,
		uintptr(t.Pid),
		uintptr(unsafe.Pointer(&local)), 1,
		uintptr(unsafe.Pointer(&remote)), 1,
		0)
	if errno != 0 {
		return vmsherr.Wrap(vmsherr.TraceeTransport, "process_vm_writev", errno)
	}
	if int(n) != len(buf) {
		return vmsherr.Wrap(vmsherr.TraceeTransport, "process_vm_writev",
			fmt.Errorf("short write: wanted %d got %d", len(buf), n))
	}
	return nil
}

// ReadValue reads a fixed-size value of type T from the tracee at addr.
func ReadValue[T any](t *Tracee, addr uintptr) (T, error) {
	var v T
	buf := make([]byte, unsafe.Sizeof(v))
	if err := t.ReadAt(addr, buf); err != nil {
		return v, err
	}
	v = *(*T)(unsafe.Pointer(&buf[0]))
	return v, nil
}

// WriteValue writes a fixed-size value of type T into the tracee at addr.
func WriteValue[T any](t *Tracee, addr uintptr, v T) error {
	size := unsafe.Sizeof(v)
	buf := make([]byte, size)
	*(*T)(unsafe.Pointer(&buf[0])) = v
	return t.WriteAt(addr, buf)
}

// Pid1Exists is a tiny guard some callers use before attaching, to turn
// "no such process" into a clean Configuration error rather than a
// ptrace transport error that looks like a permissions problem.
func Pid1Exists(pid int) bool {
	_, err := os.Stat(fmt.Sprintf("/proc/%d", pid))
	return err == nil
}
