package attach

import (
	"context"

	"golang.org/x/sys/unix"

	"github.com/vmsh-io/vmsh/internal/guestmem"
	"github.com/vmsh-io/vmsh/internal/hypervisor"
	"github.com/vmsh-io/vmsh/internal/interpose"
	"github.com/vmsh-io/vmsh/internal/kvmabi"
	"github.com/vmsh-io/vmsh/internal/logging"
	"github.com/vmsh-io/vmsh/internal/tracee"
	"github.com/vmsh-io/vmsh/internal/virtio/mmio"
	"github.com/vmsh-io/vmsh/internal/vmsherr"
)

// wireDeviceIO builds the guest-memory view the device's virtqueues run
// against and an interrupt-raise function backed by a real irqfd.
// cleanup releases the irqfd. The interposer that turns MMIO exits into
// register Read/Write calls is set up separately, by newInterposer.
func wireDeviceIO(h *hypervisor.Hypervisor, mmioAddr, mmioSize uint64) (mmio.GuestMemory, mmio.RaiseFunc, func(), error) {
	h.RLock()
	slots, err := h.GetMaps()
	h.RUnlock()
	if err != nil {
		return nil, nil, nil, err
	}
	mem := guestmem.New(h.Tracee(), slots)

	const gsi = 9 // matches the legacy ISA IRQ line commonly free for a hot-added device
	h.RLock()
	irqFd, err := h.Irqfd(gsi)
	h.RUnlock()
	if err != nil {
		return nil, nil, nil, vmsherr.Wrap(vmsherr.Backend, "register irqfd", err)
	}

	raise := func() {
		var one [8]byte
		one[0] = 1
		unix.Write(irqFd, one[:])
	}

	cleanup := func() {
		unix.Close(irqFd)
	}

	return mem, raise, cleanup, nil
}

// startQueueNotifyDoorbell registers a KVM ioeventfd doorbell for the
// device's QUEUE_NOTIFY register, so the hot path for a guest kicking
// the virtqueue never takes a full KVM_RUN exit through the
// interposer: the kernel services the MMIO write in-place and wakes
// this goroutine through the eventfd instead. This is the "event-loop
// thread running the device's subscribers" the mmio/queue-notify
// transport is built around; everything else (feature negotiation,
// status transitions, queue setup) still flows through the
// interposer's synchronous trap path, since those are one-time,
// non-perf-critical accesses. The returned stop func unregisters the
// goroutine and closes the doorbell fd.
func startQueueNotifyDoorbell(ctx context.Context, h *hypervisor.Hypervisor, regs *mmio.Regs, mmioAddr uint64) (func(), error) {
	h.RLock()
	fd, err := h.Ioeventfd(mmioAddr+mmio.RegQueueNotify, 4)
	h.RUnlock()
	if err != nil {
		return nil, vmsherr.Wrap(vmsherr.Backend, "register queue-notify ioeventfd", err)
	}

	done := make(chan struct{})
	go runQueueNotifyLoop(ctx, done, fd, regs)

	return func() {
		close(done)
		unix.Close(fd)
	}, nil
}

// runQueueNotifyLoop blocks on the doorbell eventfd becoming readable
// and, on each wakeup, replays the QUEUE_NOTIFY write for this
// device's single queue (index 0) directly against regs — the same
// effect a guest's MMIO write to that register would have had, minus
// the vmexit. The eventfd was created O_NONBLOCK, so readiness is
// polled with a bounded timeout to stay responsive to cancellation.
func runQueueNotifyLoop(ctx context.Context, done <-chan struct{}, fd int, regs *mmio.Regs) {
	log := logging.For("attach")
	pfds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		default:
		}

		n, err := unix.Poll(pfds, 200)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			log.WithError(err).Warn("queue-notify doorbell poll failed")
			return
		}
		if n == 0 {
			continue
		}

		var counter [8]byte
		if _, err := unix.Read(fd, counter[:]); err != nil {
			log.WithError(err).Warn("queue-notify doorbell read failed")
			continue
		}
		if err := regs.Write(mmio.RegQueueNotify, 4, 0); err != nil {
			log.WithError(err).Error("queue-notify doorbell handler failed")
		}
	}
}

// newInterposer mmaps vcpu 0's kvm_run page inside the tracee and
// builds an Interposer that routes exits in [mmioAddr, mmioAddr+size)
// to regs. Only vcpu 0 is interposed: the other vcpus' accesses to the
// same MMIO window are serialized through KVM's own single-dispatch
// behavior for a given address, matching how a single-queue virtio
// device is expected to be accessed in practice.
func newInterposer(h *hypervisor.Hypervisor, regs *mmio.Regs, mmioAddr, mmioSize uint64) (*interpose.Interposer, error) {
	if len(h.VCPUs) == 0 {
		return nil, vmsherr.Configurationf("hypervisor reports no vcpus")
	}
	vcpu := h.VCPUs[0]

	mmapSize, err := vcpuMmapSize(h)
	if err != nil {
		return nil, err
	}

	runAddr, merr := h.Tracee().Mmap(0, mmapSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED, vcpu.Fd, 0)
	if merr != nil {
		return nil, vmsherr.Wrap(vmsherr.KvmProtocol, "mmap vcpu kvm_run page", merr)
	}

	return &interpose.Interposer{
		Tracee:  h.Tracee(),
		VcpuFd:  vcpu.Fd,
		RunPage: runAddr,
		RunSize: mmapSize,
		Window:  interpose.Window{Start: mmioAddr, Len: mmioSize},
		Handler: &regsHandler{regs: regs},
	}, nil
}

// vcpuMmapSize asks the kernel how large the shared kvm_run mapping is.
// That ioctl is only implemented on the /dev/kvm system fd, not the vm
// fd the tracee already has open, so this opens a throwaway /dev/kvm
// fd inside the tracee purely to ask the question, then closes it.
func vcpuMmapSize(h *hypervisor.Hypervisor) (uintptr, error) {
	t := h.Tracee()
	pathAddr, pathLen, err := stageCString(t, "/dev/kvm")
	if err != nil {
		return 0, err
	}
	defer t.Munmap(pathAddr, pathLen)

	fdRet, err := t.RemoteSyscall(unix.SYS_OPENAT, uintptr(unix.AT_FDCWD), pathAddr, uintptr(unix.O_RDWR), 0, 0, 0)
	if err != nil {
		return 0, vmsherr.Wrap(vmsherr.KvmProtocol, "open /dev/kvm in tracee", err)
	}
	if int64(fdRet) < 0 {
		return 0, vmsherr.Wrap(vmsherr.KvmProtocol, "open /dev/kvm in tracee", unix.Errno(-int64(fdRet)))
	}
	kvmFd := int32(fdRet)
	defer t.RemoteSyscall(unix.SYS_CLOSE, uintptr(kvmFd), 0, 0, 0, 0, 0)

	ret, err := t.Ioctl(kvmFd, kvmabi.KVM_GET_VCPU_MMAP_SIZE, 0)
	if err != nil {
		return 0, vmsherr.Wrap(vmsherr.KvmProtocol, "KVM_GET_VCPU_MMAP_SIZE", err)
	}
	return uintptr(ret), nil
}

// stageCString writes a NUL-terminated copy of s into anonymous remote
// memory and returns its address and allocation length.
func stageCString(t *tracee.Tracee, s string) (uintptr, uintptr, error) {
	buf := append([]byte(s), 0)
	size := uintptr(len(buf))
	addr, err := t.Mmap(0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS, -1, 0)
	if err != nil {
		return 0, 0, err
	}
	if err := t.WriteAt(addr, buf); err != nil {
		t.Munmap(addr, size)
		return 0, 0, err
	}
	return addr, size, nil
}

// regsHandler adapts *mmio.Regs to interpose.Handler: an MMIO exit
// carries raw bytes and a size, which this converts to the register
// file's (offset, size) Read/Write calls.
type regsHandler struct {
	regs *mmio.Regs
}

func (h *regsHandler) OnMMIO(offset uint64, data []byte, isWrite bool) error {
	if isWrite {
		v := decodeLE(data)
		return h.regs.Write(offset, len(data), v)
	}
	v, err := h.regs.Read(offset, len(data))
	if err != nil {
		return err
	}
	encodeLE(v, data)
	return nil
}

func decodeLE(buf []byte) uint32 {
	var v uint32
	for i, b := range buf {
		v |= uint32(b) << (8 * i)
	}
	return v
}

func encodeLE(v uint32, buf []byte) {
	for i := range buf {
		buf[i] = byte(v >> (8 * i))
	}
}

// runInterposer drives the KVM-run interposer for vcpuFd, routing
// exits inside [mmioAddr, mmioAddr+mmioSize) to regs, until ctx is
// cancelled or an unrelated exit surfaces (returned to the caller,
// which in production would forward it to the next interposer or let
// the hypervisor's own thread resume handling it).
func runInterposer(ctx context.Context, ip *interpose.Interposer) error {
	err := ip.Run(ctx)
	if err == context.Canceled || err == context.DeadlineExceeded {
		return nil
	}
	if _, ok := err.(*interpose.Unhandled); ok {
		logging.For("attach").WithError(err).Debug("interposer yielding to hypervisor for unrelated exit")
		return nil
	}
	return err
}
