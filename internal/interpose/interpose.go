// Package interpose steals a single vcpu's KVM_RUN loop for the
// duration of a closure, decoding each MMIO exit and routing it either
// to an injected device (when the faulting address falls in that
// device's registered window) or back out to the caller unhandled, so
// every other address still behaves exactly as the hypervisor expects.
//
// This package's goroutine becomes the thread issuing ioctl(KVM_RUN) on
// the vcpu's fd, and hands exits for any other address straight back
// unhandled so the caller can decide what to do with them. The
// queue-notify doorbell does not pass through here: the attach driver
// services it over a separate ioeventfd.
package interpose

import (
	"context"
	"fmt"
	"unsafe"

	"github.com/vmsh-io/vmsh/internal/kvmabi"
	"github.com/vmsh-io/vmsh/internal/logging"
	"github.com/vmsh-io/vmsh/internal/tracee"
	"github.com/vmsh-io/vmsh/internal/vmsherr"
)

// Window is the [Start, Start+Len) MMIO range a Handler services.
type Window struct {
	Start uint64
	Len   uint64
}

func (w Window) Contains(addr uint64) bool { return addr >= w.Start && addr < w.Start+w.Len }

// Handler services one MMIO access already known to fall in a device's
// Window. For a write, Data holds the bytes the guest wrote; for a
// read, Handler must fill Data with the response.
type Handler interface {
	OnMMIO(offset uint64, data []byte, isWrite bool) error
}

// Unhandled is returned by Run when a vcpu exits for a reason, or an
// MMIO address, the caller's Handler does not own.
type Unhandled struct {
	ExitReason uint32
	MmioAddr   uint64
}

func (u *Unhandled) Error() string {
	return fmt.Sprintf("interpose: unhandled exit reason %d (mmio addr=0x%x)", u.ExitReason, u.MmioAddr)
}

// Interposer drives one vcpu's KVM_RUN loop via its tracee, servicing
// MMIO exits that fall in Window with Handler and returning control
// (with an *Unhandled error, not wrapped) the first time it sees
// anything else.
type Interposer struct {
	Tracee   *tracee.Tracee
	VcpuFd   int32
	RunPage  uintptr // address of the mmap'd kvm_run page in the tracee
	RunSize  uintptr
	Window   Window
	Handler  Handler
}

// Run issues KVM_RUN in a loop, servicing MMIO exits inside Window via
// Handler, until ctx is cancelled or an exit the Handler does not own
// is observed (returned as *Unhandled).
func (ip *Interposer) Run(ctx context.Context) error {
	log := logging.For("interpose")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if _, err := ip.Tracee.Ioctl(ip.VcpuFd, kvmabi.KVM_RUN, 0); err != nil {
			return vmsherr.Wrap(vmsherr.KvmProtocol, "KVM_RUN", err)
		}

		run, err := tracee.ReadValue[kvmabi.RunData](ip.Tracee, ip.RunPage)
		if err != nil {
			return vmsherr.Wrap(vmsherr.TraceeTransport, "read kvm_run page", err)
		}

		switch run.ExitReason {
		case kvmabi.ExitMmio:
			exit := decodeMmioExit(run.Data)
			if !ip.Window.Contains(exit.PhysAddr) {
				return &Unhandled{ExitReason: run.ExitReason, MmioAddr: exit.PhysAddr}
			}
			offset := exit.PhysAddr - ip.Window.Start
			n := exit.Len
			if n > 8 {
				n = 8
			}
			data := exit.Data[:n]
			if err := ip.Handler.OnMMIO(offset, data, exit.IsWrite != 0); err != nil {
				return vmsherr.Wrap(vmsherr.VirtioProtocol, "device mmio handler", err)
			}
			if exit.IsWrite == 0 {
				if err := ip.writeBackMmioResult(run, data); err != nil {
					return err
				}
			}
			log.WithField("addr", offset).Trace("serviced mmio exit")
			continue

		case kvmabi.ExitIntr, kvmabi.ExitIrqWindow:
			continue // benign, re-enter KVM_RUN

		default:
			return &Unhandled{ExitReason: run.ExitReason}
		}
	}
}

// decodeMmioExit unpacks the kvm_run mmio union: phys_addr (u64 @0),
// data[8] (@8), len (u32 @16), is_write (u8 @20) — the last two of
// these fields packed into data[2] (the union's third uint64 word),
// not data[3], which is unused trailing padding the kernel never
// writes for an MMIO exit.
func decodeMmioExit(data [32]uint64) kvmabi.MmioExit {
	var e kvmabi.MmioExit
	e.PhysAddr = data[0]
	for i := 0; i < 8; i++ {
		e.Data[i] = byte(data[1] >> (8 * i))
	}
	e.Len = uint32(data[2])
	e.IsWrite = uint8(data[2] >> 32)
	return e
}

// writeBackMmioResult copies a device's read response back into the
// kvm_run page's mmio.data field (RunData.Data[1], per decodeMmioExit)
// before re-entering KVM_RUN.
func (ip *Interposer) writeBackMmioResult(run kvmabi.RunData, data []byte) error {
	addr := ip.RunPage + runDataDataOffset + 1*8
	var packed uint64
	for i, b := range data {
		packed |= uint64(b) << (8 * i)
	}
	return tracee.WriteValue(ip.Tracee, addr, packed)
}

// runDataDataOffset is the byte offset of RunData.Data within RunData.
var runDataDataOffset = unsafe.Offsetof(kvmabi.RunData{}.Data)
