// Package hypervisor is the handle the rest of this module uses to talk
// to an already-running KVM process: a ptrace-attached tracee for the
// thread syscalls get injected into, the VM and VCPU file descriptors
// discovered off /proc/<pid>/fd, and the operations (stop the whole
// process, resume it, read its memslots, register guest memory, wire
// interrupts) everything else is built on top of.
package hypervisor

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/vmsh-io/vmsh/internal/kvmabi"
	"github.com/vmsh-io/vmsh/internal/logging"
	"github.com/vmsh-io/vmsh/internal/memslots"
	"github.com/vmsh-io/vmsh/internal/procfs"
	"github.com/vmsh-io/vmsh/internal/tracee"
	"github.com/vmsh-io/vmsh/internal/vmsherr"
)

// VCPU is one discovered vcpu file descriptor in the target.
type VCPU struct {
	Idx int
	Fd  int32
}

// Hypervisor is a live handle onto a target KVM process.
type Hypervisor struct {
	Pid   int
	VMFd  int32
	VCPUs []VCPU

	mu     sync.RWMutex
	tr     *tracee.Tracee
	prober *memslots.Prober

	stoppedTids []int
}

// Open attaches to pid, discovers its VM and VCPU descriptors, and
// opens the memslot prober. bpfObjectPath is the bpf2go-built object
// backing the memslot kprobe (see internal/memslots).
func Open(pid int, bpfObjectPath string) (*Hypervisor, error) {
	if !tracee.Pid1Exists(pid) {
		return nil, vmsherr.Configurationf("pid %d does not exist", pid)
	}

	t, err := tracee.Attach(pid)
	if err != nil {
		return nil, err
	}

	vmFd, vcpus, err := findVMAndVCPUFds(pid)
	if err != nil {
		t.Detach()
		return nil, err
	}

	h := &Hypervisor{Pid: pid, VMFd: vmFd, VCPUs: vcpus, tr: t}

	if bpfObjectPath != "" {
		p := &memslots.Prober{ObjectPath: bpfObjectPath}
		if err := p.Open(); err != nil {
			logging.For("hypervisor").WithError(err).Warn("memslot prober unavailable, get_maps will fail")
		} else {
			h.prober = p
		}
	}

	logging.For("hypervisor").WithFields(map[string]any{
		"pid": pid, "vm_fd": vmFd, "vcpus": len(vcpus),
	}).Info("attached to hypervisor")
	return h, nil
}

func findVMAndVCPUFds(pid int) (int32, []VCPU, error) {
	fds, err := procfs.ReadFDs(pid)
	if err != nil {
		return 0, nil, vmsherr.Wrap(vmsherr.Configuration, "read target fds", err)
	}

	var vmFds []int32
	var vcpus []VCPU
	for _, fd := range fds {
		if procfs.IsVMFD(fd.Link) {
			vmFds = append(vmFds, int32(fd.Num))
			continue
		}
		if idx, ok := procfs.VCPUIndex(fd.Link); ok {
			vcpus = append(vcpus, VCPU{Idx: idx, Fd: int32(fd.Num)})
		}
	}

	if len(vmFds) == 0 {
		return 0, nil, vmsherr.Configurationf("pid %d has no open KVM VM file descriptor", pid)
	}
	if len(vmFds) > 1 {
		return 0, nil, vmsherr.Configurationf("pid %d has %d KVM VM file descriptors, multiple VMs per process are not supported", pid, len(vmFds))
	}
	if len(vcpus) == 0 {
		return 0, nil, vmsherr.Configurationf("pid %d has no open KVM VCPU file descriptors", pid)
	}

	sort.Slice(vcpus, func(i, j int) bool { return vcpus[i].Idx < vcpus[j].Idx })
	seen := map[int]bool{}
	for _, v := range vcpus {
		if seen[v.Idx] {
			return 0, nil, vmsherr.Configurationf("pid %d reports duplicate vcpu index %d", pid, v.Idx)
		}
		seen[v.Idx] = true
	}

	return vmFds[0], vcpus, nil
}

// Tracee exposes the underlying tracee for packages (hvmem, interpose)
// that need to issue remote syscalls directly. Callers must hold RLock
// (or Lock, to mutate) for the duration of use.
func (h *Hypervisor) Tracee() *tracee.Tracee { return h.tr }

// Lock/RLock/Unlock/RUnlock expose the tracee guard directly; Mu hands
// the same lock to hvmem, whose Close holds it around its remote munmap.
func (h *Hypervisor) Lock()    { h.mu.Lock() }
func (h *Hypervisor) Unlock()  { h.mu.Unlock() }
func (h *Hypervisor) RLock()   { h.mu.RLock() }
func (h *Hypervisor) RUnlock() { h.mu.RUnlock() }
func (h *Hypervisor) Mu() *sync.RWMutex { return &h.mu }

// Stop freezes every thread of the hypervisor process (not just the
// syscall-injection tracee), so that guest vcpus make no further
// progress while the caller installs the new device. The caller must
// not hold any lock on the tracee when calling this.
func (h *Hypervisor) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	tids, err := listTids(h.Pid)
	if err != nil {
		return vmsherr.Wrap(vmsherr.TraceeTransport, "stop", err)
	}
	for _, tid := range tids {
		if tid == h.tr.Pid {
			continue
		}
		if err := unix.PtraceAttach(tid); err != nil {
			if err == unix.ESRCH {
				continue
			}
			return vmsherr.Wrap(vmsherr.TraceeTransport, fmt.Sprintf("attach tid %d", tid), err)
		}
		var ws unix.WaitStatus
		unix.Wait4(tid, &ws, 0, nil)
		h.stoppedTids = append(h.stoppedTids, tid)
	}
	return nil
}

// Resume releases every thread Stop froze.
func (h *Hypervisor) Resume() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, tid := range h.stoppedTids {
		unix.PtraceDetach(tid)
	}
	h.stoppedTids = nil
	return nil
}

func listTids(pid int) ([]int, error) {
	entries, err := os.ReadDir(fmt.Sprintf("/proc/%d/task", pid))
	if err != nil {
		return nil, err
	}
	var tids []int
	for _, e := range entries {
		if tid, err := strconv.Atoi(e.Name()); err == nil {
			tids = append(tids, tid)
		}
	}
	return tids, nil
}

// GetMaps reads the current KVM memslot table. Callers must hold at
// least RLock.
func (h *Hypervisor) GetMaps() ([]memslots.MemSlot, error) {
	if h.prober == nil {
		return nil, vmsherr.Wrap(vmsherr.Backend, "get_maps", fmt.Errorf("memslot prober not available"))
	}
	if _, err := h.tr.Ioctl(h.VMFd, kvmabi.KVM_CHECK_EXTENSION, 0); err != nil {
		logging.For("hypervisor").WithError(err).Debug("probe ioctl to trigger kprobe failed, continuing")
	}
	return h.prober.GetMaps(h.Pid, 2*time.Second)
}

// NextFreeSlot returns len(GetMaps()): the prober does not report slot
// ids, so the ids in use are taken to be 0..len-1. Gaps left by a
// deregistered slot are not detected, so on a VM with such gaps the
// returned id can be one that a live slot already uses.
func (h *Hypervisor) NextFreeSlot() (uint32, error) {
	maps, err := h.GetMaps()
	if err != nil {
		return 0, err
	}
	used := make(map[uint32]bool, len(maps))
	// The prober reports (gfn, npages, uaddr) triples without the slot id
	// itself (the kernel struct's slot id is its array index at capture
	// time); treat index-in-result as the id for gap detection purposes.
	for i := range maps {
		used[uint32(i)] = true
	}
	var id uint32
	for used[id] {
		id++
	}
	return id, nil
}

// Close detaches from the target, releasing the tracee and prober.
func (h *Hypervisor) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.prober != nil {
		h.prober.Close()
	}
	return h.tr.Detach()
}
