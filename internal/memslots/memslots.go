// Package memslots implements get_maps(): reading the hypervisor's
// current KVM memslot table out of the kernel via a kprobe on
// kvm_vm_ioctl and a perf event array, the Go-ecosystem analogue of the
// bcc-based kprobe this was grounded on. It cross-references each
// reported slot against the hypervisor's /proc/<pid>/maps so callers
// get a usable (guest-physical range, host virtual range) pair rather
// than just the kernel-side half.
package memslots

//go:generate go run github.com/cilium/ebpf/cmd/bpf2go -type memslot_entry memslotsbpf bpf/memslots.c

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/perf"

	"github.com/vmsh-io/vmsh/internal/logging"
	"github.com/vmsh-io/vmsh/internal/procfs"
	"github.com/vmsh-io/vmsh/internal/vmsherr"
)

const maxSlots = 1024

// MemSlot is one KVM memory slot, combined with the host virtual
// mapping it corresponds to in the hypervisor's own address space.
type MemSlot struct {
	BaseGFN       uint64
	NPages        uint64
	UserspaceAddr uint64
}

func (s MemSlot) Start() uint64         { return s.UserspaceAddr }
func (s MemSlot) PhysicalStart() uint64 { return s.BaseGFN << 12 }
func (s MemSlot) Size() uint64          { return s.NPages << 12 }
func (s MemSlot) End() uint64           { return s.Start() + s.Size() }

// Prober attaches a kprobe to a running kernel and reads back memslots
// for a single target pid. ObjectPath is the bpf2go-produced object
// file (see bpf/memslots.c); it is loaded at Open time rather than
// embedded, since this tree ships no prebuilt eBPF bytecode.
type Prober struct {
	ObjectPath string

	coll  *ebpf.Collection
	kp    link.Link
	perfR *perf.Reader
}

// Open loads the compiled kprobe object and attaches it to
// kvm_vm_ioctl. Call Close to detach.
func (p *Prober) Open() error {
	spec, err := ebpf.LoadCollectionSpec(p.ObjectPath)
	if err != nil {
		return vmsherr.Wrap(vmsherr.Backend, "load memslot bpf object", err)
	}
	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return vmsherr.Wrap(vmsherr.Backend, "instantiate memslot bpf collection", err)
	}
	prog := coll.Programs["kprobe__kvm_vm_ioctl"]
	if prog == nil {
		coll.Close()
		return vmsherr.Wrap(vmsherr.Backend, "memslot bpf object", fmt.Errorf("missing kprobe__kvm_vm_ioctl program"))
	}
	kp, err := link.Kprobe("kvm_vm_ioctl", prog, nil)
	if err != nil {
		coll.Close()
		return vmsherr.Wrap(vmsherr.Backend, "attach kvm_vm_ioctl kprobe", err)
	}
	events := coll.Maps["memslot_events"]
	if events == nil {
		kp.Close()
		coll.Close()
		return vmsherr.Wrap(vmsherr.Backend, "memslot bpf object", fmt.Errorf("missing memslot_events map"))
	}
	reader, err := perf.NewReader(events, 4096)
	if err != nil {
		kp.Close()
		coll.Close()
		return vmsherr.Wrap(vmsherr.Backend, "open memslot perf reader", err)
	}

	p.coll, p.kp, p.perfR = coll, kp, reader
	return nil
}

func (p *Prober) Close() error {
	if p.perfR != nil {
		p.perfR.Close()
	}
	if p.kp != nil {
		p.kp.Close()
	}
	if p.coll != nil {
		p.coll.Close()
	}
	return nil
}

// GetMaps triggers a fresh kvm_vm_ioctl call in the target by having
// the caller perform a harmless ioctl (e.g. KVM_CHECK_EXTENSION) against
// vmFd concurrently, then drains whatever the kprobe captured for pid
// within timeout. The kprobe fires on any kvm_vm_ioctl, so periodic
// polling is not required — the next ioctl the hypervisor or this tool
// issues against the vm fd will report a fresh snapshot.
func (p *Prober) GetMaps(pid int, timeout time.Duration) ([]MemSlot, error) {
	log := logging.For("memslots")
	deadline := time.Now().Add(timeout)

	raw := make([]rawEntry, 0, maxSlots)
	p.perfR.SetDeadline(deadline)
	for time.Now().Before(deadline) {
		remaining := time.Until(deadline)
		record, err := p.perfR.Read()
		if err != nil {
			if err == perf.ErrClosed {
				break
			}
			continue
		}
		if record.LostSamples > 0 {
			log.Warnf("memslot probe dropped %d samples, hit the %d-slot cap", record.LostSamples, maxSlots)
		}
		e, err := decodeRawEntry(record.RawSample)
		if err != nil {
			continue
		}
		raw = append(raw, e)
		if remaining <= 0 {
			break
		}
	}
	if len(raw) == 0 {
		return nil, vmsherr.Wrap(vmsherr.Backend, "get_maps", fmt.Errorf("no memslots observed for pid %d within %s", pid, timeout))
	}

	hostMaps, err := procfs.ReadMaps(pid)
	if err != nil {
		return nil, vmsherr.Wrap(vmsherr.Backend, "get_maps", err)
	}

	slots := make([]MemSlot, 0, len(raw))
	for _, e := range raw {
		s := MemSlot{BaseGFN: e.BaseGFN, NPages: e.NPages, UserspaceAddr: e.UserspaceAddr}
		if !mappedIn(hostMaps, s) {
			return nil, vmsherr.Wrap(vmsherr.Backend, "get_maps",
				fmt.Errorf("memslot at userspace_addr=0x%x has no /proc/%d/maps entry", s.UserspaceAddr, pid))
		}
		slots = append(slots, s)
	}
	return slots, nil
}

func mappedIn(maps []procfs.Mapping, s MemSlot) bool {
	for _, m := range maps {
		if m.Start <= s.Start() && s.End() <= m.End() {
			return true
		}
	}
	return false
}

type rawEntry struct {
	BaseGFN       uint64
	NPages        uint64
	UserspaceAddr uint64
}

func decodeRawEntry(b []byte) (rawEntry, error) {
	var e rawEntry
	r := bytes.NewReader(b)
	if err := binary.Read(r, binary.LittleEndian, &e); err != nil {
		return rawEntry{}, err
	}
	return e, nil
}
