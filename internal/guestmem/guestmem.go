// Package guestmem turns a tracee plus a memslot table into a
// guest-physical-address-addressable mmio.GuestMemory: every access is
// translated to the matching memslot's host virtual address and then
// read or written in the tracee's address space via process_vm_readv
// /writev.
package guestmem

import (
	"fmt"

	"github.com/vmsh-io/vmsh/internal/memslots"
)

// Remote is the subset of Tracee guestmem depends on.
type Remote interface {
	ReadAt(addr uintptr, buf []byte) error
	WriteAt(addr uintptr, buf []byte) error
}

// Memory implements mmio.GuestMemory (and queue.readStruct's needs)
// over a set of memslots.
type Memory struct {
	remote Remote
	slots  []memslots.MemSlot
}

func New(remote Remote, slots []memslots.MemSlot) *Memory {
	return &Memory{remote: remote, slots: slots}
}

func (m *Memory) translate(gpa uint64, length int) (uintptr, error) {
	for _, s := range m.slots {
		start := s.PhysicalStart()
		end := start + s.Size()
		if gpa >= start && gpa+uint64(length) <= end {
			hva := s.UserspaceAddr + (gpa - start)
			return uintptr(hva), nil
		}
	}
	return 0, fmt.Errorf("guestmem: address 0x%x (len %d) not covered by any memslot", gpa, length)
}

func (m *Memory) ReadAt(gpa uint64, buf []byte) error {
	hva, err := m.translate(gpa, len(buf))
	if err != nil {
		return err
	}
	return m.remote.ReadAt(hva, buf)
}

func (m *Memory) WriteAt(gpa uint64, buf []byte) error {
	hva, err := m.translate(gpa, len(buf))
	if err != nil {
		return err
	}
	return m.remote.WriteAt(hva, buf)
}
