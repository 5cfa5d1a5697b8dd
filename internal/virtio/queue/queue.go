// Package queue implements the split virtqueue's descriptor-chain walk
// and used-ring writer shared by every VirtIO device in this module,
// including RING_EVENT_IDX suppression (virtio-v1.1-cs01 §2.6.7/§2.6.8).
package queue

import (
	"encoding/binary"
	"fmt"

	"github.com/vmsh-io/vmsh/internal/virtio/mmio"
)

const (
	descFNext  = 1
	descFWrite = 2

	descSize = 16 // addr(8) + len(4) + flags(2) + next(2)
)

// Descriptor is one entry of the descriptor table.
type Descriptor struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

func (d Descriptor) HasNext() bool    { return d.Flags&descFNext != 0 }
func (d Descriptor) WriteOnly() bool  { return d.Flags&descFWrite != 0 }

// Chain is a fully-walked descriptor chain for one available-ring
// entry: Head is the avail-ring head index (used to report completion),
// Descs is the ordered list of descriptors in the chain.
type Chain struct {
	Head  uint16
	Descs []Descriptor
}

// TotalWritableLen sums the length of all write-only (device-to-driver)
// descriptors in the chain.
func (c Chain) TotalWritableLen() uint32 {
	var n uint32
	for _, d := range c.Descs {
		if d.WriteOnly() {
			n += d.Len
		}
	}
	return n
}

const maxChainLength = 1 << 16 // guards against a descriptor loop in a malicious/buggy driver

// Pop walks one available descriptor chain off q, advancing the last
// seen avail index. Returns ok=false if the driver has not posted a new
// entry since the last Pop.
func Pop(q *mmio.Queue, mem mmio.GuestMemory, lastAvailIdx *uint16) (Chain, bool, error) {
	var avail struct {
		Flags uint16
		Idx   uint16
	}
	if err := readStruct(mem, q.AvailAddr, &avail); err != nil {
		return Chain{}, false, err
	}
	if avail.Idx == *lastAvailIdx {
		return Chain{}, false, nil
	}

	ringOffset := q.AvailAddr + 4 + uint64(*lastAvailIdx%uint16(q.Size))*2
	var head uint16
	if err := readStruct(mem, ringOffset, &head); err != nil {
		return Chain{}, false, err
	}
	*lastAvailIdx++

	chain := Chain{Head: head}
	idx := head
	for i := 0; i < maxChainLength; i++ {
		var d Descriptor
		if err := readDescriptor(mem, q.DescAddr, idx, &d); err != nil {
			return Chain{}, false, err
		}
		chain.Descs = append(chain.Descs, d)
		if !d.HasNext() {
			return chain, true, nil
		}
		idx = d.Next
	}
	return Chain{}, false, fmt.Errorf("queue: descriptor chain exceeds %d entries, probable loop", maxChainLength)
}

func readDescriptor(mem mmio.GuestMemory, descTable uint64, idx uint16, d *Descriptor) error {
	buf := make([]byte, descSize)
	if err := mem.ReadAt(descTable+uint64(idx)*descSize, buf); err != nil {
		return err
	}
	d.Addr = binary.LittleEndian.Uint64(buf[0:8])
	d.Len = binary.LittleEndian.Uint32(buf[8:12])
	d.Flags = binary.LittleEndian.Uint16(buf[12:14])
	d.Next = binary.LittleEndian.Uint16(buf[14:16])
	return nil
}

// Push writes one used-ring entry (chain head, bytes written) and
// advances the used index.
func Push(q *mmio.Queue, mem mmio.GuestMemory, usedIdx *uint16, head uint16, writtenLen uint32) error {
	entryOffset := q.UsedAddr + 4 + uint64(*usedIdx%uint16(q.Size))*8
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(head))
	binary.LittleEndian.PutUint32(buf[4:8], writtenLen)
	if err := mem.WriteAt(entryOffset, buf); err != nil {
		return err
	}
	*usedIdx++

	idxBuf := make([]byte, 2)
	binary.LittleEndian.PutUint16(idxBuf, *usedIdx)
	return mem.WriteAt(q.UsedAddr+2, idxBuf)
}

// EventIdxEnabled reports whether feature negotiation turned on
// VIRTIO_F_RING_EVENT_IDX; when true, ShouldRaiseInterrupt gates the
// interrupt on the driver's used_event field instead of raising one
// after every batch.
type EventIdxEnabled bool

// ShouldRaiseInterrupt decides whether an interrupt is warranted after
// the used index advanced from oldUsedIdx to newUsedIdx, honoring
// RING_EVENT_IDX when eventIdx is enabled: the driver's requested
// notification point (used_event) gates the interrupt instead of a flat
// "always notify".
func ShouldRaiseInterrupt(mem mmio.GuestMemory, q *mmio.Queue, eventIdx EventIdxEnabled, oldUsedIdx, newUsedIdx uint16) (bool, error) {
	if !eventIdx {
		return true, nil
	}
	usedEventAddr := q.AvailAddr + 4 + uint64(q.Size)*2
	var usedEvent uint16
	if err := readStruct(mem, usedEventAddr, &usedEvent); err != nil {
		return false, err
	}
	// virtio-v1.1-cs01 §2.6.7.2: notify iff used_event is in
	// [oldUsedIdx, newUsedIdx), using wraparound-safe comparison.
	return uint16(newUsedIdx-usedEvent-1) < uint16(newUsedIdx-oldUsedIdx), nil
}

// SetAvailEvent writes the device's requested avail-ring notification
// point, the device-to-driver half of RING_EVENT_IDX.
func SetAvailEvent(mem mmio.GuestMemory, q *mmio.Queue, availIdx uint16) error {
	addr := q.UsedAddr + 4 + uint64(q.Size)*8
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, availIdx)
	return mem.WriteAt(addr, buf)
}

func readStruct(mem mmio.GuestMemory, addr uint64, v any) error {
	switch p := v.(type) {
	case *uint16:
		buf := make([]byte, 2)
		if err := mem.ReadAt(addr, buf); err != nil {
			return err
		}
		*p = binary.LittleEndian.Uint16(buf)
		return nil
	case *struct {
		Flags uint16
		Idx   uint16
	}:
		buf := make([]byte, 4)
		if err := mem.ReadAt(addr, buf); err != nil {
			return err
		}
		p.Flags = binary.LittleEndian.Uint16(buf[0:2])
		p.Idx = binary.LittleEndian.Uint16(buf[2:4])
		return nil
	default:
		return fmt.Errorf("queue: unsupported readStruct target %T", v)
	}
}
