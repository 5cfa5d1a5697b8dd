// Package memalloc picks guest-physical address ranges for new memory
// the attach pipeline adds to a running guest, the way the platform
// code this tree started from tracked reserved physical ranges before
// handing out a new one on a fault — except here the ranges already in
// use come from the live memslot table instead of a static reservation,
// since the target guest's layout isn't known in advance.
package memalloc

import (
	"sort"

	"github.com/vmsh-io/vmsh/internal/memslots"
	"github.com/vmsh-io/vmsh/internal/vmsherr"
)

const pageSize = 4096

// Region is a closed-open guest-physical address range.
type Region struct {
	Start, End uint64
}

func (r Region) Size() uint64 { return r.End - r.Start }
func (r Region) overlaps(o Region) bool {
	return r.Start < o.End && o.Start < r.End
}

// Allocator finds a guest-physical range not already claimed by any
// existing KVM memslot.
type Allocator struct {
	used []Region
}

// New builds an allocator from the hypervisor's current memslot table.
func New(slots []memslots.MemSlot) *Allocator {
	used := make([]Region, 0, len(slots))
	for _, s := range slots {
		used = append(used, Region{Start: s.PhysicalStart(), End: s.PhysicalStart() + s.Size()})
	}
	sort.Slice(used, func(i, j int) bool { return used[i].Start < used[j].Start })
	return &Allocator{used: used}
}

// Alloc finds the lowest gap of at least `size` bytes above floor,
// page-aligned, that does not overlap any region already in use.
func (a *Allocator) Alloc(floor uint64, size uint64) (Region, error) {
	if size == 0 {
		return Region{}, vmsherr.Configurationf("memalloc: requested zero-size region")
	}
	size = alignUp(size, pageSize)
	candidate := alignUp(floor, pageSize)

	for {
		r := Region{Start: candidate, End: candidate + size}
		if r.End < r.Start {
			return Region{}, vmsherr.Configurationf("memalloc: address space exhausted above 0x%x", floor)
		}
		conflict, ok := a.firstOverlap(r)
		if !ok {
			return r, nil
		}
		candidate = alignUp(conflict.End, pageSize)
	}
}

func (a *Allocator) firstOverlap(r Region) (Region, bool) {
	for _, u := range a.used {
		if r.overlaps(u) {
			return u, true
		}
	}
	return Region{}, false
}

// Reserve records a region as used, e.g. immediately after Alloc
// succeeds and the caller registers the memslot, so a second Alloc in
// the same process doesn't hand out the same range twice.
func (a *Allocator) Reserve(r Region) {
	a.used = append(a.used, r)
	sort.Slice(a.used, func(i, j int) bool { return a.used[i].Start < a.used[j].Start })
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}
