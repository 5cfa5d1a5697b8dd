package hvmem

import (
	"sync"
	"testing"

	"github.com/vmsh-io/vmsh/internal/kvmabi"
)

// fakeRemote models a tracee's address space in a plain byte slice, so
// HvMem/VmMem can be exercised without a real ptrace attach.
type fakeRemote struct {
	mem       []byte
	nextAddr  uintptr
	ioctlArgs []struct {
		fd             int32
		req            uintptr
		unmappedBefore int // len(unmapped) when the ioctl was issued
	}
	unmapped []uintptr
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{mem: make([]byte, 1<<20), nextAddr: 0x1000}
}

func (f *fakeRemote) Mmap(addr, length uintptr, prot, flags int, fd int32, offset int64) (uintptr, error) {
	a := f.nextAddr
	f.nextAddr += length
	return a, nil
}

func (f *fakeRemote) Munmap(addr, length uintptr) error {
	f.unmapped = append(f.unmapped, addr)
	return nil
}

func (f *fakeRemote) ReadAt(addr uintptr, buf []byte) error {
	copy(buf, f.mem[addr:])
	return nil
}

func (f *fakeRemote) WriteAt(addr uintptr, buf []byte) error {
	copy(f.mem[addr:], buf)
	return nil
}

func (f *fakeRemote) Ioctl(fd int32, request uintptr, argAddr uintptr) (uintptr, error) {
	f.ioctlArgs = append(f.ioctlArgs, struct {
		fd             int32
		req            uintptr
		unmappedBefore int
	}{fd, request, len(f.unmapped)})
	return 0, nil
}

func TestHvMemReadWriteRoundTrip(t *testing.T) {
	remote := newFakeRemote()
	var mu sync.RWMutex

	h, err := Alloc[uint64](remote, &mu, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.Write(0xdeadbeef); err != nil {
		t.Fatal(err)
	}
	got, err := h.Read()
	if err != nil {
		t.Fatal(err)
	}
	if got != 0xdeadbeef {
		t.Fatalf("Read() = 0x%x, want 0xdeadbeef", got)
	}
	if err := h.Close(); err != nil {
		t.Fatal(err)
	}
	if len(remote.unmapped) != 1 || remote.unmapped[0] != h.Addr {
		t.Fatalf("expected Close to unmap %#x, unmapped=%v", h.Addr, remote.unmapped)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("second Close should be a no-op, got %v", err)
	}
}

func TestVmMemCloseTearsDownBeforeUnmap(t *testing.T) {
	remote := newFakeRemote()
	var mu sync.RWMutex

	backing, err := Alloc[[4096]byte](remote, &mu, 4096)
	if err != nil {
		t.Fatal(err)
	}
	vm, err := NewVmMem[[4096]byte](remote, &mu, 3, 0, 0x100000, backing)
	if err != nil {
		t.Fatal(err)
	}
	if len(remote.ioctlArgs) != 1 || remote.ioctlArgs[0].req != kvmabi.KVM_SET_USER_MEMORY_REGION {
		t.Fatalf("expected one KVM_SET_USER_MEMORY_REGION ioctl during registration, got %v", remote.ioctlArgs)
	}

	if err := vm.Close(); err != nil {
		t.Fatal(err)
	}
	if len(remote.ioctlArgs) != 2 {
		t.Fatalf("expected a second ioctl tearing the slot down before unmap, got %v", remote.ioctlArgs)
	}
	if remote.ioctlArgs[1].unmappedBefore != 0 {
		t.Fatalf("teardown ioctl issued after %d unmap(s), want it before any", remote.ioctlArgs[1].unmappedBefore)
	}
	if len(remote.unmapped) == 0 {
		t.Fatal("expected backing pages to be unmapped after Close")
	}
}
