package guestmem

import (
	"testing"

	"github.com/vmsh-io/vmsh/internal/memslots"
)

type fakeRemote struct {
	buf []byte // models the tracee's whole address space, indexed by host virtual address
}

func (f *fakeRemote) ReadAt(addr uintptr, buf []byte) error {
	copy(buf, f.buf[addr:])
	return nil
}
func (f *fakeRemote) WriteAt(addr uintptr, buf []byte) error {
	copy(f.buf[addr:], buf)
	return nil
}

func TestTranslateAndReadWrite(t *testing.T) {
	remote := &fakeRemote{buf: make([]byte, 0x10000)}
	slots := []memslots.MemSlot{
		{BaseGFN: 0x10, NPages: 0x1, UserspaceAddr: 0x5000}, // gpa [0x10000,0x11000) -> hva [0x5000,0x6000)
	}
	mem := New(remote, slots)

	if err := mem.WriteAt(0x10010, []byte{1, 2, 3, 4}); err != nil {
		t.Fatal(err)
	}
	if got := remote.buf[0x5010:0x5014]; string(got) != "\x01\x02\x03\x04" {
		t.Fatalf("translated write landed at wrong host offset: %v", got)
	}

	buf := make([]byte, 4)
	if err := mem.ReadAt(0x10010, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "\x01\x02\x03\x04" {
		t.Fatalf("read back %v, want [1 2 3 4]", buf)
	}
}

func TestTranslateOutOfRangeFails(t *testing.T) {
	remote := &fakeRemote{buf: make([]byte, 0x10000)}
	mem := New(remote, nil)
	if err := mem.ReadAt(0x1000, make([]byte, 4)); err == nil {
		t.Fatal("expected an error for an address not covered by any memslot")
	}
}
