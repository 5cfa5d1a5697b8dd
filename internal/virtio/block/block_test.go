package block

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/vmsh-io/vmsh/internal/virtio/mmio"
)

type fakeMem struct{ buf []byte }

func newFakeMem(size int) *fakeMem { return &fakeMem{buf: make([]byte, size)} }
func (m *fakeMem) ReadAt(addr uint64, buf []byte) error  { copy(buf, m.buf[addr:]); return nil }
func (m *fakeMem) WriteAt(addr uint64, buf []byte) error { copy(m.buf[addr:], buf); return nil }

const (
	descTableAddr = 0x1000
	availAddr     = 0x2000
	usedAddr      = 0x3000
	hdrAddr       = 0x4000
	dataBufAddr   = 0x4100
	statusAddr    = 0x4200
)

func newBackingFile(t *testing.T, sectors int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "disk.img")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := f.Truncate(int64(sectors) * sectorSize); err != nil {
		t.Fatal(err)
	}
	return path
}

func writeDescriptor(mem *fakeMem, idx uint16, addr uint64, length uint32, flags uint16, next uint16) {
	off := descTableAddr + uint64(idx)*16
	binary.LittleEndian.PutUint64(mem.buf[off:], addr)
	binary.LittleEndian.PutUint32(mem.buf[off+8:], length)
	binary.LittleEndian.PutUint16(mem.buf[off+12:], flags)
	binary.LittleEndian.PutUint16(mem.buf[off+14:], next)
}

func postAvail(mem *fakeMem, ringSlot uint16, head uint16, newIdx uint16) {
	binary.LittleEndian.PutUint16(mem.buf[availAddr+4+uint64(ringSlot)*2:], head)
	binary.LittleEndian.PutUint16(mem.buf[availAddr+2:], newIdx)
}

func writeHeader(mem *fakeMem, reqType uint32, sector uint64) {
	binary.LittleEndian.PutUint32(mem.buf[hdrAddr:], reqType)
	binary.LittleEndian.PutUint64(mem.buf[hdrAddr+8:], sector)
}

// activate drives dev through the same negotiation steps a real driver
// would (negotiate VIRTIO_F_VERSION_1, then raise DRIVER_OK) so queue
// notifications are accepted; OnQueueNotify refuses to run before this.
func activate(t *testing.T, dev *Device) {
	t.Helper()
	if err := dev.SetDriverFeatures(FeatureVersion1); err != nil {
		t.Fatalf("SetDriverFeatures: %v", err)
	}
	if err := dev.OnStatusChange(mmio.StatusAcknowledge | mmio.StatusDriver | mmio.StatusFeaturesOK | mmio.StatusDriverOK); err != nil {
		t.Fatalf("OnStatusChange(DRIVER_OK): %v", err)
	}
}

func TestWriteThenReadRoundtrip(t *testing.T) {
	path := newBackingFile(t, 4)
	dev, err := Open(path, false)
	if err != nil {
		t.Fatal(err)
	}
	defer dev.Close()
	activate(t, dev)

	mem := newFakeMem(0x10000)
	q := &mmio.Queue{Size: 8, DescAddr: descTableAddr, AvailAddr: availAddr, UsedAddr: usedAddr}

	payload := []byte("hello, virtio block\x00\x00\x00\x00\x00")
	copy(mem.buf[dataBufAddr:], payload)

	writeHeader(mem, ReqOut, 0)
	writeDescriptor(mem, 0, hdrAddr, 16, queueDescFNext(), 1)
	writeDescriptor(mem, 1, dataBufAddr, uint32(len(payload)), queueDescFNext(), 2)
	writeDescriptor(mem, 2, statusAddr, 1, queueDescFWrite(), 0)
	postAvail(mem, 0, 0, 1)

	if _, err := dev.OnQueueNotify(0, q, mem); err != nil {
		t.Fatal(err)
	}
	if mem.buf[statusAddr] != StatusOK {
		t.Fatalf("write status = %d, want StatusOK", mem.buf[statusAddr])
	}

	writeHeader(mem, ReqIn, 0)
	writeDescriptor(mem, 3, hdrAddr, 16, queueDescFNext(), 4)
	writeDescriptor(mem, 4, dataBufAddr+0x80, uint32(len(payload)), queueDescFNext()|queueDescFWrite(), 5)
	writeDescriptor(mem, 5, statusAddr, 1, queueDescFWrite(), 0)
	postAvail(mem, 1, 3, 2)

	if _, err := dev.OnQueueNotify(0, q, mem); err != nil {
		t.Fatal(err)
	}
	if mem.buf[statusAddr] != StatusOK {
		t.Fatalf("read status = %d, want StatusOK", mem.buf[statusAddr])
	}
	got := mem.buf[dataBufAddr+0x80 : dataBufAddr+0x80+len(payload)]
	if string(got) != string(payload) {
		t.Fatalf("roundtrip mismatch: got %q want %q", got, payload)
	}
}

func TestReadOnlyRejectsWrites(t *testing.T) {
	path := newBackingFile(t, 4)
	dev, err := Open(path, true)
	if err != nil {
		t.Fatal(err)
	}
	defer dev.Close()
	activate(t, dev)

	mem := newFakeMem(0x10000)
	q := &mmio.Queue{Size: 8, DescAddr: descTableAddr, AvailAddr: availAddr, UsedAddr: usedAddr}

	writeHeader(mem, ReqOut, 0)
	writeDescriptor(mem, 0, hdrAddr, 16, queueDescFNext(), 1)
	writeDescriptor(mem, 1, dataBufAddr, 16, queueDescFNext(), 2)
	writeDescriptor(mem, 2, statusAddr, 1, queueDescFWrite(), 0)
	postAvail(mem, 0, 0, 1)

	if _, err := dev.OnQueueNotify(0, q, mem); err != nil {
		t.Fatal(err)
	}
	if mem.buf[statusAddr] != StatusIOErr {
		t.Fatalf("status = %d, want StatusIOErr for a write to a read-only device", mem.buf[statusAddr])
	}
}

func TestOnQueueNotifyBeforeActivationFails(t *testing.T) {
	path := newBackingFile(t, 4)
	dev, err := Open(path, false)
	if err != nil {
		t.Fatal(err)
	}
	defer dev.Close()

	mem := newFakeMem(0x10000)
	q := &mmio.Queue{Size: 8, DescAddr: descTableAddr, AvailAddr: availAddr, UsedAddr: usedAddr}
	writeHeader(mem, ReqOut, 0)
	writeDescriptor(mem, 0, hdrAddr, 16, queueDescFNext(), 1)
	writeDescriptor(mem, 1, dataBufAddr, 16, queueDescFNext(), 2)
	writeDescriptor(mem, 2, statusAddr, 1, queueDescFWrite(), 0)
	postAvail(mem, 0, 0, 1)

	if _, err := dev.OnQueueNotify(0, q, mem); err == nil {
		t.Fatal("expected OnQueueNotify to fail before the device is activated")
	}
}

func TestActivationIsOneShotUntilReset(t *testing.T) {
	path := newBackingFile(t, 4)
	dev, err := Open(path, false)
	if err != nil {
		t.Fatal(err)
	}
	defer dev.Close()

	activate(t, dev)
	if !dev.activated {
		t.Fatal("expected device to be activated")
	}

	// A second DRIVER_OK transition without a reset must not reopen the
	// file or error: OnStatusChange is a no-op once already activated.
	if err := dev.OnStatusChange(mmio.StatusAcknowledge | mmio.StatusDriver | mmio.StatusFeaturesOK | mmio.StatusDriverOK); err != nil {
		t.Fatalf("repeated DRIVER_OK should be a no-op, got %v", err)
	}

	// Calling activateLocked directly while already activated must fail.
	dev.mu.Lock()
	err = dev.activateLocked()
	dev.mu.Unlock()
	if err == nil {
		t.Fatal("expected activateLocked to refuse reactivation without a reset")
	}

	if err := dev.OnStatusChange(0); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if dev.activated {
		t.Fatal("expected reset to clear activated")
	}

	activate(t, dev)
	if !dev.activated {
		t.Fatal("expected reactivation after reset to succeed")
	}
}

func TestActivationRequiresVersion1(t *testing.T) {
	path := newBackingFile(t, 4)
	dev, err := Open(path, false)
	if err != nil {
		t.Fatal(err)
	}
	defer dev.Close()

	if err := dev.OnStatusChange(mmio.StatusDriverOK); err == nil {
		t.Fatal("expected activation to fail without VIRTIO_F_VERSION_1 negotiated")
	}
	if dev.activated {
		t.Fatal("device should not be activated")
	}
}

func TestCapacityMatchesFileSize(t *testing.T) {
	path := newBackingFile(t, 10)
	dev, err := Open(path, false)
	if err != nil {
		t.Fatal(err)
	}
	defer dev.Close()
	if dev.capacity != 10 {
		t.Fatalf("capacity = %d sectors, want 10", dev.capacity)
	}
}

func TestDeviceFeaturesIncludesRO(t *testing.T) {
	path := newBackingFile(t, 1)
	dev, err := Open(path, true)
	if err != nil {
		t.Fatal(err)
	}
	defer dev.Close()
	if dev.DeviceFeatures(0)&FeatureRO == 0 {
		t.Fatal("expected FeatureRO to be advertised for a read-only device")
	}
}

func TestSetDriverFeaturesRejectsMissingVersion1(t *testing.T) {
	path := newBackingFile(t, 1)
	dev, err := Open(path, false)
	if err != nil {
		t.Fatal(err)
	}
	defer dev.Close()
	if err := dev.SetDriverFeatures(0); err == nil {
		t.Fatal("expected an error when VIRTIO_F_VERSION_1 is not negotiated")
	}
}

// queueDescFNext/queueDescFWrite mirror queue's unexported descriptor
// flag bits (descFNext/descFWrite), which this package cannot import.
func queueDescFNext() uint16  { return queueFlagNext }
func queueDescFWrite() uint16 { return queueFlagWrite }

const (
	queueFlagNext  = 1
	queueFlagWrite = 2
)
