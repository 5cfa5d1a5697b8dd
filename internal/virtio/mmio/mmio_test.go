package mmio

import "testing"

type fakeMem struct {
	buf []byte
}

func newFakeMem(size int) *fakeMem { return &fakeMem{buf: make([]byte, size)} }

func (m *fakeMem) ReadAt(addr uint64, buf []byte) error {
	copy(buf, m.buf[addr:])
	return nil
}

func (m *fakeMem) WriteAt(addr uint64, buf []byte) error {
	copy(m.buf[addr:], buf)
	return nil
}

type fakeDevice struct {
	id            uint32
	features      uint64
	gotFeatures   uint64
	queueNotified []int
	statusSeen    []uint8
}

func (d *fakeDevice) DeviceID() uint32         { return d.id }
func (d *fakeDevice) QueueCount() int          { return 1 }
func (d *fakeDevice) QueueMaxSize(int) uint32  { return 64 }
func (d *fakeDevice) DeviceFeatures(sel uint32) uint32 {
	if sel == 1 {
		return uint32(d.features >> 32)
	}
	return uint32(d.features)
}
func (d *fakeDevice) SetDriverFeatures(f uint64) error { d.gotFeatures = f; return nil }
func (d *fakeDevice) ConfigRead(offset uint64, data []byte) {
	for i := range data {
		data[i] = byte(offset) + byte(i)
	}
}
func (d *fakeDevice) ConfigWrite(offset uint64, data []byte) {}
func (d *fakeDevice) OnQueueNotify(idx int, q *Queue, mem GuestMemory) (bool, error) {
	d.queueNotified = append(d.queueNotified, idx)
	return true, nil
}
func (d *fakeDevice) OnStatusChange(status uint8) error {
	d.statusSeen = append(d.statusSeen, status)
	return nil
}

func TestMagicAndVersion(t *testing.T) {
	r := New(&fakeDevice{id: 2}, newFakeMem(4096), nil)

	if v, _ := r.Read(RegMagicValue, 4); v != MagicValue {
		t.Fatalf("magic = 0x%x, want 0x%x", v, MagicValue)
	}
	if v, _ := r.Read(RegVersion, 4); v != Version {
		t.Fatalf("version = %d, want %d", v, Version)
	}
	if v, _ := r.Read(RegDeviceID, 4); v != 2 {
		t.Fatalf("device id = %d, want 2", v)
	}
}

func TestFeatureNegotiation(t *testing.T) {
	dev := &fakeDevice{id: 2, features: 0x100000001}
	r := New(dev, newFakeMem(4096), nil)

	r.Write(RegDriverFeaturesSel, 4, 0)
	r.Write(RegDriverFeatures, 4, 1)
	r.Write(RegDriverFeaturesSel, 4, 1)
	r.Write(RegDriverFeatures, 4, 1)

	if dev.gotFeatures != 0x100000001 {
		t.Fatalf("driver features = 0x%x, want 0x100000001", dev.gotFeatures)
	}
}

func TestQueueNotifyRaisesInterrupt(t *testing.T) {
	dev := &fakeDevice{id: 2}
	raised := false
	r := New(dev, newFakeMem(4096), func() { raised = true })

	if err := r.Write(RegQueueNotify, 4, 0); err != nil {
		t.Fatal(err)
	}
	if !raised {
		t.Fatal("expected interrupt to be raised")
	}
	if v, _ := r.Read(RegInterruptStatus, 4); v&InterruptUsedRing == 0 {
		t.Fatalf("interrupt status = 0x%x, want InterruptUsedRing set", v)
	}
	if len(dev.queueNotified) != 1 || dev.queueNotified[0] != 0 {
		t.Fatalf("queueNotified = %v, want [0]", dev.queueNotified)
	}
}

func TestInterruptAck(t *testing.T) {
	dev := &fakeDevice{id: 2}
	r := New(dev, newFakeMem(4096), func() {})
	r.Write(RegQueueNotify, 4, 0)
	r.Write(RegInterruptACK, 4, InterruptUsedRing)

	if v, _ := r.Read(RegInterruptStatus, 4); v != 0 {
		t.Fatalf("interrupt status after ack = 0x%x, want 0", v)
	}
}

func TestStatusResetClearsQueueState(t *testing.T) {
	dev := &fakeDevice{id: 2}
	r := New(dev, newFakeMem(4096), nil)

	r.Write(RegQueueSel, 4, 0)
	r.Write(RegQueueNum, 4, 32)
	r.Write(RegQueueReady, 4, 1)

	r.Write(RegStatus, 4, 0) // reset

	if v, _ := r.Read(RegQueueReady, 4); v != 0 {
		t.Fatalf("queue ready after reset = %d, want 0", v)
	}
	if len(dev.statusSeen) == 0 || dev.statusSeen[len(dev.statusSeen)-1] != 0 {
		t.Fatalf("device did not observe reset status write")
	}
}

func TestStatusFailedIsTerminalUntilReset(t *testing.T) {
	dev := &fakeDevice{id: 2}
	r := New(dev, newFakeMem(4096), nil)

	r.Write(RegStatus, 4, StatusAcknowledge|StatusDriver)
	r.Write(RegStatus, 4, StatusFailed)

	if v, _ := r.Read(RegStatus, 4); v != StatusFailed {
		t.Fatalf("status = 0x%x, want StatusFailed", v)
	}

	// Further non-zero writes must be ignored.
	r.Write(RegStatus, 4, StatusAcknowledge)
	if v, _ := r.Read(RegStatus, 4); v != StatusFailed {
		t.Fatalf("status changed after FAILED, got 0x%x, want it to stay StatusFailed", v)
	}
	if len(dev.statusSeen) == 0 || dev.statusSeen[len(dev.statusSeen)-1] != StatusFailed {
		t.Fatalf("device should not observe the ignored post-FAILED write")
	}

	// A reset (write of 0) is the only way out.
	r.Write(RegStatus, 4, 0)
	if v, _ := r.Read(RegStatus, 4); v != 0 {
		t.Fatalf("status after reset = 0x%x, want 0", v)
	}
}

func TestQueueAddrSetHighLow(t *testing.T) {
	dev := &fakeDevice{id: 2}
	r := New(dev, newFakeMem(4096), nil)

	r.Write(RegQueueSel, 4, 0)
	r.Write(RegQueueDescLow, 4, 0x1000)
	r.Write(RegQueueDescHigh, 4, 0x2)

	want := uint64(0x2)<<32 | 0x1000
	if r.queues[0].DescAddr != want {
		t.Fatalf("desc addr = 0x%x, want 0x%x", r.queues[0].DescAddr, want)
	}
}

func TestConfigSpaceRoutedThroughDevice(t *testing.T) {
	dev := &fakeDevice{id: 2}
	r := New(dev, newFakeMem(4096), nil)

	v, err := r.Read(RegConfig+4, 1)
	if err != nil {
		t.Fatal(err)
	}
	if v != 4 {
		t.Fatalf("config byte 4 = %d, want 4", v)
	}
}
