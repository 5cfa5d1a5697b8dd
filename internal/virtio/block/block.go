// Package block implements a VirtIO block device on top of
// internal/virtio/mmio and internal/virtio/queue: feature negotiation,
// the block config space, and request processing against a backing
// file opened by the attach driver.
package block

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/vmsh-io/vmsh/internal/virtio/mmio"
	"github.com/vmsh-io/vmsh/internal/virtio/queue"
)

// Request types (virtio-v1.1-cs01 §5.2.6).
const (
	ReqIn         = 0
	ReqOut        = 1
	ReqFlush      = 4
	ReqGetID      = 8
	ReqDiscard    = 11
	ReqWriteZeroes = 13
)

// Status codes written to the request's final status byte.
const (
	StatusOK     = 0
	StatusIOErr  = 1
	StatusUnsupp = 2
)

// Feature bits.
const (
	FeatureRO           = 1 << 5
	FeatureFlush        = 1 << 9
	FeatureVersion1     = 1 << 32
	FeatureInOrder      = 1 << 35
	FeatureRingEventIdx = 1 << 29
)

const deviceIDBlock = 2

const sectorSize = 512

// Device is a VirtIO block device backed by a single file. The file is
// not opened until the driver reaches DRIVER_OK (see activate):
// opening it at construction time would let an attach proceed against
// a backing store no negotiation has actually agreed to use yet, and
// it would make "activate" not a real one-shot event.
type Device struct {
	mu sync.Mutex

	path     string
	readOnly bool
	capacity uint64 // sectors, known from an initial stat, independent of activation

	file      *os.File
	activated bool // set once DRIVER_OK has triggered a successful activation; cleared by a status reset

	driverFeatures uint64
	lastAvailIdx   uint16
	usedIdx        uint16
	eventIdx       queue.EventIdxEnabled
}

// Open backs a new block device with the file at path. readOnly forces
// VIRTIO_BLK_F_RO regardless of the file's own permissions. The file
// itself is only stat'd here (to learn its capacity for the config
// space); it is opened for I/O at activation time, see activate.
func Open(path string, readOnly bool) (*Device, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("block: stat backing file: %w", err)
	}
	return &Device{
		path:     path,
		readOnly: readOnly,
		capacity: uint64(info.Size()) / sectorSize,
	}, nil
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file == nil {
		return nil
	}
	return d.file.Close()
}

func (d *Device) DeviceID() uint32   { return deviceIDBlock }
func (d *Device) QueueCount() int    { return 1 }
func (d *Device) QueueMaxSize(int) uint32 { return 256 }

func (d *Device) DeviceFeatures(selector uint32) uint32 {
	var f uint64 = FeatureVersion1 | FeatureInOrder | FeatureRingEventIdx | FeatureFlush
	if d.readOnly {
		f |= FeatureRO
	}
	if selector == 1 {
		return uint32(f >> 32)
	}
	return uint32(f)
}

func (d *Device) SetDriverFeatures(features uint64) error {
	if features&FeatureVersion1 == 0 {
		return fmt.Errorf("block: driver did not negotiate VIRTIO_F_VERSION_1")
	}
	d.mu.Lock()
	d.driverFeatures = features
	d.eventIdx = queue.EventIdxEnabled(features&FeatureRingEventIdx != 0)
	d.mu.Unlock()
	return nil
}

func (d *Device) OnStatusChange(status uint8) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if status == 0 {
		d.deactivateLocked()
		return nil
	}
	if status&mmio.StatusDriverOK != 0 && !d.activated {
		return d.activateLocked()
	}
	return nil
}

// activateLocked opens the backing file and marks the device ready to
// service queue notifications. It is one-shot: called again before a
// status reset (status == 0, see deactivateLocked), it fails rather
// than reopening the file out from under an already-running device.
// It also requires VIRTIO_F_VERSION_1 to have already been negotiated
// via SetDriverFeatures, per spec.
func (d *Device) activateLocked() error {
	if d.activated {
		return fmt.Errorf("block: device already activated, a status reset is required before reactivating")
	}
	if d.driverFeatures&FeatureVersion1 == 0 {
		return fmt.Errorf("block: cannot activate before VIRTIO_F_VERSION_1 is negotiated")
	}
	flag := os.O_RDWR
	if d.readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(d.path, flag, 0)
	if err != nil {
		return fmt.Errorf("block: open backing file: %w", err)
	}
	d.file = f
	d.activated = true
	return nil
}

// deactivateLocked closes the backing file and clears queue state, so
// a subsequent activation starts from a clean slate.
func (d *Device) deactivateLocked() {
	if d.file != nil {
		d.file.Close()
		d.file = nil
	}
	d.activated = false
	d.lastAvailIdx = 0
	d.usedIdx = 0
}

// ConfigRead serves struct virtio_blk_config's leading field; this
// device only exposes capacity, matching the minimal config the
// attach pipeline's loader needs to see a usable disk.
func (d *Device) ConfigRead(offset uint64, data []byte) {
	var cfg [8]byte
	binary.LittleEndian.PutUint64(cfg[:], d.capacity)
	for i := range data {
		if int(offset)+i < len(cfg) {
			data[i] = cfg[int(offset)+i]
		}
	}
}

func (d *Device) ConfigWrite(offset uint64, data []byte) {
	// capacity is read-only; writes are ignored per virtio-v1.1-cs01 §5.2.
}

// OnQueueNotify drains every newly available descriptor chain,
// executing each request against the backing file in order (the device
// advertises VIRTIO_F_IN_ORDER, so completions are reported strictly
// in submission order).
func (d *Device) OnQueueNotify(idx int, q *mmio.Queue, mem mmio.GuestMemory) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.activated {
		return false, fmt.Errorf("block: queue notify for queue %d before device activation (DRIVER_OK)", idx)
	}

	oldUsed := d.usedIdx
	any := false
	for {
		chain, ok, err := queue.Pop(q, mem, &d.lastAvailIdx)
		if err != nil {
			return false, err
		}
		if !ok {
			break
		}
		written, err := d.execute(chain, mem)
		if err != nil {
			return false, err
		}
		if err := queue.Push(q, mem, &d.usedIdx, chain.Head, written); err != nil {
			return false, err
		}
		any = true
	}
	if !any {
		return false, nil
	}
	return queue.ShouldRaiseInterrupt(mem, q, d.eventIdx, oldUsed, d.usedIdx)
}

// execute classifies a chain's descriptors as header / data / status
// per virtio-v1.1-cs01 §5.2.6.2 and runs the request, returning the
// number of bytes written into write-only descriptors.
func (d *Device) execute(chain queue.Chain, mem mmio.GuestMemory) (uint32, error) {
	if len(chain.Descs) < 2 {
		return 0, fmt.Errorf("block: descriptor chain too short (%d)", len(chain.Descs))
	}
	header := chain.Descs[0]
	status := chain.Descs[len(chain.Descs)-1]
	data := chain.Descs[1 : len(chain.Descs)-1]

	var hdr struct {
		Type   uint32
		_      uint32
		Sector uint64
	}
	hbuf := make([]byte, 16)
	if err := mem.ReadAt(header.Addr, hbuf); err != nil {
		return 0, err
	}
	hdr.Type = binary.LittleEndian.Uint32(hbuf[0:4])
	hdr.Sector = binary.LittleEndian.Uint64(hbuf[8:16])

	respStatus := byte(StatusOK)
	var written uint32

	switch hdr.Type {
	case ReqIn:
		for _, dd := range data {
			buf := make([]byte, dd.Len)
			if _, err := d.file.ReadAt(buf, int64(hdr.Sector)*sectorSize+int64(written)); err != nil {
				respStatus = StatusIOErr
				break
			}
			if err := mem.WriteAt(dd.Addr, buf); err != nil {
				return 0, err
			}
			written += dd.Len
		}
	case ReqOut:
		if d.readOnly {
			respStatus = StatusIOErr
			break
		}
		var off int64
		for _, dd := range data {
			buf := make([]byte, dd.Len)
			if err := mem.ReadAt(dd.Addr, buf); err != nil {
				return 0, err
			}
			if _, err := d.file.WriteAt(buf, int64(hdr.Sector)*sectorSize+off); err != nil {
				respStatus = StatusIOErr
				break
			}
			off += int64(dd.Len)
		}
	case ReqFlush:
		if err := d.file.Sync(); err != nil {
			respStatus = StatusIOErr
		}
	case ReqGetID:
		const id = "vmsh-hotattach-disk "
		if len(data) == 1 {
			buf := make([]byte, data[0].Len)
			copy(buf, id)
			if err := mem.WriteAt(data[0].Addr, buf); err != nil {
				return 0, err
			}
			written = uint32(len(buf))
		}
	default:
		respStatus = StatusUnsupp
	}

	if err := mem.WriteAt(status.Addr, []byte{respStatus}); err != nil {
		return 0, err
	}
	return written + 1, nil
}
