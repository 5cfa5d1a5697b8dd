// Package stage1 models the handshake between the attach driver and
// the in-guest bootstrap payload: the driver uploads a loader into the
// guest and waits for it to report readiness (driver status), then
// waits again for the fully-attached device side to report its own
// readiness (device status), matching original_source/src/attach.rs's
// two-phase wait ordering.
package stage1

import (
	"context"
	"fmt"
)

// Status is a single-publish latch: exactly one of Set's calls takes
// effect, and Wait blocks until that happens or ctx is cancelled.
type Status struct {
	ch  chan struct{}
	val error // nil means "succeeded"
}

func NewStatus() *Status {
	return &Status{ch: make(chan struct{})}
}

// Set publishes the final status. Only the first call has any effect.
func (s *Status) Set(err error) {
	select {
	case <-s.ch:
		return
	default:
	}
	s.val = err
	close(s.ch)
}

// Wait blocks until Set has been called or ctx is done.
func (s *Status) Wait(ctx context.Context) error {
	select {
	case <-s.ch:
		return s.val
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Loader is the interface boundary standing in for the out-of-scope
// ELF loader/bootstrap payload: given the mmio addresses of the devices
// to announce to the guest, it
// uploads and starts the in-guest program, publishing driverStatus once
// the guest side is ready to see devices attach.
type Loader interface {
	// Spawn uploads and starts the loader against the attached target,
	// then runs until ctx is cancelled, publishing driverStatus exactly
	// once. mmioAddrs are the physical addresses of each device's MMIO
	// window, passed to the in-guest program as its device table.
	Spawn(ctx context.Context, mmioAddrs []uint64, driverStatus *Status) error
}

// NullLoader performs the same status handshake a real loader would
// without uploading or executing anything in the guest: it publishes
// driverStatus success immediately and returns when ctx is cancelled.
// This lets the attach driver (and its tests) exercise the full
// teardown/ordering logic without a real in-guest payload.
type NullLoader struct{}

func (NullLoader) Spawn(ctx context.Context, mmioAddrs []uint64, driverStatus *Status) error {
	if len(mmioAddrs) == 0 {
		err := fmt.Errorf("stage1: no devices to announce to the guest")
		driverStatus.Set(err)
		return err
	}
	driverStatus.Set(nil)
	<-ctx.Done()
	return nil
}
