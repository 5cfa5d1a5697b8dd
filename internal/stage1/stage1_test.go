package stage1

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestStatusSetIsSinglePublish(t *testing.T) {
	s := NewStatus()
	s.Set(errors.New("first"))
	s.Set(errors.New("second"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Wait(ctx); err == nil || err.Error() != "first" {
		t.Fatalf("Wait() = %v, want \"first\" (second Set must be ignored)", err)
	}
}

func TestStatusWaitBlocksUntilSet(t *testing.T) {
	s := NewStatus()
	done := make(chan error, 1)
	go func() {
		done <- s.Wait(context.Background())
	}()

	select {
	case <-done:
		t.Fatal("Wait returned before Set was called")
	case <-time.After(20 * time.Millisecond):
	}

	s.Set(nil)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Wait() = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not unblock after Set")
	}
}

func TestNullLoaderRequiresDevices(t *testing.T) {
	s := NewStatus()
	err := NullLoader{}.Spawn(context.Background(), nil, s)
	if err == nil {
		t.Fatal("expected an error when no mmio addresses are given")
	}
	if waitErr := s.Wait(context.Background()); waitErr == nil {
		t.Fatal("expected driverStatus to carry the same error")
	}
}

func TestNullLoaderPublishesThenBlocksOnContext(t *testing.T) {
	s := NewStatus()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- NullLoader{}.Spawn(ctx, []uint64{0x1000}, s) }()

	if err := s.Wait(context.Background()); err != nil {
		t.Fatalf("driverStatus.Wait() = %v, want nil", err)
	}

	select {
	case <-done:
		t.Fatal("Spawn returned before ctx was cancelled")
	case <-time.After(20 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Spawn() = %v, want nil after cancellation", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Spawn did not return after cancellation")
	}
}
