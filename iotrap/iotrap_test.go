package iotrap_test

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/nmi/vmm/interval"
	"github.com/nmi/vmm/iotrap"
)

func TestRegisterOverlap(t *testing.T) {
	t.Parallel()

	r := iotrap.New()

	h := func(addr uint64, data []byte, isWrite bool) error { return nil }

	if err := r.Register(0x3f8, 8, h); err != nil {
		t.Fatal(err)
	}

	if err := r.Register(0x3fc, 8, h); !errors.Is(err, interval.ErrOverlap) {
		t.Fatalf("overlapping Register = %v, want ErrOverlap", err)
	}

	if err := r.Register(0x400, 8, h); err != nil {
		t.Fatal(err)
	}
}

func TestDispatch(t *testing.T) {
	t.Parallel()

	r := iotrap.New()

	var got []byte

	h := func(addr uint64, data []byte, isWrite bool) error {
		if isWrite {
			got = append(got, data...)
		} else {
			data[0] = 0x42
		}

		return nil
	}

	if err := r.Register(0x60, 2, h); err != nil {
		t.Fatal(err)
	}

	handled, err := r.Dispatch(0x60, []byte{1, 2, 3}, 1, 3, true)
	if err != nil || !handled {
		t.Fatalf("Dispatch = %v, %v", handled, err)
	}

	// String I/O: one invocation per count, window advancing.
	if string(got) != "\x01\x02\x03" {
		t.Fatalf("handler saw % x", got)
	}

	in := []byte{0}

	if handled, err := r.Dispatch(0x61, in, 1, 1, false); err != nil || !handled {
		t.Fatalf("Dispatch = %v, %v", handled, err)
	}

	if in[0] != 0x42 {
		t.Fatalf("read byte %#x, want 0x42", in[0])
	}
}

func TestDispatchUnhandled(t *testing.T) {
	t.Parallel()

	r := iotrap.New()

	h := func(addr uint64, data []byte, isWrite bool) error { return nil }

	if err := r.Register(0x3f8, 8, h); err != nil {
		t.Fatal(err)
	}

	if handled, _ := r.Dispatch(0x500, []byte{0}, 1, 1, false); handled {
		t.Fatal("unmapped port dispatched")
	}

	// An access straddling the end of a range is unmapped, not split.
	if handled, _ := r.Dispatch(0x3fe, []byte{0, 0, 0, 0}, 4, 1, false); handled {
		t.Fatal("straddling access dispatched")
	}
}

func TestDispatchHandlerError(t *testing.T) {
	t.Parallel()

	r := iotrap.New()
	errDevice := errors.New("device broke")
	calls := 0

	h := func(addr uint64, data []byte, isWrite bool) error {
		calls++

		return errDevice
	}

	if err := r.Register(0x80, 1, h); err != nil {
		t.Fatal(err)
	}

	handled, err := r.Dispatch(0x80, []byte{0, 0, 0}, 1, 3, true)
	if !handled {
		t.Fatal("claimed range reported unhandled")
	}

	if !errors.Is(err, errDevice) {
		t.Fatalf("Dispatch error = %v", err)
	}

	if calls != 1 {
		t.Fatalf("handler ran %d times after error, want 1", calls)
	}
}

func TestDeregister(t *testing.T) {
	t.Parallel()

	r := iotrap.New()

	h := func(addr uint64, data []byte, isWrite bool) error { return nil }

	if err := r.Register(0x3f8, 8, h); err != nil {
		t.Fatal(err)
	}

	if !r.Deregister(0x3fb) {
		t.Fatal("Deregister found nothing")
	}

	if handled, _ := r.Dispatch(0x3f8, []byte{0}, 1, 1, false); handled {
		t.Fatal("deregistered range still dispatched")
	}

	if r.Deregister(0x3f8) {
		t.Fatal("double Deregister succeeded")
	}

	// The range is reusable immediately.
	if err := r.Register(0x3f8, 8, h); err != nil {
		t.Fatal(err)
	}
}

// TestDeregisterUnderLoad hammers a range from one goroutine while
// another deregisters it: no use-after-free, and the dispatcher
// eventually reports unhandled.
func TestDeregisterUnderLoad(t *testing.T) {
	t.Parallel()

	r := iotrap.New()

	var inFlight atomic.Int32

	h := func(addr uint64, data []byte, isWrite bool) error {
		inFlight.Add(1)
		defer inFlight.Add(-1)

		return nil
	}

	if err := r.Register(0x3f8, 8, h); err != nil {
		t.Fatal(err)
	}

	start := make(chan struct{})

	var wg sync.WaitGroup

	for g := 0; g < 4; g++ {
		wg.Add(1)

		go func() {
			defer wg.Done()
			<-start

			for {
				handled, err := r.Dispatch(0x3f8, []byte{0}, 1, 1, true)
				if err != nil {
					t.Errorf("Dispatch: %v", err)

					return
				}

				if !handled {
					return
				}
			}
		}()
	}

	wg.Add(1)

	go func() {
		defer wg.Done()
		<-start
		r.Deregister(0x3f8)
	}()

	close(start)
	wg.Wait()

	if inFlight.Load() != 0 {
		t.Fatalf("handlers still in flight: %d", inFlight.Load())
	}
}
