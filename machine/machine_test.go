package machine_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"testing"

	"github.com/nmi/vmm/bootparam"
	"github.com/nmi/vmm/machine"
)

func newMachine(t *testing.T, nCpus, memSize int) *machine.Machine {
	t.Helper()

	if os.Getuid() != 0 {
		t.Skipf("Skipping test since we are not root")
	}

	m, err := machine.New("/dev/kvm", nCpus, memSize)
	if err != nil {
		t.Skipf("Skipping test: %v", err)
	}

	return m
}

// fakeBzImage builds a minimal image: a signed zero page, setup_sects
// worth of recognizable setup bytes, and a payload.
func fakeBzImage(setupSects uint8, payload []byte) []byte {
	setupSize := (int(setupSects) + 1) * 512
	if setupSects == 0 {
		setupSize = 5 * 512
	}

	raw := make([]byte, setupSize, setupSize+len(payload))
	raw[0x1f1] = setupSects
	binary.LittleEndian.PutUint32(raw[0x202:], 0x53726448)
	// initrd_addr_max
	binary.LittleEndian.PutUint32(raw[0x22c:], 0x37ffffff)
	// cmdline_size
	binary.LittleEndian.PutUint32(raw[0x238:], 2048)

	for i := 0x400; i < setupSize; i++ {
		raw[i] = byte(i)
	}

	return append(raw, payload...)
}

func TestNewAndTranslation(t *testing.T) {
	t.Parallel()

	m := newMachine(t, 1, 1<<30)

	flat, err := m.FlatToHost(0x100000)
	if err != nil {
		t.Fatal(err)
	}

	// The same byte must be visible through the real-mode view:
	// 0xffff:0x0010 is linear 0x100000.
	real, err := m.RealToHost(0xffff, 0x0010)
	if err != nil {
		t.Fatal(err)
	}

	flat[0] = 0x5a

	if real[0] != 0x5a {
		t.Fatalf("real-mode view reads %#x, want 0x5a", real[0])
	}

	if _, err := m.FlatToHost(1 << 30); !errors.Is(err, machine.ErrUnmapped) {
		t.Fatalf("FlatToHost(end of ram) = %v, want ErrUnmapped", err)
	}

	if _, err := m.FlatToHost(bootparam.Gap32Start); !errors.Is(err, machine.ErrUnmapped) {
		t.Fatalf("FlatToHost(gap) = %v, want ErrUnmapped", err)
	}
}

func TestNewMemTooSmall(t *testing.T) {
	t.Parallel()

	if os.Getuid() != 0 {
		t.Skipf("Skipping test since we are not root")
	}

	if _, err := machine.New("/dev/kvm", 1, 1<<20); !errors.Is(err, machine.ErrMemTooSmall) {
		t.Fatalf("New = %v, want ErrMemTooSmall", err)
	}
}

func TestLoadLinux(t *testing.T) {
	t.Parallel()

	m := newMachine(t, 1, 1<<30)

	payload := bytes.Repeat([]byte{0x90}, 0x1000)
	image := fakeBzImage(0, payload)
	initrd := bytes.Repeat([]byte{0xAA}, 0x800)

	err := m.LoadLinux(bytes.NewReader(image), bytes.NewReader(initrd),
		uint64(len(initrd)), "console=ttyS0")
	if err != nil {
		t.Fatal(err)
	}

	p, err := m.FlatToHost(0x10000)
	if err != nil {
		t.Fatal(err)
	}

	// setup_sects = 0 reads as 4: five sectors at segment 0x1000,
	// matching the file outside the patched header.
	for i := 0x400; i < 5*512; i++ {
		if p[i] != image[i] {
			t.Fatalf("setup byte %#x = %#x, want %#x", i, p[i], image[i])
		}
	}

	// Patched header fields, read back from the in-guest copy.
	if p[0x210] != 0xFF {
		t.Fatalf("type_of_loader = %#x, want 0xFF", p[0x210])
	}

	if p[0x211]&bootparam.CanUseHeap == 0 {
		t.Fatalf("loadflags = %#x, want CAN_USE_HEAP set", p[0x211])
	}

	if got := binary.LittleEndian.Uint16(p[0x1fa:]); got != 0 {
		t.Fatalf("vid_mode = %#x, want 0", got)
	}

	if got := binary.LittleEndian.Uint32(p[0x228:]); got != 0x20000 {
		t.Fatalf("cmd_line_ptr = %#x, want 0x20000", got)
	}

	if got := binary.LittleEndian.Uint16(p[0x224:]); got != 0xFE00 {
		t.Fatalf("heap_end_ptr = %#x, want 0xFE00", got)
	}

	// Command line, zero terminated.
	cp, err := m.FlatToHost(0x20000)
	if err != nil {
		t.Fatal(err)
	}

	if string(cp[:13]) != "console=ttyS0" || cp[13] != 0 {
		t.Fatalf("cmdline = %q", cp[:14])
	}

	// Payload at 1M.
	hp, err := m.FlatToHost(0x100000)
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(hp[:len(payload)], payload) {
		t.Fatal("payload not at 0x100000")
	}

	// Initrd landed megabyte aligned at the recorded address.
	ramdiskImage := binary.LittleEndian.Uint32(p[0x218:])
	if ramdiskImage == 0 || ramdiskImage&0xFFFFF != 0 {
		t.Fatalf("ramdisk_image = %#x, want 1M aligned", ramdiskImage)
	}

	ip, err := m.FlatToHost(uint64(ramdiskImage))
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(ip[:len(initrd)], initrd) {
		t.Fatal("initrd content mismatch")
	}

	// The IVT is in place.
	ivt, err := m.FlatToHost(0)
	if err != nil {
		t.Fatal(err)
	}

	if binary.LittleEndian.Uint16(ivt[2:]) != 0xf000 {
		t.Fatalf("IVT vector 0 segment = %#x, want 0xf000", binary.LittleEndian.Uint16(ivt[2:]))
	}
}

func TestLoadLinuxBadImage(t *testing.T) {
	t.Parallel()

	m := newMachine(t, 1, 1<<30)

	junk := make([]byte, 0x3000)

	err := m.LoadLinux(bytes.NewReader(junk), bytes.NewReader(nil), 0, "")
	if !errors.Is(err, bootparam.ErrSignatureNotMatch) {
		t.Fatalf("LoadLinux = %v, want ErrSignatureNotMatch", err)
	}
}

func TestIRQLineAndShutdown(t *testing.T) {
	t.Parallel()

	m := newMachine(t, 1, 1<<29)

	if err := m.IRQLine(4, 1); err != nil {
		t.Fatal(err)
	}

	if err := m.IRQLine(4, 0); err != nil {
		t.Fatal(err)
	}

	// Shutdown with no running vCPU threads must not block or crash.
	m.Shutdown()
}
