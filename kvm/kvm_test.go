package kvm_test

import (
	"os"
	"testing"
	"unsafe"

	"github.com/nmi/vmm/kvm"
)

// The encoders must reproduce the kernel's request numbers bit for bit.
func TestIoctlEncoding(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		name string
		got  uintptr
		want uintptr
	}{
		{"KVM_GET_API_VERSION", kvm.IIO(0x00), 0xAE00},
		{"KVM_CREATE_VM", kvm.IIO(0x01), 0xAE01},
		{"KVM_CREATE_VCPU", kvm.IIO(0x41), 0xAE41},
		{"KVM_RUN", kvm.IIO(0x80), 0xAE80},
		{"KVM_SET_TSS_ADDR", kvm.IIO(0x47), 0xAE47},
		{"KVM_IRQ_LINE", kvm.IIOW(0x61, 8), 0x4008AE61},
		{"KVM_SET_USER_MEMORY_REGION", kvm.IIOW(0x46, 32), 0x4020AE46},
		{"KVM_GET_REGS", kvm.IIOR(0x81, unsafe.Sizeof(kvm.Regs{})), 0x8090AE81},
		{"KVM_SET_REGS", kvm.IIOW(0x82, unsafe.Sizeof(kvm.Regs{})), 0x4090AE82},
		{"KVM_GET_SREGS", kvm.IIOR(0x83, unsafe.Sizeof(kvm.Sregs{})), 0x8138AE83},
		{"KVM_SET_SREGS", kvm.IIOW(0x84, unsafe.Sizeof(kvm.Sregs{})), 0x4138AE84},
		{"KVM_SET_CPUID2", kvm.IIOW(0x90, 8), 0x4008AE90},
		{"KVM_GET_SUPPORTED_CPUID", kvm.IIOWR(0x05, 8), 0xC008AE05},
	} {
		if tt.got != tt.want {
			t.Errorf("%s = %#x, want %#x", tt.name, tt.got, tt.want)
		}
	}
}

func TestStructSizes(t *testing.T) {
	t.Parallel()

	if s := unsafe.Sizeof(kvm.Regs{}); s != 144 {
		t.Errorf("sizeof(Regs) = %d, want 144", s)
	}

	if s := unsafe.Sizeof(kvm.Sregs{}); s != 0x138 {
		t.Errorf("sizeof(Sregs) = %d, want 0x138", s)
	}

	if s := unsafe.Sizeof(kvm.Segment{}); s != 24 {
		t.Errorf("sizeof(Segment) = %d, want 24", s)
	}

	if s := unsafe.Sizeof(kvm.UserspaceMemoryRegion{}); s != 32 {
		t.Errorf("sizeof(UserspaceMemoryRegion) = %d, want 32", s)
	}
}

func TestRunDataIO(t *testing.T) {
	t.Parallel()

	r := kvm.RunData{}
	// direction=out, size=2, port=0x3f8, count=4.
	r.Data[0] = 1 | 2<<8 | 0x3f8<<16 | 4<<32
	r.Data[1] = 0x1000

	direction, size, port, count, offset := r.IO()

	if direction != kvm.EXITIOOUT || size != 2 || port != 0x3f8 || count != 4 || offset != 0x1000 {
		t.Fatalf("IO() = %d %d %#x %d %#x", direction, size, port, count, offset)
	}
}

func TestRunDataMMIO(t *testing.T) {
	t.Parallel()

	r := kvm.RunData{}
	r.Data[0] = 0xfed00000
	r.Data[2] = 4 | 1<<32

	phys, length, isWrite := r.MMIO()

	if phys != 0xfed00000 || length != 4 || !isWrite {
		t.Fatalf("MMIO() = %#x %d %v", phys, length, isWrite)
	}
}

func TestAPIVersion(t *testing.T) {
	t.Parallel()

	if os.Getuid() != 0 {
		t.Skipf("Skipping test since we are not root")
	}

	devKVM, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0o644)
	if err != nil {
		t.Skipf("Skipping test: %v", err)
	}
	defer devKVM.Close()

	version, err := kvm.GetAPIVersion(devKVM.Fd())
	if err != nil {
		t.Fatal(err)
	}

	if version != kvm.APIVersion {
		t.Fatalf("API version = %d, want %d", version, kvm.APIVersion)
	}
}

func TestCreateVM(t *testing.T) {
	t.Parallel()

	if os.Getuid() != 0 {
		t.Skipf("Skipping test since we are not root")
	}

	devKVM, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0o644)
	if err != nil {
		t.Skipf("Skipping test: %v", err)
	}
	defer devKVM.Close()

	vmFd, err := kvm.CreateVM(devKVM.Fd())
	if err != nil {
		t.Fatal(err)
	}

	if err := kvm.SetTSSAddr(vmFd, 0xfffbd000); err != nil {
		t.Fatal(err)
	}

	if err := kvm.CreateIRQChip(vmFd); err != nil {
		t.Fatal(err)
	}

	if err := kvm.CreatePIT2(vmFd); err != nil {
		t.Fatal(err)
	}

	if err := kvm.IRQLine(vmFd, 4, 0); err != nil {
		t.Fatal(err)
	}
}
