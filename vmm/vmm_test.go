package vmm_test

import (
	"errors"
	"io/fs"
	"os"
	"testing"

	"github.com/nmi/vmm/vmm"
)

func TestNew(t *testing.T) {
	t.Parallel()

	v := vmm.New(vmm.Config{
		Dev:     "/dev/kvm",
		Kernel:  "bzImage",
		Initrd:  "initrd",
		NCPUs:   1,
		MemSize: 1 << 30,
	})

	if v.Machine != nil {
		t.Fatal("machine exists before Init")
	}

	if v.NCPUs != 1 || v.Kernel != "bzImage" {
		t.Fatalf("config not carried: %+v", v.Config)
	}
}

func TestSetupMissingKernel(t *testing.T) {
	t.Parallel()

	v := vmm.New(vmm.Config{
		Kernel: "/nonexistent/bzImage",
		Initrd: "/nonexistent/initrd",
	})

	if err := v.Setup(); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("Setup = %v, want ErrNotExist", err)
	}
}

func TestInit(t *testing.T) {
	t.Parallel()

	if os.Getuid() != 0 {
		t.Skipf("Skipping test since we are not root")
	}

	v := vmm.New(vmm.Config{
		Dev:     "/dev/kvm",
		NCPUs:   1,
		MemSize: 1 << 29,
	})

	if err := v.Init(); err != nil {
		t.Skipf("Skipping test: %v", err)
	}

	if v.Machine == nil {
		t.Fatal("Init left no machine")
	}
}
