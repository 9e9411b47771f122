package probe

import (
	"fmt"
	"os"

	"github.com/nmi/vmm/kvm"
)

// CPUID calls KVM_GET_SUPPORTED_CPUID and prints the result.
func CPUID() error {
	kvmFile, err := os.Open("/dev/kvm")
	if err != nil {
		return err
	}
	defer kvmFile.Close()

	cpuid := kvm.CPUID{}
	cpuid.Nent = uint32(len(cpuid.Entries))

	if err := kvm.GetSupportedCPUID(kvmFile.Fd(), &cpuid); err != nil {
		return err
	}

	for _, e := range cpuid.Entries[:cpuid.Nent] {
		fmt.Printf("0x%08x 0x%02x: eax=0x%08x ebx=0x%08x ecx=0x%08x edx=0x%08x (flag:%x)\n",
			e.Function, e.Index, e.Eax, e.Ebx, e.Ecx, e.Edx, e.Flags)
	}

	return nil
}
