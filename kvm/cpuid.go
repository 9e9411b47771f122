package kvm

import "unsafe"

// CPUID function numbers. CPUIDFuncPerMon is filtered during vCPU
// reset; the two KVM leaves are passed to the guest unchanged.
const (
	CPUIDFuncPerMon = 0x0A
	CPUIDSignature  = 0x40000000
	CPUIDFeatures   = 0x40000001
)

// CPUID is the set of CPUID entries returned by GetSupportedCPUID.
type CPUID struct {
	Nent    uint32
	Padding uint32
	Entries [100]CPUIDEntry2
}

// CPUIDEntry2 is one CPUID leaf as KVM reports it.
type CPUIDEntry2 struct {
	Function uint32
	Index    uint32
	Flags    uint32
	Eax      uint32
	Ebx      uint32
	Ecx      uint32
	Edx      uint32
	Padding  [3]uint32
}

// GetSupportedCPUID gets all supported CPUID entries for a vm.
// Nent must be set to the capacity of Entries on the way in; the kernel
// overwrites it with the number of valid entries.
func GetSupportedCPUID(kvmFd uintptr, kvmCPUID *CPUID) error {
	_, err := Ioctl(kvmFd,
		IIOWR(kvmGetSupportedCPUID, 8),
		uintptr(unsafe.Pointer(kvmCPUID)))

	return err
}

// SetCPUID2 sets entries for a vCPU. The progression is: get the CPUID
// entries for a vm, filter them, then set them into individual vCPUs.
func SetCPUID2(vcpuFd uintptr, kvmCPUID *CPUID) error {
	_, err := Ioctl(vcpuFd,
		IIOW(kvmSetCPUID2, 8),
		uintptr(unsafe.Pointer(kvmCPUID)))

	return err
}
