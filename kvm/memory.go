package kvm

import "unsafe"

// UserspaceMemoryRegion maps a range of guest physical memory onto a
// host userspace allocation. One region per memory bank, each with a
// unique slot.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// SetMemLogDirtyPages sets region flags to log dirty pages.
func (r *UserspaceMemoryRegion) SetMemLogDirtyPages() {
	r.Flags |= 1 << 0
}

// SetMemReadonly marks a region as read only.
func (r *UserspaceMemoryRegion) SetMemReadonly() {
	r.Flags |= 1 << 1
}

// SetUserMemoryRegion adds a memory region to a vm -- not a vcpu, a vm.
func SetUserMemoryRegion(vmFd uintptr, region *UserspaceMemoryRegion) error {
	_, err := Ioctl(vmFd, IIOW(kvmSetUserMemoryRegion, unsafe.Sizeof(UserspaceMemoryRegion{})),
		uintptr(unsafe.Pointer(region)))

	return err
}

// SetTSSAddr sets the address of the three pages KVM needs for the TSS
// hack on Intel. The guest must never touch this range.
func SetTSSAddr(vmFd uintptr, addr uint32) error {
	_, err := Ioctl(vmFd, IIO(kvmSetTSSAddr), uintptr(addr))

	return err
}

// SetIdentityMapAddr sets the address of a 4k identity-mapped page.
func SetIdentityMapAddr(vmFd uintptr, addr uint32) error {
	_, err := Ioctl(vmFd, IIOW(kvmSetIdentityMapAddr, 8), uintptr(unsafe.Pointer(&addr)))

	return err
}

// coalescedMMIOZone is a guest physical range whose MMIO writes are
// batched by the kernel instead of exiting one by one.
type coalescedMMIOZone struct {
	Addr   uint64
	Size   uint32
	PadPio uint32
}

// RegisterCoalescedMMIO asks the kernel to coalesce writes in a zone.
func RegisterCoalescedMMIO(vmFd uintptr, addr uint64, size uint32) error {
	zone := coalescedMMIOZone{Addr: addr, Size: size}
	_, err := Ioctl(vmFd, IIOW(kvmRegisterCoalescedMMIO, unsafe.Sizeof(zone)),
		uintptr(unsafe.Pointer(&zone)))

	return err
}

// UnregisterCoalescedMMIO removes a coalescing zone. Deregistering an
// I/O trap must call this before the handler is freed.
func UnregisterCoalescedMMIO(vmFd uintptr, addr uint64, size uint32) error {
	zone := coalescedMMIOZone{Addr: addr, Size: size}
	_, err := Ioctl(vmFd, IIOW(kvmUnregisterCoalescedMMIO, unsafe.Sizeof(zone)),
		uintptr(unsafe.Pointer(&zone)))

	return err
}
