package kvm

import "unsafe"

// irqLevel is the kvm_irq_level argument: an IRQ number and the level
// to drive it to.
type irqLevel struct {
	IRQ   uint32
	Level uint32
}

// IRQLine raises or lowers a virtual interrupt line. This is the only
// path by which emulated devices inject interrupts, and it is safe to
// call from any thread.
func IRQLine(vmFd uintptr, irq, level uint32) error {
	irqLev := irqLevel{
		IRQ:   irq,
		Level: level,
	}

	_, err := Ioctl(vmFd, IIOW(kvmIRQLine, unsafe.Sizeof(irqLev)), uintptr(unsafe.Pointer(&irqLev)))

	return err
}

// CreateIRQChip creates the in-kernel interrupt controller pair
// (PIC + IOAPIC) for a VM.
func CreateIRQChip(vmFd uintptr) error {
	_, err := Ioctl(vmFd, IIO(kvmCreateIRQChip), 0)

	return err
}

// pitConfig defines properties of the in-kernel PIT.
type pitConfig struct {
	Flags uint32
	_     [15]uint32
}

// CreatePIT2 creates the in-kernel i8254 timer.
func CreatePIT2(vmFd uintptr) error {
	pit := pitConfig{
		Flags: 0,
	}
	_, err := Ioctl(vmFd, IIOW(kvmCreatePIT2, unsafe.Sizeof(pit)), uintptr(unsafe.Pointer(&pit)))

	return err
}
