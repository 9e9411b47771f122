// Package machine owns the VM: guest memory and its banks, the vCPUs
// and their run loops, the emulated device set and the trap registry
// that routes exits to it.
package machine

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/nmi/vmm/bios"
	"github.com/nmi/vmm/bootparam"
	"github.com/nmi/vmm/i8042"
	"github.com/nmi/vmm/iotrap"
	"github.com/nmi/vmm/kvm"
	"github.com/nmi/vmm/serial"
	"github.com/nmi/vmm/term"
)

var (
	// ErrMemTooSmall indicates the requested memory size is too small.
	ErrMemTooSmall = errors.New("mem request must be at least 1<<25")

	// ErrBadCPU indicates a cpu number is invalid.
	ErrBadCPU = errors.New("bad cpu number")

	// ErrUnmapped indicates a guest physical address hit no bank.
	ErrUnmapped = errors.New("guest address is not backed by any bank")

	// ErrZeroSizeKernel is kernel is 0 bytes.
	ErrZeroSizeKernel = errors.New("kernel is 0 bytes")

	// ErrNoInitrdRoom means no placement below initrd_addr_max fit.
	ErrNoInitrdRoom = errors.New("no room for initrd")

	// ErrWriteToCF9 indicates a write to cf9, the standard x86 reset port.
	ErrWriteToCF9 = errors.New("power cycle via 0xcf9")
)

// sigCancel interrupts a vCPU thread blocked in the run ioctl. It is
// the lowest real-time signal; the Go runtime delivers it to the
// channel installed by the boot path and the ioctl returns EINTR.
const sigCancel = syscall.Signal(34)

// MemBank is one contiguous guest-physical to host mapping registered
// with KVM. hostStart indexes the backing allocation; with the 32-bit
// hole preserved in host layout it always equals GuestPhysAddr.
type MemBank struct {
	GuestPhysAddr uint64
	Size          uint64
	Slot          uint32

	hostStart uint64
}

// VCPU is one virtual CPU: its fd, the shared run structure and the
// thread currently driving it.
type VCPU struct {
	ID  int
	fd  uintptr
	run *kvm.RunData

	// tid is the OS thread id while the run loop owns the vCPU.
	tid atomic.Int64
}

// Machine is a complete VM.
type Machine struct {
	// devKVM keeps the device file reachable; its finalizer would
	// otherwise close kvmFd under us.
	devKVM *os.File

	kvmFd uintptr
	vmFd  uintptr

	// mu guards bank mutation. Banks are fixed once vCPUs run.
	mu      sync.Mutex
	mem     []byte
	banks   []*MemBank
	ramSize uint64

	vcpus []*VCPU

	registry *iotrap.Registry
	itable   *bios.InterruptTable

	term   *term.Term
	serial *serial.Serial
	kbd    *i8042.Controller

	shutdown atomic.Bool
}

// New opens the KVM device, builds guest memory with its banks, creates
// the vCPUs and wires the device set into the trap registry.
func New(kvmPath string, nCpus int, memSize int) (*Machine, error) {
	if memSize < MinMemSize {
		return nil, fmt.Errorf("memory size %d:%w", memSize, ErrMemTooSmall)
	}

	m := &Machine{
		registry: iotrap.New(),
		itable:   &bios.InterruptTable{},
		ramSize:  uint64(memSize),
	}

	devKVM, err := os.OpenFile(kvmPath, os.O_RDWR, 0o644)
	if err != nil {
		return m, err
	}

	m.devKVM = devKVM
	m.kvmFd = devKVM.Fd()

	version, err := kvm.GetAPIVersion(m.kvmFd)
	if err != nil {
		return m, fmt.Errorf("GetAPIVersion: %w", err)
	}

	if version != kvm.APIVersion {
		return m, fmt.Errorf("%w: got %d, want %d", kvm.ErrAPIVersion, version, kvm.APIVersion)
	}

	if m.vmFd, err = kvm.CreateVM(m.kvmFd); err != nil {
		return m, fmt.Errorf("CreateVM: %w", err)
	}

	if err := kvm.SetTSSAddr(m.vmFd, tssAddr); err != nil {
		return m, err
	}

	if err := kvm.CreateIRQChip(m.vmFd); err != nil {
		return m, err
	}

	if err := kvm.CreatePIT2(m.vmFd); err != nil {
		return m, err
	}

	if err := m.initRAM(); err != nil {
		return m, err
	}

	mmapSize, err := kvm.GetVCPUMMapSize(m.kvmFd)
	if err != nil {
		return m, err
	}

	m.vcpus = make([]*VCPU, nCpus)

	for cpu := 0; cpu < nCpus; cpu++ {
		fd, err := kvm.CreateVCPU(m.vmFd, cpu)
		if err != nil {
			return m, err
		}

		r, err := syscall.Mmap(int(fd), 0, int(mmapSize),
			syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
		if err != nil {
			return m, err
		}

		m.vcpus[cpu] = &VCPU{
			ID:  cpu,
			fd:  fd,
			run: (*kvm.RunData)(unsafe.Pointer(&r[0])),
		}
	}

	// Poison high memory: 0 is a valid instruction, and a guest that
	// starts running in the middle of all those 0's is impossible to
	// diagnose.
	if p, err := m.FlatToHost(bootparam.HighMemBase); err == nil {
		for i := 0; i+len(Poison) <= len(p); i += len(Poison) {
			copy(p[i:], Poison)
		}
	}

	m.term = term.New()
	m.serial = serial.New(m, m.term)
	m.kbd = i8042.New(m)

	if err := m.initIOTraps(); err != nil {
		return m, err
	}

	return m, nil
}

// initRAM maps the backing allocation, carves the banks around the
// 32-bit hole and registers them with KVM.
func (m *Machine) initRAM() error {
	hostSize := m.ramSize
	if m.ramSize > bootparam.Gap32Start {
		hostSize = m.ramSize + bootparam.Gap32Size
	}

	mem, err := syscall.Mmap(-1, 0, int(hostSize),
		syscall.PROT_READ|syscall.PROT_WRITE,
		syscall.MAP_SHARED|syscall.MAP_ANONYMOUS)
	if err != nil {
		return err
	}

	m.mem = mem

	if m.ramSize <= bootparam.Gap32Start {
		return m.addBank(&MemBank{GuestPhysAddr: 0, Size: m.ramSize, Slot: 0, hostStart: 0})
	}

	// The hole stays in the host layout, protected so a stray host
	// access faults instead of scribbling on nothing.
	if err := unix.Mprotect(
		m.mem[bootparam.Gap32Start:bootparam.MaxMem32], unix.PROT_NONE); err != nil {
		return err
	}

	if err := m.addBank(&MemBank{
		GuestPhysAddr: 0, Size: bootparam.Gap32Start, Slot: 0, hostStart: 0,
	}); err != nil {
		return err
	}

	return m.addBank(&MemBank{
		GuestPhysAddr: bootparam.MaxMem32,
		Size:          m.ramSize - bootparam.Gap32Start,
		Slot:          1,
		hostStart:     bootparam.MaxMem32,
	})
}

// addBank registers one bank with KVM and appends it to the bank list.
func (m *Machine) addBank(b *MemBank) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	err := kvm.SetUserMemoryRegion(m.vmFd, &kvm.UserspaceMemoryRegion{
		Slot:          b.Slot,
		GuestPhysAddr: b.GuestPhysAddr,
		MemorySize:    b.Size,
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&m.mem[b.hostStart]))),
	})
	if err != nil {
		return fmt.Errorf("SetUserMemoryRegion slot %d: %w", b.Slot, err)
	}

	m.banks = append(m.banks, b)

	return nil
}

// FlatToHost returns the host-backed window starting at a flat guest
// physical address, running to the end of its bank.
func (m *Machine) FlatToHost(addr uint64) ([]byte, error) {
	for _, b := range m.banks {
		if addr >= b.GuestPhysAddr && addr < b.GuestPhysAddr+b.Size {
			off := b.hostStart + (addr - b.GuestPhysAddr)

			return m.mem[off : b.hostStart+b.Size], nil
		}
	}

	return nil, fmt.Errorf("%#x: %w", addr, ErrUnmapped)
}

// RealToHost resolves a real-mode segment:offset pair.
func (m *Machine) RealToHost(sel uint16, off uint16) ([]byte, error) {
	return m.FlatToHost(uint64(sel)<<4 + uint64(off))
}

// IRQLine drives a virtual interrupt line. Failures are logged, not
// fatal; the guest may well recover.
func (m *Machine) IRQLine(irq, level uint32) error {
	if err := kvm.IRQLine(m.vmFd, irq, level); err != nil {
		log.Printf("irq %d level %d: %v", irq, level, err)

		return err
	}

	return nil
}

// Shutdown asks every vCPU loop to wind down. Threads blocked in the
// run ioctl are kicked with the cancel signal; the immediate-exit flag
// covers the race where a thread is about to enter.
func (m *Machine) Shutdown() {
	m.shutdown.Store(true)

	pid := os.Getpid()

	for _, v := range m.vcpus {
		v.run.ImmediateExit = 1

		if tid := v.tid.Load(); tid != 0 {
			_ = unix.Tgkill(pid, int(tid), sigCancel)
		}
	}
}

// CancelSignal is the signal the boot path must route to a channel so
// the runtime treats it as benign.
func CancelSignal() os.Signal {
	return sigCancel
}

// Term returns the terminal bridge for the boot path to initialize.
func (m *Machine) Term() *term.Term {
	return m.term
}

// DrainTerminals refills every UART receive FIFO from the terminal.
// The poll thread calls this on any readable port.
func (m *Machine) DrainTerminals() {
	m.serial.UpdateConsoles()
}

// SysRq queues a sysrq code for delivery through ttyS0.
func (m *Machine) SysRq(c uint8) {
	m.serial.SysRq(c)
}

// KeyboardInput enqueues host scancodes into the i8042.
func (m *Machine) KeyboardInput(code uint8) {
	m.kbd.QueueKeyboard(code)
}

// initIOTraps claims every port range the device set answers for. Any
// registration failure deregisters what came before it.
func (m *Machine) initIOTraps() error {
	registered := []uint64{}

	reg := func(start, size uint64, h iotrap.Handler) error {
		if err := m.registry.Register(start, size, h); err != nil {
			for _, s := range registered {
				m.registry.Deregister(s)
			}

			return fmt.Errorf("register [%#x,%#x): %w", start, start+size, err)
		}

		registered = append(registered, start)

		return nil
	}

	noop := func(addr uint64, data []byte, isWrite bool) error {
		return nil
	}

	// Reads of absent PCI config space must see all-ones or the guest
	// concludes a device is present.
	allOnes := func(addr uint64, data []byte, isWrite bool) error {
		if !isWrite {
			for i := range data {
				data[i] = 0xff
			}
		}

		return nil
	}

	// 0xCF9 takes 4 (INIT), 6 (RESET) or 0xE (power cycle). All of
	// them end this VM.
	cf9 := func(addr uint64, data []byte, isWrite bool) error {
		if isWrite {
			return fmt.Errorf("write %#x to cf9: %w", data, ErrWriteToCF9)
		}

		return nil
	}

	for _, d := range m.serial.Ports {
		if err := reg(d.IOBase(), d.Size(), d.IO); err != nil {
			return err
		}
	}

	for _, r := range []struct {
		start, size uint64
		h           iotrap.Handler
	}{
		{i8042.DataPort, 2, m.kbd.IO},    // 0x60 data, 0x61 port B
		{i8042.CommandPort, 2, m.kbd.IO}, // 0x64 status/command
		{0xcf9, 1, cf9},
		{0x3c0, 0x1b, noop},   // VGA
		{0x3b4, 0x2, noop},    // VGA
		{0x70, 0x2, noop},     // CMOS clock
		{0x80, 0x20, noop},    // DMA page registers
		{0xed, 0x1, noop},     // delay port
		{0xcf8, 0x1, noop},    // PCI config address
		{0xcfa, 0x2, noop},    // PCI config mechanism #2
		{0xcfc, 0x4, allOnes}, // PCI config data: no devices
	} {
		if err := reg(r.start, r.size, r.h); err != nil {
			return err
		}
	}

	return nil
}

// RegisterIOTrap exposes registration for further device types.
func (m *Machine) RegisterIOTrap(start, size uint64, h iotrap.Handler) error {
	return m.registry.Register(start, size, h)
}

// DeregisterIOTrap removes a trap range. An MMIO range is also
// released from kernel-side write coalescing first.
func (m *Machine) DeregisterIOTrap(start, size uint64, mmio bool) bool {
	if mmio {
		_ = kvm.UnregisterCoalescedMMIO(m.vmFd, start, uint32(size))
	}

	return m.registry.Deregister(start)
}
