package machine

import (
	"errors"
	"fmt"
	"log"
	"runtime"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/nmi/vmm/kvm"
)

// initCPUID applies the host-supported CPUID set to one vCPU with the
// handful of filters the guest needs: its APIC ID, the
// hypervisor-present bit, and a PMU it can actually use or none.
func (m *Machine) initCPUID(cpu int) error {
	cpuid := kvm.CPUID{}
	cpuid.Nent = uint32(len(cpuid.Entries))

	if err := kvm.GetSupportedCPUID(m.kvmFd, &cpuid); err != nil {
		return err
	}

	for i := 0; i < int(cpuid.Nent); i++ {
		e := &cpuid.Entries[i]

		switch e.Function {
		case 1:
			// Initial APIC ID lives in EBX[31:24].
			e.Ebx = e.Ebx&0x00ffffff | uint32(cpu)<<24
			e.Ecx |= 1 << 31
		case 6:
			// Clear X86_FEATURE_EPB: no energy bias MSR here.
			e.Ecx &^= 1 << 3
		case kvm.CPUIDFuncPerMon:
			versionID := e.Eax & 0xff
			numCounters := e.Eax >> 8 & 0xff

			if !(versionID == 2 && numCounters > 0) {
				e.Eax = 0
			}
		}
	}

	return kvm.SetCPUID2(m.vcpus[cpu].fd, &cpuid)
}

// resetVCPU puts one vCPU into the 16-bit state the boot protocol
// expects: all segments at the setup image, entry 512 bytes in.
func (m *Machine) resetVCPU(cpu int) error {
	if err := m.initCPUID(cpu); err != nil {
		return err
	}

	fd := m.vcpus[cpu].fd

	sregs, err := kvm.GetSregs(fd)
	if err != nil {
		return err
	}

	for _, s := range []*kvm.Segment{
		&sregs.CS, &sregs.SS, &sregs.DS, &sregs.ES, &sregs.FS, &sregs.GS,
	} {
		s.Selector = realModeSelector
		s.Base = realModeSelector << 4
	}

	if err := kvm.SetSregs(fd, sregs); err != nil {
		return err
	}

	regs, err := kvm.GetRegs(fd)
	if err != nil {
		return err
	}

	// Clear all FLAGS bits, except bit 1 which is always set.
	regs.RFLAGS = 2
	regs.RIP = realModeEntry
	regs.RSP = realModeStack
	regs.RBP = realModeStack

	return kvm.SetRegs(fd, regs)
}

// RunInfiniteLoop drives one vCPU until the guest halts, shuts down, or
// something fatal happens. It owns its OS thread for the whole loop, so
// every run ioctl comes from one thread and the cancel signal, sent to
// that thread's tid, has a thread to land on.
func (m *Machine) RunInfiniteLoop(cpu int, traceCount int) error {
	if cpu >= len(m.vcpus) {
		return fmt.Errorf("cpu %d out of range 0-%d:%w", cpu, len(m.vcpus), ErrBadCPU)
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	v := m.vcpus[cpu]
	v.tid.Store(int64(unix.Gettid()))

	defer v.tid.Store(0)

	if err := m.resetVCPU(cpu); err != nil {
		return err
	}

	nexits := 0

	for {
		if m.shutdown.Load() {
			return nil
		}

		if err := kvm.Run(v.fd); err != nil {
			if errors.Is(err, syscall.EINTR) || errors.Is(err, syscall.EAGAIN) {
				continue
			}

			return fmt.Errorf("cpu %d: run: %w", cpu, err)
		}

		if traceCount > 0 {
			if nexits++; nexits%traceCount == 0 {
				m.trace(cpu)
			}
		}

		cont, err := m.handleExit(v)
		if err != nil {
			return fmt.Errorf("cpu %d: %w", cpu, err)
		}

		if !cont {
			return nil
		}
	}
}

// handleExit routes one exit. The asymmetry is deliberate policy: an
// unhandled port I/O is fatal, an unclaimed MMIO access (VGA window
// probes among others) is swallowed.
func (m *Machine) handleExit(v *VCPU) (bool, error) {
	switch exit := kvm.ExitType(v.run.ExitReason); exit {
	case kvm.EXITHLT, kvm.EXITSHUTDOWN:
		return false, nil

	case kvm.EXITIO:
		direction, size, port, count, offset := v.run.IO()
		data := unsafe.Slice(
			(*byte)(unsafe.Add(unsafe.Pointer(v.run), uintptr(offset))),
			int(size*count))

		handled, err := m.registry.Dispatch(
			port, data, int(size), int(count), direction == kvm.EXITIOOUT)
		if err != nil {
			return false, err
		}

		if !handled {
			return false, fmt.Errorf("%w: %#x", kvm.ErrUnhandledIO, port)
		}

		return true, nil

	case kvm.EXITMMIO:
		phys, length, isWrite := v.run.MMIO()
		data := unsafe.Slice((*byte)(unsafe.Pointer(&v.run.Data[1])), 8)[:length]

		if _, err := m.registry.Dispatch(phys, data, int(length), 1, isWrite); err != nil {
			log.Printf("mmio %#x: %v", phys, err)
		}

		return true, nil

	case kvm.EXITINTR, kvm.EXITUNKNOWN:
		return true, nil

	default:
		return false, fmt.Errorf("%w: %s", kvm.ErrUnexpectedExitReason, exit.String())
	}
}
