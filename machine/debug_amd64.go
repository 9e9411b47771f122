package machine

import (
	"fmt"
	"log"

	"golang.org/x/arch/x86/x86asm"

	"github.com/nmi/vmm/kvm"
)

// Inst retrieves and decodes the instruction at the current RIP of a
// vCPU. It returns the instruction, the registers, and a GNU-syntax
// rendering.
func (m *Machine) Inst(cpu int) (*x86asm.Inst, *kvm.Regs, string, error) {
	if cpu >= len(m.vcpus) {
		return nil, nil, "", fmt.Errorf("cpu %d out of range 0-%d:%w", cpu, len(m.vcpus), ErrBadCPU)
	}

	fd := m.vcpus[cpu].fd

	regs, err := kvm.GetRegs(fd)
	if err != nil {
		return nil, nil, "", err
	}

	sregs, err := kvm.GetSregs(fd)
	if err != nil {
		return nil, nil, "", err
	}

	mode := 16

	switch {
	case sregs.CS.L == 1:
		mode = 64
	case sregs.CS.DB == 1:
		mode = 32
	}

	pc := sregs.CS.Base + regs.RIP

	mem, err := m.FlatToHost(pc)
	if err != nil {
		return nil, nil, "", err
	}

	if len(mem) > 15 {
		mem = mem[:15]
	}

	inst, err := x86asm.Decode(mem, mode)
	if err != nil {
		return nil, nil, "", fmt.Errorf("decode %#x: %w", pc, err)
	}

	return &inst, regs, x86asm.GNUSyntax(inst, regs.RIP, nil), nil
}

// trace logs the instruction a vCPU is stopped at. Best effort; tracing
// must never take the guest down.
func (m *Machine) trace(cpu int) {
	_, regs, gnu, err := m.Inst(cpu)
	if err != nil {
		log.Printf("trace cpu %d: %v", cpu, err)

		return
	}

	log.Printf("cpu %d: %#x: %s", cpu, regs.RIP, gnu)
}
