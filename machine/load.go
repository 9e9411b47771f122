package machine

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/nmi/vmm/bios"
	"github.com/nmi/vmm/bootparam"
)

// hdrOffset is where the setup header sits inside the setup image.
const hdrOffset = 0x1f1

// LoadLinux places a bzImage, its command line and an initrd into guest
// memory, patches the boot header in the in-guest copy, and seeds the
// BIOS structures. The guest enters the setup image in real mode; the
// kernel learns its memory map through the INT 15 stub, so only the
// header fields are touched here, never the rest of the setup image.
//
//	GuestPhysAddr                      binary file [+ offset]
//
//	0x00000000  +------------------+
//	            |  IVT, BDA, E820  |
//	0x00010000  +------------------+  bzImage [+ 0]
//	            |   setup image    |     (CS:IP starts at +0x200)
//	0x00020000  +------------------+
//	            |     cmdline      |
//	0x000f0000  +------------------+
//	            |     BIOS ROM     |
//	0x00100000  +------------------+  bzImage [+ 512 x (1 + setup_sects)]
//	            |   32/64-bit part |
//	            +------------------+
//	            |      initrd      |  below initrd_addr_max, 1M aligned
//	            +------------------+
func (m *Machine) LoadLinux(kernel, initrd io.ReaderAt, initrdSize uint64, params string) error {
	bp, err := bootparam.New(kernel)
	if err != nil {
		return err
	}

	// Setup image, header included, at segment 0x1000.
	setupSize := int(bp.Hdr.SetupSects+1) * 512

	p, err := m.FlatToHost(bootParamAddr)
	if err != nil {
		return err
	}

	if n, err := kernel.ReadAt(p[:setupSize], 0); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("setup image: (%v, %w)", n, err)
	}

	// Protected-mode payload at 1M.
	hp, err := m.FlatToHost(bootparam.HighMemBase)
	if err != nil {
		return err
	}

	kernSize, err := kernel.ReadAt(hp, int64(setupSize))
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("kernel: (%v, %w)", kernSize, err)
	}

	if kernSize == 0 {
		return ErrZeroSizeKernel
	}

	// Command line, truncated to what the header says fits.
	limit := int(bp.Hdr.CmdlineSize)
	if limit == 0 {
		limit = 256
	}

	if len(params) > limit-1 {
		params = params[:limit-1]
	}

	cp, err := m.FlatToHost(cmdlineAddr)
	if err != nil {
		return err
	}

	copy(cp, params)
	cp[len(params)] = 0

	initrdAddr, err := m.loadInitrd(bp, initrd, initrdSize)
	if err != nil {
		return err
	}

	bp.Hdr.VidMode = 0
	bp.Hdr.TypeOfLoader = 0xFF
	bp.Hdr.RamdiskImage = uint32(initrdAddr)
	bp.Hdr.RamdiskSize = uint32(initrdSize)
	bp.Hdr.LoadFlags |= bootparam.CanUseHeap
	bp.Hdr.HeapEndPtr = 0xFE00
	bp.Hdr.CmdlinePtr = cmdlineAddr

	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, bp.Hdr); err != nil {
		return err
	}

	copy(p[hdrOffset:], buf.Bytes())

	return bios.Setup(m, m.itable, m.ramSize)
}

// loadInitrd finds a megabyte-aligned home for the initrd below
// initrd_addr_max and copies it in.
func (m *Machine) loadInitrd(bp *bootparam.BootParam, initrd io.ReaderAt, size uint64) (uint64, error) {
	if size > m.ramSize {
		return 0, fmt.Errorf("initrd %d bytes in %d of ram: %w", size, m.ramSize, ErrNoInitrdRoom)
	}

	addrMax := uint64(bp.Hdr.InitrdAddrMax)
	if addrMax == 0 {
		addrMax = initrdAddrMaxDefault
	}

	addr := addrMax &^ 0xFFFFF

	for addr > m.ramSize-size {
		if addr < bootparam.HighMemBase+1<<20 {
			return 0, fmt.Errorf("initrd_addr_max %#x: %w", addrMax, ErrNoInitrdRoom)
		}

		addr -= 1 << 20
	}

	p, err := m.FlatToHost(addr)
	if err != nil {
		return 0, err
	}

	if n, err := initrd.ReadAt(p[:size], 0); err != nil && !errors.Is(err, io.EOF) {
		return 0, fmt.Errorf("initrd: (%v, %w)", n, err)
	}

	return addr, nil
}
