// Package bios seeds guest low memory with everything a real-mode
// kernel boot expects to find: the interrupt vector table, a small BIOS
// ROM with stub handlers, the VGA ROM tags and the E820 memory map.
//
// Memory map written here:
//
//	0xFFFFFFFF  ------------------------- 4 G
//	           |          ....           |
//	  0x100000  ------------------------- 1 M
//	           |     ROM BIOS sector     |
//	   0xF0000  -------------------------
//	           |          ....           |
//	   0xC8000  -------------------------
//	           |      VGA ROM BIOS       |
//	   0xC0000  ------------------------- 768 K
//	           |     display buffer      |
//	   0xA0000  ------------------------- 640 K
//	           |          ....           |
//	   0x00500  -------------------------
//	           |        BIOS data        |
//	   0x00400  -------------------------
//	           |           IVT           |
//	   0x00000  ------------------------- 0
package bios

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/nmi/vmm/bootparam"
)

// Memory is guest RAM as the BIOS setup sees it: a host-backed window
// starting at a flat guest physical address.
type Memory interface {
	FlatToHost(addr uint64) ([]byte, error)
}

var ErrE820MapFull = errors.New("e820 map overflows 128 entries")

// RealIntrDesc is one real-mode IVT entry: a segment:offset pointer,
// 4 bytes on the wire.
type RealIntrDesc struct {
	Offset  uint16
	Segment uint16
}

const numVectors = 256

// InterruptTable is the full 256-entry IVT, copied to guest physical 0
// once populated.
type InterruptTable struct {
	entries [numVectors]RealIntrDesc
}

// SetupAll points every vector at the same descriptor.
func (t *InterruptTable) SetupAll(d RealIntrDesc) {
	for i := range t.entries {
		t.entries[i] = d
	}
}

// Set installs a descriptor for one vector.
func (t *InterruptTable) Set(num int, d RealIntrDesc) {
	if num < numVectors {
		t.entries[num] = d
	}
}

// Bytes serializes the table to its 1024-byte guest representation.
func (t *InterruptTable) Bytes() []byte {
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.LittleEndian, t.entries)

	return buf.Bytes()
}

// Stub offsets inside the BIOS ROM. The stubs are tiny; the generous
// spacing keeps room for growing one without relinking the others.
const (
	offsetIntFake = 0x100
	offsetInt10   = 0x140
	offsetInt15   = 0x180
)

// intFake clears CF in the saved FLAGS and irets. Every vector a guest
// may invoke lands here unless a real handler is installed.
//
//	push %bp
//	mov  %sp,%bp
//	andw $0xfffe,6(%bp)
//	pop  %bp
//	iret
var intFake = []byte{0x55, 0x89, 0xe5, 0x81, 0x66, 0x06, 0xfe, 0xff, 0x5d, 0xcf}

// int10 is video services. Output goes through the UARTs, so the stub
// only has to return success.
var int10 = []byte{0x55, 0x89, 0xe5, 0x81, 0x66, 0x06, 0xfe, 0xff, 0x5d, 0xcf}

// int15 serves the AX=0xE820 memory-map query from the map written at
// E820MapStart, one 20-byte entry per call, EBX as continuation index.
// Anything else sets CF and returns.
//
//	cmp  $0xe820,%ax
//	jne  unsup
//	push %bp; mov %sp,%bp
//	push %ds; push %si; push %di
//	mov  $0x9fc0,%cx; mov %cx,%ds   # E820MapStart >> 4
//	mov  0,%cx                      # nr_map
//	cmp  %cx,%bx
//	jae  empty
//	mov  %bx,%si; shl $2,%si; add %bx,%si; shl $2,%si; add $4,%si
//	push %cx; mov $10,%cx; cld; rep movsw; pop %cx
//	inc  %bx; cmp %cx,%bx; jne more; xor %bx,%bx
//	more: mov $0x534d4150,%eax; mov $20,%ecx
//	andw $0xfffe,6(%bp)             # clear CF in saved FLAGS
//	jmp  out
//	empty: orw $1,6(%bp)
//	out: pop %di; pop %si; pop %ds; pop %bp; iret
//	unsup: push %bp; mov %sp,%bp; orw $1,6(%bp); pop %bp; iret
var int15 = []byte{
	0x3d, 0x20, 0xe8,
	0x75, 0x4c,
	0x55,
	0x89, 0xe5,
	0x1e,
	0x56,
	0x57,
	0xb9, 0xc0, 0x9f,
	0x8e, 0xd9,
	0x8b, 0x0e, 0x00, 0x00,
	0x39, 0xcb,
	0x73, 0x2f,
	0x89, 0xde,
	0xc1, 0xe6, 0x02,
	0x01, 0xde,
	0xc1, 0xe6, 0x02,
	0x83, 0xc6, 0x04,
	0x51,
	0xb9, 0x0a, 0x00,
	0xfc,
	0xf3, 0xa5,
	0x59,
	0x43,
	0x39, 0xcb,
	0x75, 0x02,
	0x31, 0xdb,
	0x66, 0xb8, 0x50, 0x41, 0x4d, 0x53,
	0x66, 0xb9, 0x14, 0x00, 0x00, 0x00,
	0x81, 0x66, 0x06, 0xfe, 0xff,
	0xeb, 0x05,
	0x81, 0x4e, 0x06, 0x01, 0x00,
	0x5f,
	0x5e,
	0x1f,
	0x5d,
	0xcf,
	0x55,
	0x89, 0xe5,
	0x81, 0x4e, 0x06, 0x01, 0x00,
	0x5d,
	0xcf,
}

type irqHandler struct {
	irq     int
	address uint64
	handler []byte
}

var biosIrqHandlers = []irqHandler{
	{irq: 0x10, address: bootparam.MBBIOSBegin + offsetInt10, handler: int10},
	{irq: 0x15, address: bootparam.MBBIOSBegin + offsetInt15, handler: int15},
}

// rom assembles the BIOS ROM image: zeroes with each stub at its offset.
func rom() []byte {
	b := make([]byte, bootparam.MBBIOSEnd-bootparam.MBBIOSBegin)
	copy(b[offsetIntFake:], intFake)
	copy(b[offsetInt10:], int10)
	copy(b[offsetInt15:], int15)

	return b
}

func zero(mem Memory, addr, size uint64) error {
	p, err := mem.FlatToHost(addr)
	if err != nil {
		return err
	}

	for i := uint64(0); i < size; i++ {
		p[i] = 0
	}

	return nil
}

// e820Setup writes the BIOS-owned memory map at the bottom of the
// EBDA: a u32 entry count followed by packed 20-byte entries.
func e820Setup(mem Memory, ramSize uint64) error {
	entries := []bootparam.E820Entry{
		{
			Addr: bootparam.RealModeIvtBegin,
			Size: bootparam.EBDAStart - bootparam.RealModeIvtBegin,
			Type: bootparam.E820Ram,
		},
		{
			Addr: bootparam.EBDAStart,
			Size: bootparam.VGARAMBegin - bootparam.EBDAStart,
			Type: bootparam.E820Reserved,
		},
		{
			Addr: bootparam.MBBIOSBegin,
			Size: bootparam.MBBIOSEnd - bootparam.MBBIOSBegin,
			Type: bootparam.E820Reserved,
		},
	}

	if ramSize <= bootparam.Gap32Start {
		entries = append(entries, bootparam.E820Entry{
			Addr: bootparam.HighMemBase,
			Size: ramSize - bootparam.HighMemBase,
			Type: bootparam.E820Ram,
		})
	} else {
		entries = append(entries,
			bootparam.E820Entry{
				Addr: bootparam.HighMemBase,
				Size: bootparam.Gap32Start - bootparam.HighMemBase,
				Type: bootparam.E820Ram,
			},
			bootparam.E820Entry{
				Addr: bootparam.MaxMem32,
				Size: ramSize - bootparam.Gap32Start,
				Type: bootparam.E820Ram,
			})
	}

	if len(entries) > 128 {
		return ErrE820MapFull
	}

	p, err := mem.FlatToHost(bootparam.E820MapStart)
	if err != nil {
		return err
	}

	buf := new(bytes.Buffer)

	if err := binary.Write(buf, binary.LittleEndian, uint32(len(entries))); err != nil {
		return err
	}

	for _, e := range entries {
		if err := binary.Write(buf, binary.LittleEndian, e); err != nil {
			return err
		}
	}

	copy(p, buf.Bytes())

	return nil
}

// vgaRomSetup tags the VGA ROM with the OEM string and the two-entry
// mode table the guest's VESA probe looks for.
func vgaRomSetup(mem Memory) error {
	p, err := mem.FlatToHost(bootparam.VGAROMOemString)
	if err != nil {
		return err
	}

	for i := 0; i < bootparam.VGAROMOemSize; i++ {
		p[i] = 0
	}

	copy(p, "KVM VESA")

	p, err = mem.FlatToHost(bootparam.VGAROMModes)
	if err != nil {
		return err
	}

	binary.LittleEndian.PutUint16(p, 0x0112)
	binary.LittleEndian.PutUint16(p[2:], 0xffff)

	return nil
}

// Setup populates guest low memory: BDA, EBDA, BIOS and VGA ROMs, the
// E820 map, and the IVT with intfake everywhere plus the INT 0x10 and
// INT 0x15 handlers.
func Setup(mem Memory, itable *InterruptTable, ramSize uint64) error {
	for _, r := range []struct {
		addr, size uint64
	}{
		{bootparam.BDAStart, bootparam.BDASize},
		{bootparam.EBDAStart, bootparam.EBDASize},
		{bootparam.MBBIOSBegin, bootparam.MBBIOSEnd - bootparam.MBBIOSBegin},
		{bootparam.VGAROMBegin, bootparam.VGAROMSize},
	} {
		if err := zero(mem, r.addr, r.size); err != nil {
			return fmt.Errorf("zero %#x: %w", r.addr, err)
		}
	}

	p, err := mem.FlatToHost(bootparam.MBBIOSBegin)
	if err != nil {
		return err
	}

	copy(p, rom())

	if err := e820Setup(mem, ramSize); err != nil {
		return err
	}

	if err := vgaRomSetup(mem); err != nil {
		return err
	}

	itable.SetupAll(RealIntrDesc{
		Segment: bootparam.MBBIOSBegin >> 4,
		Offset:  offsetIntFake,
	})

	for _, h := range biosIrqHandlers {
		p, err := mem.FlatToHost(h.address)
		if err != nil {
			return err
		}

		copy(p, h.handler)

		itable.Set(h.irq, RealIntrDesc{
			Segment: bootparam.MBBIOSBegin >> 4,
			Offset:  uint16(h.address - bootparam.MBBIOSBegin),
		})
	}

	// The IVT lives at physical 0.
	p, err = mem.FlatToHost(0)
	if err != nil {
		return err
	}

	copy(p, itable.Bytes())

	return nil
}
