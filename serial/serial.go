// Package serial emulates the four legacy 8250 UARTs (ttyS0..ttyS3).
// Reference: http://www.techedge.com.au/tech/8250tec.htm
package serial

import (
	"sync"

	"github.com/nmi/vmm/term"
)

// Register offsets within an 8-byte UART bank. Offsets 0 and 1 are
// overlaid by the divisor latch when LCR.DLAB is set.
const (
	regTX  = 0
	regIER = 1
	regIIR = 2 // FCR on write
	regLCR = 3
	regMCR = 4
	regLSR = 5
	regMSR = 6
	regSCR = 7
)

// Register bits, the subset of linux/serial_reg.h this model uses.
const (
	LCRDlab = 0x80

	IERRdi  = 0x01
	IERThri = 0x02

	IIRNoInt = 0x01
	IIRThri  = 0x02
	IIRRdi   = 0x04

	FCRClearRcvr = 0x02
	FCRClearXmit = 0x04

	LSRDr   = 0x01
	LSRBi   = 0x10
	LSRThre = 0x20
	LSRTemt = 0x40

	MCRLoop = 0x10
	MCROut2 = 0x08

	MSRCts = 0x10
	MSRDsr = 0x20
	MSRDcd = 0x80
)

// fifoSize bounds both the transmit and receive buffers.
const fifoSize = 64

// VM is the narrow back-reference a UART holds on its owner: interrupt
// injection and the shutdown request raised by the console escape.
type VM interface {
	IRQLine(irq, level uint32) error
	Shutdown()
}

var (
	iobases = [term.NumPorts]uint64{0x3f8, 0x2f8, 0x3e8, 0x2e8}
	irqs    = [term.NumPorts]uint32{4, 3, 4, 3}
)

// Device is one UART port. All state is guarded by mu; updateIRQ is
// called with mu held so the asserted line level never lags the
// registers.
type Device struct {
	mu sync.Mutex

	id     int
	iobase uint64
	irq    uint32

	irqState uint8

	txbuf [fifoSize]byte
	rxbuf [fifoSize]byte
	txcnt int
	rxcnt int
	// rxdone counts bytes of rxbuf already delivered to the guest.
	rxdone int

	dll uint8
	dlm uint8
	iir uint8
	ier uint8
	fcr uint8
	lcr uint8
	mcr uint8
	lsr uint8
	msr uint8
	scr uint8

	vm   VM
	term *term.Term

	// sysrqPending is only honored on port 0.
	sysrqPending uint8
}

// Serial owns the four UART instances of a VM.
type Serial struct {
	Ports [term.NumPorts]*Device
}

// New builds the four UARTs bound to a terminal bridge and a VM
// back-reference.
func New(vm VM, t *term.Term) *Serial {
	s := &Serial{}

	for i := range s.Ports {
		s.Ports[i] = &Device{
			id:     i,
			iobase: iobases[i],
			irq:    irqs[i],
			iir:    IIRNoInt,
			lsr:    LSRTemt | LSRThre,
			msr:    MSRDcd | MSRDsr | MSRCts,
			mcr:    MCROut2,
			vm:     vm,
			term:   t,
		}
	}

	return s
}

// IOBase returns the first port of this UART's 8-byte bank.
func (d *Device) IOBase() uint64 {
	return d.iobase
}

// Size returns the width of the register bank.
func (d *Device) Size() uint64 {
	return 8
}

// IO is the trap handler for the UART's register bank.
func (d *Device) IO(addr uint64, data []byte, isWrite bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	offset := addr - d.iobase

	if isWrite {
		d.out(offset, data)
	} else {
		d.in(offset, data)
	}

	d.updateIRQ()

	return nil
}

func (d *Device) dlab() bool {
	return d.lcr&LCRDlab != 0
}

func (d *Device) out(offset uint64, data []byte) {
	v := data[0]

	switch offset {
	case regTX:
		if d.dlab() {
			d.dll = v

			break
		}

		if d.mcr&MCRLoop != 0 {
			if d.rxcnt < fifoSize {
				d.rxbuf[d.rxcnt] = v
				d.rxcnt++
				d.lsr |= LSRDr
			}

			break
		}

		if d.txcnt < fifoSize {
			d.txbuf[d.txcnt] = v
			d.txcnt++
			d.lsr &^= LSRTemt
			d.flushTX()
		}
	case regIER:
		if d.dlab() {
			d.dlm = v
		} else {
			d.ier = v & 0x0f
		}
	case regIIR:
		d.fcr = v
	case regLCR:
		d.lcr = v
	case regMCR:
		d.mcr = v
	case regSCR:
		d.scr = v
	}
}

func (d *Device) in(offset uint64, data []byte) {
	switch offset {
	case regTX:
		if d.dlab() {
			data[0] = d.dll
		} else {
			d.rx(data)
		}
	case regIER:
		if d.dlab() {
			data[0] = d.dlm
		} else {
			data[0] = d.ier
		}
	case regIIR:
		data[0] = d.iir | 0xc0
	case regLCR:
		data[0] = d.lcr
	case regMCR:
		data[0] = d.mcr
	case regLSR:
		data[0] = d.lsr
	case regMSR:
		data[0] = d.msr
	case regSCR:
		data[0] = d.scr
	}
}

// rx pops one byte off the receive FIFO. A pending break condition
// delivers a zero byte first.
func (d *Device) rx(data []byte) {
	if d.rxdone == d.rxcnt {
		return
	}

	if d.lsr&LSRBi != 0 {
		d.lsr &^= LSRBi
		data[0] = 0

		return
	}

	data[0] = d.rxbuf[d.rxdone]
	d.rxdone++

	if d.rxcnt == d.rxdone {
		d.lsr &^= LSRDr
		d.rxcnt, d.rxdone = 0, 0
	}
}

// flushTX pushes the transmit buffer out to the terminal and marks the
// transmitter empty.
func (d *Device) flushTX() {
	d.lsr |= LSRTemt | LSRThre

	if d.txcnt > 0 {
		_, _ = d.term.PutC(d.txbuf[:d.txcnt], d.id)
		d.txcnt = 0
	}
}

// updateIRQ recomputes the interrupt identification register and drives
// the IRQ line to match. Callers hold d.mu.
//
// The FIFO clear bits are looked for in LCR, not FCR: a write to FCR
// clears nothing, and an LCR value with bit 1 or 2 set empties the
// matching FIFO and reads back with that bit cleared.
func (d *Device) updateIRQ() {
	var iir uint8

	if d.lcr&FCRClearRcvr != 0 {
		d.lcr &^= FCRClearRcvr
		d.rxcnt, d.rxdone = 0, 0
		d.lsr &^= LSRDr
	}

	if d.lcr&FCRClearXmit != 0 {
		d.lcr &^= FCRClearXmit
		d.txcnt = 0
		d.lsr |= LSRTemt | LSRThre
	}

	if d.ier&IERRdi != 0 && d.lsr&LSRDr != 0 {
		iir |= IIRRdi
	}

	if d.ier&IERThri != 0 && d.lsr&LSRTemt != 0 {
		iir |= IIRThri
	}

	if iir == 0 {
		d.iir = IIRNoInt

		if d.irqState != 0 {
			_ = d.vm.IRQLine(d.irq, 0)
		}
	} else {
		d.iir = iir

		if d.irqState == 0 {
			_ = d.vm.IRQLine(d.irq, 1)
		}
	}

	d.irqState = iir

	// With the THR interrupt unused the guest never learns when the
	// transmitter drains, so drain it now.
	if d.ier&IERThri == 0 {
		d.flushTX()
	}
}

// receive refills the RX FIFO from the terminal. handleSysrq is true
// only for port 0.
func (d *Device) receive(handleSysrq bool) {
	if d.mcr&MCRLoop != 0 {
		return
	}

	if d.lsr&LSRDr != 0 || d.rxcnt > 0 {
		return
	}

	if handleSysrq && d.sysrqPending != 0 {
		d.lsr |= LSRDr | LSRBi
		d.rxbuf[d.rxcnt] = d.sysrqPending
		d.rxcnt++
		d.sysrqPending = 0

		return
	}

	for d.rxcnt < fifoSize && d.term.Readable(d.id) {
		c, ok := d.term.GetC(d.id, d.vm.Shutdown)
		if !ok {
			break
		}

		d.rxbuf[d.rxcnt] = c
		d.rxcnt++
		d.lsr |= LSRDr
	}
}

// SysRq queues an out-of-band sysrq code for delivery on port 0.
func (s *Serial) SysRq(c uint8) {
	p := s.Ports[0]

	p.mu.Lock()
	p.sysrqPending = c
	p.mu.Unlock()
}

// UpdateConsoles walks every port, refills its FIFO from the terminal
// and reasserts interrupt state. The terminal poll thread calls this
// whenever any port becomes readable.
func (s *Serial) UpdateConsoles() {
	for i, d := range s.Ports {
		d.mu.Lock()
		d.receive(i == 0)
		d.updateIRQ()
		d.mu.Unlock()
	}
}
