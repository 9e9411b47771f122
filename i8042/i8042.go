// Package i8042 emulates the PS/2 keyboard and mouse controller: two
// 128-byte output queues behind the 0x60 data port and the 0x64
// command/status port.
package i8042

import "sync"

// Port addresses. Each bank is registered 2 bytes wide, but only the
// base ports carry meaning; 0x61 reads a constant.
const (
	DataPort    = 0x60
	CommandPort = 0x64

	kbdIRQ   = 1
	mouseIRQ = 12

	queueSize = 128

	statusOBF  = 0x01
	statusAuxB = 0x20

	modeDisableAux = 0x20
)

// VM is the narrow back-reference the controller holds on its owner.
type VM interface {
	IRQLine(irq, level uint32) error
	Shutdown()
}

// Controller is the i8042 state machine. The mutex matters: the vCPU
// threads run the trap handler while host-side key injection enqueues
// concurrently.
type Controller struct {
	mu sync.Mutex

	vm VM

	kq            [queueSize]uint8
	kread, kwrite int
	kcount        int

	mq            [queueSize]uint8
	mread, mwrite int
	mcount        int

	mstatus uint8
	mres    uint8
	msample uint8

	mode   uint8
	status uint8

	// Some commands on port 0x64 take an argument; the command waits
	// here until the argument arrives on port 0x60.
	writeCmd uint8
}

// New returns a controller in its power-on state.
func New(vm VM) *Controller {
	c := &Controller{vm: vm}
	c.reset()

	return c
}

func (c *Controller) reset() {
	*c = Controller{
		vm:      c.vm,
		status:  0x1c,
		mode:    0x3,
		mres:    0x2,
		msample: 100,
	}
}

// updateIRQ recomputes both line levels and the status register output
// bits. The keyboard has priority over the mouse.
func (c *Controller) updateIRQ() {
	var klevel, mlevel uint32

	c.status &^= statusOBF | statusAuxB

	if c.kcount > 0 {
		c.status |= statusOBF
		klevel = 1
	}

	if klevel == 0 && c.mcount > 0 {
		c.status |= statusOBF | statusAuxB
		mlevel = 1
	}

	_ = c.vm.IRQLine(kbdIRQ, klevel)
	_ = c.vm.IRQLine(mouseIRQ, mlevel)
}

func (c *Controller) kbdQueue(v uint8) {
	if c.kcount >= queueSize {
		return
	}

	c.kq[c.kwrite%queueSize] = v
	c.kwrite++
	c.kcount++
	c.updateIRQ()
}

func (c *Controller) mouseQueue(v uint8) {
	if c.mcount >= queueSize {
		return
	}

	c.mq[c.mwrite%queueSize] = v
	c.mwrite++
	c.mcount++
	c.updateIRQ()
}

// QueueKeyboard enqueues a scancode from the host side.
func (c *Controller) QueueKeyboard(v uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.kbdQueue(v)
}

// QueueMouse enqueues a mouse byte from the host side.
func (c *Controller) QueueMouse(v uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.mouseQueue(v)
}

func (c *Controller) writeCommand(v uint8) {
	switch v {
	case 0x20:
		c.kbdQueue(c.mode)
	case 0x60, 0xD3, 0xD4:
		c.writeCmd = v
	case 0xA9:
		// 0 means we're a normal PS/2 mouse.
		c.mouseQueue(0)
	case 0xA7:
		c.mode |= modeDisableAux
	case 0xA8:
		c.mode &^= modeDisableAux
	case 0xFE:
		c.vm.Shutdown()
	}
}

func (c *Controller) writeData(v uint8) {
	switch c.writeCmd {
	case 0x60:
		c.mode = v
		c.updateIRQ()
	case 0xD3:
		c.mouseQueue(v)
		c.mouseQueue(0xFA)
	case 0xD4:
		// The OS wants to send a command to the mouse.
		c.mouseQueue(0xFA)
		c.mouseCommand(v)
	case 0:
		// Keyboard identify.
		c.kbdQueue(0xFA)
		c.kbdQueue(0xAB)
		c.kbdQueue(0x41)
		c.updateIRQ()
	}

	c.writeCmd = 0
}

func (c *Controller) mouseCommand(v uint8) {
	switch v {
	case 0xe6:
		// Set scaling 1:1.
		c.mstatus &^= 0x10
	case 0xe8:
		c.mres = v
	case 0xe9:
		// Report status/config.
		c.mouseQueue(c.mstatus)
		c.mouseQueue(c.mres)
		c.mouseQueue(c.msample)
	case 0xf2:
		// Send ID: normal mouse.
		c.mouseQueue(0)
	case 0xf3:
		c.msample = v
	case 0xf4:
		c.mstatus |= 0x20
	case 0xf5:
		c.mstatus &^= 0x20
	case 0xf6, 0xff:
		// Set defaults / reset.
		c.mstatus = 0x0
		c.mres = 0x2
		c.msample = 100
	}
}

// readData pops the keyboard queue first, then the mouse queue. With
// both empty, the byte most recently delivered to the guest is replayed
// rather than reading past the ring.
func (c *Controller) readData() uint8 {
	var ret uint8

	switch {
	case c.kcount > 0:
		ret = c.kq[c.kread%queueSize]
		c.kread++
		c.kcount--
		_ = c.vm.IRQLine(kbdIRQ, 0)
		c.updateIRQ()
	case c.mcount > 0:
		ret = c.mq[c.mread%queueSize]
		c.mread++
		c.mcount--
		_ = c.vm.IRQLine(mouseIRQ, 0)
		c.updateIRQ()
	default:
		ret = c.kq[(c.kread+queueSize-1)%queueSize]
	}

	return ret
}

// IO is the trap handler for both register banks.
func (c *Controller) IO(addr uint64, data []byte, isWrite bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch addr {
	case CommandPort:
		if isWrite {
			c.writeCommand(data[0])
		} else {
			data[0] = c.status
		}
	case DataPort:
		if isWrite {
			c.writeData(data[0])
		} else {
			data[0] = c.readData()
		}
	case DataPort + 1:
		if !isWrite {
			data[0] = 0x20
		}
	}

	return nil
}
