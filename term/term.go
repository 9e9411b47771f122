// Package term bridges the host terminal to the guest serial ports. All
// four UARTs share stdin/stdout by default. When the process is on a
// real terminal it is switched to raw mode for the lifetime of the
// guest, and a single poll thread watches the read ends and drains
// readable bytes into the UART receive FIFOs.
package term

import (
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// NumPorts is the number of serial ports sharing the bridge.
const NumPorts = 4

// Term owns the per-port fd pairs and the saved termios.
type Term struct {
	// fds[port][0] is the read end, fds[port][1] the write end.
	fds [NumPorts][2]int

	orig   *unix.Termios
	escape bool
}

// New returns a bridge with every port bound to stdin/stdout.
func New() *Term {
	t := &Term{}

	for i := 0; i < NumPorts; i++ {
		t.fds[i][0] = int(os.Stdin.Fd())
		t.fds[i][1] = int(os.Stdout.Fd())
	}

	return t
}

// SetPort rebinds one port to a different fd pair. Useful for feeding
// a UART from something other than the process terminal.
func (t *Term) SetPort(port, read, write int) {
	t.fds[port][0] = read
	t.fds[port][1] = write
}

// IsTerminal reports whether both stdin and stdout are TTYs.
func IsTerminal() bool {
	for _, fd := range []int{int(os.Stdin.Fd()), int(os.Stdout.Fd())} {
		if _, err := unix.IoctlGetTermios(fd, unix.TCGETS); err != nil {
			return false
		}
	}

	return true
}

// Init switches the terminal to raw mode and starts the poll thread.
// drain is called whenever any port has bytes pending. On a non-TTY
// both raw mode and the thread are skipped and the guest gets no
// console input.
func (t *Term) Init(drain func()) error {
	if !IsTerminal() {
		return nil
	}

	orig, err := unix.IoctlGetTermios(int(os.Stdin.Fd()), unix.TCGETS)
	if err != nil {
		return err
	}

	t.orig = orig

	raw := *orig
	raw.Iflag &^= unix.ICRNL
	raw.Lflag &^= unix.ICANON | unix.ECHO | unix.ISIG

	if err := unix.IoctlSetTermios(int(os.Stdin.Fd()), unix.TCSETS, &raw); err != nil {
		return err
	}

	// Restore the terminal if we are killed instead of exiting cleanly.
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGTERM)

	go func() {
		<-sigc
		t.Restore()
		signal.Reset(syscall.SIGTERM)
		_ = unix.Kill(os.Getpid(), syscall.SIGTERM)
	}()

	go t.pollLoop(drain)

	return nil
}

// Restore puts the terminal back into its saved mode.
func (t *Term) Restore() {
	if t.orig == nil {
		return
	}

	_ = unix.IoctlSetTermios(int(os.Stdin.Fd()), unix.TCSETS, t.orig)
}

// pollLoop blocks on all read ends with infinite timeout and hands
// control to drain whenever any of them is readable.
func (t *Term) pollLoop(drain func()) {
	runtime.LockOSThread()
	setThreadName("term-poll")

	fds := make([]unix.PollFd, NumPorts)
	for i := 0; i < NumPorts; i++ {
		fds[i] = unix.PollFd{Fd: int32(t.fds[i][0]), Events: unix.POLLIN}
	}

	for {
		n, err := unix.Poll(fds, -1)
		if err == unix.EINTR {
			continue
		}

		if n < 1 || err != nil {
			return
		}

		drain()
	}
}

// PutC writes buf to the port's write end with partial-write retry,
// returning the number of bytes written.
func (t *Term) PutC(buf []byte, port int) (int, error) {
	total := 0

	for total < len(buf) {
		n, err := unix.Write(t.fds[port][1], buf[total:])
		if n < 0 || err != nil {
			return total, err
		}

		total += n
	}

	return total, nil
}

// GetC reads one byte from the port's read end. It implements the
// two-byte escape: 0x01 alone is consumed and returns no byte; 0x01
// followed by 'x' requests guest shutdown. shutdown may be nil.
func (t *Term) GetC(port int, shutdown func()) (byte, bool) {
	var buf [1]byte

	for {
		n, err := unix.Read(t.fds[port][0], buf[:])
		if err == unix.EINTR {
			continue
		}

		if n < 1 || err != nil {
			return 0, false
		}

		break
	}

	c := buf[0]

	if t.escape {
		t.escape = false

		if c == 'x' && shutdown != nil {
			shutdown()

			return 0, false
		}

		return c, true
	}

	if c == 0x01 {
		t.escape = true

		return 0, false
	}

	return c, true
}

// Readable polls the port's read end with zero timeout.
func (t *Term) Readable(port int) bool {
	fds := []unix.PollFd{
		{Fd: int32(t.fds[port][0]), Events: unix.POLLIN},
	}

	n, err := unix.Poll(fds, 0)

	return err == nil && n > 0 && fds[0].Revents&unix.POLLIN != 0
}

func setThreadName(name string) {
	b := append([]byte(name), 0)
	_ = unix.Prctl(unix.PR_SET_NAME, uintptr(unsafe.Pointer(&b[0])), 0, 0, 0)
}
