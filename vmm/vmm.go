// Package vmm ties a configuration to a running machine: build it,
// load the guest, boot the vCPUs and wait for the guest to stop.
package vmm

import (
	"fmt"
	"os"
	"os/signal"

	"golang.org/x/sync/errgroup"

	"github.com/nmi/vmm/machine"
)

// Config is everything the CLI hands us.
type Config struct {
	Dev        string
	Kernel     string
	Initrd     string
	Params     string
	NCPUs      int
	MemSize    int
	TraceCount int
}

// VMM is a configured hypervisor instance.
type VMM struct {
	*machine.Machine
	Config
}

// New returns a VMM for a config. Nothing is created until Init.
func New(c Config) *VMM {
	return &VMM{
		Machine: nil,
		Config:  c,
	}
}

// Init instantiates the machine.
func (v *VMM) Init() error {
	m, err := machine.New(v.Dev, v.NCPUs, v.MemSize)
	if err != nil {
		return err
	}

	v.Machine = m

	return nil
}

// Setup loads the kernel and initrd into the machine.
func (v *VMM) Setup() error {
	kern, err := os.Open(v.Kernel)
	if err != nil {
		return err
	}
	defer kern.Close()

	initrd, err := os.Open(v.Initrd)
	if err != nil {
		return err
	}
	defer initrd.Close()

	fi, err := initrd.Stat()
	if err != nil {
		return err
	}

	return v.Machine.LoadLinux(kern, initrd, uint64(fi.Size()), v.Params)
}

// Boot switches the terminal over to the guest, starts one goroutine
// per vCPU and blocks until the guest halts. The first vCPU to stop
// takes the others down with it.
func (v *VMM) Boot() error {
	// The cancel signal must terminate the run ioctl, not the process.
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, machine.CancelSignal())

	defer signal.Stop(sigc)

	t := v.Machine.Term()
	if err := t.Init(v.Machine.DrainTerminals); err != nil {
		return fmt.Errorf("terminal init: %w", err)
	}

	defer t.Restore()

	g := new(errgroup.Group)

	for cpu := 0; cpu < v.NCPUs; cpu++ {
		i := cpu

		g.Go(func() error {
			err := v.Machine.RunInfiniteLoop(i, v.TraceCount)
			v.Machine.Shutdown()

			return err
		})
	}

	return g.Wait()
}
