package flag

import (
	"github.com/alecthomas/kong"
	"github.com/pkg/profile"

	"github.com/nmi/vmm/probe"
	"github.com/nmi/vmm/vmm"
)

// Parse parses the command line and runs the selected subcommand.
func Parse() error {
	c := CLI{}

	ctx := kong.Parse(&c,
		kong.Name("vmm"),
		kong.Description("vmm is a small Linux KVM hypervisor which boots an unmodified bzImage"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	return ctx.Run()
}

// Run executes the probe subcommand.
func (p *ProbeCMD) Run() error {
	return probe.CPUID()
}

// Run executes the boot subcommand.
func (b *BootCMD) Run() error {
	params := `console=ttyS0 earlyprintk=serial noapic noacpi notsc ` +
		`mitigations=off lapic tsc_early_khz=2000 pci=off ` +
		`rdinit=/init init=/init`

	if len(b.Params) > 0 {
		params = b.Params
	}

	memSize, err := ParseSize(b.MemSize, "g")
	if err != nil {
		return err
	}

	traceCount, err := ParseSize(b.TraceCount, "")
	if err != nil {
		return err
	}

	if b.CPUProfile {
		defer profile.Start(profile.ProfilePath(".")).Stop()
	}

	v := vmm.New(vmm.Config{
		Dev:        b.Dev,
		Kernel:     b.Kernel,
		Initrd:     b.Initrd,
		Params:     params,
		NCPUs:      b.NCPUs,
		MemSize:    memSize,
		TraceCount: traceCount,
	})

	if err := v.Init(); err != nil {
		return err
	}

	if err := v.Setup(); err != nil {
		return err
	}

	return v.Boot()
}
