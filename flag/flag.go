// Package flag is the CLI surface of the hypervisor.
package flag

import (
	"fmt"
	"strconv"
	"strings"
)

// CLI is the kong command tree.
type CLI struct {
	Boot  BootCMD  `cmd:"" default:"withargs" help:"Boot a Linux guest."`
	Probe ProbeCMD `cmd:"" help:"Print the CPUID set supported by this host's KVM."`
}

// BootCMD boots a kernel and initrd.
type BootCMD struct {
	Kernel string `arg:"" help:"Kernel bzImage path."`
	Initrd string `arg:"" help:"Initrd path."`

	Dev        string `short:"D" default:"/dev/kvm" help:"Path of the KVM device."`
	Params     string `short:"p" help:"Kernel command-line parameters."`
	NCPUs      int    `short:"c" default:"1" help:"Number of vCPUs."`
	MemSize    string `short:"m" default:"1G" help:"Memory size: as number[gGmMkK], defaults to G."`
	TraceCount string `short:"T" default:"0" help:"Exits between trace prints, 0 disables tracing."`
	CPUProfile bool   `help:"Write a CPU profile to the current directory."`
}

// ProbeCMD dumps host KVM capabilities.
type ProbeCMD struct{}

// ParseSize parses a size string as number[gGmMkK]. The multiplier is
// optional, and if not set, the unit passed in is used. The number can
// be any base and size.
func ParseSize(s, unit string) (int, error) {
	sz := strings.TrimRight(s, "gGmMkK")
	if len(sz) == 0 {
		return -1, fmt.Errorf("%q:can't parse as num[gGmMkK]:%w", s, strconv.ErrSyntax)
	}

	amt, err := strconv.ParseUint(sz, 0, 0)
	if err != nil {
		return -1, err
	}

	if len(s) > len(sz) {
		unit = s[len(sz):]
	}

	switch unit {
	case "G", "g":
		return int(amt) << 30, nil
	case "M", "m":
		return int(amt) << 20, nil
	case "K", "k":
		return int(amt) << 10, nil
	case "":
		return int(amt), nil
	}

	return -1, fmt.Errorf("can not parse %q as num[gGmMkK]:%w", s, strconv.ErrSyntax)
}
