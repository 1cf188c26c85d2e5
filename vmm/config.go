package vmm

import (
	"errors"
	"fmt"

	"github.com/bobuhiro11/refvmm/boot"
	"github.com/bobuhiro11/refvmm/ebda"
	"github.com/bobuhiro11/refvmm/memory"
)

// Defaults of the reference command line.
const (
	DefaultMemSizeMiB = 128
	DefaultVcpus      = 1
	DefaultHimemStart = 0x100000
	DefaultCmdline    = "console=ttyS0 i8042.nokbd reboot=t panic=1 pci=off"
)

// ErrConfig is returned by New for a configuration that cannot describe a
// guest.
var ErrConfig = errors.New("invalid configuration")

// Config is everything needed to build a guest. It is consumed by value.
type Config struct {
	Memory MemoryConfig
	Vcpu   VcpuConfig
	Kernel KernelConfig
}

// MemoryConfig sizes guest RAM.
type MemoryConfig struct {
	SizeMiB uint64
}

// VcpuConfig sizes the core set.
type VcpuConfig struct {
	Num int
}

// KernelConfig locates the kernel and how it is booted.
type KernelConfig struct {
	Path    string
	Cmdline string
	// HimemStart is the guest physical address above which the kernel
	// is loaded.
	HimemStart uint64
}

// DefaultConfig returns the reference defaults for kernel at path.
func DefaultConfig(path string) Config {
	return Config{
		Memory: MemoryConfig{SizeMiB: DefaultMemSizeMiB},
		Vcpu:   VcpuConfig{Num: DefaultVcpus},
		Kernel: KernelConfig{
			Path:       path,
			Cmdline:    DefaultCmdline,
			HimemStart: DefaultHimemStart,
		},
	}
}

// Validate checks what can be checked without a hypervisor.
func (c Config) Validate() error {
	if c.Memory.SizeMiB == 0 {
		return fmt.Errorf("%w: memory size must be positive", ErrConfig)
	}

	if c.Memory.SizeMiB > memory.MaxSizeMiB {
		return fmt.Errorf("%w: memory size %d MiB exceeds %d MiB", ErrConfig, c.Memory.SizeMiB, uint64(memory.MaxSizeMiB))
	}

	if c.Vcpu.Num < 1 || c.Vcpu.Num > ebda.MaxCPUs {
		return fmt.Errorf("%w: vcpu count %d not in [1, %d]", ErrConfig, c.Vcpu.Num, ebda.MaxCPUs)
	}

	if c.Kernel.Path == "" {
		return fmt.Errorf("%w: no kernel", ErrConfig)
	}

	if err := boot.ValidateCmdline(c.Kernel.Cmdline); err != nil {
		return fmt.Errorf("%w: %w", ErrConfig, err)
	}

	return nil
}
