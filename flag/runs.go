package flag

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/pkg/profile"
	"github.com/spf13/viper"

	"github.com/bobuhiro11/refvmm/kvm"
	"github.com/bobuhiro11/refvmm/probe"
	"github.com/bobuhiro11/refvmm/term"
	"github.com/bobuhiro11/refvmm/vmm"
)

// Configuration keys, shared by the config file and the REFVMM_ environment.
const (
	keyMemory  = "memory.size_mib"
	keyVcpus   = "vcpu.num"
	keyKernel  = "kernel.path"
	keyCmdline = "kernel.cmdline"
	keyHimem   = "kernel.himem_start"

	envPrefix = "refvmm"
)

// Globals are the flags every command takes.
type Globals struct {
	KVM      string `name:"kvm" help:"path of the kvm device" default:"/dev/kvm"`
	LogLevel string `name:"log-level" help:"log level (debug, info, warn, error)" default:"info"`
}

// CLI is the command line grammar.
type CLI struct {
	Globals

	Boot  BootCMD  `cmd:"" help:"boot a Linux kernel"`
	Probe ProbeCMD `cmd:"" help:"check the host hypervisor"`
}

// BootCMD boots a guest. Unset flags fall back to REFVMM_ environment
// variables, then to the config file, then to the defaults.
type BootCMD struct {
	Kernel     string `short:"k" help:"kernel image path (ELF vmlinux)"`
	Cmdline    string `short:"p" help:"kernel command-line parameters"`
	HimemStart string `name:"himem-start" help:"lowest guest address the kernel is loaded at"`
	Memory     string `short:"m" help:"memory size: as number[gGmM] or size_mib=N, defaults to M"`
	Vcpus      string `short:"c" help:"number of vcpus: as N or num=N"`
	Config     string `help:"YAML, TOML or JSON configuration file"`
	Profile    string `help:"write a profile of the host process" enum:"none,cpu,mem" default:"none"`
}

// ProbeCMD reports the host KVM capabilities.
type ProbeCMD struct {
	CPUID bool `name:"cpuid" help:"also print the supported CPUID features"`
}

// New returns the parser for cli.
func New(cli *CLI, opts ...kong.Option) (*kong.Kong, error) {
	programName := "refvmm"
	programDesc := "refvmm is a minimal KVM virtual machine monitor which boots a Linux kernel"

	opts = append([]kong.Option{
		kong.Name(programName),
		kong.Description(programDesc),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}),
	}, opts...)

	return kong.New(cli, opts...)
}

// Parse parses args and runs the selected command.
func Parse(args []string) error {
	c := CLI{}

	k, err := New(&c)
	if err != nil {
		return err
	}

	ctx, err := k.Parse(args)
	k.FatalIfErrorf(err)

	return ctx.Run(&c.Globals)
}

// Logger returns a text logger on stderr at the configured level.
func (g *Globals) Logger() (*slog.Logger, error) {
	var level slog.Level

	if err := level.UnmarshalText([]byte(g.LogLevel)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", g.LogLevel, err)
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})), nil
}

// Run implements the probe command.
func (p *ProbeCMD) Run(g *Globals) error {
	sys, err := kvm.Open(g.KVM)
	if err != nil {
		return err
	}
	defer sys.Close()

	if err := probe.Report(sys, os.Stdout); err != nil {
		return err
	}

	if p.CPUID {
		if err := probe.CPUID(sys, os.Stdout); err != nil {
			return err
		}
	}

	return probe.Check(sys)
}

// VMMConfig resolves every setting from the flags, the environment, the
// config file and the defaults, in that order of precedence.
func (b *BootCMD) VMMConfig() (vmm.Config, error) {
	v := viper.New()

	def := vmm.DefaultConfig("")
	v.SetDefault(keyMemory, def.Memory.SizeMiB)
	v.SetDefault(keyVcpus, def.Vcpu.Num)
	v.SetDefault(keyCmdline, def.Kernel.Cmdline)
	v.SetDefault(keyHimem, def.Kernel.HimemStart)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if b.Config != "" {
		v.SetConfigFile(b.Config)

		if err := v.ReadInConfig(); err != nil {
			return vmm.Config{}, fmt.Errorf("config %s: %w", b.Config, err)
		}
	}

	for key, val := range map[string]string{
		keyMemory:  b.Memory,
		keyVcpus:   b.Vcpus,
		keyKernel:  b.Kernel,
		keyCmdline: b.Cmdline,
		keyHimem:   b.HimemStart,
	} {
		if val != "" {
			v.Set(key, val)
		}
	}

	mem, err := ParseMemory(v.GetString(keyMemory))
	if err != nil {
		return vmm.Config{}, err
	}

	vcpus, err := ParseVcpus(v.GetString(keyVcpus))
	if err != nil {
		return vmm.Config{}, err
	}

	himem, err := ParseAddress(v.GetString(keyHimem))
	if err != nil {
		return vmm.Config{}, err
	}

	return vmm.Config{
		Memory: vmm.MemoryConfig{SizeMiB: mem},
		Vcpu:   vmm.VcpuConfig{Num: vcpus},
		Kernel: vmm.KernelConfig{
			Path:       v.GetString(keyKernel),
			Cmdline:    v.GetString(keyCmdline),
			HimemStart: himem,
		},
	}, nil
}

// Run implements the boot command. It returns once the guest stops, on
// Ctrl-A x, or on SIGINT or SIGTERM.
func (b *BootCMD) Run(g *Globals) error {
	logger, err := g.Logger()
	if err != nil {
		return err
	}

	cfg, err := b.VMMConfig()
	if err != nil {
		return err
	}

	switch b.Profile {
	case "cpu":
		defer profile.Start(profile.CPUProfile, profile.NoShutdownHook).Stop()
	case "mem":
		defer profile.Start(profile.MemProfile, profile.NoShutdownHook).Stop()
	}

	var in *os.File

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		restore, err := term.SetRawMode(fd)
		if err != nil {
			return err
		}
		defer restore()

		in = os.Stdin
	} else {
		logger.Info("stdin is not a terminal and does not accept input")
	}

	m, err := vmm.New(cfg,
		vmm.WithLogger(logger),
		vmm.WithDevicePath(g.KVM),
		vmm.WithConsole(in, os.Stdout),
	)
	if err != nil {
		return err
	}
	defer m.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return m.Run(ctx)
}
