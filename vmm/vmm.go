// Package vmm assembles a guest from a Config and runs it.
package vmm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/bobuhiro11/refvmm/boot"
	"github.com/bobuhiro11/refvmm/device"
	"github.com/bobuhiro11/refvmm/eventloop"
	"github.com/bobuhiro11/refvmm/iodev"
	"github.com/bobuhiro11/refvmm/kvm"
	"github.com/bobuhiro11/refvmm/loader"
	"github.com/bobuhiro11/refvmm/machine"
	"github.com/bobuhiro11/refvmm/memory"
	"github.com/bobuhiro11/refvmm/probe"
	"github.com/bobuhiro11/refvmm/serial"
	"github.com/bobuhiro11/refvmm/vcpu"
)

// Error kinds. Every error from New and Run matches exactly one of them.
var (
	ErrCapability      = errors.New("capability error")
	ErrPartition       = errors.New("partition error")
	ErrMemoryLayout    = errors.New("memory layout error")
	ErrBusRegistration = errors.New("bus registration error")
	ErrBoot            = errors.New("boot error")
	ErrCoreCreation    = errors.New("core creation error")
	ErrActivation      = errors.New("activation error")
	ErrCoreRuntime     = errors.New("core runtime error")
	ErrEventLoop       = errors.New("event loop error")
)

// DefaultDevicePath is the KVM device.
const DefaultDevicePath = "/dev/kvm"

// Option configures a VMM.
type Option func(*VMM)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(v *VMM) {
		v.logger = l
	}
}

// WithConsole connects the serial console. in may be nil for an output
// only console. Defaults to stdout without input.
func WithConsole(in *os.File, out io.Writer) Option {
	return func(v *VMM) {
		v.in, v.out = in, out
	}
}

// WithKernelLoader replaces the ELF loader.
func WithKernelLoader(l boot.KernelLoader) Option {
	return func(v *VMM) {
		v.loader = l
	}
}

// WithDevicePath sets the KVM device. Defaults to DefaultDevicePath.
func WithDevicePath(path string) Option {
	return func(v *VMM) {
		v.devicePath = path
	}
}

// VMM is a fully built guest that has not started yet.
type VMM struct {
	cfg        Config
	logger     *slog.Logger
	devicePath string
	loader     boot.KernelLoader
	in         *os.File
	out        io.Writer

	sys     *kvm.System
	machine *machine.Machine
	mem     *memory.Memory
	loop    *eventloop.Loop
	devices *device.Manager
	boot    boot.Result
	vcpus   []*vcpu.Vcpu

	exitOnce sync.Once
	exit     chan struct{}
}

type step struct {
	name string
	kind error
	run  func(*VMM) error
}

var steps = []step{
	{name: "capabilities", kind: ErrCapability, run: (*VMM).checkCapabilities},
	{name: "partition", kind: ErrPartition, run: (*VMM).createPartition},
	{name: "memory", kind: ErrMemoryLayout, run: (*VMM).mapMemory},
	{name: "devices", kind: ErrBusRegistration, run: (*VMM).registerDevices},
	{name: "kernel", kind: ErrBoot, run: (*VMM).loadKernel},
	{name: "vcpus", kind: ErrCoreCreation, run: (*VMM).createVcpus},
}

// New builds the guest described by cfg. Setup is all or nothing: on the
// first failing step everything created so far is released.
func New(cfg Config, opts ...Option) (*VMM, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	v := &VMM{
		cfg:        cfg,
		logger:     slog.Default(),
		devicePath: DefaultDevicePath,
		loader:     loader.ELF{},
		out:        os.Stdout,
		devices:    device.NewManager(),
		exit:       make(chan struct{}),
	}

	for _, o := range opts {
		o(v)
	}

	v.logger = v.logger.With("module", "vmm")

	if err := v.build(steps); err != nil {
		return nil, err
	}

	return v, nil
}

func (v *VMM) build(steps []step) error {
	for _, s := range steps {
		v.logger.Debug("setup", "step", s.name)

		if err := s.run(v); err != nil {
			if cerr := v.Close(); cerr != nil {
				v.logger.Warn("release after failed setup", "error", cerr)
			}

			return fmt.Errorf("%s: %w: %w", s.name, s.kind, err)
		}
	}

	return nil
}

func (v *VMM) checkCapabilities() error {
	sys, err := kvm.Open(v.devicePath)
	if err != nil {
		return err
	}

	v.sys = sys

	return probe.Check(sys)
}

func (v *VMM) createPartition() error {
	m, err := machine.New(v.sys.Fd(), v.devices.Bus, v.logger)
	if err != nil {
		return err
	}

	v.machine = m

	loop, err := eventloop.New(v.logger)
	if err != nil {
		return err
	}

	v.loop = loop

	return nil
}

func (v *VMM) mapMemory() error {
	mem, err := v.machine.MapMemory(memory.Layout(v.cfg.Memory.SizeMiB))
	if err != nil {
		return err
	}

	v.mem = mem

	return nil
}

func (v *VMM) registerDevices() error {
	opts := []serial.Option{
		serial.WithLogger(v.logger),
		serial.WithExitHandler(v.requestExit),
	}
	if v.in != nil {
		opts = append(opts, serial.WithInput(v.in))
	}

	com1 := serial.New(v.out, opts...)
	i8042 := iodev.NewI8042(v.logger, v.requestExit)
	post := iodev.NewPostCode(v.logger)

	for _, d := range []struct {
		name   string
		dev    device.PortIOTarget
		ranges []device.Range
	}{
		{"serial", com1, com1.Ranges()},
		{"i8042", i8042, i8042.Ranges()},
		{"postcode", post, post.Ranges()},
		{"noop", &iodev.Noop{}, iodev.NoopRanges()},
	} {
		if err := v.devices.Register(d.name, d.dev, d.ranges...); err != nil {
			return err
		}
	}

	return nil
}

func (v *VMM) loadKernel() error {
	f, err := os.Open(v.cfg.Kernel.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	res, err := boot.Configure(v.mem, v.loader, f, boot.Params{
		Cmdline:    v.cfg.Kernel.Cmdline,
		HimemStart: v.cfg.Kernel.HimemStart,
		Cores:      v.cfg.Vcpu.Num,
	})
	if err != nil {
		return err
	}

	v.boot = res
	v.logger.Info("kernel loaded", "entry", fmt.Sprintf("%#x", res.Entry), "end", fmt.Sprintf("%#x", res.KernelEnd))

	return vcpu.WriteBootTables(v.mem)
}

func (v *VMM) createVcpus() error {
	if n, limit := v.cfg.Vcpu.Num, v.machine.MaxVcpus(); n > limit {
		return fmt.Errorf("%w: %d requested, hypervisor allows %d", machine.ErrTooManyVcpus, n, limit)
	}

	base, err := v.sys.SupportedCPUID()
	if err != nil {
		return err
	}

	vcpus, err := vcpu.CreateAll(v.machine, base, v.cfg.Vcpu.Num, v.boot.Entry, v.boot.ZeroPage)
	if err != nil {
		return err
	}

	v.vcpus = vcpus

	return nil
}

func (v *VMM) requestExit() {
	v.exitOnce.Do(func() {
		v.logger.Info("exit requested")
		close(v.exit)
	})
}

// Devices lists the registered devices and their lifecycle state.
func (v *VMM) Devices() []device.Entry {
	return v.devices.Entries()
}

// Run activates the devices, starts every core and runs the event loop on
// the calling goroutine. It returns nil once the guest stops, an exit is
// requested from the console or the guest, or ctx is done.
func (v *VMM) Run(ctx context.Context) error {
	if err := v.devices.Activate(v.machine, v.loop); err != nil {
		return fmt.Errorf("%w: %w", ErrActivation, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := v.machine.Start(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrCoreRuntime, err)
	}

	cores := make(chan error, 1)

	go func() {
		cores <- v.machine.Wait()

		cancel()
	}()

	go func() {
		select {
		case <-v.exit:
			cancel()
		case <-ctx.Done():
		}
	}()

	loopErr := v.loop.Run(ctx)
	fatal := loopErr != nil && ctx.Err() == nil

	cancel()

	if err := <-cores; err != nil {
		return fmt.Errorf("%w: %w", ErrCoreRuntime, err)
	}

	if fatal {
		return fmt.Errorf("%w: %w", ErrEventLoop, loopErr)
	}

	v.logger.Info("guest stopped")

	return nil
}

// Close releases the guest. It is safe on a partially built VMM.
func (v *VMM) Close() error {
	var errs []error

	if v.loop != nil {
		errs = append(errs, v.loop.Close())
		v.loop = nil
	}

	if v.machine != nil {
		errs = append(errs, v.machine.Close())
		v.machine, v.mem, v.vcpus = nil, nil, nil
	}

	if v.sys != nil {
		errs = append(errs, v.sys.Close())
		v.sys = nil
	}

	return errors.Join(errs...)
}
