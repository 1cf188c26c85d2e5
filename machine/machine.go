// Package machine owns one KVM partition: the VM fd, its in-kernel interrupt
// controllers, guest memory slots, interrupt lines and the vcpu threads.
package machine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/bobuhiro11/refvmm/device"
	"github.com/bobuhiro11/refvmm/kvm"
	"github.com/bobuhiro11/refvmm/memory"
	"github.com/bobuhiro11/refvmm/vcpu"
)

const (
	// Assumed when KVM_CAP_NR_VCPUS is not reported.
	defaultMaxVcpus = 4
	// Assumed when KVM_CAP_NR_MEMSLOTS is not reported.
	defaultMemSlots = 32
)

var (
	ErrTooManyVcpus = errors.New("vcpu index exceeds the hypervisor limit")
	ErrNoMemory     = errors.New("guest memory is not mapped")
	ErrNotStarted   = errors.New("machine not started")
	ErrStarted      = errors.New("machine already started")
)

// Machine is a KVM VM. It creates vcpus for the core orchestrator and
// interrupt lines for device activation.
type Machine struct {
	kvmFd    uintptr
	vmFd     uintptr
	mmapSize int
	maxVcpus int
	memSlots int

	bus    device.PortIOTarget
	mem    *memory.Memory
	vcpus  []*vcpu.Vcpu
	lines  []*irqLine
	logger *slog.Logger

	mu     sync.Mutex
	group  *errgroup.Group
	cancel context.CancelFunc
}

// New creates the VM with an in-kernel irqchip and PIT. Port I/O exits of
// every vcpu go to bus.
func New(kvmFd uintptr, bus device.PortIOTarget, logger *slog.Logger) (*Machine, error) {
	m := &Machine{
		kvmFd:  kvmFd,
		bus:    bus,
		logger: logger.With("module", "machine"),
	}

	var err error

	if m.vmFd, err = kvm.CreateVM(kvmFd); err != nil {
		return nil, fmt.Errorf("CreateVM: %w", err)
	}

	if err := m.init(); err != nil {
		_ = unix.Close(int(m.vmFd))

		return nil, err
	}

	m.logger.Debug("created", "max_vcpus", m.maxVcpus, "mem_slots", m.memSlots)

	return m, nil
}

func (m *Machine) init() error {
	if err := kvm.SetTSSAddr(m.vmFd); err != nil {
		return fmt.Errorf("SetTSSAddr: %w", err)
	}

	if err := kvm.SetIdentityMapAddr(m.vmFd); err != nil {
		return fmt.Errorf("SetIdentityMapAddr: %w", err)
	}

	if err := kvm.CreateIRQChip(m.vmFd); err != nil {
		return fmt.Errorf("CreateIRQChip: %w", err)
	}

	if err := kvm.CreatePIT2(m.vmFd); err != nil {
		return fmt.Errorf("CreatePIT2: %w", err)
	}

	mmapSize, err := kvm.GetVCPUMMmapSize(m.kvmFd)
	if err != nil {
		return fmt.Errorf("GetVCPUMMmapSize: %w", err)
	}

	m.mmapSize = int(mmapSize)

	if m.maxVcpus, err = m.limit(defaultMaxVcpus, kvm.CapMaxVCPUs, kvm.CapNRVCPUs); err != nil {
		return err
	}

	if m.memSlots, err = m.limit(defaultMemSlots, kvm.CapNRMemSlots); err != nil {
		return err
	}

	return nil
}

// limit returns the first non zero value among caps, or def.
func (m *Machine) limit(def int, caps ...kvm.Capability) (int, error) {
	for _, c := range caps {
		n, err := kvm.CheckExtension(m.kvmFd, c)
		if err != nil {
			return 0, fmt.Errorf("CheckExtension(%s): %w", c, err)
		}

		if n > 0 {
			return n, nil
		}
	}

	return def, nil
}

// MaxVcpus is the number of vcpus KVM allows in this VM.
func (m *Machine) MaxVcpus() int {
	return m.maxVcpus
}

// MemSlots is the number of memory slots KVM allows in this VM.
func (m *Machine) MemSlots() int {
	return m.memSlots
}

// SetUserMemoryRegion implements memory.Registrar.
func (m *Machine) SetUserMemoryRegion(region *kvm.UserspaceMemoryRegion) error {
	return kvm.SetUserMemoryRegion(m.vmFd, region)
}

// MapMemory backs regions with host memory and registers them as slots.
func (m *Machine) MapMemory(regions []memory.Region) (*memory.Memory, error) {
	mem, err := memory.New(regions, m.memSlots, m)
	if err != nil {
		return nil, err
	}

	m.mem = mem

	return mem, nil
}

// CreateVcpu implements vcpu.Factory.
func (m *Machine) CreateVcpu(s vcpu.State) (*vcpu.Vcpu, error) {
	if m.mem == nil {
		return nil, ErrNoMemory
	}

	if s.Index >= m.maxVcpus {
		return nil, fmt.Errorf("%w: %d >= %d", ErrTooManyVcpus, s.Index, m.maxVcpus)
	}

	fd, err := kvm.CreateVCPU(m.vmFd, s.Index)
	if err != nil {
		return nil, fmt.Errorf("CreateVCPU: %w", err)
	}

	// init kvm_run structure
	r, err := unix.Mmap(int(fd), 0, m.mmapSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(int(fd))

		return nil, fmt.Errorf("mmap kvm_run: %w", err)
	}

	v := vcpu.New(s.Index, fd, r, m.bus, m.mem, m.logger)
	m.vcpus = append(m.vcpus, v)

	if err := v.Configure(s); err != nil {
		return nil, err
	}

	return v, nil
}

// Vcpus lists the created vcpus in index order.
func (m *Machine) Vcpus() []*vcpu.Vcpu {
	return m.vcpus
}

// Start runs every vcpu on its own goroutine. When any of them returns, the
// others are stopped as well.
func (m *Machine) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.group != nil {
		return ErrStarted
	}

	ctx, m.cancel = context.WithCancel(ctx)
	m.group, ctx = errgroup.WithContext(ctx)

	for _, v := range m.vcpus {
		v := v

		m.group.Go(func() error {
			defer m.cancel()

			return v.Run(ctx)
		})
	}

	return nil
}

// Stop asks every vcpu to return.
func (m *Machine) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		m.cancel()
	}
}

// Wait blocks until every vcpu has returned and reports the first fault.
func (m *Machine) Wait() error {
	m.mu.Lock()
	g := m.group
	m.mu.Unlock()

	if g == nil {
		return ErrNotStarted
	}

	return g.Wait()
}

// Close releases vcpus, interrupt lines, the VM and finally guest memory.
// The machine must not be running.
func (m *Machine) Close() error {
	var errs []error

	for _, v := range m.vcpus {
		errs = append(errs, v.Close())
	}

	for _, l := range m.lines {
		errs = append(errs, l.close(m.vmFd))
	}

	errs = append(errs, unix.Close(int(m.vmFd)))

	if m.mem != nil {
		errs = append(errs, m.mem.Close())
	}

	m.vcpus, m.lines, m.mem = nil, nil, nil

	return errors.Join(errs...)
}
