// Package vcpu derives the per core CPU identity and runs KVM virtual CPUs.
package vcpu

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/bobuhiro11/refvmm/cpuid"
	"github.com/bobuhiro11/refvmm/device"
	"github.com/bobuhiro11/refvmm/kvm"
)

// ErrCoreCreation is matched by every CreationError.
var ErrCoreCreation = errors.New("vcpu creation failed")

// State is the identity a vcpu is created with.
type State struct {
	Index           int
	CPUID           kvm.CPUID
	EntryAddress    uint64
	ZeroPageAddress uint64
}

// Derive returns one State per core. Each gets its own copy of base filtered
// for its index, so topology bits differ while the feature set is shared.
func Derive(base *kvm.CPUID, n int, entry, zeroPage uint64) []State {
	states := make([]State, n)

	for i := range states {
		states[i] = State{
			Index:           i,
			CPUID:           *base,
			EntryAddress:    entry,
			ZeroPageAddress: zeroPage,
		}
		cpuid.Filter(&states[i].CPUID, i, n)
	}

	return states
}

// Factory creates the execution context of one core. *machine.Machine is one.
type Factory interface {
	CreateVcpu(s State) (*Vcpu, error)
}

// CreationError reports the first core that could not be created.
type CreationError struct {
	Index int
	Err   error
}

func (e *CreationError) Error() string {
	return fmt.Sprintf("vcpu %d: %v", e.Index, e.Err)
}

func (e *CreationError) Unwrap() error {
	return e.Err
}

// Is makes every CreationError match ErrCoreCreation.
func (e *CreationError) Is(target error) bool {
	return target == ErrCoreCreation
}

// CreateAll creates n cores in index order. Either every core is created or
// an error naming the first failing index is returned.
func CreateAll(f Factory, base *kvm.CPUID, n int, entry, zeroPage uint64) ([]*Vcpu, error) {
	states := Derive(base, n, entry, zeroPage)
	vcpus := make([]*Vcpu, 0, n)

	for _, s := range states {
		v, err := f.CreateVcpu(s)
		if err != nil {
			return nil, &CreationError{Index: s.Index, Err: err}
		}

		vcpus = append(vcpus, v)
	}

	return vcpus, nil
}

// Vcpu is one KVM virtual CPU with its shared kvm_run page.
type Vcpu struct {
	Index int

	fd     uintptr
	runBuf []byte
	run    *kvm.RunData
	bus    device.PortIOTarget
	mem    io.ReaderAt
	logger *slog.Logger
}

// New wraps a vcpu fd and its mapped kvm_run page. Port I/O exits are sent to
// bus, mem is read to disassemble faulting instructions.
func New(index int, fd uintptr, runBuf []byte, bus device.PortIOTarget, mem io.ReaderAt, logger *slog.Logger) *Vcpu {
	return &Vcpu{
		Index:  index,
		fd:     fd,
		runBuf: runBuf,
		run:    (*kvm.RunData)(unsafe.Pointer(&runBuf[0])),
		bus:    bus,
		mem:    mem,
		logger: logger.With("module", "vcpu", "index", index),
	}
}

// Fd is the KVM vcpu file descriptor.
func (v *Vcpu) Fd() uintptr {
	return v.fd
}

// Close unmaps kvm_run and closes the vcpu.
func (v *Vcpu) Close() error {
	return errors.Join(unix.Munmap(v.runBuf), unix.Close(int(v.fd)))
}
