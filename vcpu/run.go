package vcpu

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"

	"github.com/bobuhiro11/refvmm/device"
	"github.com/bobuhiro11/refvmm/kvm"
)

var (
	// ErrCoreRuntime is matched by every RuntimeError.
	ErrCoreRuntime = errors.New("vcpu runtime failure")

	ErrUnexpectedExit = errors.New("unexpected exit reason")
)

// RuntimeError reports a core that stopped on a hypervisor level fault.
type RuntimeError struct {
	Index  int
	Reason kvm.ExitType
	RIP    uint64
	// Inst is the faulting instruction in GNU syntax, empty if it could not
	// be read.
	Inst string
	Err  error
}

func (e *RuntimeError) Error() string {
	s := fmt.Sprintf("vcpu %d: %s at %#x", e.Index, e.Reason, e.RIP)
	if e.Inst != "" {
		s += fmt.Sprintf(" %q", e.Inst)
	}

	return s + ": " + e.Err.Error()
}

func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// Is makes every RuntimeError match ErrCoreRuntime.
func (e *RuntimeError) Is(target error) bool {
	return target == ErrCoreRuntime
}

// Run executes the guest until it halts or shuts down, the context is
// cancelled, or a fault occurs. The calling goroutine is locked to its
// thread, as KVM expects every vcpu ioctl to come from the creating thread.
func (v *Vcpu) Run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	pid, tid := unix.Getpid(), unix.Gettid()

	// KVM_RUN returns EINTR once a signal is pending, and immediately when
	// immediate_exit is set before entry.
	stop := context.AfterFunc(ctx, func() {
		v.run.ImmediateExit = 1
		_ = unix.Tgkill(pid, tid, unix.SIGURG)
	})
	defer stop()

	for ctx.Err() == nil {
		done, err := v.RunOnce()
		if err != nil {
			return err
		}

		if done {
			return nil
		}
	}

	v.logger.Debug("stopped")

	return nil
}

// RunOnce enters the guest once and handles the exit. It reports true when
// the core is finished.
func (v *Vcpu) RunOnce() (bool, error) {
	if err := kvm.Run(v.fd); err != nil {
		if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
			return false, nil
		}

		return false, v.fault(kvm.ExitType(v.run.ExitReason), err)
	}

	switch reason := kvm.ExitType(v.run.ExitReason); reason {
	case kvm.EXITIO:
		return false, v.handleIO()
	case kvm.EXITMMIO:
		v.handleMMIO()

		return false, nil
	case kvm.EXITHLT, kvm.EXITSHUTDOWN:
		v.logger.Info("guest stopped", "reason", reason)

		return true, nil
	case kvm.EXITINTR, kvm.EXITIRQWINDOWOPEN:
		return false, nil
	case kvm.EXITFAILENTRY:
		return false, v.fault(reason, fmt.Errorf("%w: hardware entry failure %#x",
			ErrUnexpectedExit, v.run.HardwareEntryFailureReason()))
	case kvm.EXITINTERNALERROR:
		return false, v.fault(reason, fmt.Errorf("%w: internal error %d",
			ErrUnexpectedExit, v.run.InternalErrorSuberror()))
	default:
		return false, v.fault(reason, ErrUnexpectedExit)
	}
}

func (v *Vcpu) handleIO() error {
	direction, size, port, count, offset := v.run.IO()

	for i := uint64(0); i < count; i++ {
		start := offset + i*size
		if start+size > uint64(len(v.runBuf)) {
			return v.fault(kvm.EXITIO, fmt.Errorf("%w: io data past kvm_run", ErrUnexpectedExit))
		}

		data := v.runBuf[start : start+size]

		var err error
		if direction == kvm.EXITIOIN {
			err = v.bus.Read(port, data)
		} else {
			err = v.bus.Write(port, data)
		}

		switch {
		case errors.Is(err, device.ErrNoDevice):
			if direction == kvm.EXITIOIN {
				for j := range data {
					data[j] = 0xff
				}
			}

			v.logger.Debug("unclaimed port", "port", port, "in", direction == kvm.EXITIOIN)
		case err != nil:
			return v.fault(kvm.EXITIO, fmt.Errorf("port %#x: %w", port, err))
		}
	}

	return nil
}

// handleMMIO covers accesses outside RAM that the in-kernel irqchip does not
// claim. Reads see all ones.
func (v *Vcpu) handleMMIO() {
	addr, data, isWrite := v.run.MMIO()
	if !isWrite {
		// data aliases kvm_run, the guest reads it on the next entry.
		for i := range data {
			data[i] = 0xff
		}
	}

	v.logger.Debug("unclaimed mmio", "addr", addr, "len", len(data), "write", isWrite)
}

func (v *Vcpu) fault(reason kvm.ExitType, err error) error {
	e := &RuntimeError{Index: v.Index, Reason: reason, Err: err}

	if regs, rerr := kvm.GetRegs(v.fd); rerr == nil {
		e.RIP = regs.RIP
		e.Inst, _ = v.Inst()
	}

	return e
}
