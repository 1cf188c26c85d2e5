package machine

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/bobuhiro11/refvmm/device"
	"github.com/bobuhiro11/refvmm/kvm"
)

// irqLine injects one GSI through an eventfd bound with KVM_IRQFD, so
// devices can interrupt from any thread without touching the VM fd.
type irqLine struct {
	gsi uint32
	fd  int
}

// NewInterruptLine implements device.InterruptController.
func (m *Machine) NewInterruptLine(gsi uint32) (device.Trigger, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("eventfd: %w", err)
	}

	if err := kvm.AssignIRQFD(m.vmFd, fd, gsi); err != nil {
		_ = unix.Close(fd)

		return nil, fmt.Errorf("irqfd gsi %d: %w", gsi, err)
	}

	l := &irqLine{gsi: gsi, fd: fd}
	m.lines = append(m.lines, l)

	return l, nil
}

// Trigger implements device.Trigger.
func (l *irqLine) Trigger() error {
	var b [8]byte

	binary.LittleEndian.PutUint64(b[:], 1)

	_, err := unix.Write(l.fd, b[:])
	if errors.Is(err, unix.EAGAIN) {
		// The counter is saturated, an interrupt is pending anyway.
		return nil
	}

	return err
}

func (l *irqLine) close(vmFd uintptr) error {
	return errors.Join(kvm.DeassignIRQFD(vmFd, l.fd, l.gsi), unix.Close(l.fd))
}
