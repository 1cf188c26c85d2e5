package kvm

import "unsafe"

type irqLevel struct {
	IRQ   uint32
	Level uint32
}

// IRQLine sets the level of an irqchip input pin.
func IRQLine(vmFd uintptr, irq, level uint32) error {
	irqLev := irqLevel{
		IRQ:   irq,
		Level: level,
	}

	_, err := Ioctl(vmFd,
		IIOW(kvmIRQLine, unsafe.Sizeof(irqLev)),
		uintptr(unsafe.Pointer(&irqLev)))

	return err
}

// CreateIRQChip creates the in-kernel PIC, IOAPIC and local APICs.
func CreateIRQChip(vmFd uintptr) error {
	_, err := Ioctl(vmFd, IIO(kvmCreateIRQChip), 0)

	return err
}

type pitConfig struct {
	Flags uint32
	_     [15]uint32
}

// CreatePIT2 creates the in-kernel i8254 timer.
func CreatePIT2(vmFd uintptr) error {
	pit := pitConfig{
		Flags: 0,
	}

	_, err := Ioctl(vmFd,
		IIOW(kvmCreatePIT2, unsafe.Sizeof(pit)),
		uintptr(unsafe.Pointer(&pit)))

	return err
}

const irqfdFlagDeassign = 1 << 0

// IRQFD is the kvm_irqfd structure.
type IRQFD struct {
	FD         uint32
	GSI        uint32
	Flags      uint32
	ResampleFD uint32
	_          [16]uint8
}

// AssignIRQFD routes writes on eventFd to the given GSI of the irqchip.
func AssignIRQFD(vmFd uintptr, eventFd int, gsi uint32) error {
	irqfd := IRQFD{
		FD:  uint32(eventFd),
		GSI: gsi,
	}

	_, err := Ioctl(vmFd,
		IIOW(kvmIRQFD, unsafe.Sizeof(irqfd)),
		uintptr(unsafe.Pointer(&irqfd)))

	return err
}

// DeassignIRQFD removes a route installed by AssignIRQFD.
func DeassignIRQFD(vmFd uintptr, eventFd int, gsi uint32) error {
	irqfd := IRQFD{
		FD:    uint32(eventFd),
		GSI:   gsi,
		Flags: irqfdFlagDeassign,
	}

	_, err := Ioctl(vmFd,
		IIOW(kvmIRQFD, unsafe.Sizeof(irqfd)),
		uintptr(unsafe.Pointer(&irqfd)))

	return err
}
