// Package device holds the port I/O bus and the registry that carries
// devices from bus registration to full activation.
package device

import (
	"errors"

	"github.com/bobuhiro11/refvmm/eventloop"
)

// ErrDataLenInvalid is returned by devices for access widths they do not decode.
var ErrDataLenInvalid = errors.New("invalid data size on port")

// PortIOTarget is a device reachable through port I/O. Handlers run on the
// vcpu thread that trapped, with port being the absolute port number.
type PortIOTarget interface {
	Read(port uint64, data []byte) error
	Write(port uint64, data []byte) error
}

// Trigger raises one interrupt line. Edge semantics: each call is one
// interrupt.
type Trigger interface {
	Trigger() error
}

// TriggerFunc adapts a function to Trigger.
type TriggerFunc func() error

// Trigger calls f.
func (f TriggerFunc) Trigger() error {
	return f()
}

// DetachedTrigger is the line a device holds while dormant. It drops
// interrupts silently.
func DetachedTrigger() Trigger {
	return TriggerFunc(func() error { return nil })
}

// InterruptSource is a device that raises interrupts on a fixed GSI.
type InterruptSource interface {
	IRQ() uint32
	AttachInterrupt(t Trigger)
}

// InterruptController hands out interrupt lines. *machine.Machine is one.
type InterruptController interface {
	NewInterruptLine(gsi uint32) (Trigger, error)
}

// Enroller registers a subscriber with the event loop. *eventloop.Loop is one.
type Enroller interface {
	Subscribe(s eventloop.Subscriber) error
}
