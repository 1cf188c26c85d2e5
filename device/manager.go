package device

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/bobuhiro11/refvmm/eventloop"
)

var (
	// ErrAlreadyActive is returned by a second Activate.
	ErrAlreadyActive = errors.New("devices already activated")

	// ErrRegistrationClosed is returned by Register once activation began.
	ErrRegistrationClosed = errors.New("device registration closed")
)

// State is the lifecycle state of a registered device.
type State int

const (
	// Dormant devices answer port I/O but have no interrupt line and no
	// event subscription.
	Dormant State = iota
	// Active devices are fully wired. Active is terminal.
	Active
)

func (s State) String() string {
	switch s {
	case Dormant:
		return "dormant"
	case Active:
		return "active"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ActivationError reports the device whose wiring failed.
type ActivationError struct {
	Device string
	Err    error
}

func (e *ActivationError) Error() string {
	return fmt.Sprintf("activate %s: %v", e.Device, e.Err)
}

func (e *ActivationError) Unwrap() error {
	return e.Err
}

// Entry is one registered device.
type Entry struct {
	Name   string
	Device PortIOTarget
	Ranges []Range
	State  State
}

// Manager owns the bus and the registry of devices on it.
type Manager struct {
	Bus *Bus

	mu        sync.Mutex
	entries   []*Entry
	activated bool
}

// NewManager returns a manager over an empty bus.
func NewManager() *Manager {
	return &Manager{Bus: NewBus()}
}

// Register puts dev on the bus and records it as dormant.
func (m *Manager) Register(name string, dev PortIOTarget, ranges ...Range) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.activated {
		return fmt.Errorf("%s: %w", name, ErrRegistrationClosed)
	}

	if err := m.Bus.Register(dev, ranges...); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}

	m.entries = append(m.entries, &Entry{
		Name:   name,
		Device: dev,
		Ranges: slices.Clone(ranges),
		State:  Dormant,
	})

	return nil
}

// Activate wires every dormant device in registration order: interrupt
// sources get a line from ic and subscribers are enrolled with en. The first
// failure stops the pass. Activate runs at most once.
func (m *Manager) Activate(ic InterruptController, en Enroller) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.activated {
		return ErrAlreadyActive
	}

	m.activated = true

	for _, e := range m.entries {
		if err := activate(e.Device, ic, en); err != nil {
			return &ActivationError{Device: e.Name, Err: err}
		}

		e.State = Active
	}

	return nil
}

func activate(dev PortIOTarget, ic InterruptController, en Enroller) error {
	if src, ok := dev.(InterruptSource); ok {
		line, err := ic.NewInterruptLine(src.IRQ())
		if err != nil {
			return fmt.Errorf("interrupt line %d: %w", src.IRQ(), err)
		}

		src.AttachInterrupt(line)
	}

	if sub, ok := dev.(eventloop.Subscriber); ok {
		if err := en.Subscribe(sub); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
	}

	return nil
}

// Entries returns a snapshot of the registry.
func (m *Manager) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Entry, 0, len(m.entries))

	for _, e := range m.entries {
		c := *e
		c.Ranges = slices.Clone(e.Ranges)
		out = append(out, c)
	}

	return out
}
