package device

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// PortSpace is the size of the x86 I/O port space.
const PortSpace = 0x10000

var (
	// ErrRangeConflict is matched by every *RangeConflictError.
	ErrRangeConflict = errors.New("address range conflict")

	// ErrInvalidRange is the cause of a BackendError for malformed ranges.
	ErrInvalidRange = errors.New("invalid address range")

	// ErrNoDevice is returned for accesses to unclaimed ports.
	ErrNoDevice = errors.New("no device at port")
)

// Range is a half open span of ports [Base, Base+Size).
type Range struct {
	Base uint64
	Size uint64
}

// End is the first port past r.
func (r Range) End() uint64 {
	return r.Base + r.Size
}

func (r Range) overlaps(o Range) bool {
	return r.Base < o.End() && o.Base < r.End()
}

func (r Range) contains(port uint64) bool {
	return port >= r.Base && port < r.End()
}

func (r Range) String() string {
	return fmt.Sprintf("[%#x, %#x)", r.Base, r.End())
}

// RangeConflictError reports a range overlapping one already claimed.
type RangeConflictError struct {
	Range    Range
	Existing Range
}

func (e *RangeConflictError) Error() string {
	return fmt.Sprintf("range %s overlaps %s", e.Range, e.Existing)
}

func (e *RangeConflictError) Is(target error) bool {
	return target == ErrRangeConflict
}

// BackendError reports a range the bus cannot represent.
type BackendError struct {
	Range Range
	Err   error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("bus rejected range %s: %v", e.Range, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

type busEntry struct {
	r   Range
	dev PortIOTarget
}

// Bus dispatches port accesses to devices. Entries are kept sorted by base
// and are never removed.
type Bus struct {
	mu      sync.RWMutex
	entries []busEntry
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Register claims ranges for dev. Either every range is inserted or none.
func (b *Bus) Register(dev PortIOTarget, ranges ...Range) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, r := range ranges {
		if r.Size == 0 || r.End() < r.Base || r.End() > PortSpace {
			return &BackendError{Range: r, Err: ErrInvalidRange}
		}

		for _, e := range b.entries {
			if r.overlaps(e.r) {
				return &RangeConflictError{Range: r, Existing: e.r}
			}
		}

		for _, prev := range ranges[:i] {
			if r.overlaps(prev) {
				return &RangeConflictError{Range: r, Existing: prev}
			}
		}
	}

	for _, r := range ranges {
		b.entries = append(b.entries, busEntry{r: r, dev: dev})
	}

	sort.Slice(b.entries, func(i, j int) bool {
		return b.entries[i].r.Base < b.entries[j].r.Base
	})

	return nil
}

func (b *Bus) find(port uint64) (PortIOTarget, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	i := sort.Search(len(b.entries), func(i int) bool {
		return b.entries[i].r.End() > port
	})

	if i < len(b.entries) && b.entries[i].r.contains(port) {
		return b.entries[i].dev, nil
	}

	return nil, fmt.Errorf("%w %#x", ErrNoDevice, port)
}

// Read dispatches an IN access.
func (b *Bus) Read(port uint64, data []byte) error {
	dev, err := b.find(port)
	if err != nil {
		return err
	}

	return dev.Read(port, data)
}

// Write dispatches an OUT access.
func (b *Bus) Write(port uint64, data []byte) error {
	dev, err := b.find(port)
	if err != nil {
		return err
	}

	return dev.Write(port, data)
}
