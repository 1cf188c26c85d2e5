// Package memory builds the guest physical address space and backs it with
// anonymous host mappings registered as KVM memory slots.
package memory

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/bobuhiro11/refvmm/kvm"
)

var (
	// ErrNotEnoughMemorySlots is returned when the layout needs more slots
	// than the hypervisor provides.
	ErrNotEnoughMemorySlots = errors.New("not enough memory slots")

	// ErrOutOfRange is returned for guest accesses outside mapped RAM.
	ErrOutOfRange = errors.New("guest address out of range")
)

const (
	// Poison is an instruction that should force a vmexit.
	// it fills memory to make catching guest errors easier.
	// Disassembly:
	// 0:  b8 be ba fe ca          mov    eax,0xcafebabe
	// 5:  90                      nop
	// 6:  0f 0b                   ud2
	Poison = "\xB8\xBE\xBA\xFE\xCA\x90\x0F\x0B"

	highMemBase = 0x100000
)

// BackendError reports a failure of the host mapping primitive.
type BackendError struct {
	Op  string
	Err error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("memory %s: %v", e.Op, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// Registrar installs a slot into the partition. A *machine.Machine is one.
type Registrar interface {
	SetUserMemoryRegion(region *kvm.UserspaceMemoryRegion) error
}

// RegistrarFunc adapts a function to Registrar.
type RegistrarFunc func(region *kvm.UserspaceMemoryRegion) error

// SetUserMemoryRegion calls f.
func (f RegistrarFunc) SetUserMemoryRegion(region *kvm.UserspaceMemoryRegion) error {
	return f(region)
}

// Slot is one mapped region.
type Slot struct {
	Region
	Index uint32
	Buf   []byte
}

// Memory is the guest RAM of one partition.
type Memory struct {
	Slots    []*Slot
	MaxSlots int
}

// New maps every region and registers it with r. The slot count is checked
// before anything is mapped. On failure all mappings made so far are
// released.
func New(regions []Region, maxSlots int, r Registrar) (*Memory, error) {
	if len(regions) > maxSlots {
		return nil, fmt.Errorf("%w: need %d, have %d", ErrNotEnoughMemorySlots, len(regions), maxSlots)
	}

	m := &Memory{MaxSlots: maxSlots}

	for _, region := range regions {
		if err := m.newSlot(region, r); err != nil {
			_ = m.Close()

			return nil, err
		}
	}

	return m, nil
}

func (m *Memory) newSlot(region Region, r Registrar) error {
	buf, err := unix.Mmap(-1, 0, int(region.Size), unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return &BackendError{Op: "mmap", Err: err}
	}

	// Poison memory.
	// 0 is valid instruction and if you start running in the middle of all those
	// 0's it is impossible to diagnose.
	if region.Base == 0 {
		for i := highMemBase; i < len(buf); i += len(Poison) {
			copy(buf[i:], Poison)
		}
	}

	slot := &Slot{Region: region, Index: uint32(len(m.Slots)), Buf: buf}

	if err := r.SetUserMemoryRegion(&kvm.UserspaceMemoryRegion{
		Slot:          slot.Index,
		GuestPhysAddr: region.Base,
		MemorySize:    region.Size,
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&buf[0]))),
	}); err != nil {
		_ = unix.Munmap(buf)

		return &BackendError{Op: "register slot", Err: err}
	}

	m.Slots = append(m.Slots, slot)

	return nil
}

// Regions lists the mapped regions in address order.
func (m *Memory) Regions() []Region {
	regions := make([]Region, 0, len(m.Slots))

	for _, s := range m.Slots {
		regions = append(regions, s.Region)
	}

	return regions
}

// Size is the total amount of RAM.
func (m *Memory) Size() uint64 {
	return Total(m.Regions())
}

// Bytes returns the host view of [addr, addr+size). The range must not
// cross a slot boundary.
func (m *Memory) Bytes(addr, size uint64) ([]byte, error) {
	for _, s := range m.Slots {
		if s.Contains(addr, size) {
			off := addr - s.Base

			return s.Buf[off : off+size], nil
		}
	}

	return nil, fmt.Errorf("%w: %#x+%#x", ErrOutOfRange, addr, size)
}

// ReadAt implements io.ReaderAt over guest physical addresses.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	b, err := m.Bytes(uint64(off), uint64(len(p)))
	if err != nil {
		return 0, err
	}

	return copy(p, b), nil
}

// WriteAt implements io.WriterAt over guest physical addresses.
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	b, err := m.Bytes(uint64(off), uint64(len(p)))
	if err != nil {
		return 0, err
	}

	return copy(b, p), nil
}

// Close unmaps every slot. The partition must be gone, or the slots removed,
// before the mappings are released.
func (m *Memory) Close() error {
	var errs []error

	for _, s := range m.Slots {
		if err := unix.Munmap(s.Buf); err != nil {
			errs = append(errs, &BackendError{Op: "munmap", Err: err})
		}
	}

	m.Slots = nil

	return errors.Join(errs...)
}
