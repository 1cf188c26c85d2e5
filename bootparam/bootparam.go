// Package bootparam encodes the x86 Linux zero page.
package bootparam

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/bobuhiro11/refvmm/bootproto"
	"github.com/bobuhiro11/refvmm/ebda"
	"github.com/bobuhiro11/refvmm/memory"
)

const (
	// Size of the zero page.
	Size = 0x1000

	// E820Max is the capacity of the e820 table.
	E820Max = 128

	e820EntriesOffset = 0x1E8
	e820TableOffset   = 0x2D0
)

// E820 region types.
const (
	E820Ram      = 1
	E820Reserved = 2
)

var (
	ErrHimemPastMemEnd  = errors.New("himem start is past the end of guest memory")
	ErrHimemPastMMIOGap = errors.New("himem start is past the MMIO gap start")
	ErrE820Full         = errors.New("e820 table is full")
)

// E820Entry is one BIOS memory map entry.
type E820Entry struct {
	Addr uint64
	Size uint64
	Type uint32
}

// BootParam is the decoded zero page. Fields refvmm never sets are zero.
type BootParam struct {
	Hdr  bootproto.BootProto
	E820 []E820Entry
}

// New returns a zero page carrying the default setup header.
func New() *BootParam {
	return &BootParam{Hdr: *bootproto.Default()}
}

// AddE820Entry appends a memory map entry.
func (b *BootParam) AddE820Entry(addr, size uint64, typ uint32) error {
	if len(b.E820) >= E820Max {
		return ErrE820Full
	}

	b.E820 = append(b.E820, E820Entry{Addr: addr, Size: size, Type: typ})

	return nil
}

// Bytes serializes the full zero page.
func (b *BootParam) Bytes() ([]byte, error) {
	page := make([]byte, Size)
	page[e820EntriesOffset] = uint8(len(b.E820))

	hdr, err := b.Hdr.Bytes()
	if err != nil {
		return nil, err
	}

	copy(page[bootproto.Offset:], hdr)

	table := new(bytes.Buffer)

	if err := binary.Write(table, binary.LittleEndian, b.E820); err != nil {
		return nil, err
	}

	copy(page[e820TableOffset:], table.Bytes())

	return page, nil
}

// Build describes guest RAM to the kernel. Low memory up to the EBDA is
// usable, then everything from himem up to the end of RAM, skipping the
// MMIO gap [gapStart, gapEnd).
func Build(regions []memory.Region, himem, gapStart, gapEnd uint64) (*BootParam, error) {
	if len(regions) == 0 {
		return nil, ErrHimemPastMemEnd
	}

	lastAddr := regions[len(regions)-1].End() - 1

	if himem >= lastAddr {
		return nil, fmt.Errorf("%w: %#x >= %#x", ErrHimemPastMemEnd, himem, lastAddr)
	}

	b := New()

	if err := b.AddE820Entry(0, ebda.Start, E820Ram); err != nil {
		return nil, err
	}

	if lastAddr < gapStart {
		if err := b.AddE820Entry(himem, lastAddr+1-himem, E820Ram); err != nil {
			return nil, err
		}

		return b, nil
	}

	if himem >= gapStart {
		return nil, fmt.Errorf("%w: %#x >= %#x", ErrHimemPastMMIOGap, himem, gapStart)
	}

	if err := b.AddE820Entry(himem, gapStart-himem, E820Ram); err != nil {
		return nil, err
	}

	if lastAddr >= gapEnd {
		if err := b.AddE820Entry(gapEnd, lastAddr+1-gapEnd, E820Ram); err != nil {
			return nil, err
		}
	}

	return b, nil
}
