package memory

const (
	// MiB is one mebibyte.
	MiB = 1 << 20

	// FirstAddrPast32Bits is the 4GiB boundary.
	FirstAddrPast32Bits = 1 << 32

	// MMIOGapSize is the 768MiB hole below 4GiB reserved for device windows.
	MMIOGapSize = 768 * MiB

	// MMIOGapStart is 0xC000_0000, where RAM stops below 4GiB.
	MMIOGapStart = FirstAddrPast32Bits - MMIOGapSize

	// MaxSizeMiB bounds guest RAM by a 46-bit physical address space.
	MaxSizeMiB = 1 << (46 - 20)
)

// Region is a guest physical range backed by RAM.
type Region struct {
	Base uint64
	Size uint64
}

// End is the first address past the region.
func (r Region) End() uint64 {
	return r.Base + r.Size
}

// Contains reports whether [addr, addr+size) lies entirely within r.
func (r Region) Contains(addr, size uint64) bool {
	return addr >= r.Base && addr+size >= addr && addr+size <= r.End()
}

// Overlaps reports whether r and o share at least one byte.
func (r Region) Overlaps(o Region) bool {
	return r.Base < o.End() && o.Base < r.End()
}

// Layout splits sizeMiB of guest RAM around the MMIO gap. Sizes that fit
// below the gap yield a single region at 0. Larger sizes fill up to the gap
// and relocate the remainder to 4GiB. Sizes above MaxSizeMiB have no
// layout and yield nil.
func Layout(sizeMiB uint64) []Region {
	if sizeMiB > MaxSizeMiB {
		return nil
	}

	size := sizeMiB * MiB

	if size <= MMIOGapStart {
		return []Region{{Base: 0, Size: size}}
	}

	return []Region{
		{Base: 0, Size: MMIOGapStart},
		{Base: FirstAddrPast32Bits, Size: size - MMIOGapStart},
	}
}

// Total sums the sizes of regions.
func Total(regions []Region) uint64 {
	var n uint64

	for _, r := range regions {
		n += r.Size
	}

	return n
}
