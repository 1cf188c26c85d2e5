// Package iodev holds the legacy port devices Linux pokes at during boot.
package iodev

import "github.com/bobuhiro11/refvmm/device"

// Noop absorbs accesses to ports nothing emulates. Reads return zero.
type Noop struct{}

func (n *Noop) Read(_ uint64, data []byte) error {
	clear(data)

	return nil
}

func (n *Noop) Write(uint64, []byte) error {
	return nil
}

// NoopRanges are the ports Linux probes during boot that refvmm does not
// emulate.
func NoopRanges() []device.Range {
	return []device.Range{
		{Base: 0x70, Size: 2},   // CMOS RTC
		{Base: 0x81, Size: 15},  // DMA page registers
		{Base: 0x2e8, Size: 8},  // COM4
		{Base: 0x2f8, Size: 8},  // COM2
		{Base: 0x3c0, Size: 32}, // VGA
		{Base: 0x3e8, Size: 8},  // COM3
		{Base: 0xcf8, Size: 8},  // PCI config address and data
	}
}
