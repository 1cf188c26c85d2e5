// Package cpuid tailors the host supported CPUID table for one vcpu.
package cpuid

import (
	"github.com/bobuhiro11/refvmm/kvm"
)

// Leaves rewritten by Filter.
const (
	LeafFeatureInfo  = 0x1
	LeafCacheParams  = 0x4
	LeafThermalPower = 0x6
	LeafPerfMon      = 0xa
	LeafExtTopology  = 0xb
	LeafKVMSignature = 0x40000000
	LeafKVMFeatures  = 0x40000001
)

const (
	leafFlagSignificantIndex = 1 << 0

	// leaf 1
	ebxAPICIDShift      = 24
	ebxCPUCountShift    = 16
	ebxCLFlushShift     = 8
	ebxCLFlushCacheLine = 8
	ecxHypervisorShift  = 31
	ecxTSCDeadlineShift = 24

	// leaf 4
	eaxCoresPerPkgShift = 26
	eaxCoresPerPkgMask  = 0x3f << eaxCoresPerPkgShift

	// leaf 6
	ecxEPBShift = 3

	// leaf 0xb
	levelTypeSMT   = 1
	levelTypeCore  = 2
	levelTypeShift = 8

	// "KVMKVMKVM\0\0\0"
	kvmSignatureEBX = 0x4b4d564b
	kvmSignatureECX = 0x564b4d56
	kvmSignatureEDX = 0x4d
)

// Filter rewrites the topology describing bits of c for vcpu index out of
// count vcpus. c is modified in place, so callers pass a copy of the host
// table per vcpu.
func Filter(c *kvm.CPUID, index, count int) {
	n := int(c.Nent)
	if n > len(c.Entries) {
		n = len(c.Entries)
	}

	hasSignature := false

	for i := 0; i < n; i++ {
		e := &c.Entries[i]

		switch e.Function {
		case LeafFeatureInfo:
			filterFeatureInfo(e, index, count)
		case LeafCacheParams:
			e.Eax &^= eaxCoresPerPkgMask
			e.Eax |= uint32(count-1) << eaxCoresPerPkgShift
		case LeafThermalPower:
			e.Ecx &^= 1 << ecxEPBShift
		case LeafPerfMon:
			// No PMU is exposed.
			e.Eax, e.Ebx, e.Ecx, e.Edx = 0, 0, 0, 0
		case LeafExtTopology:
			filterExtTopology(e, index, count)
		case LeafKVMSignature:
			e.Ebx, e.Ecx, e.Edx = kvmSignatureEBX, kvmSignatureECX, kvmSignatureEDX
			hasSignature = true
		}
	}

	if !hasSignature && n < len(c.Entries) {
		c.Entries[n] = kvm.CPUIDEntry2{
			Function: LeafKVMSignature,
			Eax:      LeafKVMFeatures,
			Ebx:      kvmSignatureEBX,
			Ecx:      kvmSignatureECX,
			Edx:      kvmSignatureEDX,
		}
		c.Nent++
	}
}

func filterFeatureInfo(e *kvm.CPUIDEntry2, index, count int) {
	e.Ebx = uint32(index)<<ebxAPICIDShift |
		uint32(count)<<ebxCPUCountShift |
		ebxCLFlushCacheLine<<ebxCLFlushShift |
		e.Ebx&0xff

	e.Ecx |= 1 << ecxHypervisorShift
	// The in-kernel LAPIC timer is not configured for deadline mode.
	e.Ecx &^= 1 << ecxTSCDeadlineShift

	if count > 1 {
		e.Edx |= 1 << uint(HT)
	} else {
		e.Edx &^= 1 << uint(HT)
	}
}

func filterExtTopology(e *kvm.CPUIDEntry2, index, count int) {
	e.Flags |= leafFlagSignificantIndex
	e.Edx = uint32(index)

	switch e.Index {
	case 0:
		// One thread per core.
		e.Eax = 0
		e.Ebx = 1
		e.Ecx = levelTypeSMT<<levelTypeShift | e.Index
	case 1:
		e.Eax = bitsFor(count)
		e.Ebx = uint32(count)
		e.Ecx = levelTypeCore<<levelTypeShift | e.Index
	default:
		e.Eax, e.Ebx = 0, 0
		e.Ecx = e.Index
	}
}

// bitsFor is the shift that makes x2APIC IDs of n cpus unique.
func bitsFor(n int) uint32 {
	var b uint32

	for (1 << b) < n {
		b++
	}

	return b
}
