package kvm

import (
	"unsafe"
)

// MaxCPUIDEntries is the capacity of CPUID.Entries.
const MaxCPUIDEntries = 100

// CPUID is the set of CPUID entries returned by GetSupportedCPUID.
type CPUID struct {
	Nent    uint32
	Padding uint32
	Entries [MaxCPUIDEntries]CPUIDEntry2
}

// CPUIDEntry2 is one entry for CPUID. It took 2 tries to get it right :-)
// Thanks x86 :-).
type CPUIDEntry2 struct {
	Function uint32
	Index    uint32
	Flags    uint32
	Eax      uint32
	Ebx      uint32
	Ecx      uint32
	Edx      uint32
	Padding  [3]uint32
}

// cpuidHeaderSize is sizeof(struct kvm_cpuid2) without the flexible array.
const cpuidHeaderSize = 8

// GetSupportedCPUID gets all supported CPUID entries for a vm.
// kvmCPUID.Nent must hold the capacity on entry.
func GetSupportedCPUID(kvmFd uintptr, kvmCPUID *CPUID) error {
	_, err := Ioctl(kvmFd,
		IIOWR(kvmGetSupportedCPUID, cpuidHeaderSize),
		uintptr(unsafe.Pointer(kvmCPUID)))

	return err
}

// SetCPUID2 sets entries for a vCPU.
// The progression is, hence, get the CPUID entries for a vm, then set them into
// individual vCPUs, tailored as needed.
func SetCPUID2(vcpuFd uintptr, kvmCPUID *CPUID) error {
	_, err := Ioctl(vcpuFd,
		IIOW(kvmSetCPUID2, cpuidHeaderSize),
		uintptr(unsafe.Pointer(kvmCPUID)))

	return err
}
