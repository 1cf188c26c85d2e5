package kvm

import (
	"unsafe"
)

// MSR indices programmed at boot.
const (
	MSRIA32SysenterCS  = 0x174
	MSRIA32SysenterESP = 0x175
	MSRIA32SysenterEIP = 0x176
	MSRIA32MiscEnable  = 0x1a0
	MSRSTAR            = 0xc0000081
	MSRLSTAR           = 0xc0000082
	MSRCSTAR           = 0xc0000083
	MSRSyscallMask     = 0xc0000084
	MSRKernelGSBase    = 0xc0000102
	MSRIA32TSC         = 0x10

	// MiscEnableFastString enables rep movs/stos fast strings.
	MiscEnableFastString = 1 << 0
)

const maxMSREntries = 16

// MSREntry is one kvm_msr_entry.
type MSREntry struct {
	Index    uint32
	Reserved uint32
	Data     uint64
}

type msrs struct {
	NMSRs   uint32
	Padding uint32
	Entries [maxMSREntries]MSREntry
}

// SetMSRs writes up to 16 model specific registers of a vcpu.
// It returns the number of entries the kernel accepted.
func SetMSRs(vcpuFd uintptr, entries []MSREntry) (int, error) {
	m := msrs{}
	m.NMSRs = uint32(copy(m.Entries[:], entries))

	n, err := Ioctl(vcpuFd,
		IIOW(kvmSetMSRs, 8),
		uintptr(unsafe.Pointer(&m)))

	return int(n), err
}
