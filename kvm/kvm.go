// Package kvm wraps the subset of the Linux KVM ioctl interface used by refvmm.
// All calls take raw file descriptors, as returned by the create calls.
package kvm

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// APIVersion is the only KVM API version refvmm speaks.
const APIVersion = 12

const (
	kvmGetAPIVersion       = 0x00
	kvmCreateVM            = 0x01
	kvmCheckExtension      = 0x03
	kvmGetVCPUMMapSize     = 0x04
	kvmGetSupportedCPUID   = 0x05
	kvmCreateVCPU          = 0x41
	kvmSetUserMemoryRegion = 0x46
	kvmSetTSSAddr          = 0x47
	kvmSetIdentityMapAddr  = 0x48
	kvmCreateIRQChip       = 0x60
	kvmIRQLine             = 0x61
	kvmIRQFD               = 0x76
	kvmCreatePIT2          = 0x77
	kvmRun                 = 0x80
	kvmGetRegs             = 0x81
	kvmSetRegs             = 0x82
	kvmGetSregs            = 0x83
	kvmSetSregs            = 0x84
	kvmSetMSRs             = 0x89
	kvmGetFPU              = 0x8C
	kvmSetFPU              = 0x8D
	kvmSetCPUID2           = 0x90

	// TSS and identity map pages sit right below the 4GiB boundary,
	// inside the MMIO gap, where they never collide with RAM.
	tssAddr         = 0xfffbd000
	identityMapAddr = 0xfffbc000

	numInterrupts = 0x100
)

// System is an open /dev/kvm handle.
type System struct {
	f *os.File
}

// Open opens the KVM device node at path.
func Open(path string) (*System, error) {
	f, err := os.OpenFile(path, os.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return &System{f: f}, nil
}

// Fd returns the system file descriptor.
func (s *System) Fd() uintptr {
	return s.f.Fd()
}

// Close closes the device node.
func (s *System) Close() error {
	return s.f.Close()
}

// APIVersion reports the host KVM API version.
func (s *System) APIVersion() (int, error) {
	v, err := GetAPIVersion(s.Fd())

	return int(v), err
}

// CheckExtension reports the support value of c. Zero means unsupported.
func (s *System) CheckExtension(c Capability) (int, error) {
	return CheckExtension(s.Fd(), c)
}

// SupportedCPUID returns the CPUID entries the host can expose to guests.
func (s *System) SupportedCPUID() (*CPUID, error) {
	c := &CPUID{Nent: MaxCPUIDEntries}

	if err := GetSupportedCPUID(s.Fd(), c); err != nil {
		return nil, err
	}

	return c, nil
}

// GetAPIVersion gets the kvm API version.
func GetAPIVersion(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(kvmGetAPIVersion), 0)
}

// CheckExtension queries a capability on a system or vm fd.
func CheckExtension(fd uintptr, c Capability) (int, error) {
	ret, err := Ioctl(fd, IIO(kvmCheckExtension), uintptr(c))

	return int(ret), err
}

// CreateVM creates a KVM from the KVM device fd, i.e. /dev/kvm.
func CreateVM(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(kvmCreateVM), 0)
}

// CreateVCPU creates a single virtual CPU from the virtual machine FD.
func CreateVCPU(vmFd uintptr, vcpuID int) (uintptr, error) {
	return Ioctl(vmFd, IIO(kvmCreateVCPU), uintptr(vcpuID))
}

// GetVCPUMMmapSize returns the size of the shared kvm_run region of a vcpu.
func GetVCPUMMmapSize(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(kvmGetVCPUMMapSize), 0)
}

// SetTSSAddr sets the Task Segment Selector for a vm.
func SetTSSAddr(vmFd uintptr) error {
	_, err := Ioctl(vmFd, IIO(kvmSetTSSAddr), tssAddr)

	return err
}

// SetIdentityMapAddr sets the address of a 4k-sized-page for a vm.
func SetIdentityMapAddr(vmFd uintptr) error {
	var mapAddr uint64 = identityMapAddr

	_, err := Ioctl(vmFd, IIOW(kvmSetIdentityMapAddr, 8), uintptr(unsafe.Pointer(&mapAddr)))

	return err
}

// Run enters the guest. Unlike the other calls, EINTR is returned to the
// caller, since a signal is how a running vcpu gets kicked out.
func Run(vcpuFd uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, vcpuFd, IIO(kvmRun), 0)
	if errno != 0 {
		return errno
	}

	return nil
}

// RunData is the kvm_run structure shared with the kernel through mmap.
type RunData struct {
	RequestInterruptWindow     uint8
	ImmediateExit              uint8
	_                          [6]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	Flags                      uint16
	CR8                        uint64
	ApicBase                   uint64
	Data                       [32]uint64
}

// IO interprets the exit data of an EXITIO exit: direction, size, port,
// count and the offset of the data within the kvm_run mapping.
func (r *RunData) IO() (uint64, uint64, uint64, uint64, uint64) {
	direction := r.Data[0] & 0xFF
	size := (r.Data[0] >> 8) & 0xFF
	port := (r.Data[0] >> 16) & 0xFFFF
	count := (r.Data[0] >> 32) & 0xFFFFFFFF
	offset := r.Data[1]

	return direction, size, port, count, offset
}

// MMIO interprets the exit data of an EXITMMIO exit.
func (r *RunData) MMIO() (addr uint64, data []byte, isWrite bool) {
	addr = r.Data[0]
	length := uint32(r.Data[2])

	if length > 8 {
		length = 8
	}

	raw := (*[8]byte)(unsafe.Pointer(&r.Data[1]))

	return addr, raw[:length], (r.Data[2]>>32)&0xFF != 0
}

// HardwareEntryFailureReason is valid after an EXITFAILENTRY exit.
func (r *RunData) HardwareEntryFailureReason() uint64 {
	return r.Data[0]
}

// InternalErrorSuberror is valid after an EXITINTERNALERROR exit.
func (r *RunData) InternalErrorSuberror() uint32 {
	return uint32(r.Data[0])
}
