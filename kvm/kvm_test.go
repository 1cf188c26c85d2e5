package kvm_test

import (
	"os"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/bobuhiro11/refvmm/kvm"
)

func openKVM(t *testing.T) *kvm.System {
	t.Helper()

	if os.Getuid() != 0 {
		t.Skipf("Skipping test since we are not root")
	}

	sys, err := kvm.Open("/dev/kvm")
	if err != nil {
		t.Skipf("Skipping test since /dev/kvm is unavailable: %v", err)
	}

	t.Cleanup(func() { _ = sys.Close() })

	return sys
}

func TestGetAPIVersion(t *testing.T) {
	t.Parallel()

	sys := openKVM(t)

	v, err := sys.APIVersion()
	require.NoError(t, err)
	assert.Equal(t, kvm.APIVersion, v)
}

func TestCheckExtension(t *testing.T) {
	t.Parallel()

	sys := openKVM(t)

	n, err := sys.CheckExtension(kvm.CapUserMemory)
	require.NoError(t, err)
	assert.NotZero(t, n)
}

func TestCreateVM(t *testing.T) {
	t.Parallel()

	sys := openKVM(t)

	vmFd, err := kvm.CreateVM(sys.Fd())
	require.NoError(t, err)

	defer unix.Close(int(vmFd))

	require.NoError(t, kvm.SetTSSAddr(vmFd))
	require.NoError(t, kvm.SetIdentityMapAddr(vmFd))

	vcpuFd, err := kvm.CreateVCPU(vmFd, 0)
	require.NoError(t, err)

	defer unix.Close(int(vcpuFd))

	cpuid, err := sys.SupportedCPUID()
	require.NoError(t, err)
	require.NotZero(t, cpuid.Nent)

	require.NoError(t, kvm.SetCPUID2(vcpuFd, cpuid))
}

func TestCreateVCPU(t *testing.T) {
	t.Parallel()

	sys := openKVM(t)

	vmFd, err := kvm.CreateVM(sys.Fd())
	require.NoError(t, err)

	defer unix.Close(int(vmFd))

	require.NoError(t, kvm.CreateIRQChip(vmFd))
	require.NoError(t, kvm.CreatePIT2(vmFd))

	vcpuFd, err := kvm.CreateVCPU(vmFd, 0)
	require.NoError(t, err)

	defer unix.Close(int(vcpuFd))

	sregs, err := kvm.GetSregs(vcpuFd)
	require.NoError(t, err)
	require.NoError(t, kvm.SetSregs(vcpuFd, sregs))

	regs, err := kvm.GetRegs(vcpuFd)
	require.NoError(t, err)
	require.NoError(t, kvm.SetRegs(vcpuFd, regs))

	fpu, err := kvm.GetFPU(vcpuFd)
	require.NoError(t, err)
	require.NoError(t, kvm.SetFPU(vcpuFd, fpu))

	n, err := kvm.SetMSRs(vcpuFd, []kvm.MSREntry{{Index: kvm.MSRIA32TSC}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCreateVCPUWithNoVmFd(t *testing.T) {
	t.Parallel()

	sys := openKVM(t)

	_, err := kvm.CreateVCPU(sys.Fd(), 0)
	assert.Error(t, err)
}

func TestIRQLineAndIRQFD(t *testing.T) {
	t.Parallel()

	sys := openKVM(t)

	vmFd, err := kvm.CreateVM(sys.Fd())
	require.NoError(t, err)

	defer unix.Close(int(vmFd))

	require.NoError(t, kvm.CreateIRQChip(vmFd))
	require.NoError(t, kvm.IRQLine(vmFd, 4, 0))

	efd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	require.NoError(t, err)

	defer unix.Close(efd)

	require.NoError(t, kvm.AssignIRQFD(vmFd, efd, 4))
	require.NoError(t, kvm.DeassignIRQFD(vmFd, efd, 4))
}

// mirror from https://lwn.net/Articles/658512/
func TestAddNum(t *testing.T) {
	t.Parallel()

	sys := openKVM(t)

	vmFd, err := kvm.CreateVM(sys.Fd())
	require.NoError(t, err)

	defer unix.Close(int(vmFd))

	mem, err := unix.Mmap(-1, 0, 0x1000,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	require.NoError(t, err)

	defer unix.Munmap(mem)

	code := []byte{0xba, 0xf8, 0x03, 0x00, 0xd8, 0x04, '0', 0xee, 0xb0, '\n', 0xee, 0xf4}
	copy(mem, code)

	require.NoError(t, kvm.SetUserMemoryRegion(vmFd, &kvm.UserspaceMemoryRegion{
		Slot:          0,
		GuestPhysAddr: 0x1000,
		MemorySize:    0x1000,
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&mem[0]))),
	}))

	vcpuFd, err := kvm.CreateVCPU(vmFd, 0)
	require.NoError(t, err)

	defer unix.Close(int(vcpuFd))

	mmapSize, err := kvm.GetVCPUMMmapSize(sys.Fd())
	require.NoError(t, err)

	r, err := unix.Mmap(int(vcpuFd), 0, int(mmapSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	require.NoError(t, err)

	defer unix.Munmap(r)

	run := (*kvm.RunData)(unsafe.Pointer(&r[0]))

	sregs, err := kvm.GetSregs(vcpuFd)
	require.NoError(t, err)

	sregs.CS.Base, sregs.CS.Selector = 0, 0
	require.NoError(t, kvm.SetSregs(vcpuFd, sregs))
	require.NoError(t, kvm.SetRegs(vcpuFd, &kvm.Regs{RIP: 0x1000, RAX: 2, RBX: 2, RFLAGS: 0x2}))

	var out []byte

	for {
		require.NoError(t, kvm.Run(vcpuFd))

		switch kvm.ExitType(run.ExitReason) {
		case kvm.EXITHLT:
			assert.Equal(t, []byte("4\n"), out)

			return
		case kvm.EXITIO:
			direction, size, port, count, offset := run.IO()
			require.Equal(t, uint64(kvm.EXITIOOUT), direction)
			require.Equal(t, uint64(1), size)
			require.Equal(t, uint64(0x3f8), port)
			require.Equal(t, uint64(1), count)

			out = append(out, r[offset])
		default:
			t.Fatalf("Unexpected EXIT REASON = %s", kvm.ExitType(run.ExitReason))
		}
	}
}
