package vcpu_test

import (
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobuhiro11/refvmm/kvm"
	"github.com/bobuhiro11/refvmm/vcpu"
)

func hostCPUID() *kvm.CPUID {
	c := &kvm.CPUID{Nent: 3}
	c.Entries[0] = kvm.CPUIDEntry2{Function: 0x1, Ebx: 0x00010800, Edx: 1}
	c.Entries[1] = kvm.CPUIDEntry2{Function: 0xb, Index: 0}
	c.Entries[2] = kvm.CPUIDEntry2{Function: 0xb, Index: 1}

	return c
}

func TestDerive(t *testing.T) {
	t.Parallel()

	base := hostCPUID()
	orig := *base

	states := vcpu.Derive(base, 2, 0x1000000, 0x7000)
	require.Len(t, states, 2)

	for i, s := range states {
		assert.Equal(t, i, s.Index)
		assert.Equal(t, uint64(0x1000000), s.EntryAddress)
		assert.Equal(t, uint64(0x7000), s.ZeroPageAddress)
		assert.Equal(t, uint32(i), s.CPUID.Entries[0].Ebx>>24, "apic id")
		assert.Equal(t, uint32(2), s.CPUID.Entries[0].Ebx>>16&0xff, "logical count")
		assert.Equal(t, uint32(i), s.CPUID.Entries[1].Edx, "x2apic id")
	}

	assert.NotEqual(t, states[0].CPUID, states[1].CPUID)
	assert.Equal(t, orig, *base, "the host table is not modified")
}

type factory struct {
	failAt  int
	created []int
}

var errNoFd = errors.New("no vcpu fd")

func (f *factory) CreateVcpu(s vcpu.State) (*vcpu.Vcpu, error) {
	if s.Index == f.failAt {
		return nil, errNoFd
	}

	f.created = append(f.created, s.Index)

	return vcpu.New(s.Index, ^uintptr(0), make([]byte, 4096), nil, nil, slog.Default()), nil
}

func TestCreateAll(t *testing.T) {
	t.Parallel()

	f := &factory{failAt: -1}

	vcpus, err := vcpu.CreateAll(f, hostCPUID(), 3, 0x1000000, 0x7000)
	require.NoError(t, err)
	require.Len(t, vcpus, 3)
	assert.Equal(t, []int{0, 1, 2}, f.created)

	for i, v := range vcpus {
		assert.Equal(t, i, v.Index)
	}
}

func TestCreateAllFailure(t *testing.T) {
	t.Parallel()

	f := &factory{failAt: 1}

	vcpus, err := vcpu.CreateAll(f, hostCPUID(), 3, 0x1000000, 0x7000)
	assert.Nil(t, vcpus, "no partial set")

	var ce *vcpu.CreationError

	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 1, ce.Index)
	assert.ErrorIs(t, err, vcpu.ErrCoreCreation)
	assert.ErrorIs(t, err, errNoFd)
	assert.Equal(t, []int{0}, f.created, "creation stops at the first failure")
}

func TestRuntimeError(t *testing.T) {
	t.Parallel()

	err := error(&vcpu.RuntimeError{
		Index:  1,
		Reason: kvm.EXITSHUTDOWN + 100,
		RIP:    0x1000000,
		Inst:   "ud2",
		Err:    vcpu.ErrUnexpectedExit,
	})

	assert.ErrorIs(t, err, vcpu.ErrCoreRuntime)
	assert.ErrorIs(t, err, vcpu.ErrUnexpectedExit)
	assert.Equal(t, `vcpu 1: ExitType(108) at 0x1000000 "ud2": unexpected exit reason`, err.Error())
}

func TestDisassemble(t *testing.T) {
	t.Parallel()

	s, err := vcpu.Disassemble([]byte{0x0f, 0x0b}, 0x1000000)
	require.NoError(t, err)
	assert.Equal(t, "ud2", s)

	s, err = vcpu.Disassemble([]byte("\xB8\xBE\xBA\xFE\xCA\x90\x0F\x0B"), 0)
	require.NoError(t, err)
	assert.Contains(t, s, "0xcafebabe")

	_, err = vcpu.Disassemble(nil, 0)
	assert.Error(t, err)
}
