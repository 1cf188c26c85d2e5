package vcpu

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/arch/x86/x86asm"

	"github.com/bobuhiro11/refvmm/kvm"
)

// ErrNotMapped indicates a virtual address without a present mapping.
var ErrNotMapped = errors.New("virtual address not mapped")

const (
	pageLevels    = 4
	pageTableBits = 9
	pageShift     = 12
	physAddrMask  = 0x000ffffffffff000
)

// VtoP translates a guest virtual address through the vcpu's current page
// tables.
func (v *Vcpu) VtoP(vaddr uint64) (uint64, error) {
	sregs, err := kvm.GetSregs(v.fd)
	if err != nil {
		return 0, fmt.Errorf("get sregs: %w", err)
	}

	return translate(v.mem, sregs.CR0, sregs.CR3, vaddr)
}

// translate walks 4-level page tables rooted at cr3, following 1GiB and
// 2MiB large pages.
func translate(mem io.ReaderAt, cr0, cr3, vaddr uint64) (uint64, error) {
	if cr0&CR0xPG == 0 {
		return vaddr, nil
	}

	table := cr3 & physAddrMask
	shift := uint(pageShift + pageTableBits*(pageLevels-1))

	for level := pageLevels; level > 0; level-- {
		var b [8]byte

		idx := (vaddr >> shift) & (1<<pageTableBits - 1)
		slot := table + idx*8
		if _, err := mem.ReadAt(b[:], int64(slot)); err != nil {
			return 0, fmt.Errorf("page table at %#x: %w", slot, err)
		}

		entry := binary.LittleEndian.Uint64(b[:])
		if entry&PDE64xPRESENT == 0 {
			return 0, fmt.Errorf("%w: %#x", ErrNotMapped, vaddr)
		}

		addr := entry & physAddrMask

		if level == 1 || (level <= 3 && entry&PDE64xPS != 0) {
			size := uint64(1) << shift

			return addr&^(size-1) | vaddr&(size-1), nil
		}

		table = addr
		shift -= pageTableBits
	}

	return 0, fmt.Errorf("%w: %#x", ErrNotMapped, vaddr)
}

// Inst retrieves the instruction at RIP in GNU syntax.
func (v *Vcpu) Inst() (string, error) {
	regs, err := kvm.GetRegs(v.fd)
	if err != nil {
		return "", fmt.Errorf("Inst:Getregs:%w", err)
	}

	pa, err := v.VtoP(regs.RIP)
	if err != nil {
		return "", err
	}

	// We know the PC; grab a bunch of bytes there, then decode and print
	insn := make([]byte, 16)
	if _, err := v.mem.ReadAt(insn, int64(pa)); err != nil {
		return "", fmt.Errorf("reading PC at %#x:%w", pa, err)
	}

	return Disassemble(insn, regs.RIP)
}

// Disassemble decodes the first 64-bit instruction of code located at pc.
func Disassemble(code []byte, pc uint64) (string, error) {
	d, err := x86asm.Decode(code, 64)
	if err != nil {
		return "", fmt.Errorf("decoding %#02x:%w", code, err)
	}

	return x86asm.GNUSyntax(d, pc, nil), nil
}
