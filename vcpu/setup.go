package vcpu

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/bobuhiro11/refvmm/kvm"
)

// Guest physical layout of the long mode boot structures.
//
//	0x00000500  GDT: null, code, data, tss
//	0x00000520  IDT: one empty gate
//	0x00007000  zero page (RSI)
//	0x00008ff0  boot stack (RSP, RBP)
//	0x00009000  PML4
//	0x0000a000  PDPT
//	0x0000b000  PD: 512 x 2MiB pages, identity mapping the first 1GiB
const (
	GDTStart   = 0x500
	IDTStart   = 0x520
	StackStart = 0x8ff0
	PML4Start  = 0x9000
	PDPTStart  = 0xa000
	PDStart    = 0xb000

	gdtEntries  = 4
	pdEntries   = 512
	largePage   = 1 << 21
	selectorCS  = 1 * 8
	selectorDS  = 2 * 8
	selectorTSS = 3 * 8

	fpuControlWord = 0x37f
	mxcsrDefault   = 0x1f80
	rflagsReserved = 1 << 1
)

const (
	// golangci-lint is completely wrong about these names.
	// Control Register Paging Enable for example:
	// golang style requires all letters in an acronym to be caps.
	// CR0 bits.
	CR0xPE = 1
	CR0xPG = (1 << 31)

	// CR4 bits.
	CR4xPAE = (1 << 5)

	EFERxLME = (1 << 8)
	EFERxLMA = (1 << 10)

	// 64-bit page * entry bits.
	PDE64xPRESENT = 1
	PDE64xRW      = (1 << 1)
	PDE64xPS      = (1 << 7)
)

var (
	codeSegment = kvm.Segment{
		Limit: 0xffffffff, Selector: selectorCS, Typ: 0xb,
		Present: 1, S: 1, L: 1, G: 1,
	}
	dataSegment = kvm.Segment{
		Limit: 0xffffffff, Selector: selectorDS, Typ: 0x3,
		Present: 1, DB: 1, S: 1, G: 1,
	}
	tssSegment = kvm.Segment{
		Limit: 0xffffffff, Selector: selectorTSS, Typ: 0xb,
		Present: 1, G: 1,
	}
)

// WriteBootTables writes the GDT, IDT and identity mapped page tables every
// core starts from. It is called once per guest, before any core runs.
func WriteBootTables(mem io.WriterAt) error {
	gdt := make([]byte, gdtEntries*8)
	for i, s := range []kvm.Segment{{}, codeSegment, dataSegment, tssSegment} {
		binary.LittleEndian.PutUint64(gdt[i*8:], s.GDTEntry())
	}

	pml4 := make([]byte, 8)
	binary.LittleEndian.PutUint64(pml4, PDPTStart|PDE64xPRESENT|PDE64xRW)

	pdpt := make([]byte, 8)
	binary.LittleEndian.PutUint64(pdpt, PDStart|PDE64xPRESENT|PDE64xRW)

	pd := make([]byte, pdEntries*8)
	for i := 0; i < pdEntries; i++ {
		binary.LittleEndian.PutUint64(pd[i*8:], uint64(i)*largePage|PDE64xPRESENT|PDE64xRW|PDE64xPS)
	}

	for _, w := range []struct {
		addr int64
		b    []byte
	}{
		{GDTStart, gdt},
		{IDTStart, make([]byte, 8)},
		{PML4Start, pml4},
		{PDPTStart, pdpt},
		{PDStart, pd},
	} {
		if _, err := mem.WriteAt(w.b, w.addr); err != nil {
			return fmt.Errorf("boot tables at %#x: %w", w.addr, err)
		}
	}

	return nil
}

// bootMSRs are the MSR values Linux expects on 64-bit entry.
func bootMSRs() []kvm.MSREntry {
	return []kvm.MSREntry{
		{Index: kvm.MSRIA32SysenterCS},
		{Index: kvm.MSRIA32SysenterESP},
		{Index: kvm.MSRIA32SysenterEIP},
		{Index: kvm.MSRSTAR},
		{Index: kvm.MSRCSTAR},
		{Index: kvm.MSRKernelGSBase},
		{Index: kvm.MSRSyscallMask},
		{Index: kvm.MSRLSTAR},
		{Index: kvm.MSRIA32TSC},
		{Index: kvm.MSRIA32MiscEnable, Data: kvm.MiscEnableFastString},
	}
}

// Configure loads s into the vcpu: CPUID, MSRs, long mode segments and
// paging, FPU and the entry registers.
func (v *Vcpu) Configure(s State) error {
	c := s.CPUID
	if err := kvm.SetCPUID2(v.fd, &c); err != nil {
		return fmt.Errorf("set cpuid: %w", err)
	}

	msrs := bootMSRs()

	n, err := kvm.SetMSRs(v.fd, msrs)
	if err != nil {
		return fmt.Errorf("set msrs: %w", err)
	}

	if n != len(msrs) {
		return fmt.Errorf("set msrs: %d of %d written", n, len(msrs))
	}

	if err := v.initSregs(); err != nil {
		return err
	}

	if err := kvm.SetFPU(v.fd, &kvm.FPU{FCW: fpuControlWord, MXCSR: mxcsrDefault}); err != nil {
		return fmt.Errorf("set fpu: %w", err)
	}

	if err := kvm.SetRegs(v.fd, &kvm.Regs{
		RFLAGS: rflagsReserved,
		RIP:    s.EntryAddress,
		RSP:    StackStart,
		RBP:    StackStart,
		RSI:    s.ZeroPageAddress,
	}); err != nil {
		return fmt.Errorf("set regs: %w", err)
	}

	return nil
}

func (v *Vcpu) initSregs() error {
	sregs, err := kvm.GetSregs(v.fd)
	if err != nil {
		return fmt.Errorf("get sregs: %w", err)
	}

	longMode(sregs)

	if err := kvm.SetSregs(v.fd, sregs); err != nil {
		return fmt.Errorf("set sregs: %w", err)
	}

	return nil
}

// longMode switches sregs to flat 64-bit segments with paging rooted at
// PML4Start.
func longMode(sregs *kvm.Sregs) {
	sregs.GDT.Base, sregs.GDT.Limit = GDTStart, gdtEntries*8-1
	sregs.IDT.Base, sregs.IDT.Limit = IDTStart, 8-1

	sregs.CS = codeSegment
	sregs.DS, sregs.ES, sregs.FS, sregs.GS, sregs.SS = dataSegment, dataSegment, dataSegment, dataSegment, dataSegment
	sregs.TR = tssSegment

	sregs.CR3 = PML4Start
	sregs.CR4 |= CR4xPAE
	sregs.CR0 |= CR0xPE | CR0xPG
	sregs.EFER |= EFERxLME | EFERxLMA
}
