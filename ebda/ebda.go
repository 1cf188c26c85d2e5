// Package ebda builds the Intel MultiProcessor tables placed in the Extended
// BIOS Data Area. Without ACPI they are how Linux finds the application
// processors and the IOAPIC.
package ebda

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// Start is the EBDA base, inside the last KiB below 640KiB that Linux
	// scans for the floating pointer.
	Start = 0x9fc00

	// MaxCPUs is bounded by 8-bit APIC IDs, with one ID left for the IOAPIC.
	MaxCPUs = 254

	// IOAPICAddr and LAPICAddr are the default interrupt controller windows.
	IOAPICAddr = 0xfec00000
	LAPICAddr  = 0xfee00000

	// NumIRQs is the number of IOAPIC pins routed from the ISA bus.
	NumIRQs = 24

	mpfSize = 16
	mpcSize = 44

	mpSpecRev = 4
	lapicVer  = 0x14
	ioapicVer = 0x11

	entryProcessor = 0
	entryBus       = 1
	entryIOAPIC    = 2
	entryIntSrc    = 3
	entryLintSrc   = 4

	cpuEnabled = 1 << 0
	cpuBSP     = 1 << 1

	// family 6, model 15
	cpuSignature   = 6<<8 | 15<<4
	cpuFeatureFPU  = 1 << 0
	cpuFeatureAPIC = 1 << 9

	intTypeINT    = 0
	intTypeNMI    = 1
	intTypeExtINT = 3
)

// ErrTooManyCPUs is returned for CPU counts the tables cannot describe.
var ErrTooManyCPUs = errors.New("too many cpus for the MP table")

// MPFIntel is the MP Floating Pointer Structure.
// ported from https://github.com/torvalds/linux/blob/5bfc75d92/arch/x86/include/asm/mpspec_def.h#L22-L33
type MPFIntel struct {
	Signature     uint32
	PhysPtr       uint32
	Length        uint8
	Specification uint8
	CheckSum      uint8
	Feature1      uint8
	Feature2      uint8
	Feature3      uint8
	Feature4      uint8
	Feature5      uint8
}

// MPCTable is the MP configuration table header.
type MPCTable struct {
	Signature [4]byte
	Length    uint16
	Spec      uint8
	CheckSum  uint8
	OEM       [8]byte
	ProductID [12]byte
	OEMPtr    uint32
	OEMSize   uint16
	OEMCount  uint16
	LAPIC     uint32
	Reserved  uint32
}

type mpcCPU struct {
	Type        uint8
	APICID      uint8
	APICVer     uint8
	CPUFlag     uint8
	CPUFeature  uint32
	FeatureFlag uint32
	Reserved    [2]uint32
}

type mpcBus struct {
	Type    uint8
	BusID   uint8
	BusType [6]byte
}

type mpcIOAPIC struct {
	Type     uint8
	APICID   uint8
	APICVer  uint8
	Flags    uint8
	APICAddr uint32
}

type mpcIntSrc struct {
	Type      uint8
	IRQType   uint8
	IRQFlag   uint16
	SrcBus    uint8
	SrcBusIRQ uint8
	DstAPIC   uint8
	DstIRQ    uint8
}

// EBDA is the content written at Start.
type EBDA struct {
	MPF     MPFIntel
	Table   MPCTable
	entries []any
}

// New describes nCPUs processors, one ISA bus, one IOAPIC and the legacy
// interrupt routing.
func New(nCPUs int) (*EBDA, error) {
	if nCPUs < 1 || nCPUs > MaxCPUs {
		return nil, fmt.Errorf("%w: %d", ErrTooManyCPUs, nCPUs)
	}

	e := &EBDA{}
	ioapicID := uint8(nCPUs + 1)

	for i := 0; i < nCPUs; i++ {
		flag := uint8(cpuEnabled)
		if i == 0 {
			flag |= cpuBSP
		}

		e.entries = append(e.entries, mpcCPU{
			Type:        entryProcessor,
			APICID:      uint8(i),
			APICVer:     lapicVer,
			CPUFlag:     flag,
			CPUFeature:  cpuSignature,
			FeatureFlag: cpuFeatureAPIC | cpuFeatureFPU,
		})
	}

	e.entries = append(e.entries,
		mpcBus{Type: entryBus, BusID: 0, BusType: [6]byte{'I', 'S', 'A', ' ', ' ', ' '}},
		mpcIOAPIC{Type: entryIOAPIC, APICID: ioapicID, APICVer: ioapicVer, Flags: 1, APICAddr: IOAPICAddr},
	)

	for irq := uint8(0); irq < NumIRQs; irq++ {
		e.entries = append(e.entries, mpcIntSrc{
			Type:      entryIntSrc,
			IRQType:   intTypeINT,
			SrcBusIRQ: irq,
			DstAPIC:   ioapicID,
			DstIRQ:    irq,
		})
	}

	e.entries = append(e.entries,
		mpcIntSrc{Type: entryLintSrc, IRQType: intTypeExtINT, DstAPIC: 0, DstIRQ: 0},
		mpcIntSrc{Type: entryLintSrc, IRQType: intTypeNMI, DstAPIC: 0xff, DstIRQ: 1},
	)

	var err error

	e.MPF, err = NewMPFIntel(Start + mpfSize)
	if err != nil {
		return nil, err
	}

	e.Table = MPCTable{
		Signature: [4]byte{'P', 'C', 'M', 'P'},
		Spec:      mpSpecRev,
		OEM:       [8]byte{'R', 'E', 'F', 'V', 'M', 'M', ' ', ' '},
		ProductID: [12]byte{'0', '0', '0', '0', '0', '0', '0', '0', '0', '0', '0', '0'},
		OEMCount:  uint16(len(e.entries)),
		LAPIC:     LAPICAddr,
	}

	return e, nil
}

// Bytes serializes the floating pointer followed by the checksummed
// configuration table.
func (e *EBDA) Bytes() ([]byte, error) {
	body := new(bytes.Buffer)

	for _, entry := range e.entries {
		if err := binary.Write(body, binary.LittleEndian, entry); err != nil {
			return nil, err
		}
	}

	table := e.Table
	table.Length = uint16(mpcSize + body.Len())
	table.CheckSum = 0

	buf := new(bytes.Buffer)

	if err := binary.Write(buf, binary.LittleEndian, e.MPF); err != nil {
		return nil, err
	}

	if err := binary.Write(buf, binary.LittleEndian, table); err != nil {
		return nil, err
	}

	buf.Write(body.Bytes())

	out := buf.Bytes()
	out[mpfSize+7] = -checksum(out[mpfSize:])

	return out, nil
}

// NewMPFIntel returns a floating pointer to a configuration table at
// physPtr with a valid checksum.
func NewMPFIntel(physPtr uint32) (MPFIntel, error) {
	m := MPFIntel{}
	m.Signature = (('_' << 24) | ('P' << 16) | ('M' << 8) | '_')
	m.PhysPtr = physPtr
	m.Length = 1
	m.Specification = mpSpecRev

	sum, err := m.CalcCheckSum()
	if err != nil {
		return m, err
	}

	m.CheckSum = -sum

	return m, nil
}

// CalcCheckSum sums the structure bytes. A valid structure sums to zero.
func (m *MPFIntel) CalcCheckSum() (uint8, error) {
	b, err := m.Bytes()
	if err != nil {
		return 0, err
	}

	return checksum(b), nil
}

// Bytes serializes the floating pointer.
func (m *MPFIntel) Bytes() ([]byte, error) {
	buf := new(bytes.Buffer)

	if err := binary.Write(buf, binary.LittleEndian, m); err != nil {
		return []byte{}, err
	}

	return buf.Bytes(), nil
}

func checksum(b []byte) uint8 {
	var sum uint8

	for _, v := range b {
		sum += v
	}

	return sum
}
