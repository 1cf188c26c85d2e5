// Package bootproto is the x86 Linux boot protocol setup header.
package bootproto

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

const (
	// Offset of the setup header in the zero page and in a bzImage.
	Offset = 0x01F1

	// BootProtoMagicSignature is "HdrS".
	BootProtoMagicSignature = 0x53726448
	BootFlagMagic           = 0xAA55

	LoaderTypeUndefined = 0xFF

	LoadedHigh = 1 << 0
	CanUseHeap = 1 << 7

	HeapEnd         = 0xFE00
	KernelAlignment = 0x01000000
)

// https://www.kernel.org/doc/html/latest/x86/boot.html
type BootProto struct {
	SetupSects          uint8
	RootFlags           uint16
	SysSize             uint32
	RAMSize             uint16
	VidMode             uint16
	RootDev             uint16
	BootFlag            uint16
	Jump                uint16
	Header              uint32
	Version             uint16
	ReadModeSwitch      uint32
	StartSysSeg         uint16
	KernelVersion       uint16
	TypeOfLoader        uint8
	LoadFlags           uint8
	SetupMoveSize       uint16
	Code32Start         uint32
	RamdiskImage        uint32
	RamdiskSize         uint32
	BootsectKludge      uint32
	HeapEndPtr          uint16
	ExtLoaderVer        uint8
	ExtLoaderType       uint8
	CmdlinePtr          uint32
	InitrdAddrMax       uint32
	KernelAlignment     uint32
	RelocatableKernel   uint8
	MinAlignment        uint8
	XloadFlags          uint16
	CmdlineSize         uint32
	HardwareSubarch     uint32
	HardwareSubarchData uint64
	PayloadOffset       uint32
	PayloadLength       uint32
	SetupData           uint64
	PrefAddress         uint64
	InitSize            uint32
	HandoverOffset      uint32
	KernelInfoOffset    uint32
}

// ErrorSignatureNotMatch is returned when the image has no setup header.
var ErrorSignatureNotMatch = errors.New("signature not match in bzImage")

// Parse reads the setup header of a bzImage.
func Parse(r io.ReaderAt) (*BootProto, error) {
	b := &BootProto{}

	sr := io.NewSectionReader(r, Offset, int64(binary.Size(b)))
	if err := binary.Read(sr, binary.LittleEndian, b); err != nil {
		return b, err
	}

	if b.Header != BootProtoMagicSignature {
		return b, ErrorSignatureNotMatch
	}

	return b, nil
}

// Default is the header a loader hands to a kernel it entered directly in
// 64-bit mode.
func Default() *BootProto {
	return &BootProto{
		BootFlag:        BootFlagMagic,
		Header:          BootProtoMagicSignature,
		TypeOfLoader:    LoaderTypeUndefined,
		LoadFlags:       LoadedHigh | CanUseHeap,
		HeapEndPtr:      HeapEnd,
		KernelAlignment: KernelAlignment,
	}
}

// Bytes serializes the header. It belongs at Offset in the zero page.
func (b *BootProto) Bytes() ([]byte, error) {
	buf := new(bytes.Buffer)

	if err := binary.Write(buf, binary.LittleEndian, b); err != nil {
		return []byte{}, err
	}

	return buf.Bytes(), nil
}
