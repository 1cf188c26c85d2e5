// Package boot lays out everything a 64-bit Linux kernel expects to find in
// guest memory when it is entered directly, without firmware.
package boot

import (
	"errors"
	"fmt"
	"io"

	"github.com/bobuhiro11/refvmm/bootparam"
	"github.com/bobuhiro11/refvmm/ebda"
	"github.com/bobuhiro11/refvmm/loader"
	"github.com/bobuhiro11/refvmm/memory"
)

// Fixed guest physical addresses of the boot protocol.
const (
	ZeroPageStart  = 0x7000
	CmdlineStart   = 0x20000
	CmdlineMaxSize = 4096
)

var (
	// ErrBoot is matched by every error Configure returns.
	ErrBoot = errors.New("boot configuration failed")

	ErrCmdlineTooLong = errors.New("kernel command line too long")
	ErrCmdlineInvalid = errors.New("kernel command line must be printable ASCII")
)

// Stage names a step of Configure.
type Stage int

const (
	StageKernelLoad Stage = iota
	StageBootParam
	StageCmdline
	StageBootConfigure
)

func (s Stage) String() string {
	switch s {
	case StageKernelLoad:
		return "KernelLoad"
	case StageBootParam:
		return "BootParam"
	case StageCmdline:
		return "Cmdline"
	case StageBootConfigure:
		return "BootConfigure"
	}

	return fmt.Sprintf("Stage(%d)", int(s))
}

// Error reports the stage that failed.
type Error struct {
	Stage Stage
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("boot %s: %v", e.Stage, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is makes every boot error match ErrBoot.
func (e *Error) Is(target error) bool {
	return target == ErrBoot
}

// Memory is guest RAM as the boot code needs it.
type Memory interface {
	io.WriterAt
	Regions() []memory.Region
}

// KernelLoader places a kernel image in guest memory at or above himem.
type KernelLoader interface {
	Load(mem io.WriterAt, kernel io.ReaderAt, himem uint64) (loader.Result, error)
}

// Params configures Configure.
type Params struct {
	Cmdline    string
	HimemStart uint64
	// Cores is the number of processors described in the MP table.
	Cores int
}

// Result is what the cores need to enter the kernel.
type Result struct {
	Entry     uint64
	KernelEnd uint64
	ZeroPage  uint64
}

// Configure loads the kernel, then writes the command line, the zero page
// and the MP table. It stops at the first failing stage.
func Configure(mem Memory, l KernelLoader, kernel io.ReaderAt, p Params) (Result, error) {
	k, err := l.Load(mem, kernel, p.HimemStart)
	if err != nil {
		return Result{}, &Error{Stage: StageKernelLoad, Err: err}
	}

	params, err := bootparam.Build(mem.Regions(), p.HimemStart,
		memory.MMIOGapStart, memory.FirstAddrPast32Bits)
	if err != nil {
		return Result{}, &Error{Stage: StageBootParam, Err: err}
	}

	params.Hdr.CmdlinePtr = CmdlineStart
	params.Hdr.CmdlineSize = uint32(len(p.Cmdline) + 1)

	if err := writeCmdline(mem, p.Cmdline); err != nil {
		return Result{}, &Error{Stage: StageCmdline, Err: err}
	}

	if err := writeBootConfig(mem, params, p.Cores); err != nil {
		return Result{}, &Error{Stage: StageBootConfigure, Err: err}
	}

	return Result{Entry: k.Entry, KernelEnd: k.End, ZeroPage: ZeroPageStart}, nil
}

// ValidateCmdline checks that cmdline fits the buffer with its terminator
// and holds printable ASCII only.
func ValidateCmdline(cmdline string) error {
	if len(cmdline)+1 > CmdlineMaxSize {
		return fmt.Errorf("%w: %d bytes", ErrCmdlineTooLong, len(cmdline)+1)
	}

	for i := 0; i < len(cmdline); i++ {
		if c := cmdline[i]; c < 0x20 || c > 0x7e {
			return fmt.Errorf("%w: byte %#x at %d", ErrCmdlineInvalid, c, i)
		}
	}

	return nil
}

func writeCmdline(mem io.WriterAt, cmdline string) error {
	if err := ValidateCmdline(cmdline); err != nil {
		return err
	}

	_, err := mem.WriteAt(append([]byte(cmdline), 0), CmdlineStart)

	return err
}

func writeBootConfig(mem io.WriterAt, params *bootparam.BootParam, cores int) error {
	zeroPage, err := params.Bytes()
	if err != nil {
		return err
	}

	if _, err := mem.WriteAt(zeroPage, ZeroPageStart); err != nil {
		return err
	}

	mp, err := ebda.New(cores)
	if err != nil {
		return err
	}

	table, err := mp.Bytes()
	if err != nil {
		return err
	}

	_, err = mem.WriteAt(table, ebda.Start)

	return err
}
