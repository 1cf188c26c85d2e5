// Package loader places an uncompressed x86-64 Linux kernel (vmlinux) into
// guest memory.
package loader

import (
	"debug/elf"
	"errors"
	"fmt"
	"io"

	"github.com/bobuhiro11/refvmm/bootproto"
)

var (
	ErrNotELF            = errors.New("kernel is not an ELF image")
	ErrBzImage           = errors.New("bzImage kernels are not supported, use vmlinux")
	ErrMachine           = errors.New("kernel is not built for x86-64")
	ErrNoLoadSegment     = errors.New("kernel has no loadable segment")
	ErrSegmentBelowHimem = errors.New("kernel segment below himem start")
	ErrSegmentSize       = errors.New("kernel segment file size exceeds memory size")
)

const zeroChunk = 1 << 16

// Result describes a loaded kernel.
type Result struct {
	// Entry is the guest physical address of the 64-bit entry point.
	Entry uint64
	// End is the first guest physical address past the kernel image.
	End uint64
}

// ELF loads the PT_LOAD segments of an ELF kernel at their physical
// addresses.
type ELF struct{}

// Load copies every PT_LOAD segment of kernel into mem and zeroes the part of
// each segment that is not backed by the file. Segments must lie at or above
// himem.
func (ELF) Load(mem io.WriterAt, kernel io.ReaderAt, himem uint64) (Result, error) {
	f, err := elf.NewFile(kernel)
	if err != nil {
		if _, perr := bootproto.Parse(kernel); perr == nil {
			return Result{}, ErrBzImage
		}

		return Result{}, fmt.Errorf("%w: %w", ErrNotELF, err)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 || f.Machine != elf.EM_X86_64 {
		return Result{}, fmt.Errorf("%w: %s %s", ErrMachine, f.Class, f.Machine)
	}

	res := Result{Entry: f.Entry}
	loaded := 0

	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD || p.Memsz == 0 {
			continue
		}

		if p.Paddr < himem {
			return Result{}, fmt.Errorf("%w: %#x < %#x", ErrSegmentBelowHimem, p.Paddr, himem)
		}

		if p.Filesz > p.Memsz {
			return Result{}, fmt.Errorf("%w: %#x > %#x", ErrSegmentSize, p.Filesz, p.Memsz)
		}

		if err := loadSegment(mem, p); err != nil {
			return Result{}, fmt.Errorf("segment at %#x: %w", p.Paddr, err)
		}

		res.End = max(res.End, p.Paddr+p.Memsz)
		loaded++
	}

	if loaded == 0 {
		return Result{}, ErrNoLoadSegment
	}

	return res, nil
}

func loadSegment(mem io.WriterAt, p *elf.Prog) error {
	w := io.NewOffsetWriter(mem, int64(p.Paddr))

	if _, err := io.Copy(w, p.Open()); err != nil {
		return err
	}

	zero := make([]byte, min(zeroChunk, p.Memsz-p.Filesz))

	for left := p.Memsz - p.Filesz; left > 0; {
		n := min(left, uint64(len(zero)))
		if _, err := w.Write(zero[:n]); err != nil {
			return err
		}

		left -= n
	}

	return nil
}
