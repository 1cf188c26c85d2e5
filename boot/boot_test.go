package boot_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobuhiro11/refvmm/boot"
	"github.com/bobuhiro11/refvmm/bootparam"
	"github.com/bobuhiro11/refvmm/ebda"
	"github.com/bobuhiro11/refvmm/loader"
	"github.com/bobuhiro11/refvmm/memory"
)

const himem = 0x100000

type guest struct {
	buf     []byte
	regions []memory.Region
}

func newGuest(sizeMiB uint64) *guest {
	return &guest{buf: make([]byte, 2*memory.MiB), regions: memory.Layout(sizeMiB)}
}

func (g *guest) WriteAt(p []byte, off int64) (int, error) {
	if off+int64(len(p)) > int64(len(g.buf)) {
		return 0, memory.ErrOutOfRange
	}

	return copy(g.buf[off:], p), nil
}

func (g *guest) Regions() []memory.Region {
	return g.regions
}

type fakeLoader struct {
	himem uint64
	err   error
}

func (f *fakeLoader) Load(_ io.WriterAt, _ io.ReaderAt, himem uint64) (loader.Result, error) {
	f.himem = himem

	return loader.Result{Entry: 0x1000000, End: 0x2000000}, f.err
}

func TestConfigure(t *testing.T) {
	t.Parallel()

	g := newGuest(128)
	l := &fakeLoader{}
	cmdline := "console=ttyS0 panic=1"

	res, err := boot.Configure(g, l, strings.NewReader(""), boot.Params{
		Cmdline:    cmdline,
		HimemStart: himem,
		Cores:      2,
	})
	require.NoError(t, err)

	assert.Equal(t, boot.Result{Entry: 0x1000000, KernelEnd: 0x2000000, ZeroPage: 0x7000}, res)
	assert.Equal(t, uint64(himem), l.himem)

	assert.Equal(t, cmdline+"\x00", string(g.buf[0x20000:0x20000+len(cmdline)+1]))

	page := g.buf[0x7000 : 0x7000+bootparam.Size]
	assert.Equal(t, uint16(0xAA55), binary.LittleEndian.Uint16(page[0x1FE:]))
	assert.Equal(t, uint32(0x20000), binary.LittleEndian.Uint32(page[0x228:]), "cmd_line_ptr")
	assert.Equal(t, uint32(len(cmdline)+1), binary.LittleEndian.Uint32(page[0x238:]), "cmdline_size")
	assert.Equal(t, byte(2), page[0x1E8], "e820 entries")

	e820 := make([]bootparam.E820Entry, 2)
	require.NoError(t, binary.Read(bytes.NewReader(page[0x2D0:]), binary.LittleEndian, e820))
	assert.Equal(t, []bootparam.E820Entry{
		{Addr: 0, Size: ebda.Start, Type: bootparam.E820Ram},
		{Addr: himem, Size: 128*memory.MiB - himem, Type: bootparam.E820Ram},
	}, e820)

	assert.Equal(t, "_MP_", string(g.buf[ebda.Start:ebda.Start+4]))
}

func TestConfigureStages(t *testing.T) {
	t.Parallel()

	errLoad := errors.New("bad kernel")

	for _, test := range []struct {
		name   string
		guest  *guest
		loader *fakeLoader
		params boot.Params
		stage  boot.Stage
		want   error
	}{
		{
			name:   "KernelLoad",
			guest:  newGuest(128),
			loader: &fakeLoader{err: errLoad},
			params: boot.Params{HimemStart: himem, Cores: 1},
			stage:  boot.StageKernelLoad,
			want:   errLoad,
		},
		{
			name:   "HimemPastMemory",
			guest:  newGuest(1),
			loader: &fakeLoader{},
			params: boot.Params{HimemStart: himem, Cores: 1},
			stage:  boot.StageBootParam,
			want:   bootparam.ErrHimemPastMemEnd,
		},
		{
			name:   "CmdlineTooLong",
			guest:  newGuest(128),
			loader: &fakeLoader{},
			params: boot.Params{Cmdline: strings.Repeat("a", boot.CmdlineMaxSize), HimemStart: himem, Cores: 1},
			stage:  boot.StageCmdline,
			want:   boot.ErrCmdlineTooLong,
		},
		{
			name:   "CmdlineNUL",
			guest:  newGuest(128),
			loader: &fakeLoader{},
			params: boot.Params{Cmdline: "console=ttyS0\x00", HimemStart: himem, Cores: 1},
			stage:  boot.StageCmdline,
			want:   boot.ErrCmdlineInvalid,
		},
		{
			name:   "TooManyCores",
			guest:  newGuest(128),
			loader: &fakeLoader{},
			params: boot.Params{HimemStart: himem, Cores: ebda.MaxCPUs + 1},
			stage:  boot.StageBootConfigure,
			want:   ebda.ErrTooManyCPUs,
		},
	} {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			_, err := boot.Configure(test.guest, test.loader, strings.NewReader(""), test.params)

			var be *boot.Error

			require.ErrorAs(t, err, &be)
			assert.Equal(t, test.stage, be.Stage)
			assert.ErrorIs(t, err, boot.ErrBoot)
			assert.ErrorIs(t, err, test.want)
		})
	}
}

func TestValidateCmdline(t *testing.T) {
	t.Parallel()

	require.NoError(t, boot.ValidateCmdline(""))
	require.NoError(t, boot.ValidateCmdline(strings.Repeat("a", boot.CmdlineMaxSize-1)))
	assert.ErrorIs(t, boot.ValidateCmdline("tab\there"), boot.ErrCmdlineInvalid)
	assert.ErrorIs(t, boot.ValidateCmdline("caf\xc3\xa9"), boot.ErrCmdlineInvalid)
}

func TestStageString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "BootConfigure", boot.StageBootConfigure.String())
	assert.Equal(t, "Stage(9)", boot.Stage(9).String())
}
