package bootparam_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobuhiro11/refvmm/bootparam"
	"github.com/bobuhiro11/refvmm/memory"
)

func decodeE820(t *testing.T, page []byte) []bootparam.E820Entry {
	t.Helper()

	entries := make([]bootparam.E820Entry, page[0x1E8])
	reader := bytes.NewReader(page[0x2D0:])

	require.NoError(t, binary.Read(reader, binary.LittleEndian, entries))

	return entries
}

func TestBytes(t *testing.T) {
	t.Parallel()

	b := bootparam.New()
	require.NoError(t, b.AddE820Entry(
		0x1234567812345678,
		0xabcdefabcdefabcd,
		bootparam.E820Ram,
	))

	page, err := b.Bytes()
	require.NoError(t, err)
	require.Len(t, page, bootparam.Size)

	assert.Equal(t, []bootparam.E820Entry{{
		Addr: 0x1234567812345678,
		Size: 0xabcdefabcdefabcd,
		Type: bootparam.E820Ram,
	}}, decodeE820(t, page))

	assert.Equal(t, uint32(0x53726448), binary.LittleEndian.Uint32(page[0x202:]))
}

func TestE820Full(t *testing.T) {
	t.Parallel()

	b := bootparam.New()

	for i := 0; i < bootparam.E820Max; i++ {
		require.NoError(t, b.AddE820Entry(uint64(i), 1, bootparam.E820Ram))
	}

	assert.ErrorIs(t, b.AddE820Entry(0, 1, bootparam.E820Ram), bootparam.ErrE820Full)
}

func TestBuild(t *testing.T) {
	t.Parallel()

	const himem = 0x100000

	for _, test := range []struct {
		name    string
		sizeMiB uint64
		want    []bootparam.E820Entry
	}{
		{
			name:    "BelowGap",
			sizeMiB: 128,
			want: []bootparam.E820Entry{
				{Addr: 0, Size: 0x9fc00, Type: bootparam.E820Ram},
				{Addr: himem, Size: 128<<20 - himem, Type: bootparam.E820Ram},
			},
		},
		{
			name:    "AroundGap",
			sizeMiB: 4096,
			want: []bootparam.E820Entry{
				{Addr: 0, Size: 0x9fc00, Type: bootparam.E820Ram},
				{Addr: himem, Size: memory.MMIOGapStart - himem, Type: bootparam.E820Ram},
				{Addr: memory.FirstAddrPast32Bits, Size: 1 << 30, Type: bootparam.E820Ram},
			},
		},
	} {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			b, err := bootparam.Build(memory.Layout(test.sizeMiB), himem,
				memory.MMIOGapStart, memory.FirstAddrPast32Bits)
			require.NoError(t, err)

			page, err := b.Bytes()
			require.NoError(t, err)
			assert.Equal(t, test.want, decodeE820(t, page))
		})
	}
}

func TestBuildHimemErrors(t *testing.T) {
	t.Parallel()

	_, err := bootparam.Build(memory.Layout(1), 0x200000,
		memory.MMIOGapStart, memory.FirstAddrPast32Bits)
	assert.ErrorIs(t, err, bootparam.ErrHimemPastMemEnd)

	_, err = bootparam.Build(memory.Layout(4096), memory.MMIOGapStart,
		memory.MMIOGapStart, memory.FirstAddrPast32Bits)
	assert.ErrorIs(t, err, bootparam.ErrHimemPastMMIOGap)
}
