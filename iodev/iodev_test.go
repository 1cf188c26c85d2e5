package iodev_test

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobuhiro11/refvmm/device"
	"github.com/bobuhiro11/refvmm/iodev"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNoopRangesFitOnBus(t *testing.T) {
	t.Parallel()

	bus := device.NewBus()
	noop := &iodev.Noop{}

	require.NoError(t, bus.Register(noop, iodev.NoopRanges()...))

	data := []byte{0xaa, 0xbb}
	require.NoError(t, bus.Read(0x71, data))
	assert.Equal(t, []byte{0, 0}, data)
	require.NoError(t, bus.Write(0xcfc, data))

	// The legacy devices and the console claim their own ports.
	post := iodev.NewPostCode(discard())
	require.NoError(t, bus.Register(post, post.Ranges()...))

	kbd := iodev.NewI8042(discard(), nil)
	require.NoError(t, bus.Register(kbd, kbd.Ranges()...))
	require.NoError(t, bus.Register(noop, device.Range{Base: 0x3f8, Size: 8}))
}

func TestI8042Reset(t *testing.T) {
	t.Parallel()

	resets := 0
	kbd := iodev.NewI8042(discard(), func() { resets++ })

	data := []byte{0}
	require.NoError(t, kbd.Read(iodev.I8042CommandPort, data))
	assert.Equal(t, byte(0x20), data[0])

	require.NoError(t, kbd.Read(iodev.I8042DataPort, data))
	assert.Equal(t, byte(0), data[0])

	require.NoError(t, kbd.Write(iodev.I8042CommandPort, []byte{0xaa}))
	assert.Zero(t, resets)

	require.NoError(t, kbd.Write(iodev.I8042CommandPort, []byte{0xfe}))
	require.NoError(t, kbd.Write(iodev.I8042CommandPort, []byte{0xfe}))
	assert.Equal(t, 1, resets)

	assert.ErrorIs(t, kbd.Write(iodev.I8042CommandPort, []byte{0xfe, 0}), device.ErrDataLenInvalid)
}

func TestPostCode(t *testing.T) {
	t.Parallel()

	p := iodev.NewPostCode(discard())

	require.NoError(t, p.Write(iodev.PostCodePort, []byte{0x55}))
	assert.ErrorIs(t, p.Write(iodev.PostCodePort, []byte{1, 2}), device.ErrDataLenInvalid)

	data := []byte{9}
	require.NoError(t, p.Read(iodev.PostCodePort, data))
	assert.Equal(t, byte(0), data[0])
}
