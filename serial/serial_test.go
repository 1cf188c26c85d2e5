package serial_test

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobuhiro11/refvmm/device"
	"github.com/bobuhiro11/refvmm/eventloop"
	"github.com/bobuhiro11/refvmm/serial"
)

const (
	thr = serial.COM1Addr + 0
	ier = serial.COM1Addr + 1
	iir = serial.COM1Addr + 2
	lcr = serial.COM1Addr + 3
	mcr = serial.COM1Addr + 4
	lsr = serial.COM1Addr + 5
	msr = serial.COM1Addr + 6
	scr = serial.COM1Addr + 7
)

type counter struct {
	n int
}

func (c *counter) Trigger() error {
	c.n++

	return nil
}

func read(t *testing.T, s *serial.Serial, port uint64) byte {
	t.Helper()

	data := []byte{0}
	require.NoError(t, s.Read(port, data))

	return data[0]
}

func write(t *testing.T, s *serial.Serial, port uint64, v byte) {
	t.Helper()

	require.NoError(t, s.Write(port, []byte{v}))
}

func TestOutput(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer

	s := serial.New(&out)

	for _, c := range []byte("hello\n") {
		write(t, s, thr, c)
	}

	assert.Equal(t, "hello\n", out.String())
	assert.Equal(t, byte(0x60), read(t, s, lsr), "THR and transmitter empty")
}

func TestDivisorLatch(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer

	s := serial.New(&out)

	write(t, s, lcr, 0x83)
	write(t, s, thr, 0x0c)
	write(t, s, ier, 0x00)
	assert.Equal(t, byte(0x0c), read(t, s, thr))
	write(t, s, lcr, 0x03)

	assert.Empty(t, out.String(), "divisor writes are not output")
	assert.Equal(t, byte(0x03), read(t, s, lcr))
}

func TestScratchAndLoopback(t *testing.T) {
	t.Parallel()

	s := serial.New(&bytes.Buffer{})

	write(t, s, scr, 0xa5)
	assert.Equal(t, byte(0xa5), read(t, s, scr))

	write(t, s, mcr, 0x10)
	assert.Equal(t, byte(0x00), read(t, s, msr)&0xf0)

	write(t, s, mcr, 0x1f)
	assert.Equal(t, byte(0xf0), read(t, s, msr)&0xf0)

	write(t, s, thr, 'z')
	assert.Equal(t, byte(0x01), read(t, s, lsr)&0x01)
	assert.Equal(t, byte('z'), read(t, s, thr))

	write(t, s, mcr, 0x0b)
	assert.Equal(t, byte(0xb0), read(t, s, msr))
}

func TestInterrupts(t *testing.T) {
	t.Parallel()

	s := serial.New(&bytes.Buffer{})
	c := &counter{}
	s.AttachInterrupt(c)

	assert.Equal(t, uint32(4), s.IRQ())
	assert.Equal(t, byte(0x01), read(t, s, iir), "nothing pending")

	write(t, s, ier, 0x02)
	assert.Equal(t, 1, c.n, "enabling THRE raises the line")
	assert.Equal(t, byte(0x02), read(t, s, iir))
	assert.Equal(t, byte(0x01), read(t, s, iir), "reading IIR clears THRE")

	write(t, s, ier, 0x01)
	require.NoError(t, s.Enqueue([]byte("ab")))
	assert.Equal(t, 2, c.n)
	assert.Equal(t, byte(0x04), read(t, s, iir))
	assert.Equal(t, byte(0x01), read(t, s, lsr)&0x01)
	assert.Equal(t, byte('a'), read(t, s, thr))
	assert.Equal(t, byte('b'), read(t, s, thr))
	assert.Equal(t, byte(0x00), read(t, s, lsr)&0x01)
	assert.Equal(t, byte(0x01), read(t, s, iir))

	write(t, s, iir, 0x01)
	assert.Equal(t, byte(0xc1), read(t, s, iir), "FIFO enabled bits")
}

func TestFIFOOverrun(t *testing.T) {
	t.Parallel()

	s := serial.New(&bytes.Buffer{})

	require.NoError(t, s.Enqueue(bytes.Repeat([]byte{'q'}, serial.FIFOSize+3)))

	assert.Equal(t, byte(0x03), read(t, s, lsr)&0x03, "data ready and overrun")
	assert.Equal(t, byte(0x01), read(t, s, lsr)&0x03, "overrun clears on read")

	for i := 0; i < serial.FIFOSize; i++ {
		assert.Equal(t, byte('q'), read(t, s, thr))
	}

	assert.Equal(t, byte(0x00), read(t, s, lsr)&0x01)
}

func TestEscapeSequence(t *testing.T) {
	t.Parallel()

	exited := 0
	s := serial.New(&bytes.Buffer{}, serial.WithExitHandler(func() { exited++ }))

	require.NoError(t, s.Enqueue([]byte{serial.EscapeChar, serial.EscapeChar, 'k', serial.EscapeChar}))
	assert.Zero(t, exited)
	assert.Equal(t, byte(serial.EscapeChar), read(t, s, thr))
	assert.Equal(t, byte('k'), read(t, s, thr))

	// The escape spans two reads.
	require.NoError(t, s.Enqueue([]byte{serial.ExitChar}))
	assert.Equal(t, 1, exited)
	assert.Equal(t, byte(0x00), read(t, s, lsr)&0x01, "the sequence is not forwarded")
}

type ops struct {
	added   []int
	removed []int
}

func (o *ops) Add(fd int, _ uint32) error {
	o.added = append(o.added, fd)

	return nil
}

func (o *ops) Remove(fd int) error {
	o.removed = append(o.removed, fd)

	return nil
}

func TestSubscriber(t *testing.T) {
	t.Parallel()

	r, w, err := os.Pipe()
	require.NoError(t, err)

	defer r.Close()

	s := serial.New(&bytes.Buffer{}, serial.WithInput(r))

	var _ eventloop.Subscriber = s

	var _ device.InterruptSource = s

	o := &ops{}
	require.NoError(t, s.Init(o))
	require.Len(t, o.added, 1)

	fd := o.added[0]

	_, err = w.Write([]byte("ls\n"))
	require.NoError(t, err)
	require.NoError(t, s.Process(fd, eventloop.EventIn, o))

	assert.Equal(t, byte('l'), read(t, s, thr))
	assert.Equal(t, byte('s'), read(t, s, thr))
	assert.Equal(t, byte('\n'), read(t, s, thr))

	require.NoError(t, w.Close())
	require.NoError(t, s.Process(fd, eventloop.EventHup, o))
	assert.Equal(t, []int{fd}, o.removed)
}

func TestNoInput(t *testing.T) {
	t.Parallel()

	o := &ops{}
	require.NoError(t, serial.New(&bytes.Buffer{}).Init(o))
	assert.Empty(t, o.added)
}
