package device_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobuhiro11/refvmm/device"
	"github.com/bobuhiro11/refvmm/eventloop"
)

type recorder struct {
	reads  []uint64
	writes []uint64
}

func (r *recorder) Read(port uint64, data []byte) error {
	r.reads = append(r.reads, port)
	data[0] = byte(port)

	return nil
}

func (r *recorder) Write(port uint64, _ []byte) error {
	r.writes = append(r.writes, port)

	return nil
}

func TestBusConflict(t *testing.T) {
	t.Parallel()

	bus := device.NewBus()

	require.NoError(t, bus.Register(&recorder{}, device.Range{Base: 0x3f8, Size: 8}))

	err := bus.Register(&recorder{}, device.Range{Base: 0x3fc, Size: 8})

	var rc *device.RangeConflictError

	require.ErrorAs(t, err, &rc)
	assert.ErrorIs(t, err, device.ErrRangeConflict)
	assert.Equal(t, device.Range{Base: 0x3f8, Size: 8}, rc.Existing)

	require.NoError(t, bus.Register(&recorder{}, device.Range{Base: 0x400, Size: 8}))
}

func TestBusAllOrNothing(t *testing.T) {
	t.Parallel()

	bus := device.NewBus()
	first := &recorder{}

	require.NoError(t, bus.Register(first, device.Range{Base: 0x60, Size: 1}))

	second := &recorder{}
	err := bus.Register(second,
		device.Range{Base: 0x70, Size: 2},
		device.Range{Base: 0x60, Size: 1},
	)
	require.ErrorIs(t, err, device.ErrRangeConflict)

	// The non conflicting range of the failed call was not claimed.
	require.ErrorIs(t, bus.Read(0x70, make([]byte, 1)), device.ErrNoDevice)
}

func TestBusSelfOverlap(t *testing.T) {
	t.Parallel()

	err := device.NewBus().Register(&recorder{},
		device.Range{Base: 0x10, Size: 4},
		device.Range{Base: 0x12, Size: 4},
	)
	assert.ErrorIs(t, err, device.ErrRangeConflict)
}

func TestBusBackendError(t *testing.T) {
	t.Parallel()

	for _, r := range []device.Range{
		{Base: 0x10, Size: 0},
		{Base: 0xfffe, Size: 4},
		{Base: ^uint64(0), Size: 2},
	} {
		err := device.NewBus().Register(&recorder{}, r)

		var be *device.BackendError

		require.ErrorAs(t, err, &be, "%s", r)
		assert.ErrorIs(t, err, device.ErrInvalidRange)
		assert.NotErrorIs(t, err, device.ErrRangeConflict)
	}
}

func TestBusDispatch(t *testing.T) {
	t.Parallel()

	bus := device.NewBus()
	com1, com2 := &recorder{}, &recorder{}

	require.NoError(t, bus.Register(com2, device.Range{Base: 0x2f8, Size: 8}))
	require.NoError(t, bus.Register(com1, device.Range{Base: 0x3f8, Size: 8}))

	data := make([]byte, 1)

	require.NoError(t, bus.Read(0x3fd, data))
	assert.Equal(t, byte(0xfd), data[0])
	require.NoError(t, bus.Write(0x2f8, data))
	require.NoError(t, bus.Write(0x2ff, data))

	assert.Equal(t, []uint64{0x3fd}, com1.reads)
	assert.Equal(t, []uint64{0x2f8, 0x2ff}, com2.writes)

	assert.ErrorIs(t, bus.Write(0x300, data), device.ErrNoDevice)
	assert.ErrorIs(t, bus.Read(0x400, data), device.ErrNoDevice)
}

type line struct {
	gsi   uint32
	fired int
}

func (l *line) Trigger() error {
	l.fired++

	return nil
}

type controller struct {
	lines map[uint32]*line
	fail  error
}

func (c *controller) NewInterruptLine(gsi uint32) (device.Trigger, error) {
	if c.fail != nil {
		return nil, c.fail
	}

	l := &line{gsi: gsi}
	c.lines[gsi] = l

	return l, nil
}

type enroller struct {
	subs []eventloop.Subscriber
	fail error
}

func (e *enroller) Subscribe(s eventloop.Subscriber) error {
	if e.fail != nil {
		return e.fail
	}

	e.subs = append(e.subs, s)

	return nil
}

type uart struct {
	recorder
	irq device.Trigger
}

func (u *uart) IRQ() uint32                      { return 4 }
func (u *uart) AttachInterrupt(t device.Trigger) { u.irq = t }

func (u *uart) Init(eventloop.Ops) error                 { return nil }
func (u *uart) Process(int, uint32, eventloop.Ops) error { return nil }

func TestManagerLifecycle(t *testing.T) {
	t.Parallel()

	m := device.NewManager()
	u := &uart{irq: device.DetachedTrigger()}
	noop := &recorder{}

	require.NoError(t, m.Register("serial", u, device.Range{Base: 0x3f8, Size: 8}))
	require.NoError(t, m.Register("noop", noop, device.Range{Base: 0x80, Size: 1}))

	// Dormant devices already answer port I/O.
	require.NoError(t, m.Bus.Write(0x3f8, []byte{'a'}))
	require.NoError(t, u.irq.Trigger())

	for _, e := range m.Entries() {
		assert.Equal(t, device.Dormant, e.State, e.Name)
	}

	ic := &controller{lines: map[uint32]*line{}}
	en := &enroller{}

	require.NoError(t, m.Activate(ic, en))

	for _, e := range m.Entries() {
		assert.Equal(t, device.Active, e.State, e.Name)
	}

	require.Contains(t, ic.lines, uint32(4))
	require.NoError(t, u.irq.Trigger())
	assert.Equal(t, 1, ic.lines[4].fired)
	assert.Equal(t, []eventloop.Subscriber{u}, en.subs)

	assert.ErrorIs(t, m.Activate(ic, en), device.ErrAlreadyActive)
	assert.Len(t, en.subs, 1, "a second activation must not enroll again")

	err := m.Register("late", &recorder{}, device.Range{Base: 0x500, Size: 1})
	assert.ErrorIs(t, err, device.ErrRegistrationClosed)
}

func TestManagerActivationFailure(t *testing.T) {
	t.Parallel()

	errNoGSI := errors.New("no gsi")

	for _, test := range []struct {
		name string
		ic   *controller
		en   *enroller
	}{
		{
			name: "InterruptLine",
			ic:   &controller{lines: map[uint32]*line{}, fail: errNoGSI},
			en:   &enroller{},
		},
		{
			name: "Subscribe",
			ic:   &controller{lines: map[uint32]*line{}},
			en:   &enroller{fail: errNoGSI},
		},
	} {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			m := device.NewManager()
			require.NoError(t, m.Register("serial", &uart{}, device.Range{Base: 0x3f8, Size: 8}))

			err := m.Activate(test.ic, test.en)

			var ae *device.ActivationError

			require.ErrorAs(t, err, &ae)
			assert.Equal(t, "serial", ae.Device)
			assert.ErrorIs(t, err, errNoGSI)
			assert.Equal(t, device.Dormant, m.Entries()[0].State)
			assert.ErrorIs(t, m.Activate(test.ic, test.en), device.ErrAlreadyActive)
		})
	}
}

func TestManagerEntriesOwnRanges(t *testing.T) {
	t.Parallel()

	m := device.NewManager()
	ranges := []device.Range{{Base: 0x60, Size: 1}, {Base: 0x64, Size: 1}}

	require.NoError(t, m.Register("i8042", &recorder{}, ranges...))

	ranges[0].Base = 0x70

	got := m.Entries()
	require.Len(t, got, 1)
	assert.Equal(t, device.Range{Base: 0x60, Size: 1}, got[0].Ranges[0], "registration copies the ranges")

	got[0].Ranges[1].Base = 0x80
	assert.Equal(t, device.Range{Base: 0x64, Size: 1}, m.Entries()[0].Ranges[1], "entries are snapshots")
}

func TestStateString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "dormant", device.Dormant.String())
	assert.Equal(t, "active", device.Active.String())
}
