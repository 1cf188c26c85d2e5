// Package serial emulates the subset of a 16550 UART a Linux console needs.
package serial

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/bobuhiro11/refvmm/device"
	"github.com/bobuhiro11/refvmm/eventloop"
)

const (
	// COM1Addr is the first port of COM1.
	COM1Addr = 0x03f8
	// Size is the number of ports the UART decodes.
	Size = 8
	// IRQ is the GSI of COM1.
	IRQ = 4
	// FIFOSize bounds buffered guest input.
	FIFOSize = 64

	// EscapeChar followed by ExitChar asks the host to stop the guest.
	EscapeChar = 0x01 // Ctrl-A
	ExitChar   = 'x'
)

// register offsets
const (
	regData = 0 // RBR, THR, DLL
	regIER  = 1 // IER, DLM
	regIIR  = 2 // IIR on read, FCR on write
	regLCR  = 3
	regMCR  = 4
	regLSR  = 5
	regMSR  = 6
	regSCR  = 7
)

const (
	ierRDA  = 0x01
	ierTHRE = 0x02

	iirNoInt    = 0x01
	iirTHRE     = 0x02
	iirRDA      = 0x04
	iirFIFOBits = 0xc0

	fcrEnable  = 0x01
	fcrClearRX = 0x02

	lcrDLAB = 0x80

	mcrLoop = 0x10

	lsrDR   = 0x01
	lsrOE   = 0x02
	lsrTHRE = 0x20
	lsrTEMT = 0x40

	msrDCD = 0x80
	msrDSR = 0x20
	msrCTS = 0x10

	// 115200 baud
	defaultDLL = 0x01
)

// Option configures a Serial.
type Option func(*Serial)

// WithInput sets the host file guest input is read from.
func WithInput(f *os.File) Option {
	return func(s *Serial) {
		s.in = f
	}
}

// WithExitHandler sets the function called on the escape sequence.
func WithExitHandler(fn func()) Option {
	return func(s *Serial) {
		s.onExit = fn
	}
}

// WithLogger sets the logger for register accesses that are not decoded.
func WithLogger(l *slog.Logger) Option {
	return func(s *Serial) {
		s.logger = l
	}
}

// Serial is a 16550 UART on COM1. It is shared by vcpu threads doing port
// I/O, the event loop feeding input and the interrupt path, so all state is
// under mu.
type Serial struct {
	out    io.Writer
	in     *os.File
	onExit func()
	logger *slog.Logger

	mu         sync.Mutex
	irq        device.Trigger
	ier        byte
	lcr        byte
	mcr        byte
	lsr        byte
	scr        byte
	dll        byte
	dlm        byte
	fifo       bool
	thrPending bool
	escaped    bool
	rx         []byte
}

// New returns a UART writing guest output to out.
func New(out io.Writer, opts ...Option) *Serial {
	s := &Serial{
		out:    out,
		logger: slog.Default(),
		irq:    device.DetachedTrigger(),
		lsr:    lsrTHRE | lsrTEMT,
		dll:    defaultDLL,
		rx:     make([]byte, 0, FIFOSize),
	}

	for _, o := range opts {
		o(s)
	}

	s.logger = s.logger.With("module", "serial")

	return s
}

// Ranges are the ports the UART claims.
func (s *Serial) Ranges() []device.Range {
	return []device.Range{{Base: COM1Addr, Size: Size}}
}

// IRQ implements device.InterruptSource.
func (s *Serial) IRQ() uint32 {
	return IRQ
}

// AttachInterrupt implements device.InterruptSource.
func (s *Serial) AttachInterrupt(t device.Trigger) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.irq = t
}

func (s *Serial) dlab() bool {
	return s.lcr&lcrDLAB != 0
}

// Read handles IN from the guest.
func (s *Serial) Read(port uint64, data []byte) error {
	if len(data) == 0 {
		return device.ErrDataLenInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch off := port - COM1Addr; {
	case off == regData && s.dlab():
		data[0] = s.dll
	case off == regData:
		data[0] = s.pop()
	case off == regIER && s.dlab():
		data[0] = s.dlm
	case off == regIER:
		data[0] = s.ier
	case off == regIIR:
		data[0] = s.iir()
		if data[0]&0x0f == iirTHRE {
			s.thrPending = false
		}
	case off == regLCR:
		data[0] = s.lcr
	case off == regMCR:
		data[0] = s.mcr
	case off == regLSR:
		data[0] = s.lineStatus()
		s.lsr &^= lsrOE
	case off == regMSR:
		data[0] = s.modemStatus()
	case off == regSCR:
		data[0] = s.scr
	}

	return nil
}

// Write handles OUT from the guest.
func (s *Serial) Write(port uint64, data []byte) error {
	if len(data) == 0 {
		return device.ErrDataLenInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	v := data[0]

	switch off := port - COM1Addr; {
	case off == regData && s.dlab():
		s.dll = v
	case off == regData:
		s.transmit(v)
	case off == regIER && s.dlab():
		s.dlm = v
	case off == regIER:
		if v&ierTHRE != 0 && s.ier&ierTHRE == 0 {
			// THR is always empty, so enabling the interrupt raises it.
			s.thrPending = true
		}

		s.ier = v & 0x0f
	case off == regIIR:
		s.fifo = v&fcrEnable != 0
		if v&fcrClearRX != 0 {
			s.rx = s.rx[:0]
		}
	case off == regLCR:
		s.lcr = v
	case off == regMCR:
		s.mcr = v
	case off == regSCR:
		s.scr = v
	default:
		s.logger.Debug("write to read only register", "port", port, "value", v)
	}

	return s.update()
}

func (s *Serial) transmit(v byte) {
	if s.mcr&mcrLoop != 0 {
		s.push(v)
	} else if _, err := s.out.Write([]byte{v}); err != nil {
		s.logger.Warn("console output", "error", err)
	}

	s.thrPending = true
}

func (s *Serial) pop() byte {
	if len(s.rx) == 0 {
		return 0
	}

	v := s.rx[0]
	s.rx = append(s.rx[:0], s.rx[1:]...)

	return v
}

func (s *Serial) push(v byte) {
	if len(s.rx) >= FIFOSize {
		s.lsr |= lsrOE

		return
	}

	s.rx = append(s.rx, v)
}

func (s *Serial) iir() byte {
	var v byte = iirNoInt

	switch {
	case s.ier&ierRDA != 0 && len(s.rx) > 0:
		v = iirRDA
	case s.ier&ierTHRE != 0 && s.thrPending:
		v = iirTHRE
	}

	if s.fifo {
		v |= iirFIFOBits
	}

	return v
}

func (s *Serial) lineStatus() byte {
	v := s.lsr
	if len(s.rx) > 0 {
		v |= lsrDR
	}

	return v
}

func (s *Serial) modemStatus() byte {
	if s.mcr&mcrLoop != 0 {
		// DTR, RTS, OUT1 and OUT2 loop back to DSR, CTS, RI and DCD.
		return (s.mcr&0x01)<<5 | (s.mcr&0x02)<<3 | (s.mcr&0x04)<<4 | (s.mcr&0x08)<<4
	}

	return msrDCD | msrDSR | msrCTS
}

func (s *Serial) update() error {
	if s.iir()&iirNoInt != 0 {
		return nil
	}

	return s.irq.Trigger()
}

// Enqueue feeds host input to the guest, handling the escape sequence.
// Bytes past a full FIFO are dropped and flagged as overrun.
func (s *Serial) Enqueue(b []byte) error {
	exit := false

	s.mu.Lock()

	for _, v := range b {
		switch {
		case s.escaped && v == ExitChar:
			exit = true
		case s.escaped && v != EscapeChar:
			s.push(EscapeChar)
			s.push(v)
		case v == EscapeChar && !s.escaped:
			s.escaped = true

			continue
		default:
			s.push(v)
		}

		s.escaped = false
	}

	err := s.update()

	s.mu.Unlock()

	if exit && s.onExit != nil {
		s.onExit()
	}

	return err
}

// Init implements eventloop.Subscriber.
func (s *Serial) Init(ops eventloop.Ops) error {
	if s.in == nil {
		return nil
	}

	return ops.Add(int(s.in.Fd()), eventloop.EventIn)
}

// Process implements eventloop.Subscriber. It reads what the input has and
// stops watching it on EOF or hangup.
func (s *Serial) Process(fd int, events uint32, ops eventloop.Ops) error {
	buf := make([]byte, FIFOSize)

	n, err := unix.Read(fd, buf)
	if err != nil && !errors.Is(err, unix.EAGAIN) {
		return err
	}

	if n <= 0 {
		if events&(eventloop.EventHup|eventloop.EventErr) != 0 || err == nil {
			return ops.Remove(fd)
		}

		return nil
	}

	return s.Enqueue(buf[:n])
}
