package iodev

import (
	"log/slog"
	"sync"

	"github.com/bobuhiro11/refvmm/device"
)

const (
	// I8042DataPort and I8042CommandPort are the keyboard controller ports.
	I8042DataPort    = 0x60
	I8042CommandPort = 0x64

	i8042StatusSystemFlag = 0x20
	i8042CmdReset         = 0xfe
)

// I8042 is the keyboard controller, reduced to the CPU reset line. With
// reboot=t Linux resets through a triple fault, and this catches the
// controller path as well.
type I8042 struct {
	logger *slog.Logger

	once    sync.Once
	onReset func()
}

// NewI8042 returns a controller that calls onReset when the guest pulses
// the reset line. onReset runs at most once.
func NewI8042(logger *slog.Logger, onReset func()) *I8042 {
	return &I8042{
		logger:  logger.With("module", "i8042"),
		onReset: onReset,
	}
}

// Ranges are the data and command ports.
func (i *I8042) Ranges() []device.Range {
	return []device.Range{
		{Base: I8042DataPort, Size: 1},
		{Base: I8042CommandPort, Size: 1},
	}
}

func (i *I8042) Read(port uint64, data []byte) error {
	if len(data) != 1 {
		return device.ErrDataLenInvalid
	}

	data[0] = 0

	if port == I8042CommandPort {
		data[0] = i8042StatusSystemFlag
	}

	return nil
}

func (i *I8042) Write(port uint64, data []byte) error {
	if len(data) != 1 {
		return device.ErrDataLenInvalid
	}

	if port == I8042CommandPort && data[0] == i8042CmdReset {
		i.logger.Info("guest requested reset")

		if i.onReset != nil {
			i.once.Do(i.onReset)
		}
	}

	return nil
}
