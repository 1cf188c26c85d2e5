package iodev

import (
	"log/slog"

	"github.com/bobuhiro11/refvmm/device"
)

// PostCodePort is the BIOS POST diagnostic port.
const PostCodePort = 0x80

// PostCode logs the diagnostic bytes the guest writes to port 0x80.
// Linux also uses the port as an I/O delay.
type PostCode struct {
	logger *slog.Logger
}

// NewPostCode returns a POST code sink logging at debug level.
func NewPostCode(logger *slog.Logger) *PostCode {
	return &PostCode{logger: logger.With("module", "postcode")}
}

// Ranges is the single POST port.
func (p *PostCode) Ranges() []device.Range {
	return []device.Range{{Base: PostCodePort, Size: 1}}
}

func (p *PostCode) Read(_ uint64, data []byte) error {
	clear(data)

	return nil
}

func (p *PostCode) Write(_ uint64, data []byte) error {
	if len(data) != 1 {
		return device.ErrDataLenInvalid
	}

	p.logger.Debug("post code", "value", data[0])

	return nil
}
