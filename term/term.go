// Package term switches the host console between cooked and raw mode.
package term

import (
	"golang.org/x/sys/unix"
	xterm "golang.org/x/term"
)

// IsTerminal reports whether fd is a terminal.
func IsTerminal(fd int) bool {
	return xterm.IsTerminal(fd)
}

// SetRawMode puts fd into raw mode so every key, Ctrl-C included, reaches
// the guest. Output post-processing stays on so host log lines still start
// at column zero. The returned function restores the previous mode.
func SetRawMode(fd int) (func(), error) {
	old, err := xterm.MakeRaw(fd)
	if err != nil {
		return func() {}, err
	}

	restore := func() {
		_ = xterm.Restore(fd, old)
	}

	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		restore()

		return func() {}, err
	}

	t.Oflag |= unix.OPOST | unix.ONLCR

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, t); err != nil {
		restore()

		return func() {}, err
	}

	return restore, nil
}
