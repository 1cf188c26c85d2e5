package kvm

import (
	"errors"

	"golang.org/x/sys/unix"
)

const (
	nrbits   = 8
	typebits = 8
	sizebits = 14

	nrshift   = 0
	typeshift = nrshift + nrbits
	sizeshift = typeshift + typebits
	dirshift  = sizeshift + sizebits

	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	kvmio = 0xAE
)

// IIO is the ioctl number for a request without a payload.
func IIO(nr uintptr) uintptr {
	return ioc(iocNone, nr, 0)
}

// IIOR is the ioctl number for a request the kernel writes to.
func IIOR(nr, size uintptr) uintptr {
	return ioc(iocRead, nr, size)
}

// IIOW is the ioctl number for a request the kernel reads from.
func IIOW(nr, size uintptr) uintptr {
	return ioc(iocWrite, nr, size)
}

// IIOWR is the ioctl number for a request read and written by the kernel.
func IIOWR(nr, size uintptr) uintptr {
	return ioc(iocRead|iocWrite, nr, size)
}

func ioc(dir, nr, size uintptr) uintptr {
	return dir<<dirshift | kvmio<<typeshift | nr<<nrshift | size<<sizeshift
}

// Ioctl issues an ioctl on fd. Interrupted calls are retried, so callers
// never observe EINTR except from Run, which handles it on its own.
func Ioctl(fd, op, arg uintptr) (uintptr, error) {
	for {
		res, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, op, arg)

		if errno == 0 {
			return res, nil
		}

		if errors.Is(errno, unix.EINTR) {
			continue
		}

		return res, errno
	}
}
