package eventloop

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Readiness bits reported to subscribers.
const (
	EventIn  = unix.EPOLLIN
	EventOut = unix.EPOLLOUT
	EventErr = unix.EPOLLERR
	EventHup = unix.EPOLLHUP
)

// Event is one ready file descriptor.
type Event struct {
	Fd     int
	Events uint32
}

// Poller is the readiness notification primitive under a Loop.
type Poller interface {
	Add(fd int, events uint32) error
	Remove(fd int) error
	// Wait fills buf with ready events. A negative timeout blocks until an
	// event arrives or Wake is called.
	Wait(buf []Event, timeoutMs int) (int, error)
	// Wake makes a blocked Wait return. It is safe from any goroutine.
	Wake() error
	Close() error
}

type epollPoller struct {
	epfd   int
	wakefd int
	raw    []unix.EpollEvent
}

// NewEpoll returns a Poller backed by epoll with an eventfd for wakeups.
func NewEpoll() (Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("EpollCreate1: %w", err)
	}

	wakefd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		_ = unix.Close(epfd)

		return nil, fmt.Errorf("Eventfd: %w", err)
	}

	p := &epollPoller{epfd: epfd, wakefd: wakefd}

	if err := p.Add(wakefd, EventIn); err != nil {
		_ = p.Close()

		return nil, err
	}

	return p, nil
}

func (p *epollPoller) Add(fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}

	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("EpollCtl add %d: %w", fd, err)
	}

	return nil
}

func (p *epollPoller) Remove(fd int) error {
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("EpollCtl del %d: %w", fd, err)
	}

	return nil
}

func (p *epollPoller) Wait(buf []Event, timeoutMs int) (int, error) {
	if cap(p.raw) < len(buf) {
		p.raw = make([]unix.EpollEvent, len(buf))
	}

	raw := p.raw[:len(buf)]

	n, err := unix.EpollWait(p.epfd, raw, timeoutMs)
	if err != nil {
		return 0, err
	}

	out := 0

	for _, ev := range raw[:n] {
		if int(ev.Fd) == p.wakefd {
			p.drain()

			continue
		}

		buf[out] = Event{Fd: int(ev.Fd), Events: ev.Events}
		out++
	}

	return out, nil
}

func (p *epollPoller) drain() {
	var b [8]byte

	for {
		if _, err := unix.Read(p.wakefd, b[:]); err != nil {
			return
		}
	}
}

func (p *epollPoller) Wake() error {
	var b [8]byte

	binary.LittleEndian.PutUint64(b[:], 1)

	_, err := unix.Write(p.wakefd, b[:])
	if errors.Is(err, unix.EAGAIN) {
		// Counter saturated, a wakeup is already pending.
		return nil
	}

	return err
}

func (p *epollPoller) Close() error {
	return errors.Join(unix.Close(p.wakefd), unix.Close(p.epfd))
}
