// Package eventloop runs the single control thread that dispatches
// asynchronous device events for the lifetime of a guest.
package eventloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sys/unix"
)

const maxEvents = 32

var (
	// ErrPoll is matched by failures of the poller itself. They are fatal.
	ErrPoll = errors.New("event poll failed")

	// ErrUnknownFd is reported for readiness on an fd nobody owns.
	ErrUnknownFd = errors.New("no subscriber for fd")
)

// Ops lets a subscriber manage the fds it is interested in.
type Ops interface {
	Add(fd int, events uint32) error
	Remove(fd int) error
}

// Subscriber is a device that reacts to fd readiness on the loop thread.
type Subscriber interface {
	// Init registers the subscriber's fds.
	Init(ops Ops) error
	// Process handles readiness of one fd.
	Process(fd int, events uint32, ops Ops) error
}

// EventError collects the handler failures of one iteration. It is not
// fatal.
type EventError struct {
	Errs []error
}

func (e *EventError) Error() string {
	return "event handling: " + errors.Join(e.Errs...).Error()
}

func (e *EventError) Unwrap() []error {
	return e.Errs
}

// Loop dispatches poller readiness to subscribers.
type Loop struct {
	poller Poller
	logger *slog.Logger
	events []Event

	mu   sync.Mutex
	subs map[int]Subscriber
}

// New returns a loop over a fresh epoll instance.
func New(logger *slog.Logger) (*Loop, error) {
	p, err := NewEpoll()
	if err != nil {
		return nil, err
	}

	return NewWithPoller(p, logger), nil
}

// NewWithPoller returns a loop over p. The loop owns p.
func NewWithPoller(p Poller, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}

	return &Loop{
		poller: p,
		logger: logger.With("module", "eventloop"),
		events: make([]Event, maxEvents),
		subs:   make(map[int]Subscriber),
	}
}

type subscriberOps struct {
	l   *Loop
	sub Subscriber
	// fds added through this value
	added []int
}

func (o *subscriberOps) Add(fd int, events uint32) error {
	o.l.mu.Lock()
	defer o.l.mu.Unlock()

	if _, ok := o.l.subs[fd]; ok {
		return fmt.Errorf("fd %d: %w", fd, unix.EEXIST)
	}

	if err := o.l.poller.Add(fd, events); err != nil {
		return err
	}

	o.l.subs[fd] = o.sub
	o.added = append(o.added, fd)

	return nil
}

func (o *subscriberOps) Remove(fd int) error {
	o.l.mu.Lock()
	defer o.l.mu.Unlock()

	if o.l.subs[fd] != o.sub {
		return fmt.Errorf("fd %d: %w", fd, ErrUnknownFd)
	}

	delete(o.l.subs, fd)

	return o.l.poller.Remove(fd)
}

// Subscribe enrolls s, which registers its fds through Init. If Init fails,
// the fds it already added are removed again.
func (l *Loop) Subscribe(s Subscriber) error {
	ops := &subscriberOps{l: l, sub: s}

	if err := s.Init(ops); err != nil {
		for _, fd := range ops.added {
			// fds the subscriber removed itself report ErrUnknownFd.
			if rerr := ops.Remove(fd); rerr != nil && !errors.Is(rerr, ErrUnknownFd) {
				l.logger.Warn("remove after failed init", "fd", fd, "error", rerr)
			}
		}

		return err
	}

	return nil
}

// RunOnce waits up to timeoutMs for one batch of events and dispatches it.
// Handler failures come back as *EventError. Poller failures match ErrPoll.
func (l *Loop) RunOnce(timeoutMs int) error {
	n, err := l.poller.Wait(l.events, timeoutMs)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil
		}

		return fmt.Errorf("%w: %w", ErrPoll, err)
	}

	var errs []error

	for _, ev := range l.events[:n] {
		l.mu.Lock()
		sub, ok := l.subs[ev.Fd]
		l.mu.Unlock()

		if !ok {
			errs = append(errs, fmt.Errorf("fd %d: %w", ev.Fd, ErrUnknownFd))

			continue
		}

		if err := sub.Process(ev.Fd, ev.Events, &subscriberOps{l: l, sub: sub}); err != nil {
			errs = append(errs, fmt.Errorf("fd %d: %w", ev.Fd, err))
		}
	}

	if len(errs) > 0 {
		return &EventError{Errs: errs}
	}

	return nil
}

// Run dispatches events until ctx is done or the poller fails. Handler
// failures are logged and the loop carries on.
func (l *Loop) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		if err := l.poller.Wake(); err != nil {
			l.logger.Error("wake", "error", err)
		}
	})
	defer stop()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := l.RunOnce(-1)

		var eventErr *EventError

		switch {
		case err == nil:
		case errors.As(err, &eventErr):
			l.logger.Warn("event handling failed", "error", err)
		default:
			return err
		}
	}
}

// Close releases the poller.
func (l *Loop) Close() error {
	return l.poller.Close()
}
