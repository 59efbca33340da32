// Package eventloop implements the single-threaded epoll reactor that
// drives a vhost-user device: it multiplexes kick eventfds from every
// virtqueue plus the control socket, and lets other goroutines schedule
// one-shot "bottom half" closures to run on the loop's own thread instead of
// touching queue state concurrently.
package eventloop

import (
	"errors"
	"fmt"
	"sync"
	"syscall"

	"github.com/wrfsh/vhostd/vhost/eventfd"
	"golang.org/x/sys/unix"
)

// ErrTerminated is returned by Run once Terminate has been called.
var ErrTerminated = errors.New("event loop terminated")

// Callback is invoked on the event loop's own goroutine when its
// registered file descriptor becomes readable. The implementation does not
// drain the fd itself; callbacks that wrap an eventfd are expected to call
// Clear themselves once they've consumed whatever the signal was for.
type Callback func()

type registration struct {
	fd int
	cb Callback
}

// EventLoop is a single-threaded epoll reactor. All registered callbacks
// and every scheduled bottom half run on whichever goroutine calls Run; it
// is not meant to be run concurrently from more than one goroutine.
type EventLoop struct {
	epollFD int

	// bh is kicked by ScheduleOneshot to wake Run out of epoll_wait when a
	// bottom half is queued from another thread.
	bh eventfd.EventFD
	// term is kicked by Terminate for the same reason.
	term eventfd.EventFD

	mu     sync.Mutex
	regs   map[int]Callback
	queue  []func()
	termed bool
}

// New creates an EventLoop. Call Close once Run has returned.
func New() (*EventLoop, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}

	el := &EventLoop{
		epollFD: fd,
		regs:    make(map[int]Callback),
	}

	if el.bh, err = eventfd.New(); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("create bottom-half eventfd: %w", err)
	}
	if el.term, err = eventfd.New(); err != nil {
		_ = el.bh.Close()
		_ = unix.Close(fd)
		return nil, fmt.Errorf("create terminate eventfd: %w", err)
	}

	if err = el.addEpoll(el.bh.FD()); err != nil {
		_ = el.Close()
		return nil, err
	}
	if err = el.addEpoll(el.term.FD()); err != nil {
		_ = el.Close()
		return nil, err
	}

	return el, nil
}

func (el *EventLoop) addEpoll(fd int) error {
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	return unix.EpollCtl(el.epollFD, unix.EPOLL_CTL_ADD, fd, &ev)
}

// AddFD registers fd so that cb runs on the loop's goroutine whenever it
// becomes readable. Must be called from the loop's own goroutine (e.g. from
// within a scheduled bottom half) once the loop is running, to avoid racing
// epoll_wait.
func (el *EventLoop) AddFD(fd int, cb Callback) error {
	if err := el.addEpoll(fd); err != nil {
		return fmt.Errorf("register fd %d: %w", fd, err)
	}
	el.mu.Lock()
	el.regs[fd] = cb
	el.mu.Unlock()
	return nil
}

// RemoveFD unregisters a previously added file descriptor.
func (el *EventLoop) RemoveFD(fd int) error {
	el.mu.Lock()
	delete(el.regs, fd)
	el.mu.Unlock()
	return unix.EpollCtl(el.epollFD, unix.EPOLL_CTL_DEL, fd, nil)
}

// ScheduleOneshot queues fn to run exactly once on the event loop's
// goroutine and wakes the loop if it is currently blocked in epoll_wait.
// Safe to call from any goroutine. Bottom halves run in the order they were
// scheduled.
func (el *EventLoop) ScheduleOneshot(fn func()) {
	el.mu.Lock()
	el.queue = append(el.queue, fn)
	el.mu.Unlock()
	_ = el.bh.Kick()
}

// Terminate asks Run to return ErrTerminated as soon as it next wakes up.
// Safe to call from any goroutine, including from within a bottom half.
func (el *EventLoop) Terminate() {
	el.mu.Lock()
	el.termed = true
	el.mu.Unlock()
	_ = el.term.Kick()
}

// Run blocks, dispatching fd callbacks and bottom halves, until Terminate
// is called. It always returns ErrTerminated on a clean shutdown.
func (el *EventLoop) Run() error {
	events := make([]unix.EpollEvent, 64)
	for {
		n, err := unix.EpollWait(el.epollFD, events, -1)
		if err != nil {
			if err == syscall.EINTR {
				continue
			}
			return fmt.Errorf("epoll_wait: %w", err)
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			switch fd {
			case el.bh.FD():
				_ = el.bh.Clear()
				el.runBottomHalves()
			case el.term.FD():
				_ = el.term.Clear()
			default:
				el.mu.Lock()
				cb := el.regs[fd]
				el.mu.Unlock()
				if cb != nil {
					cb()
				}
			}
		}

		el.mu.Lock()
		done := el.termed
		el.mu.Unlock()
		if done {
			return ErrTerminated
		}
	}
}

func (el *EventLoop) runBottomHalves() {
	el.mu.Lock()
	q := el.queue
	el.queue = nil
	el.mu.Unlock()

	for _, fn := range q {
		fn()
	}
}

// Close releases the loop's own file descriptors. It does not close fds
// registered via AddFD, which remain owned by their callers.
func (el *EventLoop) Close() error {
	var errs []error
	if err := el.bh.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := el.term.Close(); err != nil {
		errs = append(errs, err)
	}
	if el.epollFD >= 0 {
		if err := unix.Close(el.epollFD); err != nil {
			errs = append(errs, err)
		}
		el.epollFD = -1
	}
	return errors.Join(errs...)
}
