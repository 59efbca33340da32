// Package eventfd wraps Linux eventfd objects for cross-thread signaling
// between the vhost-user control path and the single-threaded event loop
// that drives each virtqueue.
package eventfd

import (
	"encoding/binary"
	"syscall"

	"golang.org/x/sys/unix"
)

// EventFD is a Linux eventfd, used either to let the driver kick this
// process when it has offered descriptor chains, or to let this process
// call the driver when it has completed some.
type EventFD struct {
	fd     int
	owned  bool
	buf    [8]byte
	rdBuf  [8]byte
}

// New creates a brand new, process-owned eventfd.
func New() (EventFD, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK)
	if err != nil {
		return EventFD{}, err
	}
	return EventFD{fd: fd, owned: true}, nil
}

// Adopt wraps a file descriptor handed in from elsewhere (typically one
// received over the vhost-user control socket) without taking ownership of
// its lifecycle: Close becomes a no-op so the caller that handed in the fd
// stays responsible for closing it.
func Adopt(fd int) (EventFD, error) {
	if fd < 0 {
		return EventFD{}, syscall.EBADF
	}
	return EventFD{fd: fd, owned: false}, nil
}

// Kick writes to the eventfd, waking up anyone blocked reading or polling
// it.
func (e *EventFD) Kick() error {
	binary.LittleEndian.PutUint64(e.buf[:], 1)
	_, err := syscall.Write(e.fd, e.buf[:])
	return err
}

// Clear drains the eventfd's counter after a poll/epoll wakeup.
func (e *EventFD) Clear() error {
	_, err := syscall.Read(e.fd, e.rdBuf[:])
	if err == syscall.EAGAIN {
		// Already drained by a concurrent reader; not an error for us.
		return nil
	}
	return err
}

// Close releases the eventfd if this EventFD owns it.
func (e *EventFD) Close() error {
	if e.owned && e.fd > 0 {
		fd := e.fd
		e.fd = -1
		return unix.Close(fd)
	}
	return nil
}

// FD returns the underlying file descriptor.
func (e *EventFD) FD() int {
	return e.fd
}
