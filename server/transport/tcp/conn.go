//go:build linux || darwin || freebsd

package tcp

import (
	"errors"
	"golang.org/x/sys/unix"
	"io"
	"sync/atomic"
	"time"
)

// Conn is an accepted, non-blocking TCP connection on a raw descriptor.
//
// Reads never block: when no data is available Read returns ErrWouldBlock and the caller
// waits for readability through a dispatcher. Writes deliver the whole buffer and wait
// for writability with poll(2) when the socket buffer is full.
//
// Thread-safety: a Conn is handed from the event loop to exactly one worker at a time.
// Close is safe to call concurrently with Read and Write.
type Conn struct {
	fd           int
	remote       string
	writeTimeout time.Duration
	closed       atomic.Bool
}

var _ io.ReadWriteCloser = (*Conn)(nil)

func newConn(fd int, remote string) *Conn {
	return &Conn{fd: fd, remote: remote, writeTimeout: -1}
}

// Fd returns the connection descriptor.
func (c *Conn) Fd() int {
	return c.fd
}

// RemoteAddr returns the peer address as host:port.
func (c *Conn) RemoteAddr() string {
	return c.remote
}

// SetWriteTimeout bounds the total time a single Write may take, however often it has
// to wait for the peer. A negative duration (the default) waits indefinitely.
func (c *Conn) SetWriteTimeout(d time.Duration) {
	c.writeTimeout = d
}

// Read reads the data currently available. It returns io.EOF when the peer closed its side
// and ErrWouldBlock when no data is available.
func (c *Conn) Read(p []byte) (int, error) {
	if c.closed.Load() {
		return 0, ErrClosed
	}
	if len(p) == 0 {
		return 0, nil
	}

	for {
		n, err := unix.Read(c.fd, p)
		switch {
		case err == nil && n == 0:
			return 0, io.EOF
		case err == nil:
			return n, nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return 0, ErrWouldBlock
		case errors.Is(err, unix.ECONNRESET):
			return 0, io.EOF
		default:
			return 0, err
		}
	}
}

// Write writes all of p, waiting for the socket to become writable as often as needed.
func (c *Conn) Write(p []byte) (int, error) {
	var deadline time.Time
	if c.writeTimeout >= 0 {
		deadline = time.Now().Add(c.writeTimeout)
	}

	written := 0
	for written < len(p) {
		if c.closed.Load() {
			return written, ErrClosed
		}

		n, err := unix.Write(c.fd, p[written:])
		if n > 0 {
			written += n
		}
		switch {
		case err == nil:
			continue
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			if err := c.waitWritable(deadline); err != nil {
				return written, err
			}
		case errors.Is(err, unix.EPIPE), errors.Is(err, unix.ECONNRESET):
			return written, io.ErrClosedPipe
		default:
			return written, err
		}
	}
	return written, nil
}

// waitWritable blocks until the socket accepts more data or the deadline passes.
// A zero deadline waits indefinitely.
func (c *Conn) waitWritable(deadline time.Time) error {
	fds := []unix.PollFd{{Fd: int32(c.fd), Events: unix.POLLOUT}}
	for {
		timeout := -1
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return ErrWriteTimeout
			}
			// round up, a sub-millisecond rest must not turn into a busy poll
			timeout = int((remaining + time.Millisecond - 1) / time.Millisecond)
		}

		n, err := unix.Poll(fds, timeout)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case err != nil:
			return err
		case n == 0:
			return ErrWriteTimeout
		case fds[0].Revents&(unix.POLLERR|unix.POLLHUP) != 0:
			return io.ErrClosedPipe
		default:
			return nil
		}
	}
}

// Close closes the descriptor. It must be deregistered from any dispatcher first.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return ErrClosed
	}
	return unix.Close(c.fd)
}
