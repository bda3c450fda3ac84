//go:build linux || darwin || freebsd

package tcp

import (
	"errors"
	"fmt"
	"github.com/lni/dragonboat/v4/logger"
	"golang.org/x/sys/unix"
	"net/netip"
	"sync/atomic"
)

var log = logger.GetLogger("transport")

var (
	// ErrWouldBlock is returned by Accept and Conn.Read when the operation has to wait for readiness
	ErrWouldBlock = errors.New("tcp: operation would block")
	// ErrClosed is returned when a closed listener or connection is used
	ErrClosed = errors.New("tcp: use of closed descriptor")
	// ErrWriteTimeout is returned by Conn.Write when the peer did not accept the data in time
	ErrWriteTimeout = errors.New("tcp: write timeout")
)

const (
	// DefaultBacklog is the length of the pending connection queue used when Listen is called with backlog <= 0
	DefaultBacklog = 128
)

// --------------------------------------------------------------------------
// Options
// --------------------------------------------------------------------------

// Option configures the sockets created by a Listener
type Option func(*options)

type options struct {
	noDelay     bool
	readBuffer  int
	writeBuffer int
}

// WithNoDelay enables or disables Nagle's algorithm on accepted connections (default: disabled, i.e. no delay)
func WithNoDelay(noDelay bool) Option {
	return func(o *options) {
		o.noDelay = noDelay
	}
}

// WithBufferSizes sets the kernel receive and send buffer sizes of accepted connections.
// Values <= 0 keep the system default.
func WithBufferSizes(read, write int) Option {
	return func(o *options) {
		o.readBuffer = read
		o.writeBuffer = write
	}
}

// --------------------------------------------------------------------------
// Listener
// --------------------------------------------------------------------------

// Listener is a non-blocking, dual-stack TCP listening socket.
//
// Thread-safety: Accept must only be called by a single goroutine (the event loop).
// Close is safe to call concurrently.
type Listener struct {
	fd     int
	port   int
	opts   options
	closed atomic.Bool
}

// Listen creates a TCP socket bound to all interfaces on the given port and starts listening.
// IPv6 sockets accept IPv4 connections as well (IPV6_V6ONLY is cleared); if the host has no
// IPv6 support an IPv4 socket is used. Port 0 binds an ephemeral port, see Port.
func Listen(port, backlog int, opts ...Option) (*Listener, error) {
	if port < 0 || port > 65535 {
		return nil, fmt.Errorf("tcp: port out of range: %d", port)
	}
	if backlog <= 0 {
		backlog = DefaultBacklog
	}

	o := options{noDelay: true}
	for _, opt := range opts {
		opt(&o)
	}

	fd, err := listenSocket(port, backlog)
	if err != nil {
		return nil, err
	}

	l := &Listener{fd: fd, port: port, opts: o}

	// resolve the ephemeral port
	if sa, err := unix.Getsockname(fd); err == nil {
		if p := sockaddrPort(sa); p > 0 {
			l.port = p
		}
	}

	log.Infof("listening on port %d (backlog %d)", l.port, backlog)
	return l, nil
}

// listenSocket creates, configures, binds and listens, preferring a dual-stack IPv6 socket
func listenSocket(port, backlog int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET6, unix.SOCK_STREAM, 0)
	var sa unix.Sockaddr = &unix.SockaddrInet6{Port: port}
	if errors.Is(err, unix.EAFNOSUPPORT) {
		log.Warningf("IPv6 not supported, falling back to IPv4")
		fd, err = unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
		sa = &unix.SockaddrInet4{Port: port}
	}
	if err != nil {
		return -1, fmt.Errorf("tcp: socket: %w", err)
	}

	fail := func(op string, err error) (int, error) {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("tcp: %s: %w", op, err)
	}

	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		return fail("set non-blocking", err)
	}
	if _, ok := sa.(*unix.SockaddrInet6); ok {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0); err != nil {
			return fail("clear IPV6_V6ONLY", err)
		}
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fail("set SO_REUSEADDR", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		return fail("bind", err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		return fail("listen", err)
	}
	return fd, nil
}

// Fd returns the listening descriptor, to be registered with a dispatcher.
func (l *Listener) Fd() int {
	return l.fd
}

// Port returns the bound port.
func (l *Listener) Port() int {
	return l.port
}

// Accept accepts one pending connection. It returns ErrWouldBlock when the queue of pending
// connections is empty. Connections that were reset before they could be accepted are skipped.
func (l *Listener) Accept() (*Conn, error) {
	if l.closed.Load() {
		return nil, ErrClosed
	}

	for {
		nfd, sa, err := unix.Accept(l.fd)
		switch {
		case err == nil:
			return l.upgrade(nfd, sa)
		case errors.Is(err, unix.EINTR), errors.Is(err, unix.ECONNABORTED):
			continue
		case errors.Is(err, unix.EAGAIN):
			return nil, ErrWouldBlock
		default:
			return nil, fmt.Errorf("tcp: accept: %w", err)
		}
	}
}

// upgrade makes an accepted descriptor non-blocking and applies the socket options
func (l *Listener) upgrade(fd int, sa unix.Sockaddr) (*Conn, error) {
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("tcp: set non-blocking: %w", err)
	}

	// socket options are best effort, a connection with default options is still usable
	noDelay := 0
	if l.opts.noDelay {
		noDelay = 1
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, noDelay); err != nil {
		log.Debugf("fd %d: TCP_NODELAY: %v", fd, err)
	}
	if l.opts.readBuffer > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, l.opts.readBuffer); err != nil {
			log.Debugf("fd %d: SO_RCVBUF: %v", fd, err)
		}
	}
	if l.opts.writeBuffer > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, l.opts.writeBuffer); err != nil {
			log.Debugf("fd %d: SO_SNDBUF: %v", fd, err)
		}
	}

	return newConn(fd, sockaddrString(sa)), nil
}

// Close closes the listening socket. Connections already accepted stay open.
func (l *Listener) Close() error {
	if l.closed.Swap(true) {
		return ErrClosed
	}
	return unix.Close(l.fd)
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func sockaddrPort(sa unix.Sockaddr) int {
	switch a := sa.(type) {
	case *unix.SockaddrInet6:
		return a.Port
	case *unix.SockaddrInet4:
		return a.Port
	}
	return 0
}

// sockaddrString formats the peer address, IPv4-mapped IPv6 addresses are printed as IPv4
func sockaddrString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(a.Addr).Unmap(), uint16(a.Port)).String()
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(a.Addr), uint16(a.Port)).String()
	}
	return "unknown"
}
