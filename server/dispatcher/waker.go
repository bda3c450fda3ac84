//go:build linux || darwin || freebsd

package dispatcher

import (
	"encoding/binary"
	"errors"
	"golang.org/x/sys/unix"
	"sync/atomic"
)

// Waker interrupts a Commit blocked in another goroutine. Its read descriptor is
// registered with FilterRead; Wake makes it readable and Drain resets it.
//
// Thread-safety: Wake is safe for concurrent use. Drain must only be called by the
// goroutine owning the dispatcher.
type Waker struct {
	rfd    int
	wfd    int
	closed atomic.Bool
}

// NewWaker creates a non-blocking, close-on-exec wake descriptor
// (eventfd on Linux, a pipe elsewhere).
func NewWaker() (*Waker, error) {
	r, w, err := newWakeFds()
	if err != nil {
		return nil, err
	}
	return &Waker{rfd: r, wfd: w}, nil
}

// Fd returns the descriptor to register for FilterRead.
func (w *Waker) Fd() int {
	return w.rfd
}

// Wake makes the descriptor readable. Waking an already woken Waker is a no-op.
func (w *Waker) Wake() error {
	if w.closed.Load() {
		return ErrClosed
	}

	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(w.wfd, buf[:])
	if err != nil && !errors.Is(err, unix.EAGAIN) {
		return err
	}
	return nil
}

// Drain consumes all pending wakeups.
func (w *Waker) Drain() {
	var buf [64]byte
	for {
		n, err := unix.Read(w.rfd, buf[:])
		if err != nil || n <= 0 {
			return
		}
	}
}

// Close closes the wake descriptors.
func (w *Waker) Close() error {
	if w.closed.Swap(true) {
		return ErrClosed
	}
	err := unix.Close(w.rfd)
	if w.wfd != w.rfd {
		if werr := unix.Close(w.wfd); err == nil {
			err = werr
		}
	}
	return err
}
