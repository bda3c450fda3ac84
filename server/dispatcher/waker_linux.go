//go:build linux

package dispatcher

import (
	"golang.org/x/sys/unix"
)

// newWakeFds creates an eventfd, used as both read and write end
func newWakeFds() (int, int, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	return fd, fd, err
}
