//go:build darwin || freebsd

package dispatcher

import (
	"golang.org/x/sys/unix"
)

// newWakeFds creates a non-blocking self-pipe and returns the read and the write end
func newWakeFds() (int, int, error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return 0, 0, err
	}

	for _, fd := range fds {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(fds[0])
			unix.Close(fds[1])
			return 0, 0, err
		}
	}
	return fds[0], fds[1], nil
}
