//go:build linux

package dispatcher

import (
	"errors"
	"golang.org/x/sys/unix"
	"time"
)

// --------------------------------------------------------------------------
// Interest state
// --------------------------------------------------------------------------

// epoll keeps one interest mask per descriptor while kqueue keeps one registration
// per (descriptor, filter). The poller tracks the filters itself and derives the
// epoll mask from them.

type filterState struct {
	registered bool
	enabled    bool
	oneshot    bool
	clear      bool
	udata      any
}

func (f *filterState) active() bool {
	return f.registered && f.enabled
}

type fdState struct {
	read    filterState
	write   filterState
	inEpoll bool
}

func (s *fdState) filter(f Filter) *filterState {
	switch f {
	case FilterRead:
		return &s.read
	case FilterWrite:
		return &s.write
	default:
		return nil
	}
}

// mask returns the epoll interest mask for the active filters
func (s *fdState) mask() uint32 {
	var m uint32
	oneshot, edge := true, false

	for _, f := range []*filterState{&s.read, &s.write} {
		if !f.active() {
			continue
		}
		oneshot = oneshot && f.oneshot
		edge = edge || f.clear
	}
	if s.read.active() {
		m |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if s.write.active() {
		m |= unix.EPOLLOUT
	}
	if m == 0 {
		return 0
	}

	if oneshot {
		m |= unix.EPOLLONESHOT
	}
	if edge {
		m |= unix.EPOLLET
	}
	return m
}

func (s *fdState) empty() bool {
	return !s.read.registered && !s.write.registered
}

// --------------------------------------------------------------------------
// Poller (epoll)
// --------------------------------------------------------------------------

type poller struct {
	epfd    int
	fds     map[int]*fdState
	buf     []unix.EpollEvent
	backlog []Event
	failed  []Event
	dirty   []int
}

func newPoller() (*poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &poller{
		epfd: epfd,
		fds:  make(map[int]*fdState),
	}, nil
}

func (p *poller) fd() int {
	return p.epfd
}

func (p *poller) close() error {
	p.fds = nil
	p.backlog = nil
	p.failed = nil
	return unix.Close(p.epfd)
}

func (p *poller) commit(changes []Change, events []Event, timeout time.Duration) (int, error) {
	// apply every change in order, failures become error events
	for i := range changes {
		c := &changes[i]
		err := p.apply(c)
		if err == nil {
			continue
		}

		var errno unix.Errno
		if !errors.As(err, &errno) {
			errno = unix.EINVAL
		}
		p.failed = append(p.failed, errorEvent(c, errno))
	}

	// events that did not fit into the previous commit go first
	n := 0
	n, p.backlog = drainBacklog(events, n, p.backlog)
	for _, e := range p.failed {
		n, p.backlog = place(events, n, p.backlog, e)
	}
	clear(p.failed)
	p.failed = p.failed[:0]

	room := len(events) - n
	if n > 0 || room == 0 {
		return n, nil
	}

	if cap(p.buf) < room {
		p.buf = make([]unix.EpollEvent, room)
	}

	ready, err := unix.EpollWait(p.epfd, p.buf[:room], timeoutMillis(timeout))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, err
	}

	for i := 0; i < ready; i++ {
		n = p.translate(p.buf[i], events, n)
	}

	// filters removed by oneshot delivery
	for _, fd := range p.dirty {
		if st, ok := p.fds[fd]; ok {
			if err := p.sync(fd, st); err != nil {
				log.Warningf("failed to update interest of fd %d: %v", fd, err)
			}
		}
	}
	p.dirty = p.dirty[:0]

	return n, nil
}

// apply updates the interest state for one change and mirrors it into epoll.
// On failure the state is rolled back.
func (p *poller) apply(c *Change) error {
	if c.Ident < 0 {
		return unix.EBADF
	}

	st, ok := p.fds[c.Ident]
	if !ok {
		st = &fdState{}
	}
	saved := *st

	f := st.filter(c.Filter)
	if f == nil {
		return unix.EINVAL
	}

	switch {
	case c.Flags&FlagDelete != 0:
		if !f.registered {
			return unix.ENOENT
		}
		*f = filterState{}
		p.backlog = purgeBacklog(p.backlog, c.Ident, c.Filter)

	case c.Flags&FlagAdd != 0:
		*f = filterState{
			registered: true,
			enabled:    c.Flags&FlagDisable == 0,
			oneshot:    c.Flags&FlagOneshot != 0,
			clear:      c.Flags&FlagClear != 0,
			udata:      c.Udata,
		}

	case c.Flags&(FlagEnable|FlagDisable) != 0:
		if !f.registered {
			return unix.ENOENT
		}
		f.enabled = c.Flags&FlagEnable != 0

	default:
		return unix.EINVAL
	}

	if err := p.sync(c.Ident, st); err != nil {
		*st = saved
		return err
	}
	return nil
}

// sync brings the epoll registration of fd in line with its interest state
func (p *poller) sync(fd int, st *fdState) error {
	mask := st.mask()
	ev := &unix.EpollEvent{Events: mask, Fd: int32(fd)}

	var err error
	switch {
	case mask == 0 && st.inEpoll:
		err = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
		if errors.Is(err, unix.ENOENT) || errors.Is(err, unix.EBADF) {
			// the descriptor was closed and dropped from the set by the kernel
			err = nil
		}
		if err == nil {
			st.inEpoll = false
		}

	case mask == 0:

	case st.inEpoll:
		err = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, ev)
		if errors.Is(err, unix.ENOENT) {
			// closed and reused descriptor number
			err = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, ev)
		}

	default:
		err = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, ev)
		if errors.Is(err, unix.EEXIST) {
			err = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, ev)
		}
		if err == nil {
			st.inEpoll = true
		}
	}
	if err != nil {
		return err
	}

	if st.empty() && !st.inEpoll {
		delete(p.fds, fd)
	} else {
		p.fds[fd] = st
	}
	return nil
}

// translate converts one epoll event into up to two filter events starting at
// events[n] and returns the new count. Events that do not fit go to the backlog.
func (p *poller) translate(ev unix.EpollEvent, events []Event, n int) int {
	fd := int(ev.Fd)
	st, ok := p.fds[fd]
	if !ok {
		return n
	}

	var flags Flag
	var fflags uint32
	if ev.Events&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
		flags |= FlagEOF
	}
	if ev.Events&unix.EPOLLERR != 0 {
		flags |= FlagEOF
		if soErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR); err == nil {
			fflags = uint32(soErr)
		}
	}

	emit := func(filter Filter, f *filterState) {
		e := Event{Ident: fd, Filter: filter, Flags: flags, FFlags: fflags, Udata: f.udata}
		if f.oneshot {
			*f = filterState{}
			p.dirty = append(p.dirty, fd)
		}
		n, p.backlog = place(events, n, p.backlog, e)
	}

	if ev.Events&(unix.EPOLLIN|unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLERR) != 0 && st.read.active() {
		emit(FilterRead, &st.read)
	}
	if ev.Events&(unix.EPOLLOUT|unix.EPOLLHUP|unix.EPOLLERR) != 0 && st.write.active() {
		emit(FilterWrite, &st.write)
	}
	return n
}

// timeoutMillis converts a timeout to epoll milliseconds, rounding up so that short
// positive timeouts do not turn into a busy poll
func timeoutMillis(timeout time.Duration) int {
	if timeout < 0 {
		return -1
	}
	return int((timeout + time.Millisecond - 1) / time.Millisecond)
}
