//go:build darwin || freebsd

package dispatcher

import (
	"errors"
	"golang.org/x/sys/unix"
	"time"
)

// --------------------------------------------------------------------------
// Poller (kqueue)
// --------------------------------------------------------------------------

// udataKey identifies a kqueue registration
type udataKey struct {
	ident  int
	filter Filter
}

// prevUdata is the udata of a registration before a change, restored if it fails
type prevUdata struct {
	udata any
	ok    bool
}

type poller struct {
	kq       int
	udata    map[udataKey]any
	changes  []unix.Kevent_t
	receipts []unix.Kevent_t
	prev     []prevUdata
	buf      []unix.Kevent_t
	backlog  []Event
	failed   []Event
}

func newPoller() (*poller, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	unix.CloseOnExec(kq)

	return &poller{
		kq:    kq,
		udata: make(map[udataKey]any),
	}, nil
}

func (p *poller) fd() int {
	return p.kq
}

func (p *poller) close() error {
	p.udata = nil
	p.backlog = nil
	p.failed = nil
	return unix.Close(p.kq)
}

func (p *poller) commit(changes []Change, events []Event, timeout time.Duration) (int, error) {
	if err := p.apply(changes); err != nil {
		return 0, err
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
		p.buf = make([]unix.Kevent_t, room)
	}

	var ts *unix.Timespec
	if timeout >= 0 {
		t := unix.NsecToTimespec(int64(timeout))
		ts = &t
	}

	ready, err := unix.Kevent(p.kq, nil, p.buf[:room], ts)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, err
	}

	for i := 0; i < ready; i++ {
		k := &p.buf[i]
		e := Event{
			Ident:  int(k.Ident),
			Filter: fromKqFilter(k.Filter),
			Flags:  fromKqFlags(k.Flags),
			FFlags: k.Fflags,
			Data:   int64(k.Data),
		}

		key := udataKey{e.Ident, e.Filter}
		e.Udata = p.udata[key]
		if e.Flags&FlagOneshot != 0 {
			delete(p.udata, key)
		}
		events[n] = e
		n++
	}
	return n, nil
}

// apply submits the changes with EV_RECEIPT, so kqueue reports the outcome of every
// change instead of stopping at the first failure once the event list is full. No
// pending events are consumed. Failed changes are collected in p.failed.
func (p *poller) apply(changes []Change) error {
	if len(changes) == 0 {
		return nil
	}

	p.changes = p.changes[:0]
	p.prev = p.prev[:0]
	for i := range changes {
		c := &changes[i]

		var k unix.Kevent_t
		unix.SetKevent(&k, c.Ident, kqFilter(c.Filter), kqFlags(c.Flags)|unix.EV_RECEIPT)
		k.Fflags = c.FFlags
		k.Data = c.Data
		p.changes = append(p.changes, k)

		// the Go side keeps udata, kqueue only sees the descriptor
		key := udataKey{c.Ident, c.Filter}
		old, ok := p.udata[key]
		p.prev = append(p.prev, prevUdata{old, ok})
		switch {
		case c.Flags&FlagDelete != 0:
			delete(p.udata, key)
			p.backlog = purgeBacklog(p.backlog, c.Ident, c.Filter)
		case c.Flags&FlagAdd != 0:
			p.udata[key] = c.Udata
		}
	}

	if cap(p.receipts) < len(p.changes) {
		p.receipts = make([]unix.Kevent_t, len(p.changes))
	}
	receipts := p.receipts[:len(p.changes)]

	zero := unix.Timespec{}
	var n int
	var err error
	for {
		n, err = unix.Kevent(p.kq, p.changes, receipts, &zero)
		if !errors.Is(err, unix.EINTR) {
			break
		}
	}
	if err != nil {
		return err
	}

	// receipts come back in submission order, Data is 0 on success
	for i := 0; i < n; i++ {
		r := &receipts[i]
		if r.Flags&unix.EV_ERROR == 0 || r.Data == 0 {
			continue
		}
		c := &changes[i]
		key := udataKey{c.Ident, c.Filter}
		if prev := p.prev[i]; prev.ok {
			p.udata[key] = prev.udata
		} else {
			delete(p.udata, key)
		}
		p.failed = append(p.failed, errorEvent(c, unix.Errno(r.Data)))
	}
	return nil
}

// --------------------------------------------------------------------------
// Helper Functions
// --------------------------------------------------------------------------

func kqFilter(f Filter) int {
	switch f {
	case FilterRead:
		return unix.EVFILT_READ
	case FilterWrite:
		return unix.EVFILT_WRITE
	default:
		return int(f)
	}
}

func fromKqFilter(f int16) Filter {
	switch f {
	case unix.EVFILT_READ:
		return FilterRead
	case unix.EVFILT_WRITE:
		return FilterWrite
	default:
		return Filter(f)
	}
}

var flagMapping = []struct {
	flag Flag
	kq   uint16
}{
	{FlagAdd, unix.EV_ADD},
	{FlagDelete, unix.EV_DELETE},
	{FlagEnable, unix.EV_ENABLE},
	{FlagDisable, unix.EV_DISABLE},
	{FlagOneshot, unix.EV_ONESHOT},
	{FlagClear, unix.EV_CLEAR},
	{FlagEOF, unix.EV_EOF},
	{FlagError, unix.EV_ERROR},
}

func kqFlags(flags Flag) int {
	var kq uint16
	for _, m := range flagMapping {
		if flags&m.flag != 0 {
			kq |= m.kq
		}
	}
	return int(kq)
}

func fromKqFlags(kq uint16) Flag {
	var flags Flag
	for _, m := range flagMapping {
		if kq&m.kq != 0 {
			flags |= m.flag
		}
	}
	return flags
}
