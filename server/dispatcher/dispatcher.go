//go:build linux || darwin || freebsd

package dispatcher

import (
	"errors"
	"fmt"
	"github.com/lni/dragonboat/v4/logger"
	"golang.org/x/sys/unix"
	"os"
	"time"
)

var log = logger.GetLogger("dispatcher")

var (
	// ErrClosed is returned by Change and Commit after Close.
	ErrClosed = errors.New("dispatcher: closed")
	// ErrForked is returned by Commit when called from a process other than the one
	// that created the dispatcher. Multiplexer descriptors are not valid after a fork.
	ErrForked = errors.New("dispatcher: used after fork")
	// ErrInvalidMaxEvents is returned by Commit for a negative event count.
	ErrInvalidMaxEvents = errors.New("dispatcher: invalid max events")
)

// --------------------------------------------------------------------------
// Filters and Flags
// --------------------------------------------------------------------------

// Filter selects the readiness condition a change or event refers to.
type Filter int16

const (
	// FilterRead reports that the descriptor is readable (or a listener has a pending connection)
	FilterRead Filter = iota + 1
	// FilterWrite reports that the descriptor is writable
	FilterWrite
)

func (f Filter) String() string {
	switch f {
	case FilterRead:
		return "read"
	case FilterWrite:
		return "write"
	default:
		return fmt.Sprintf("filter(%d)", int16(f))
	}
}

// Flag controls a change and describes an event.
type Flag uint16

const (
	// FlagAdd registers the filter (or updates an existing registration)
	FlagAdd Flag = 1 << iota
	// FlagDelete removes the filter
	FlagDelete
	// FlagEnable re-enables a disabled filter
	FlagEnable
	// FlagDisable keeps the registration but stops reporting events
	FlagDisable
	// FlagOneshot removes the filter after its first event
	FlagOneshot
	// FlagClear reports an event only when the state changes (edge triggered)
	FlagClear
	// FlagEOF is set on events when the peer closed its end or an error is pending
	FlagEOF
	// FlagError is set on events reporting a failed change, Data holds the errno
	FlagError
)

// --------------------------------------------------------------------------
// Change and Event records
// --------------------------------------------------------------------------

// Change is a pending registration or modification of interest in a descriptor.
type Change struct {
	Ident  int
	Filter Filter
	Flags  Flag
	FFlags uint32
	Data   int64
	Udata  any
}

// Event is a readiness notification returned by Commit. Udata is the value supplied
// with the FlagAdd change that registered the filter.
type Event struct {
	Ident  int
	Filter Filter
	Flags  Flag
	FFlags uint32
	Data   int64
	Udata  any
}

// Err returns the errno of a FlagError event, nil otherwise.
func (e Event) Err() error {
	if e.Flags&FlagError == 0 {
		return nil
	}
	return errnoErr(e.Data)
}

// --------------------------------------------------------------------------
// Dispatcher
// --------------------------------------------------------------------------

// Option configures a Dispatcher.
type Option func(*options)

type options struct {
	initialCapacity int
}

// WithInitialCapacity preallocates the change and event buffers.
func WithInitialCapacity(n int) Option {
	return func(o *options) {
		o.initialCapacity = n
	}
}

// Dispatcher batches interest changes and submits them to the readiness multiplexer
// (epoll on Linux, kqueue on Darwin and FreeBSD) together with the wait for events.
//
// Thread-safety: A Dispatcher is not thread-safe. It is owned by one event loop
// goroutine; other goroutines interrupt a blocked Commit with a Waker.
type Dispatcher struct {
	poller  *poller
	pid     int
	changes []Change
	events  []Event
	ready   int
}

// New opens the multiplexer descriptor (close-on-exec) and records the owning process.
func New(opts ...Option) (*Dispatcher, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.initialCapacity < 0 {
		o.initialCapacity = 0
	}

	p, err := newPoller()
	if err != nil {
		return nil, fmt.Errorf("dispatcher: failed to open multiplexer: %w", err)
	}

	return &Dispatcher{
		poller:  p,
		pid:     os.Getpid(),
		changes: make([]Change, 0, o.initialCapacity),
		events:  make([]Event, o.initialCapacity),
	}, nil
}

// Change appends one pending change. It is submitted by the next Commit.
func (d *Dispatcher) Change(ident int, filter Filter, flags Flag, fflags uint32, data int64, udata any) error {
	if d.poller == nil {
		return ErrClosed
	}

	if len(d.changes) == cap(d.changes) {
		buf := make([]Change, len(d.changes), grow(cap(d.changes)))
		copy(buf, d.changes)
		d.changes = buf
	}
	d.changes = append(d.changes, Change{
		Ident:  ident,
		Filter: filter,
		Flags:  flags,
		FFlags: fflags,
		Data:   data,
		Udata:  udata,
	})
	return nil
}

// Commit submits all pending changes and waits for up to maxEvents events.
//
// A negative timeout waits indefinitely, a zero timeout polls and returns at once.
// With maxEvents == 0 the changes are applied without waiting. The pending changes
// are consumed regardless of the outcome. A change that fails is reported as an
// event with FlagError set and the errno in Data; in that case Commit returns
// without waiting. Failing changes never prevent the changes after them from being
// applied: error events that do not fit into maxEvents are delivered by the next
// Commit. An interrupted wait returns 0 events and no error.
//
// The returned events are available through Events until the next Commit.
func (d *Dispatcher) Commit(maxEvents int, timeout time.Duration) (int, error) {
	defer d.resetChanges()
	d.ready = 0

	if d.poller == nil {
		return 0, ErrClosed
	}
	if os.Getpid() != d.pid {
		return 0, ErrForked
	}
	if maxEvents < 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidMaxEvents, maxEvents)
	}

	d.reserveEvents(maxEvents)

	n, err := d.poller.commit(d.changes, d.events[:maxEvents], timeout)
	if err != nil {
		return 0, err
	}
	d.ready = n
	return n, nil
}

// Events returns the events of the last Commit. The slice is reused by the next Commit.
func (d *Dispatcher) Events() []Event {
	return d.events[:d.ready]
}

// Pending returns the number of changes waiting for the next Commit.
func (d *Dispatcher) Pending() int {
	return len(d.changes)
}

// ChangeCapacity returns the capacity of the change buffer.
func (d *Dispatcher) ChangeCapacity() int {
	return cap(d.changes)
}

// EventCapacity returns the capacity of the event buffer.
func (d *Dispatcher) EventCapacity() int {
	return len(d.events)
}

// Fd returns the multiplexer descriptor, -1 after Close.
func (d *Dispatcher) Fd() int {
	if d.poller == nil {
		return -1
	}
	return d.poller.fd()
}

// Close releases the buffers and closes the multiplexer descriptor.
func (d *Dispatcher) Close() error {
	if d.poller == nil {
		return ErrClosed
	}

	err := d.poller.close()
	d.poller = nil
	d.changes = nil
	d.events = nil
	d.ready = 0

	if err != nil {
		return fmt.Errorf("dispatcher: failed to close multiplexer: %w", err)
	}
	return nil
}

// --------------------------------------------------------------------------
// Helper Functions
// --------------------------------------------------------------------------

// grow returns the next buffer capacity: 3/2 of the current one, at least 2 more
func grow(c int) int {
	n := c * 3 / 2
	if n < c+2 {
		n = c + 2
	}
	return n
}

// errorEvent builds the event reporting a failed change
func errorEvent(c *Change, errno unix.Errno) Event {
	return Event{
		Ident:  c.Ident,
		Filter: c.Filter,
		Flags:  FlagError,
		Data:   int64(errno),
		Udata:  c.Udata,
	}
}

// place stores e at events[n] if there is room, otherwise it is appended to the
// backlog. It returns the new event count and backlog.
func place(events []Event, n int, backlog []Event, e Event) (int, []Event) {
	if n < len(events) {
		events[n] = e
		return n + 1, backlog
	}
	return n, append(backlog, e)
}

// drainBacklog moves as many backlogged events as fit into events[n:]
func drainBacklog(events []Event, n int, backlog []Event) (int, []Event) {
	if len(backlog) == 0 {
		return n, backlog
	}
	k := copy(events[n:], backlog)
	rest := copy(backlog, backlog[k:])
	clear(backlog[rest:])
	return n + k, backlog[:rest]
}

// purgeBacklog drops undelivered events of a deleted filter
func purgeBacklog(backlog []Event, fd int, filter Filter) []Event {
	kept := backlog[:0]
	for _, e := range backlog {
		if e.Ident != fd || e.Filter != filter {
			kept = append(kept, e)
		}
	}
	clear(backlog[len(kept):])
	return kept
}

// errnoErr converts the Data field of an error event back to an errno
func errnoErr(data int64) error {
	return unix.Errno(data)
}

// reserveEvents grows the event buffer until it holds n events
func (d *Dispatcher) reserveEvents(n int) {
	c := len(d.events)
	if c >= n {
		return
	}
	for c < n {
		c = grow(c)
	}
	d.events = make([]Event, c)
}

// resetChanges empties the change buffer and drops the udata references
func (d *Dispatcher) resetChanges() {
	clear(d.changes)
	d.changes = d.changes[:0]
}
