//go:build linux || darwin || freebsd

package server

import (
	"context"
	"errors"
	"fmt"
	"github.com/ValentinKolb/memdb/lib/pool"
	"github.com/ValentinKolb/memdb/lib/store"
	"github.com/ValentinKolb/memdb/lib/store/lstore"
	"github.com/ValentinKolb/memdb/lib/util"
	"github.com/ValentinKolb/memdb/server/common"
	"github.com/ValentinKolb/memdb/server/dispatcher"
	"github.com/ValentinKolb/memdb/server/transport/tcp"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sys/unix"
	"io"
	"net/http"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

var log = logger.GetLogger("server")

// commitRetryDelay is the pause after a recoverable commit error
const commitRetryDelay = 10 * time.Millisecond

var (
	// ErrAlreadyStarted is returned by Start if the server was started before
	ErrAlreadyStarted = errors.New("server: already started")
)

// --------------------------------------------------------------------------
// Types
// --------------------------------------------------------------------------

// State is the state of the event loop.
type State int32

const (
	// StateIdle the server was created but not started
	StateIdle State = iota
	// StateListening the loop waits for events
	StateListening
	// StateAccepting the loop accepts pending connections
	StateAccepting
	// StateDispatching the loop hands readable connections to the workers
	StateDispatching
	// StateClosing the loop stopped and releases its resources
	StateClosing
	// StateClosed terminal state
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateAccepting:
		return "accepting"
	case StateDispatching:
		return "dispatching"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// connection is a registered client connection. armed is only touched by the loop goroutine.
type connection struct {
	conn *tcp.Conn
	// armed is owned by the loop
	armed bool
	// serving is set by the worker while the handler runs
	serving atomic.Bool
}

type controlOp int

const (
	opRearm controlOp = iota
	opClose
)

// controlMsg is posted by a worker when it is done with a connection
type controlMsg struct {
	op controlOp
	c  *connection
}

// Server is the single threaded event loop of memdb. It accepts connections, waits for
// them to become readable and hands each readable connection to the worker pool, where
// the Handler serves it against the store.
//
// A connection is registered oneshot, so at most one job per connection is in flight.
// When the job is done the worker posts a re-arm (or close) request to the loop through
// a lock-free queue and wakes the loop.
//
// Thread-safety: Start runs the loop on the calling goroutine; Stop, State, Port,
// Connections and WriteMetrics are safe to call from other goroutines.
type Server struct {
	cfg     common.ServerConfig
	kv      store.IStore
	workers *pool.Pool
	handler Handler

	// owned by the loop goroutine
	listener *tcp.Listener
	disp     *dispatcher.Dispatcher

	waker    atomic.Pointer[dispatcher.Waker]
	conns    *xsync.MapOf[int, *connection]
	control  *util.MPSC[controlMsg]
	state    atomic.Int32
	port     atomic.Int32
	stopping atomic.Bool
	started  atomic.Bool
	ready    chan struct{}
	stopOnce sync.Once
	metrics  *serverMetrics
	httpSrv  *http.Server
}

// NewServer creates a server. A nil store is replaced by a local store with cfg.Shards
// shards, a nil pool by a pool with cfg.Workers workers and a nil handler by DiscardHandler.
//
// The server takes ownership of the pool and shuts it down when it stops. The store is
// not closed by the server.
func NewServer(cfg common.ServerConfig, kv store.IStore, workers *pool.Pool, handler Handler) *Server {
	if kv == nil {
		kv = lstore.NewLocalStore(lstore.WithShards(cfg.Shards))
	}
	if workers == nil {
		workers = pool.New(cfg.Workers, pool.WithName("server"))
	}
	if handler == nil {
		handler = DiscardHandler{}
	}
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = common.DefaultMaxEvents
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = common.DefaultShutdownTimeout
	}

	s := &Server{
		cfg:     cfg,
		kv:      kv,
		workers: workers,
		handler: handler,
		conns:   xsync.NewMapOf[int, *connection](),
		control: util.NewMPSC[controlMsg](),
		ready:   make(chan struct{}),
	}
	s.metrics = newServerMetrics(s)
	return s
}

// --------------------------------------------------------------------------
// Public Methods
// --------------------------------------------------------------------------

// Start listens on the configured port and runs the event loop until ctx is done or Stop
// is called. On return all connections are closed and the worker pool is shut down.
// It returns nil after a regular stop.
func (s *Server) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	// the loop thread owns the multiplexer
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	s.setState(StateListening)
	if err := s.setup(); err != nil {
		s.teardown()
		return err
	}

	stop := context.AfterFunc(ctx, s.Stop)
	defer stop()

	s.startMetricsEndpoint()
	log.Infof("memdb server ready on port %d", s.Port())
	close(s.ready)

	err := s.loop()
	s.teardown()
	return err
}

// Stop makes the event loop exit. It does not wait for Start to return.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.stopping.Store(true)
		if w := s.waker.Load(); w != nil {
			if err := w.Wake(); err != nil && !errors.Is(err, dispatcher.ErrClosed) {
				log.Warningf("failed to wake event loop: %v", err)
			}
		}
	})
}

// Ready is closed as soon as the server accepts connections.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// State returns the current state of the event loop.
func (s *Server) State() State {
	return State(s.state.Load())
}

// Port returns the bound port, 0 before the server is ready.
func (s *Server) Port() int {
	return int(s.port.Load())
}

// Connections returns the number of open client connections.
func (s *Server) Connections() int {
	return s.conns.Size()
}

// --------------------------------------------------------------------------
// Event loop
// --------------------------------------------------------------------------

// setup creates the listener, the dispatcher and the waker and registers them
func (s *Server) setup() error {
	l, err := tcp.Listen(s.cfg.Port, s.cfg.Backlog)
	if err != nil {
		return fmt.Errorf("server: failed to listen on port %d: %w", s.cfg.Port, err)
	}
	s.listener = l
	s.port.Store(int32(l.Port()))

	d, err := dispatcher.New(dispatcher.WithInitialCapacity(s.cfg.MaxEvents))
	if err != nil {
		return fmt.Errorf("server: %w", err)
	}
	s.disp = d

	w, err := dispatcher.NewWaker()
	if err != nil {
		return fmt.Errorf("server: failed to create waker: %w", err)
	}
	s.waker.Store(w)

	_ = d.Change(l.Fd(), dispatcher.FilterRead, dispatcher.FlagAdd, 0, 0, l)
	_ = d.Change(w.Fd(), dispatcher.FilterRead, dispatcher.FlagAdd, 0, 0, w)
	n, err := d.Commit(2, 0)
	if err != nil {
		return fmt.Errorf("server: failed to register listener: %w", err)
	}
	// readiness events are level triggered and reported again by the loop
	for _, ev := range d.Events()[:n] {
		if ev.Flags&dispatcher.FlagError != 0 {
			return fmt.Errorf("server: failed to register fd %d: %w", ev.Ident, ev.Err())
		}
	}
	return nil
}

// loop waits for events and handles them until the server is stopped
func (s *Server) loop() error {
	for !s.stopping.Load() {
		s.setState(StateListening)
		n, err := s.disp.Commit(s.cfg.MaxEvents, s.cfg.PollTimeout)
		if err != nil {
			s.metrics.commitErrors.Inc()
			if fatalCommitError(err) {
				return fmt.Errorf("server: commit failed: %w", err)
			}
			log.Errorf("commit failed: %v", err)
			time.Sleep(commitRetryDelay)
			continue
		}

		for _, ev := range s.disp.Events()[:n] {
			switch u := ev.Udata.(type) {
			case *dispatcher.Waker:
				s.metrics.loopWakeups.Inc()
				u.Drain()
			case *tcp.Listener:
				s.setState(StateAccepting)
				s.acceptAll()
			case *connection:
				s.setState(StateDispatching)
				s.handleEvent(u, ev)
			default:
				log.Warningf("event for unknown descriptor %d", ev.Ident)
			}
		}

		// requests of workers that finished since the last commit
		s.control.Drain(s.handleControl)
	}
	return nil
}

// fatalCommitError reports whether err leaves the dispatcher unusable. Any other
// error is retried by the next loop iteration.
func fatalCommitError(err error) bool {
	return errors.Is(err, dispatcher.ErrClosed) ||
		errors.Is(err, dispatcher.ErrForked) ||
		errors.Is(err, dispatcher.ErrInvalidMaxEvents) ||
		errors.Is(err, unix.EBADF) ||
		errors.Is(err, unix.EINVAL)
}

// acceptAll accepts pending connections until the queue is drained
func (s *Server) acceptAll() {
	for {
		conn, err := s.listener.Accept()
		if errors.Is(err, tcp.ErrWouldBlock) {
			return
		}
		if err != nil {
			// e.g. EMFILE, retried on the next readiness event
			log.Errorf("accept failed: %v", err)
			return
		}

		c := &connection{conn: conn}
		s.conns.Store(conn.Fd(), c)
		s.metrics.accepted.Inc()
		log.Debugf("accepted connection %s (fd %d)", conn.RemoteAddr(), conn.Fd())
		s.arm(c)
	}
}

// handleEvent dispatches a readable connection or closes it on EOF and errors
func (s *Server) handleEvent(c *connection, ev dispatcher.Event) {
	// oneshot: the registration is gone once the event is delivered
	c.armed = false

	switch {
	case ev.Flags&dispatcher.FlagError != 0:
		log.Warningf("connection %s: registration failed: %v", c.conn.RemoteAddr(), ev.Err())
		s.closeConn(c)
	case ev.Flags&dispatcher.FlagEOF != 0:
		log.Debugf("connection %s: peer closed", c.conn.RemoteAddr())
		s.closeConn(c)
	default:
		s.dispatch(c)
	}
}

// dispatch submits the job serving one readiness notification of c
func (s *Server) dispatch(c *connection) {
	err := s.workers.Submit(func() {
		msg := &controlMsg{op: opRearm, c: c}
		c.serving.Store(true)
		if err := s.handler.ServeConn(c.conn, s.kv); err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debugf("connection %s: %v", c.conn.RemoteAddr(), err)
			}
			msg.op = opClose
		}
		c.serving.Store(false)
		if !s.post(msg) {
			// the loop is gone and skipped this connection in teardown
			s.closeConn(c)
		}
	})
	if err != nil {
		s.metrics.rejected.Inc()
		log.Warningf("connection %s: failed to submit job: %v", c.conn.RemoteAddr(), err)
		s.closeConn(c)
		return
	}
	s.metrics.dispatched.Inc()
}

// post hands a control message to the loop and reports whether the loop accepted it.
// It is called by the workers.
func (s *Server) post(msg *controlMsg) bool {
	if !s.control.Push(msg) {
		return false
	}
	if w := s.waker.Load(); w != nil {
		if err := w.Wake(); err != nil && !errors.Is(err, dispatcher.ErrClosed) {
			log.Errorf("failed to wake event loop: %v", err)
		}
	}
	return true
}

func (s *Server) handleControl(msg *controlMsg) {
	switch msg.op {
	case opRearm:
		if s.stopping.Load() {
			s.closeConn(msg.c)
			return
		}
		s.arm(msg.c)
	case opClose:
		s.closeConn(msg.c)
	}
}

// arm registers c for one read notification
func (s *Server) arm(c *connection) {
	_ = s.disp.Change(c.conn.Fd(), dispatcher.FilterRead, dispatcher.FlagAdd|dispatcher.FlagOneshot, 0, 0, c)
	c.armed = true
}

// closeConn closes a connection that is not armed. It is safe for concurrent use.
func (s *Server) closeConn(c *connection) {
	if _, ok := s.conns.LoadAndDelete(c.conn.Fd()); !ok {
		return
	}
	if err := c.conn.Close(); err != nil && !errors.Is(err, tcp.ErrClosed) {
		log.Debugf("closing connection %s: %v", c.conn.RemoteAddr(), err)
	}
	s.metrics.closed.Inc()
}

// --------------------------------------------------------------------------
// Shutdown
// --------------------------------------------------------------------------

// teardown releases everything the loop owns. Resources that were never created are skipped.
func (s *Server) teardown() {
	s.setState(StateClosing)
	s.stopping.Store(true)

	// stop accepting
	if s.disp != nil && s.listener != nil {
		_ = s.disp.Change(s.listener.Fd(), dispatcher.FilterRead, dispatcher.FlagDelete, 0, 0, nil)
		s.commitDeregistrations()
	}
	if s.listener != nil {
		if err := s.listener.Close(); err != nil {
			log.Warningf("closing listener: %v", err)
		}
	}

	// let running jobs finish, queued jobs are discarded
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	discarded, err := s.workers.Shutdown(ctx)
	cancel()
	if err != nil && !errors.Is(err, pool.ErrClosed) {
		log.Warningf("worker pool shutdown: %v", err)
	}
	if discarded > 0 {
		log.Infof("discarded %d queued jobs", discarded)
	}

	// no worker posts anymore, close what is left
	s.control.Close()
	s.control.Drain(func(msg *controlMsg) {})

	if s.disp != nil {
		s.conns.Range(func(_ int, c *connection) bool {
			if c.armed {
				_ = s.disp.Change(c.conn.Fd(), dispatcher.FilterRead, dispatcher.FlagDelete, 0, 0, nil)
				c.armed = false
			}
			return true
		})
		s.commitDeregistrations()
	}
	// workers past the shutdown deadline close their connection themselves
	s.conns.Range(func(_ int, c *connection) bool {
		if c.serving.Load() {
			log.Warningf("connection %s still served at shutdown, left to its worker", c.conn.RemoteAddr())
			return true
		}
		s.closeConn(c)
		return true
	})

	if w := s.waker.Load(); w != nil {
		if s.disp != nil {
			_ = s.disp.Change(w.Fd(), dispatcher.FilterRead, dispatcher.FlagDelete, 0, 0, nil)
			s.commitDeregistrations()
		}
		_ = w.Close()
	}
	if s.disp != nil {
		if err := s.disp.Close(); err != nil {
			log.Warningf("closing dispatcher: %v", err)
		}
	}

	s.stopMetricsEndpoint(time.Second)
	s.setState(StateClosed)
	log.Infof("memdb server stopped")
}

// commitDeregistrations applies pending deletions without waiting for events
func (s *Server) commitDeregistrations() {
	if _, err := s.disp.Commit(0, 0); err != nil {
		log.Debugf("deregistration: %v", err)
	}
}

func (s *Server) setState(state State) {
	s.state.Store(int32(state))
}
