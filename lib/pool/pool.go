package pool

import (
	"context"
	"errors"
	"fmt"
	"github.com/VictoriaMetrics/metrics"
	"github.com/ValentinKolb/memdb/lib/sys"
	"github.com/lni/dragonboat/v4/logger"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

var log = logger.GetLogger("pool")

var (
	// ErrClosed is returned by Submit and Pause once Shutdown has begun.
	ErrClosed = errors.New("pool: closed")
	// ErrShutdownTimeout is returned by Shutdown if the workers did not exit before
	// the context was done. It is wrapped together with the context error.
	ErrShutdownTimeout = errors.New("pool: shutdown timed out")
	// ErrNilJob is returned by Submit for a nil job.
	ErrNilJob = errors.New("pool: nil job")
)

// --------------------------------------------------------------------------
// Types
// --------------------------------------------------------------------------

// Job is a unit of work executed by exactly one worker.
type Job func()

// State is the lifecycle state of a pool.
type State int

const (
	// StateActive workers pick up queued jobs
	StateActive State = iota
	// StatePausing no new jobs are picked up, running jobs finish
	StatePausing
	// StatePaused no job is running and none will start until Resume
	StatePaused
	// StateClosed the pool was shut down, this state is terminal
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StatePausing:
		return "pausing"
	case StatePaused:
		return "paused"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// work is a queued job, linked into the FIFO queue
type work struct {
	job  Job
	next *work
}

// Stats is a snapshot of the pool counters.
type Stats struct {
	State     State  `json:"state"`
	Workers   int    `json:"workers"`
	Active    int    `json:"active"`
	Queued    int    `json:"queued"`
	Submitted uint64 `json:"submitted"`
	Executed  uint64 `json:"executed"`
	Discarded uint64 `json:"discarded"`
	Panicked  uint64 `json:"panicked"`
}

// --------------------------------------------------------------------------
// Options
// --------------------------------------------------------------------------

// Option configures a Pool.
type Option func(*options)

type options struct {
	name       string
	metricsSet *metrics.Set
}

// WithName sets the name used in log messages and as the metrics label.
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// WithMetricsSet registers the pool metrics in set instead of a private set.
func WithMetricsSet(set *metrics.Set) Option {
	return func(o *options) {
		o.metricsSet = set
	}
}

// --------------------------------------------------------------------------
// Pool
// --------------------------------------------------------------------------

// Pool is a fixed-size set of workers draining a shared FIFO job queue.
//
// Thread-safety: All methods are safe for concurrent use. The queue is only
// touched while holding mu.
type Pool struct {
	name string

	mu        sync.Mutex
	workCond  *sync.Cond // signaled when work is queued or the state changes
	stateCond *sync.Cond // signaled when a worker exits or a pause completes

	state   State
	head    *work
	tail    *work
	queued  int
	active  int
	alive   int
	workers int

	submitted atomic.Uint64
	executed  atomic.Uint64
	discarded atomic.Uint64
	panicked  atomic.Uint64

	metrics *metrics.Set
}

// New creates a pool and starts n workers. n <= 0 selects sys.Parallelism().
func New(n int, opts ...Option) *Pool {
	o := options{name: "workers"}
	for _, opt := range opts {
		opt(&o)
	}
	if n <= 0 {
		n = sys.Parallelism()
	}
	if o.metricsSet == nil {
		o.metricsSet = metrics.NewSet()
	}

	p := &Pool{
		name:    o.name,
		state:   StateActive,
		workers: n,
		alive:   n,
		metrics: o.metricsSet,
	}
	p.workCond = sync.NewCond(&p.mu)
	p.stateCond = sync.NewCond(&p.mu)
	p.registerMetrics()

	for i := 0; i < n; i++ {
		go p.worker()
	}

	log.Debugf("pool %q started with %d workers", p.name, n)
	return p
}

// Submit appends job to the tail of the queue and wakes one idle worker.
// Jobs submitted while the pool is paused stay queued until Resume.
// Once Shutdown has begun, Submit fails with ErrClosed and the job is never executed.
func (p *Pool) Submit(job Job) error {
	if job == nil {
		return ErrNilJob
	}

	w := &work{job: job}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == StateClosed {
		return ErrClosed
	}

	if p.tail == nil {
		p.head = w
	} else {
		p.tail.next = w
	}
	p.tail = w
	p.queued++
	p.submitted.Add(1)

	p.workCond.Signal()
	return nil
}

// Pause stops workers from picking up new jobs and waits until no job is running.
// Queued jobs stay in the queue. If ctx is done first, its error is returned and the
// pool completes the pause in the background once the running jobs finish.
func (p *Pool) Pause(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case StateClosed:
		return ErrClosed
	case StateActive:
		p.state = StatePausing
		if p.active == 0 {
			p.state = StatePaused
		}
	}

	return p.waitLocked(ctx, func() bool {
		return p.state != StatePausing
	})
}

// Resume lets workers pick up jobs again after Pause.
func (p *Pool) Resume() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case StateClosed:
		return ErrClosed
	case StatePausing, StatePaused:
		p.state = StateActive
		p.workCond.Broadcast()
		p.stateCond.Broadcast()
	}
	return nil
}

// Shutdown stops the pool. Jobs that are still queued are discarded unexecuted
// and their number is returned; running jobs are allowed to finish. Shutdown waits
// for all workers to exit, bounded by ctx. If ctx is done first, the returned error
// wraps ErrShutdownTimeout and the context error.
func (p *Pool) Shutdown(ctx context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == StateClosed {
		return 0, ErrClosed
	}
	p.state = StateClosed

	// workers never pop after the state is closed, so the queue can be dropped now
	discarded := p.queued
	for w := p.head; w != nil; {
		next := w.next
		w.next = nil
		w = next
	}
	p.head, p.tail, p.queued = nil, nil, 0
	p.discarded.Add(uint64(discarded))

	p.workCond.Broadcast()
	p.stateCond.Broadcast()

	if err := p.waitLocked(ctx, func() bool { return p.alive == 0 }); err != nil {
		log.Warningf("pool %q: %d workers still running at shutdown deadline", p.name, p.alive)
		return discarded, fmt.Errorf("%w: %w", ErrShutdownTimeout, err)
	}

	log.Debugf("pool %q stopped, %d queued jobs discarded", p.name, discarded)
	return discarded, nil
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return Stats{
		State:     p.state,
		Workers:   p.workers,
		Active:    p.active,
		Queued:    p.queued,
		Submitted: p.submitted.Load(),
		Executed:  p.executed.Load(),
		Discarded: p.discarded.Load(),
		Panicked:  p.panicked.Load(),
	}
}

// Metrics returns the metrics set the pool reports to.
func (p *Pool) Metrics() *metrics.Set {
	return p.metrics
}

// --------------------------------------------------------------------------
// Worker
// --------------------------------------------------------------------------

// worker pops jobs from the head of the queue until the pool is closed
func (p *Pool) worker() {
	p.mu.Lock()
	for {
		for (p.head == nil || p.state != StateActive) && p.state != StateClosed {
			p.workCond.Wait()
		}
		if p.state == StateClosed {
			break
		}

		w := p.head
		p.head = w.next
		if p.head == nil {
			p.tail = nil
		}
		w.next = nil
		p.queued--
		p.active++
		p.mu.Unlock()

		p.run(w.job)

		p.mu.Lock()
		p.active--
		if p.state == StatePausing && p.active == 0 {
			p.state = StatePaused
			p.stateCond.Broadcast()
		}
	}
	p.alive--
	p.stateCond.Broadcast()
	p.mu.Unlock()
}

// run executes job and recovers from a panic, the worker survives
func (p *Pool) run(job Job) {
	defer func() {
		if r := recover(); r != nil {
			p.panicked.Add(1)
			log.Errorf("pool %q: job panicked: %v\n%s", p.name, r, debug.Stack())
		}
		p.executed.Add(1)
	}()
	job()
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// waitLocked blocks on stateCond until cond returns true or ctx is done.
// p.mu must be held by the caller.
func (p *Pool) waitLocked(ctx context.Context, cond func() bool) error {
	if cond() {
		return nil
	}

	stop := context.AfterFunc(ctx, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.stateCond.Broadcast()
	})
	defer stop()

	for !cond() {
		if err := ctx.Err(); err != nil {
			return err
		}
		p.stateCond.Wait()
	}
	return nil
}

// registerMetrics exposes the pool counters in the metrics set
func (p *Pool) registerMetrics() {
	label := fmt.Sprintf(`{pool=%q}`, p.name)

	p.metrics.NewGauge("memdb_pool_jobs_submitted_total"+label, func() float64 {
		return float64(p.submitted.Load())
	})
	p.metrics.NewGauge("memdb_pool_jobs_executed_total"+label, func() float64 {
		return float64(p.executed.Load())
	})
	p.metrics.NewGauge("memdb_pool_jobs_discarded_total"+label, func() float64 {
		return float64(p.discarded.Load())
	})
	p.metrics.NewGauge("memdb_pool_jobs_panicked_total"+label, func() float64 {
		return float64(p.panicked.Load())
	})
	p.metrics.NewGauge("memdb_pool_jobs_queued"+label, func() float64 {
		return float64(p.Stats().Queued)
	})
	p.metrics.NewGauge("memdb_pool_jobs_active"+label, func() float64 {
		return float64(p.Stats().Active)
	})
	p.metrics.NewGauge("memdb_pool_workers"+label, func() float64 {
		return float64(p.workers)
	})
}
