// Package pool implements a fixed-size worker pool draining a shared FIFO job queue.
//
// Workers block on a condition variable until a job is queued or the pool changes
// state. The queue is a singly linked list touched only while holding the pool mutex,
// so every popped job is executed exactly once and, with a single worker, jobs run
// in submission order.
//
// Lifecycle:
//
//	Active ──Pause──▶ Pausing ──(running jobs done)──▶ Paused ──Resume──▶ Active
//	   │                                                  │
//	   └──────────────────────Shutdown────────────────────┴──▶ Closed
//
// Shutdown is cooperative: running jobs are never interrupted, jobs still in the
// queue are discarded unexecuted, and the wait for the workers is bounded by a
// context. A job that panics is recovered and logged; its worker keeps running.
//
// Usage Example:
//
//	p := pool.New(0) // one worker per available CPU
//	_ = p.Submit(func() { handle(conn) })
//
//	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
//	defer cancel()
//	discarded, err := p.Shutdown(ctx)
//
// Metrics:
//
//	Every pool reports its counters (submitted, executed, discarded, panicked jobs)
//	and gauges (queued, active, workers) to a VictoriaMetrics set, labeled with the
//	pool name.
package pool
