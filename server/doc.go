// Package server implements the memdb event loop.
//
// A single goroutine, locked to its OS thread, owns the listening socket and the
// dispatcher. It moves through the following states:
//
//	Idle -> Listening -> Accepting | Dispatching -> Listening -> ... -> Closing -> Closed
//
//   - Listening: the loop commits pending registrations and waits for events.
//   - Accepting: the listener is readable; connections are accepted until the pending
//     queue is empty and registered oneshot for read interest.
//   - Dispatching: a connection is readable; a job serving it with the Handler is
//     submitted to the worker pool. EOF and error events close the connection.
//   - Closing: Stop was called or the context is done. The listener is closed, the pool is
//     shut down within the configured deadline, and the remaining connections are closed.
//     A connection whose handler is still running after the deadline is closed by its
//     worker once the handler returns.
//
// A failed registration closes only the affected connection. Commit errors other than a
// closed or forked dispatcher are logged and the loop keeps running.
//
// Workers never touch the dispatcher. When a job returns, the worker pushes a re-arm or
// close request onto a lock-free MPSC queue and wakes the loop with a Waker; the loop
// drains the queue after every commit.
//
// Usage:
//
//	srv := server.NewServer(cfg, lstore.NewLocalStore(), pool.New(0), myHandler)
//	if err := srv.Start(ctx); err != nil {
//		return err
//	}
//
// Metrics of the server, its pool and the process are written by WriteMetrics and, when
// configured, served at /metrics on the metrics endpoint.
package server
