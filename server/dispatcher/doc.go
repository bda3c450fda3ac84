// Package dispatcher provides a kqueue-style change/commit interface to the readiness
// multiplexer of the operating system.
//
// Interest changes are collected with Change and submitted together with the wait for
// events by a single Commit, which keeps the number of system calls per loop iteration
// low. On Darwin and FreeBSD the records map directly onto kevent(2), submitted with
// EV_RECEIPT. On Linux the same semantics are emulated on top of epoll:
//
//   - Registrations are tracked per (descriptor, filter); the epoll interest mask of a
//     descriptor is derived from its active filters.
//   - FlagOneshot removes only the filter that fired, FlagClear selects edge triggered
//     notification.
//   - A change that fails (for example deleting a filter that is not registered) is
//     reported as an event with FlagError and the errno in Data, and Commit returns
//     without waiting.
//   - One epoll event can produce a read and a write event.
//
// On every platform a failing change does not stop the changes after it, and events
// that do not fit into maxEvents, error events included, are delivered by the next
// Commit. Commit itself only fails when the dispatcher is unusable.
//
// Buffers:
//
//	The change and the event buffer grow by a factor of 3/2 (at least by 2) when they
//	are full and never shrink. The change buffer is consumed by every Commit, whatever
//	its outcome.
//
// Ownership:
//
//	A Dispatcher owns its multiplexer descriptor and closes it in Close. It records the
//	process id at creation and refuses to Commit from another process (ErrForked).
//	Descriptors should be deleted from the dispatcher before they are closed.
//
// Usage Example:
//
//	d, _ := dispatcher.New()
//	defer d.Close()
//
//	_ = d.Change(listenFd, dispatcher.FilterRead, dispatcher.FlagAdd, 0, 0, nil)
//	for {
//		n, err := d.Commit(64, -1)
//		if err != nil {
//			return err
//		}
//		for _, ev := range d.Events()[:n] {
//			// handle ev
//		}
//	}
//
// Waker:
//
//	A Waker is a descriptor (eventfd on Linux, a pipe elsewhere) that other goroutines
//	make readable to interrupt a Commit blocked without timeout.
package dispatcher
