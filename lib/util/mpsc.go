package util

import (
	"runtime"
	"sync/atomic"
)

// node represents a single element in the queue
type node[T interface{}] struct {
	value *T
	next  atomic.Pointer[node[T]]
}

// MPSC is a lock-free multi-producer single-consumer queue.
// Producers append with CAS on the tail node; the single consumer pops from the head
// without locking. The queue is drained explicitly with Pop or Drain, there is no
// consumer goroutine, which makes it suitable for event loops that drain it after
// being woken up.
//
// Ordering: items pushed by one producer are popped in push order. Items of
// concurrent producers are ordered by whichever append completed first.
type MPSC[T interface{}] struct {
	head   atomic.Pointer[node[T]]
	tail   atomic.Pointer[node[T]]
	closed atomic.Bool
	length atomic.Int64
}

// NewMPSC creates a new, empty queue
func NewMPSC[T interface{}]() *MPSC[T] {
	// sentinel node (dummy node at the beginning)
	sentinel := &node[T]{}

	q := &MPSC[T]{}
	q.head.Store(sentinel)
	q.tail.Store(sentinel)

	return q
}

// Push adds an item to the queue.
// Returns false if value is nil or the queue is closed.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (q *MPSC[T]) Push(value *T) bool {
	if value == nil || q.closed.Load() {
		return false
	}

	newNode := &node[T]{value: value}
	var backoff uint8

	for {
		tailNode := q.tail.Load()
		next := tailNode.next.Load()

		if next == nil {
			if tailNode.next.CompareAndSwap(nil, newNode) {
				// may fail if another producer already helped, tail is updated either way
				q.tail.CompareAndSwap(tailNode, newNode)
				q.length.Add(1)
				return true
			}
		} else {
			// help a producer that appended but has not moved the tail yet
			q.tail.CompareAndSwap(tailNode, next)
		}

		// exponential backoff under contention
		if backoff < 10 {
			backoff++
			for i := 0; i < 1<<backoff; i++ {
				runtime.Gosched()
			}
		}
		runtime.Gosched()
	}
}

// Pop removes and returns the head item. The boolean is false if the queue is empty.
//
// Thread-safety: Only a single goroutine may call Pop and Drain.
func (q *MPSC[T]) Pop() (*T, bool) {
	head := q.head.Load()
	next := head.next.Load()
	if next == nil {
		return nil, false
	}

	value := next.value
	q.head.Store(next)

	// next is the new sentinel, drop its value reference for the go gc
	next.value = nil
	q.length.Add(-1)

	return value, true
}

// Drain pops all currently available items and calls fn for each of them.
// It returns the number of items drained.
//
// Thread-safety: Only a single goroutine may call Pop and Drain.
func (q *MPSC[T]) Drain(fn func(*T)) int {
	n := 0
	for {
		value, ok := q.Pop()
		if !ok {
			return n
		}
		fn(value)
		n++
	}
}

// Close prevents further pushes. Items already queued can still be popped.
func (q *MPSC[T]) Close() {
	q.closed.Store(true)
}

// IsClosed returns true if the queue is closed.
func (q *MPSC[T]) IsClosed() bool {
	return q.closed.Load()
}

// Len returns an approximate count of the queued items.
func (q *MPSC[T]) Len() int {
	// a pop may be counted before the matching push
	if n := q.length.Load(); n > 0 {
		return int(n)
	}
	return 0
}
