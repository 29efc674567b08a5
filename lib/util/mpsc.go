// Package util
//
// This file provides a lock-free Multi-Producer Single-Consumer (MPSC) queue.
//
// Features and Guarantees:
//
//   - Lock-Free: producers append with a single atomic swap, no retries under contention
//   - Unbounded Size: the queue grows as needed, limited only by available memory
//   - Poll-based Consumer: the single consumer drains the queue from its own goroutine with
//     Poll() / Drain(), so it can bound the amount of work done per iteration
//   - Wake-up Signal: Notify() returns a channel that receives a token after a push, which lets the
//     consumer sleep in a select statement without busy polling
//   - Per-producer FIFO: items pushed by one goroutine are consumed in the same order. Across
//     producers the order is decided by the atomic swap, not by the call start.
package util

import (
	"sync/atomic"
)

// node represents a single element in the queue
type node[T any] struct {
	value T
	next  atomic.Pointer[node[T]]
}

// MPSC is a lock-free multi-producer single-consumer queue.
// Push may be called from any goroutine, Poll and Drain only from the consumer goroutine.
type MPSC[T any] struct {
	head   *node[T] // consumer owned, always points to the last consumed (stub) node
	tail   atomic.Pointer[node[T]]
	size   atomic.Int64
	closed atomic.Bool
	notify chan struct{}
}

// NewMPSC creates a new empty queue
func NewMPSC[T any]() *MPSC[T] {
	// Create a stub node, head and tail both start there
	stub := &node[T]{}

	q := &MPSC[T]{
		head:   stub,
		notify: make(chan struct{}, 1),
	}
	q.tail.Store(stub)

	return q
}

// Push adds an item to the queue.
// Returns false if the queue is closed.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (q *MPSC[T]) Push(value T) bool {
	if q.closed.Load() {
		return false
	}

	n := &node[T]{value: value}
	q.size.Add(1)

	/*
	 Swap the tail first, then link the previous tail to the new node.
	 Between the two steps the consumer sees the queue as shorter than it is,
	 which is fine: the item becomes visible once the link is stored, and we
	 signal the consumer only after that.
	*/
	prev := q.tail.Swap(n)
	prev.next.Store(n)

	// Wake the consumer, a pending token is enough
	select {
	case q.notify <- struct{}{}:
	default:
	}

	return true
}

// Poll removes and returns the oldest item. The second return value is false if no item is
// currently visible.
//
// Thread-safety: must only be called by the consumer goroutine.
func (q *MPSC[T]) Poll() (T, bool) {
	var zero T

	next := q.head.next.Load()
	if next == nil {
		return zero, false
	}

	value := next.value

	// next becomes the new stub, drop the reference to help the gc
	next.value = zero
	q.head = next
	q.size.Add(-1)

	return value, true
}

// Drain polls up to max items and passes them to fn. A max <= 0 drains everything that is
// visible. Returns the number of consumed items.
//
// Thread-safety: must only be called by the consumer goroutine.
func (q *MPSC[T]) Drain(max int, fn func(T)) int {
	count := 0
	for max <= 0 || count < max {
		value, ok := q.Poll()
		if !ok {
			break
		}
		fn(value)
		count++
	}
	return count
}

// Notify returns a channel that receives a token whenever items were pushed.
// Tokens are coalesced, so after a wake-up the consumer should drain the queue.
func (q *MPSC[T]) Notify() <-chan struct{} {
	return q.notify
}

// Close closes the queue, preventing further pushes.
// Items already in the queue can still be polled.
func (q *MPSC[T]) Close() {
	q.closed.Store(true)
}

// IsClosed returns true if the queue is closed.
func (q *MPSC[T]) IsClosed() bool {
	return q.closed.Load()
}

// Len returns an approximate count of the items in the queue.
func (q *MPSC[T]) Len() int {
	if n := q.size.Load(); n > 0 {
		return int(n)
	}
	return 0
}
