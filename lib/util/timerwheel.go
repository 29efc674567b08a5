// Package util
//
// This file provides a deadline-indexed timer set ("timer wheel") for the sender actor.
//
// The implementation combines a binary heap ordered by deadline with a hash map keyed by timer id:
//
//   - O(log n) to schedule a timer and to pop the earliest one
//   - O(1) lookup by timer id, O(log n) cancellation by timer id
//   - timers with equal deadlines expire in scheduling order
//
// Every timer carries an owner value, which is handed back to the expiry handler.
//
// Concurrency Considerations:
//   - This implementation is not thread-safe, it is meant to be owned by a single goroutine
//
// Example usage:
//
//	w := NewTimerWheel[*request]()
//	id := w.Schedule(time.Now().Add(time.Second), req)
//
//	// later, from the same goroutine
//	w.Poll(time.Now(), func(id uint64, req *request) {
//	    // handle expiry
//	}, 0)
package util

import (
	"container/heap"
	"time"
)

// timer is a single scheduled deadline
type timer[T any] struct {
	id       uint64 // Unique identifier of the timer, never 0
	deadline int64  // Deadline in unix nanoseconds
	owner    T
	index    int // Index in the heap, maintained by heap package
}

// timerHeap implements heap.Interface over the scheduled timers
type timerHeap[T any] struct {
	items []*timer[T]
	byID  map[uint64]*timer[T]
}

func (h *timerHeap[T]) Len() int { return len(h.items) }

// Less orders by deadline, ties are broken by id so that earlier timers expire first
func (h *timerHeap[T]) Less(i, j int) bool {
	if h.items[i].deadline == h.items[j].deadline {
		return h.items[i].id < h.items[j].id
	}
	return h.items[i].deadline < h.items[j].deadline
}

func (h *timerHeap[T]) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

func (h *timerHeap[T]) Push(x any) {
	t := x.(*timer[T])
	t.index = len(h.items)
	h.items = append(h.items, t)
	h.byID[t.id] = t
}

func (h *timerHeap[T]) Pop() any {
	old := h.items
	n := len(old)
	t := old[n-1]
	old[n-1] = nil // Avoid memory leak
	t.index = -1
	h.items = old[:n-1]
	delete(h.byID, t.id)
	return t
}

// TimerWheel is a deadline-indexed set of pending timeouts, each tagged with its owner
type TimerWheel[T any] struct {
	heap   timerHeap[T]
	nextID uint64
}

// NewTimerWheel creates a new empty timer wheel
func NewTimerWheel[T any]() *TimerWheel[T] {
	return &TimerWheel[T]{
		heap: timerHeap[T]{
			items: make([]*timer[T], 0),
			byID:  make(map[uint64]*timer[T]),
		},
	}
}

// Schedule adds a timer expiring at deadline and returns its id (always > 0)
func (w *TimerWheel[T]) Schedule(deadline time.Time, owner T) uint64 {
	w.nextID++
	heap.Push(&w.heap, &timer[T]{
		id:       w.nextID,
		deadline: deadline.UnixNano(),
		owner:    owner,
	})
	return w.nextID
}

// Cancel removes the timer with the given id. Returns false if it does not exist (anymore).
func (w *TimerWheel[T]) Cancel(id uint64) bool {
	t, exists := w.heap.byID[id]
	if !exists {
		return false
	}
	heap.Remove(&w.heap, t.index)
	return true
}

// Contains checks if a timer with the given id is scheduled
func (w *TimerWheel[T]) Contains(id uint64) bool {
	_, exists := w.heap.byID[id]
	return exists
}

// Deadline returns the deadline of the timer with the given id
func (w *TimerWheel[T]) Deadline(id uint64) (time.Time, bool) {
	t, exists := w.heap.byID[id]
	if !exists {
		return time.Time{}, false
	}
	return time.Unix(0, t.deadline), true
}

// Next returns the earliest deadline of all scheduled timers
func (w *TimerWheel[T]) Next() (time.Time, bool) {
	if len(w.heap.items) == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, w.heap.items[0].deadline), true
}

// Poll removes every timer due at or before now, calling handler for each in deadline order.
// At most max timers are expired if max > 0. The handler may schedule new timers, timers that
// are already due are expired by the same call.
// Returns the number of expired timers.
func (w *TimerWheel[T]) Poll(now time.Time, handler func(id uint64, owner T), max int) int {
	nowNano := now.UnixNano()
	count := 0

	for len(w.heap.items) > 0 && (max <= 0 || count < max) {
		t := w.heap.items[0]
		if t.deadline > nowNano {
			break
		}

		// remove before calling the handler, so it sees a consistent wheel
		heap.Pop(&w.heap)
		handler(t.id, t.owner)
		count++
	}

	return count
}

// Range calls fn for every scheduled timer in unspecified order until fn returns false
func (w *TimerWheel[T]) Range(fn func(id uint64, owner T) bool) {
	for _, t := range w.heap.items {
		if !fn(t.id, t.owner) {
			return
		}
	}
}

// Len returns the number of scheduled timers
func (w *TimerWheel[T]) Len() int {
	return len(w.heap.items)
}
