// Package queue provides a bounded FIFO buffer with drop-oldest admission.
//
// The queue is not safe for concurrent use. It is meant to be owned by a
// single component that serialises access to it.
package queue

// CommandQueue buffers items in submission order. When full, Enqueue evicts
// the oldest item so the newest one always fits.
type CommandQueue[T any] struct {
	items    []T
	capacity int
}

// New creates an empty queue. A capacity below 1 is treated as 1.
func New[T any](capacity int) *CommandQueue[T] {
	return &CommandQueue[T]{capacity: clampCapacity(capacity)}
}

func clampCapacity(c int) int {
	if c < 1 {
		return 1
	}
	return c
}

// Enqueue appends item as the newest element and returns how many old
// elements were evicted to make room for it.
func (q *CommandQueue[T]) Enqueue(item T) int {
	evicted := 0
	for len(q.items) >= q.capacity {
		q.dropFront()
		evicted++
	}
	q.items = append(q.items, item)
	return evicted
}

// Dequeue removes and returns the oldest element. The boolean is false when
// the queue is empty.
func (q *CommandQueue[T]) Dequeue() (T, bool) {
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	item := q.items[0]
	q.dropFront()
	return item, true
}

// dropFront removes the head and releases its reference.
func (q *CommandQueue[T]) dropFront() {
	var zero T
	q.items[0] = zero
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
}

// SetCapacity changes the capacity used by future Enqueue calls. Elements
// already buffered beyond the new capacity stay until the next Enqueue.
func (q *CommandQueue[T]) SetCapacity(c int) {
	q.capacity = clampCapacity(c)
}

// Capacity returns the current capacity.
func (q *CommandQueue[T]) Capacity() int {
	return q.capacity
}

// Size returns the number of buffered elements.
func (q *CommandQueue[T]) Size() int {
	return len(q.items)
}

// FastForward keeps only the most recent element and returns how many
// older elements were discarded.
func (q *CommandQueue[T]) FastForward() int {
	n := len(q.items)
	if n <= 1 {
		return 0
	}
	q.items = []T{q.items[n-1]}
	return n - 1
}

// Clear discards every buffered element.
func (q *CommandQueue[T]) Clear() {
	q.items = nil
}
