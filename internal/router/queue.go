package router

import (
	"sync"
)

// Queue is a thread-safe FIFO ring that doubles its capacity when full,
// up to maxCapacity. At maxCapacity the oldest item is dropped to make room,
// so a stalled consumer cannot grow memory without bound.
type Queue[T any] struct {
	mu          sync.Mutex
	cond        *sync.Cond
	buf         []T
	head        int // read position
	count       int
	maxCapacity int
	closed      bool

	// Stats
	enqueued int64
	dequeued int64
	dropped  int64
	resizes  int
}

// QueueStats contains queue statistics.
type QueueStats struct {
	Len      int
	Capacity int
	Enqueued int64
	Dequeued int64
	Dropped  int64
	Resizes  int
}

// NewQueue creates a queue with the given initial capacity.
// maxCapacity <= 0 means unbounded.
func NewQueue[T any](initialCapacity, maxCapacity int) *Queue[T] {
	if initialCapacity < 1 {
		initialCapacity = 1
	}
	if maxCapacity > 0 && maxCapacity < initialCapacity {
		maxCapacity = initialCapacity
	}
	q := &Queue[T]{
		buf:         make([]T, initialCapacity),
		maxCapacity: maxCapacity,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends an item. Returns false if the queue is closed.
func (q *Queue[T]) Push(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	if q.count == len(q.buf) {
		if q.maxCapacity <= 0 || len(q.buf) < q.maxCapacity {
			q.grow()
		} else {
			q.popLocked()
			q.dropped++
		}
	}

	q.buf[(q.head+q.count)%len(q.buf)] = item
	q.count++
	q.enqueued++

	q.cond.Signal()
	return true
}

// Pop removes and returns the oldest item, blocking until one is available.
// Returns false once the queue is closed and drained.
func (q *Queue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.count == 0 && !q.closed {
		q.cond.Wait()
	}

	if q.count == 0 {
		var zero T
		return zero, false
	}

	q.dequeued++
	return q.popLocked(), true
}

// TryPop removes the oldest item without blocking.
func (q *Queue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		var zero T
		return zero, false
	}

	q.dequeued++
	return q.popLocked(), true
}

// Close stops accepting items. Pending items can still be popped.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.cond.Broadcast()
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Stats returns queue statistics.
func (q *Queue[T]) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		Len:      q.count,
		Capacity: len(q.buf),
		Enqueued: q.enqueued,
		Dequeued: q.dequeued,
		Dropped:  q.dropped,
		Resizes:  q.resizes,
	}
}

// popLocked removes the head item. Must be called with lock held and count > 0.
func (q *Queue[T]) popLocked() T {
	item := q.buf[q.head]
	var zero T
	q.buf[q.head] = zero // Clear reference for GC
	q.head = (q.head + 1) % len(q.buf)
	q.count--
	return item
}

// grow doubles the capacity, clamped to maxCapacity. Must be called with lock held.
func (q *Queue[T]) grow() {
	newCap := len(q.buf) * 2
	if q.maxCapacity > 0 && newCap > q.maxCapacity {
		newCap = q.maxCapacity
	}
	newBuf := make([]T, newCap)

	// Unwrap [head...end) + [0...tail) into the front of newBuf
	n := copy(newBuf, q.buf[q.head:])
	if n < q.count {
		copy(newBuf[n:], q.buf[:q.count-n])
	}

	q.buf = newBuf
	q.head = 0
	q.resizes++
}
