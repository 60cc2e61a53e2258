package runqueue

import "sync/atomic"

type mpmcCell[T any] struct {
	seq  atomic.Uint64
	data T
}

// BoundedMPMC is a fixed-capacity multi-producer multi-consumer queue
// (Vyukov's cell-array design): every cell carries its own sequence number,
// so producers and consumers only ever contend on a single cursor CAS each,
// never on each other's cursor.
type BoundedMPMC[T any] struct {
	buf  []mpmcCell[T]
	mask uint64
	head atomic.Uint64
	tail atomic.Uint64
}

// NewBoundedMPMC returns a queue whose capacity is the next power of two
// >= capacity.
func NewBoundedMPMC[T any](capacity int) *BoundedMPMC[T] {
	n := nextPow2(capacity)
	q := &BoundedMPMC[T]{buf: make([]mpmcCell[T], n), mask: uint64(n - 1)}
	for i := range q.buf {
		q.buf[i].seq.Store(uint64(i))
	}
	return q
}

// Push enqueues v, returning false if the queue is full.
func (q *BoundedMPMC[T]) Push(v T) bool {
	pos := q.tail.Load()
	var c *mpmcCell[T]
	for {
		c = &q.buf[pos&q.mask]
		seq := c.seq.Load()
		diff := int64(seq) - int64(pos)
		switch {
		case diff == 0:
			if q.tail.CompareAndSwap(pos, pos+1) {
				c.data = v
				c.seq.Store(pos + 1)
				return true
			}
			pos = q.tail.Load()
		case diff < 0:
			return false
		default:
			pos = q.tail.Load()
		}
	}
}

// PushN pushes as many of items as the queue has room for, in order,
// returning the number actually pushed: a push_stq-style batch primitive
// where the caller spills items[pushed:] into a fallback queue.
func (q *BoundedMPMC[T]) PushN(items []T) int {
	for i, v := range items {
		if !q.Push(v) {
			return i
		}
	}
	return len(items)
}

// Pop dequeues the oldest element, returning false if the queue is empty.
func (q *BoundedMPMC[T]) Pop() (T, bool) {
	var zero T
	pos := q.head.Load()
	var c *mpmcCell[T]
	for {
		c = &q.buf[pos&q.mask]
		seq := c.seq.Load()
		diff := int64(seq) - int64(pos+1)
		switch {
		case diff == 0:
			if q.head.CompareAndSwap(pos, pos+1) {
				v := c.data
				c.data = zero
				c.seq.Store(pos + q.mask + 1)
				return v, true
			}
			pos = q.head.Load()
		case diff < 0:
			return zero, false
		default:
			pos = q.head.Load()
		}
	}
}

// Cap returns the queue's fixed capacity.
func (q *BoundedMPMC[T]) Cap() int { return len(q.buf) }
