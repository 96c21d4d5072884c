package rt

import (
	"math/bits"
	"sync/atomic"
)

type (
	// Queue is a bounded lock-free multi-producer multi-consumer FIFO. Push
	// and Pop never block and never allocate; Push fails when the queue is
	// full and Pop fails when it is empty.
	Queue[T any] struct {
		mask  uint64
		cells []queueCell[T]
		_     [56]byte
		enq   atomic.Uint64
		_     [56]byte
		deq   atomic.Uint64
	}

	queueCell[T any] struct {
		seq atomic.Uint64
		val T
	}

	// Ring is a bounded lock-free single-producer single-consumer buffer for
	// streaming samples or events from the real-time thread to a control
	// goroutine.
	Ring[T any] struct {
		buf  []T
		mask uint64
		_    [56]byte
		w    atomic.Uint64
		_    [56]byte
		r    atomic.Uint64
	}
)

// NewQueue returns a queue that can hold at least capacity elements.
func NewQueue[T any](capacity int) *Queue[T] {
	n := roundUp(capacity)
	q := &Queue[T]{mask: uint64(n - 1), cells: make([]queueCell[T], n)}
	for i := range q.cells {
		q.cells[i].seq.Store(uint64(i))
	}
	return q
}

func (q *Queue[T]) Push(v T) bool {
	pos := q.enq.Load()
	for {
		c := &q.cells[pos&q.mask]
		seq := c.seq.Load()
		switch dif := int64(seq) - int64(pos); {
		case dif == 0:
			if q.enq.CompareAndSwap(pos, pos+1) {
				c.val = v
				c.seq.Store(pos + 1)
				return true
			}
			pos = q.enq.Load()
		case dif < 0:
			return false
		default:
			pos = q.enq.Load()
		}
	}
}

func (q *Queue[T]) Pop() (v T, ok bool) {
	pos := q.deq.Load()
	for {
		c := &q.cells[pos&q.mask]
		seq := c.seq.Load()
		switch dif := int64(seq) - int64(pos+1); {
		case dif == 0:
			if q.deq.CompareAndSwap(pos, pos+1) {
				v = c.val
				c.seq.Store(pos + q.mask + 1)
				return v, true
			}
			pos = q.deq.Load()
		case dif < 0:
			return v, false
		default:
			pos = q.deq.Load()
		}
	}
}

// NewRing returns a ring buffer holding at least capacity elements.
func NewRing[T any](capacity int) *Ring[T] {
	n := roundUp(capacity)
	return &Ring[T]{buf: make([]T, n), mask: uint64(n - 1)}
}

// Write copies as much of src as fits and returns the number of elements
// written. Only one goroutine may write.
func (r *Ring[T]) Write(src []T) int {
	w, rd := r.w.Load(), r.r.Load()
	free := uint64(len(r.buf)) - (w - rd)
	n := min(uint64(len(src)), free)
	for i := uint64(0); i < n; i++ {
		r.buf[(w+i)&r.mask] = src[i]
	}
	r.w.Store(w + n)
	return int(n)
}

// Push appends a single element, reporting false if the ring is full.
func (r *Ring[T]) Push(v T) bool {
	w := r.w.Load()
	if w-r.r.Load() == uint64(len(r.buf)) {
		return false
	}
	r.buf[w&r.mask] = v
	r.w.Store(w + 1)
	return true
}

// Read copies up to len(dst) elements into dst. Only one goroutine may read.
func (r *Ring[T]) Read(dst []T) int {
	w, rd := r.w.Load(), r.r.Load()
	n := min(uint64(len(dst)), w-rd)
	for i := uint64(0); i < n; i++ {
		dst[i] = r.buf[(rd+i)&r.mask]
	}
	r.r.Store(rd + n)
	return int(n)
}

// Len is the number of elements waiting to be read.
func (r *Ring[T]) Len() int {
	return int(r.w.Load() - r.r.Load())
}

func roundUp(n int) int {
	if n < 2 {
		return 2
	}
	return 1 << bits.Len(uint(n-1))
}
