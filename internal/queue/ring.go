// Package queue provides a bounded, lock-free, multi-producer
// multi-consumer FIFO used to hand orders from caller goroutines to the
// matching workers and trades from the workers to their consumers.
//
// The ring is an array of cells, each carrying a sequence number. A
// producer claims slot pos by CAS on the enqueue index once the cell's
// sequence equals pos, writes the value, then publishes it by storing
// pos+1. A consumer claims it once the sequence equals pos+1 and releases
// the cell for the next lap by storing pos+capacity. Head and tail live on
// separate cache lines. Slots are cleared on dequeue so the garbage
// collector can reclaim values; no other reclamation scheme is needed.
package queue

import (
	"context"
	"errors"
	"math/bits"
	"sync/atomic"
)

var (
	ErrQueueFull     = errors.New("queue full")
	ErrEmpty         = errors.New("queue empty")
	ErrInvalidConfig = errors.New("queue capacity must be positive")
)

type cell[T any] struct {
	seq atomic.Uint64
	val T
}

type Ring[T any] struct {
	enq   atomic.Uint64
	_pad1 [56]byte
	deq   atomic.Uint64
	_pad2 [56]byte
	cells []cell[T]
	mask  uint64

	// Wake-ups for blocked waiters. Each has room for one pending signal;
	// a waiter that consumes a signal and leaves work behind passes it on.
	readable chan struct{}
	writable chan struct{}
}

// New creates a ring holding at least capacity items. Capacity is rounded
// up to the next power of two.
func New[T any](capacity int) (*Ring[T], error) {
	if capacity <= 0 {
		return nil, ErrInvalidConfig
	}
	size := uint64(1)
	if capacity > 1 {
		size = 1 << bits.Len64(uint64(capacity-1))
	}

	r := &Ring[T]{
		cells:    make([]cell[T], size),
		mask:     size - 1,
		readable: make(chan struct{}, 1),
		writable: make(chan struct{}, 1),
	}
	for i := range r.cells {
		r.cells[i].seq.Store(uint64(i))
	}
	return r, nil
}

// MustNew is New for capacities known to be valid.
func MustNew[T any](capacity int) *Ring[T] {
	r, err := New[T](capacity)
	if err != nil {
		panic(err)
	}
	return r
}

// Enqueue appends v, or fails with ErrQueueFull without blocking.
func (r *Ring[T]) Enqueue(v T) error {
	pos := r.enq.Load()
	for {
		c := &r.cells[pos&r.mask]
		seq := c.seq.Load()
		switch dif := int64(seq - pos); {
		case dif == 0:
			if r.enq.CompareAndSwap(pos, pos+1) {
				c.val = v
				c.seq.Store(pos + 1)
				notify(r.readable)
				return nil
			}
			pos = r.enq.Load()
		case dif < 0:
			// The cell still holds an item from the previous lap.
			return ErrQueueFull
		default:
			pos = r.enq.Load()
		}
	}
}

// TryDequeue removes the oldest item. ok is false when nothing is
// available.
func (r *Ring[T]) TryDequeue() (v T, ok bool) {
	pos := r.deq.Load()
	for {
		c := &r.cells[pos&r.mask]
		seq := c.seq.Load()
		switch dif := int64(seq - (pos + 1)); {
		case dif == 0:
			if r.deq.CompareAndSwap(pos, pos+1) {
				v = c.val
				var zero T
				c.val = zero
				c.seq.Store(pos + r.mask + 1)
				notify(r.writable)
				return v, true
			}
			pos = r.deq.Load()
		case dif < 0:
			return v, false
		default:
			pos = r.deq.Load()
		}
	}
}

// Dequeue is TryDequeue reporting emptiness as ErrEmpty.
func (r *Ring[T]) Dequeue() (T, error) {
	v, ok := r.TryDequeue()
	if !ok {
		return v, ErrEmpty
	}
	return v, nil
}

// DequeueWait blocks until an item is available or ctx is done.
func (r *Ring[T]) DequeueWait(ctx context.Context) (T, error) {
	for {
		if v, ok := r.TryDequeue(); ok {
			if !r.IsEmpty() {
				notify(r.readable)
			}
			return v, nil
		}
		select {
		case <-r.readable:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// EnqueueWait blocks while the ring is full, until v is stored or ctx is
// done.
func (r *Ring[T]) EnqueueWait(ctx context.Context, v T) error {
	for {
		err := r.Enqueue(v)
		if err == nil {
			if r.Len() < r.Cap() {
				notify(r.writable)
			}
			return nil
		}
		select {
		case <-r.writable:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Len is a best-effort count of queued items; it includes slots claimed by
// producers that have not finished publishing.
func (r *Ring[T]) Len() int {
	deq := r.deq.Load()
	enq := r.enq.Load()
	if enq < deq {
		return 0
	}
	return int(enq - deq)
}

func (r *Ring[T]) IsEmpty() bool { return r.Len() == 0 }

func (r *Ring[T]) Cap() int { return len(r.cells) }

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
