// File: pool/ring.go
// Author: momentics <momentics@gmail.com>
//
// Lock-free single-producer/single-consumer ring for cross-thread data
// transfer. Producer and consumer indices live on separate cache lines;
// release/acquire ordering on the published index is the only
// synchronization.

package pool

import "sync/atomic"

// SPSCRing is a fixed-capacity power-of-two ring. Exactly one goroutine
// may call Enqueue and exactly one may call Dequeue; the two sides may
// run on different OS threads.
type SPSCRing[T any] struct {
	data []T
	mask uint64

	_    [64]byte // keep tail and head on distinct cache lines
	tail atomic.Uint64
	_    [64 - 8]byte
	head atomic.Uint64
	_    [64 - 8]byte
}

// NewSPSCRing allocates a ring with size slots (must be a power of two).
func NewSPSCRing[T any](size uint64) *SPSCRing[T] {
	if size == 0 || (size&(size-1)) != 0 {
		panic("pool: ring size must be a power of two")
	}
	return &SPSCRing[T]{
		data: make([]T, size),
		mask: size - 1,
	}
}

// Enqueue publishes one item; it returns false when the ring is full.
// Producer side only.
func (r *SPSCRing[T]) Enqueue(val T) bool {
	tail := r.tail.Load()
	head := r.head.Load()
	if tail-head == uint64(len(r.data)) {
		return false
	}
	r.data[tail&r.mask] = val
	r.tail.Store(tail + 1) // release: slot write happens-before publish
	return true
}

// Dequeue removes one item; ok is false when the ring is empty.
// Consumer side only.
func (r *SPSCRing[T]) Dequeue() (res T, ok bool) {
	head := r.head.Load()
	tail := r.tail.Load()
	if head == tail {
		return res, false
	}
	res = r.data[head&r.mask]
	var zero T
	r.data[head&r.mask] = zero
	r.head.Store(head + 1)
	return res, true
}

// Peek returns the item at consumer offset ahead without removing it.
// Used for prefetching a short distance into the batch. Consumer side.
func (r *SPSCRing[T]) Peek(ahead uint64) (res T, ok bool) {
	head := r.head.Load()
	tail := r.tail.Load()
	if tail-head <= ahead {
		return res, false
	}
	return r.data[(head+ahead)&r.mask], true
}

// Len returns the number of buffered items. Either side may call it; the
// answer is naturally approximate under concurrency.
func (r *SPSCRing[T]) Len() int {
	return int(r.tail.Load() - r.head.Load())
}

// Cap returns the ring capacity.
func (r *SPSCRing[T]) Cap() int {
	return len(r.data)
}
