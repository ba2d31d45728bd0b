package pool_test

import (
	"sync"
	"testing"

	"github.com/momentics/hioload-runtime/pool"
)

func TestRingFIFOAndCapacity(t *testing.T) {
	r := pool.NewSPSCRing[int](8)
	for i := 0; i < 8; i++ {
		if !r.Enqueue(i) {
			t.Fatalf("enqueue %d failed below capacity", i)
		}
	}
	if r.Enqueue(99) {
		t.Fatal("enqueue succeeded on a full ring")
	}
	for i := 0; i < 8; i++ {
		v, ok := r.Dequeue()
		if !ok || v != i {
			t.Fatalf("dequeue %d: got (%d,%v)", i, v, ok)
		}
	}
	if _, ok := r.Dequeue(); ok {
		t.Fatal("dequeue succeeded on an empty ring")
	}
}

func TestRingPeek(t *testing.T) {
	r := pool.NewSPSCRing[int](4)
	r.Enqueue(10)
	r.Enqueue(20)
	if v, ok := r.Peek(1); !ok || v != 20 {
		t.Fatalf("peek(1) = (%d,%v), want (20,true)", v, ok)
	}
	if _, ok := r.Peek(2); ok {
		t.Fatal("peek past tail succeeded")
	}
	if v, _ := r.Dequeue(); v != 10 {
		t.Fatal("peek disturbed FIFO order")
	}
}

func TestRingCrossThreadOrder(t *testing.T) {
	const n = 1 << 18
	r := pool.NewSPSCRing[int](128)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; {
			if r.Enqueue(i) {
				i++
			}
		}
	}()
	for i := 0; i < n; {
		if v, ok := r.Dequeue(); ok {
			if v != i {
				t.Errorf("out of order: got %d, want %d", v, i)
				return
			}
			i++
		}
	}
	wg.Wait()
}
