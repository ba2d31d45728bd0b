// File: future/semaphore.go
// Author: momentics <momentics@gmail.com>
//
// Counting semaphore for the cooperative scheduler. Waiters queue in
// strict FIFO order and resume as futures; there is no blocking.

package future

import (
	"github.com/eapache/queue"

	"github.com/momentics/hioload-runtime/api"
)

type semWaiter struct {
	n    int
	prom *Promise[Unit]
}

// Semaphore limits concurrency on a single shard. It counts abstract
// units; Wait returns a future that resolves once the units could be
// deducted, in the order the waits were issued.
type Semaphore struct {
	count   int
	ex      api.Executor
	waiters *queue.Queue
	broken  bool
}

// NewSemaphore creates a semaphore holding count units.
func NewSemaphore(ex api.Executor, count int) *Semaphore {
	return &Semaphore{count: count, ex: ex, waiters: queue.New()}
}

// Wait deducts n units, queueing behind earlier waiters if the units are
// not immediately available.
func (s *Semaphore) Wait(n int) *Future[Unit] {
	if s.broken {
		return Failed[Unit](s.ex, api.ErrSemaphoreBroken)
	}
	if s.waiters.Length() == 0 && s.count >= n {
		s.count -= n
		return Done(s.ex)
	}
	pr := NewPromise[Unit](s.ex)
	s.waiters.Add(semWaiter{n: n, prom: pr})
	return pr.Future()
}

// TryWait deducts n units only if no waiter is queued and the units are
// available right now.
func (s *Semaphore) TryWait(n int) bool {
	if s.broken || s.waiters.Length() > 0 || s.count < n {
		return false
	}
	s.count -= n
	return true
}

// Signal returns n units and resumes queued waiters in FIFO order for as
// long as the head waiter's demand is covered.
func (s *Semaphore) Signal(n int) {
	if s.broken {
		return
	}
	s.count += n
	for s.waiters.Length() > 0 {
		w := s.waiters.Peek().(semWaiter)
		if s.count < w.n {
			break
		}
		s.waiters.Remove()
		s.count -= w.n
		w.prom.SetValue(Unit{})
	}
}

// Current returns the number of units available right now.
func (s *Semaphore) Current() int {
	return s.count
}

// Waiters returns the number of queued waiters.
func (s *Semaphore) Waiters() int {
	return s.waiters.Length()
}

// Break fails all queued waiters and every future Wait.
func (s *Semaphore) Break() {
	s.broken = true
	for s.waiters.Length() > 0 {
		w := s.waiters.Remove().(semWaiter)
		w.prom.SetError(api.ErrSemaphoreBroken)
	}
}
