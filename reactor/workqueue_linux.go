//go:build linux

// File: reactor/workqueue_linux.go
// Author: momentics <momentics@gmail.com>
//
// Fallback path for syscalls with no asynchronous variant (truncate,
// stat, directory reads, ...). A single worker thread sits behind a
// pair of SPSC rings: the reactor publishes work items and signals a
// blocking eventfd; the worker executes and pushes them back, waking
// the reactor. This is the only place in the shard where another thread
// runs caller-supplied code.

package reactor

import (
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-runtime/future"
	"github.com/momentics/hioload-runtime/pool"
)

const workQueueLength = 128

type workItem struct {
	process  func() // runs on the worker thread
	complete func() // runs back on the shard
}

type workQueue struct {
	r         *Reactor
	pending   *pool.SPSCRing[*workItem]
	completed *pool.SPSCRing[*workItem]
	startFD   int // blocking eventfd the worker parks on
	room      *future.Semaphore
	stopped   atomic.Bool
}

func newWorkQueue(r *Reactor) *workQueue {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC)
	if err != nil {
		panic("reactor: eventfd: " + err.Error())
	}
	wq := &workQueue{
		r:         r,
		pending:   pool.NewSPSCRing[*workItem](workQueueLength),
		completed: pool.NewSPSCRing[*workItem](workQueueLength),
		startFD:   fd,
		room:      future.NewSemaphore(r, workQueueLength),
	}
	go wq.work()
	return wq
}

func (wq *workQueue) close() {
	wq.stopped.Store(true)
	wq.signal(1)
}

func (wq *workQueue) signal(n uint64) {
	var buf [8]byte
	hostEndian.PutUint64(buf[:], n)
	for {
		_, err := unix.Write(wq.startFD, buf[:])
		if err != unix.EINTR {
			return
		}
	}
}

// work is the worker thread's loop.
func (wq *workQueue) work() {
	var buf [8]byte
	for {
		_, err := unix.Read(wq.startFD, buf[:])
		if err == unix.EINTR {
			continue
		}
		if wq.stopped.Load() {
			unix.Close(wq.startFD)
			return
		}
		if err != nil {
			return
		}
		for {
			item, ok := wq.pending.Dequeue()
			if !ok {
				break
			}
			item.process()
			wq.completed.Enqueue(item)
		}
		wq.r.Wakeup()
	}
}

// drainCompleted delivers finished items back on the shard.
func (wq *workQueue) drainCompleted() bool {
	got := false
	for {
		item, ok := wq.completed.Dequeue()
		if !ok {
			return got
		}
		got = true
		item.complete()
	}
}

// SubmitBlocking runs fn on the shard's worker thread and resolves with
// its result back on the shard. fn must be self-contained: it runs
// concurrently with shard code.
func SubmitBlocking[T any](r *Reactor, fn func() (T, error)) *future.Future[T] {
	wq := r.wq
	return future.Then(wq.room.Wait(1), func(future.Unit) *future.Future[T] {
		r.stats.Fallbacks++
		pr := future.NewPromise[T](r)
		var (
			res T
			err error
		)
		item := &workItem{
			process: func() { res, err = fn() },
			complete: func() {
				wq.room.Signal(1)
				if err != nil {
					pr.SetError(err)
				} else {
					pr.SetValue(res)
				}
			},
		}
		// The room semaphore guarantees a free slot.
		wq.pending.Enqueue(item)
		wq.signal(1)
		return pr.Future()
	})
}

// workCompletePoller collects results from the worker thread. Sleeping
// is safe: the worker wakes the reactor through the eventfd.
type workCompletePoller struct {
	wq *workQueue
}

func (p *workCompletePoller) Poll() bool { return p.wq.drainCompleted() }

func (p *workCompletePoller) TryEnterInterruptMode() bool { return true }

func (p *workCompletePoller) ExitInterruptMode() {}
