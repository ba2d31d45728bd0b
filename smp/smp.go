// File: smp/smp.go
// Author: momentics <momentics@gmail.com>
//
// Shard bootstrap and the cross-shard submission surface. Configure
// builds one reactor per shard and the full matrix of SPSC pairs; Run
// pins each reactor to its CPU and drives shard 0 on the calling
// thread.

package smp

import (
	"log"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/momentics/hioload-runtime/affinity"
	"github.com/momentics/hioload-runtime/api"
	"github.com/momentics/hioload-runtime/future"
	"github.com/momentics/hioload-runtime/ioqueue"
	"github.com/momentics/hioload-runtime/reactor"
)

// Config parametrizes the fabric.
type Config struct {
	// Shards is the number of reactors; zero selects one.
	Shards int
	// CPUs optionally pins shard i to CPUs[i]; empty pins shard i to CPU i.
	CPUs []int
	// TaskQuota, PollMode and MaxAIO forward into every reactor.
	TaskQuota time.Duration
	PollMode  bool
	MaxAIO    int
	// MaxIORequests is the total disk concurrency split across the I/O
	// coordinators; zero selects 128.
	MaxIORequests int
	// NumIOQueues is the number of coordinator shards; zero gives every
	// shard its own queue.
	NumIOQueues int
}

// Fabric owns the reactors and the pairwise message queues.
type Fabric struct {
	count    int
	cpus     []int
	reactors []*reactor.Reactor
	qs       [][]*MessageQueue // qs[to][from]
}

// Configure builds the reactors, the ring matrix, the per-shard SMP
// pollers and the I/O queue topology.
func Configure(cfg Config) (*Fabric, error) {
	if cfg.Shards < 1 {
		cfg.Shards = 1
	}
	if cfg.MaxIORequests == 0 {
		cfg.MaxIORequests = 128
	}
	if cfg.NumIOQueues == 0 || cfg.NumIOQueues > cfg.Shards {
		cfg.NumIOQueues = cfg.Shards
	}
	f := &Fabric{
		count:    cfg.Shards,
		reactors: make([]*reactor.Reactor, cfg.Shards),
	}
	f.cpus = cfg.CPUs
	if len(f.cpus) == 0 {
		f.cpus = make([]int, cfg.Shards)
		for i := range f.cpus {
			f.cpus[i] = i
		}
	}
	for i := 0; i < cfg.Shards; i++ {
		r, err := reactor.New(reactor.Config{
			ID:            i,
			TaskQuota:     cfg.TaskQuota,
			PollMode:      cfg.PollMode,
			MaxAIO:        cfg.MaxAIO,
			HandleSignals: i == 0,
		})
		if err != nil {
			return nil, err
		}
		f.reactors[i] = r
	}

	f.qs = make([][]*MessageQueue, cfg.Shards)
	for to := 0; to < cfg.Shards; to++ {
		f.qs[to] = make([]*MessageQueue, cfg.Shards)
		for from := 0; from < cfg.Shards; from++ {
			if from != to {
				f.qs[to][from] = newMessageQueue(f.reactors[from], f.reactors[to])
			}
		}
	}

	f.configureIOQueues(cfg)

	for i, r := range f.reactors {
		r := r
		r.RegisterPoller(&smpPoller{f: f, me: i})
		// Bind the sender so fair-queue submissions from this shard can
		// reach their coordinator through the fabric.
		r.SetRemoteIO(func(coordinator int, fn func(peer *reactor.Reactor) *future.Future[int]) *future.Future[int] {
			return SubmitIOTo(f, r, coordinator, fn)
		})
	}
	return f, nil
}

// configureIOQueues spreads coordinators over contiguous shard blocks
// and splits the disk concurrency between them.
func (f *Fabric) configureIOQueues(cfg Config) {
	stride := cfg.Shards / cfg.NumIOQueues
	if stride < 1 {
		stride = 1
	}
	topology := make([]int, cfg.Shards)
	for s := 0; s < cfg.Shards; s++ {
		c := s / stride
		if c >= cfg.NumIOQueues {
			c = cfg.NumIOQueues - 1
		}
		topology[s] = c * stride
	}
	share := cfg.MaxIORequests / cfg.NumIOQueues
	if share < 1 {
		share = 1
	}
	for s := 0; s < cfg.Shards; s++ {
		if topology[s] == s {
			f.reactors[s].SetIOQueue(ioqueue.New(f.reactors[s], s, share, topology))
		} else {
			f.reactors[s].SetIOCoordinator(topology[s])
		}
	}
}

// Count returns the number of shards.
func (f *Fabric) Count() int { return f.count }

// Reactor returns shard i's reactor.
func (f *Fabric) Reactor(i int) *reactor.Reactor { return f.reactors[i] }

// Queue returns the (from → to) message queue, for observability.
func (f *Fabric) Queue(to, from int) *MessageQueue { return f.qs[to][from] }

// Run drives every shard until shutdown and returns shard 0's exit
// code. Shard 0 runs main on the calling thread; shards 1..N-1 run on
// pinned worker threads joined before Run returns.
func (f *Fabric) Run(main func(r *reactor.Reactor) *future.Future[int]) int {
	var eg errgroup.Group
	for i := 1; i < f.count; i++ {
		i := i
		eg.Go(func() error {
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()
			f.pin(i)
			f.reactors[i].Run(nil)
			return nil
		})
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	f.pin(0)
	code := f.reactors[0].Run(main)

	// Shard 0 is done; stop the rest through their request rings.
	for i := 1; i < f.count; i++ {
		peer := f.reactors[i]
		f.qs[i][0].submitItem(&workItem{
			process: func() *future.Future[future.Unit] {
				peer.Stop()
				return future.Done(peer)
			},
			complete: func() {},
		})
	}
	eg.Wait()

	for _, r := range f.reactors {
		r.Close()
	}
	return code
}

func (f *Fabric) pin(i int) {
	if err := affinity.SetAffinity(f.cpus[i]); err != nil {
		log.Printf("smp: shard %d not pinned: %v", i, err)
	}
}

// SubmitTo runs fn on shard to and resolves the returned future on the
// sender. from must be the calling shard's reactor. Sends from one
// shard to another preserve order.
func SubmitTo[T any](f *Fabric, from *reactor.Reactor, to int, fn func(peer *reactor.Reactor) *future.Future[T]) *future.Future[T] {
	if to == from.ID() {
		return fn(from)
	}
	peer := f.reactors[to]
	mq := f.qs[to][from.ID()]
	var res api.Result[T]
	pr := future.NewPromise[T](from)
	wi := &workItem{
		process: func() *future.Future[future.Unit] {
			return future.ThenWrapped(fn(peer), func(r api.Result[T]) *future.Future[future.Unit] {
				res = r
				return future.Done(peer)
			})
		},
		complete: func() { pr.SetResult(res) },
	}
	if err := mq.submitItem(wi); err != nil {
		return future.Failed[T](from, err)
	}
	return pr.Future()
}

// SubmitIOTo routes a fair-queue submission to a coordinator shard; the
// reactor's queueIO path calls this through the RemoteIO hook.
func SubmitIOTo(f *Fabric, from *reactor.Reactor, coordinator int, fn func(peer *reactor.Reactor) *future.Future[int]) *future.Future[int] {
	return SubmitTo(f, from, coordinator, fn)
}

// InvokeOnAll runs fn on every shard (including the caller's) and
// resolves once all invocations finish, surfacing the first failure.
func InvokeOnAll(f *Fabric, from *reactor.Reactor, fn func(peer *reactor.Reactor) *future.Future[future.Unit]) *future.Future[future.Unit] {
	shards := make([]int, f.count)
	for i := range shards {
		shards[i] = i
	}
	return future.ParallelForEach(from, shards, func(i int) *future.Future[future.Unit] {
		return SubmitTo(f, from, i, fn)
	})
}

// MapReduce runs mapFn on every shard and folds the results in shard
// order over initial.
func MapReduce[T, A any](f *Fabric, from *reactor.Reactor, initial A, mapFn func(peer *reactor.Reactor) *future.Future[T], reduce func(A, T) A) *future.Future[A] {
	futs := make([]*future.Future[T], f.count)
	for i := range futs {
		futs[i] = SubmitTo(f, from, i, mapFn)
	}
	return future.Map(future.WhenAll(from, futs), func(rs []api.Result[T]) (A, error) {
		acc := initial
		for _, r := range rs {
			if r.Err != nil {
				return acc, r.Err
			}
			acc = reduce(acc, r.Value)
		}
		return acc, nil
	})
}

// smpPoller drains one shard's side of every pair each tick.
type smpPoller struct {
	f  *Fabric
	me int
}

func (p *smpPoller) Poll() bool {
	got := 0
	for i := 0; i < p.f.count; i++ {
		if i == p.me {
			continue
		}
		rxq := p.f.qs[p.me][i]
		rxq.flushResponseBatch()
		got += rxq.processIncoming()
		txq := p.f.qs[i][p.me]
		txq.flushRequestBatch()
		got += txq.processCompletions()
	}
	return got != 0
}

func (p *smpPoller) TryEnterInterruptMode() bool {
	// Unflushed backlog on either side must drain before sleeping;
	// otherwise peers wake us through the eventfd.
	for i := 0; i < p.f.count; i++ {
		if i == p.me {
			continue
		}
		if len(p.f.qs[p.me][i].completedFifo) > 0 {
			return false
		}
		if p.f.qs[i][p.me].txSpill.Length() > 0 {
			return false
		}
	}
	return true
}

func (p *smpPoller) ExitInterruptMode() {}
