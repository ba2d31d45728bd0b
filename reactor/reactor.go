// File: reactor/reactor.go
// Author: momentics <momentics@gmail.com>
//
// The per-shard reactor: ready-task queues, poller loop, timer sets,
// sleep/wake cycle and shutdown sequencing.

package reactor

import (
	"log"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"

	"github.com/momentics/hioload-runtime/api"
	"github.com/momentics/hioload-runtime/clock"
	"github.com/momentics/hioload-runtime/future"
	"github.com/momentics/hioload-runtime/ioqueue"
	"github.com/momentics/hioload-runtime/timer"
)

// DefaultTaskQuota bounds one ready-queue drain slice.
const DefaultTaskQuota = 500 * time.Microsecond

// Config parametrizes one shard's reactor.
type Config struct {
	// ID is the shard number. The reactor does not pin its thread; the smp
	// package pins shard i to CPUs[i], or to CPU i when no list is given.
	ID int
	// TaskQuota bounds one ready-queue drain slice; zero selects the default.
	TaskQuota time.Duration
	// PollMode keeps the reactor spinning instead of sleeping when idle.
	PollMode bool
	// HandleSignals installs the SIGINT/SIGTERM shutdown hooks (shard 0).
	HandleSignals bool
	// MaxAIO bounds in-flight kernel AIO per shard; zero selects 128.
	MaxAIO int
}

// Stats are the per-shard activity counters, updated only by the owning
// shard and read by the metrics exporter.
type Stats struct {
	TasksProcessed uint64
	Polls          uint64
	Sleeps         uint64
	AIOReads       uint64
	AIOReadBytes   uint64
	AIOWrites      uint64
	AIOWriteBytes  uint64
	Fsyncs         uint64
	Fallbacks      uint64 // blocking-syscall work queue submissions
}

// RemoteIOFunc routes an I/O submission to a coordinator shard. The smp
// package installs it; fn runs on the coordinator's reactor.
type RemoteIOFunc func(coordinator int, fn func(peer *Reactor) *future.Future[int]) *future.Future[int]

// Reactor is one shard's event loop. All methods except Wakeup and
// Sleeping must be called from the owning shard.
type Reactor struct {
	id  int
	cfg Config

	pending   *queue.Queue // normal ready tasks
	urgent    *queue.Queue // high-priority ready tasks
	atDestroy *queue.Queue

	pollers []api.Poller

	backend *epollBackend
	aio     *aioContext
	wq      *workQueue
	sigs    *signals

	steadyTimers      *timer.Set
	lowresTimers      *timer.Set
	lowresNextTimeout int64
	lowresUpdater     *timer.Timer // shard 0 only

	quotaExpired atomic.Bool
	quotaStop    chan struct{}

	sleeping atomic.Bool

	stopping   bool
	stopped    bool
	returnCode int
	exitFuncs  []func() *future.Future[future.Unit]

	strictDMA     bool
	ioQueue       *ioqueue.Queue
	ioCoordinator int
	remoteIO      RemoteIOFunc

	stats Stats
}

// New creates a reactor for one shard. The caller must run it on the
// thread that will own it.
func New(cfg Config) (*Reactor, error) {
	if cfg.TaskQuota == 0 {
		cfg.TaskQuota = DefaultTaskQuota
	}
	if cfg.MaxAIO == 0 {
		cfg.MaxAIO = maxAIO
	}
	r := &Reactor{
		id:        cfg.ID,
		cfg:       cfg,
		pending:   queue.New(),
		urgent:    queue.New(),
		atDestroy: queue.New(),
		quotaStop: make(chan struct{}),
		strictDMA: true,
	}
	r.ioCoordinator = cfg.ID
	now := clock.SteadyNow()
	r.steadyTimers = timer.NewSet(now)
	r.lowresTimers = timer.NewSet(clock.LowresNow())
	r.lowresNextTimeout = maxInt64

	var err error
	r.backend, err = newEpollBackend(r)
	if err != nil {
		return nil, err
	}
	r.aio, err = newAIOContext(r, cfg.MaxAIO)
	if err != nil {
		r.backend.close()
		return nil, err
	}
	r.wq = newWorkQueue(r)
	r.sigs = newSignals(r)

	// Built-in pollers, in the order the loop steps them.
	r.RegisterPoller(&aioSubmitPoller{aio: r.aio})
	r.RegisterPoller(&aioCompletePoller{aio: r.aio})
	r.RegisterPoller(&workCompletePoller{wq: r.wq})
	r.RegisterPoller(&signalPoller{sigs: r.sigs})
	r.RegisterPoller(&lowresTimerPoller{r: r})

	if cfg.ID == 0 {
		// Shard 0 drives the coarse clock off its steady timer set.
		clock.LowresUpdate()
		r.lowresUpdater = timer.New(r, clock.Steady, clock.LowresUpdate)
		r.lowresUpdater.ArmPeriodic(time.Duration(clock.Granularity))
	}
	if cfg.HandleSignals {
		r.sigs.handleShutdownSignals()
	}
	return r, nil
}

const maxInt64 = int64(^uint64(0) >> 1)

// ID returns the shard number.
func (r *Reactor) ID() int { return r.id }

// Schedule appends a task to the normal ready queue.
func (r *Reactor) Schedule(t api.Task) {
	r.pending.Add(t)
}

// ScheduleUrgent appends a task to the high-priority queue drained
// ahead of the normal one between tasks.
func (r *Reactor) ScheduleUrgent(t api.Task) {
	r.urgent.Add(t)
}

// AtDestroy queues fn to run after the loop exits.
func (r *Reactor) AtDestroy(fn func()) {
	r.atDestroy.Add(future.Func(fn))
}

// AtExit registers a shutdown hook. Hooks run in reverse registration
// order once the reactor stops accepting new work.
func (r *Reactor) AtExit(fn func() *future.Future[future.Unit]) {
	r.exitFuncs = append(r.exitFuncs, fn)
}

// RegisterPoller adds p to the set stepped every loop turn.
func (r *Reactor) RegisterPoller(p api.Poller) {
	r.pollers = append(r.pollers, p)
}

// UnregisterPoller removes p.
func (r *Reactor) UnregisterPoller(p api.Poller) {
	for i, q := range r.pollers {
		if q == p {
			r.pollers = append(r.pollers[:i], r.pollers[i+1:]...)
			return
		}
	}
}

// Sleeping reports whether the reactor is blocked in interrupt mode.
// Any thread may call it.
func (r *Reactor) Sleeping() bool {
	return r.sleeping.Load()
}

// Wakeup rouses a sleeping reactor. Any thread may call it; writes are
// idempotent because the eventfd merely accumulates counts.
func (r *Reactor) Wakeup() {
	r.backend.wakeup()
}

// ForcePoll makes the current drain slice end early so pollers run.
func (r *Reactor) ForcePoll() {
	r.quotaExpired.Store(true)
}

// Stopping reports whether shutdown has begun.
func (r *Reactor) Stopping() bool { return r.stopping }

// Exit records the process return code and begins graceful shutdown.
func (r *Reactor) Exit(code int) {
	r.returnCode = code
	r.Stop()
}

// Stop begins graceful shutdown: it marks the reactor as stopping (see
// Stopping), runs the exit hooks in reverse order, then ends the loop.
// Schedule does not reject work after Stop; tasks keep running while the
// hooks run.
func (r *Reactor) Stop() {
	if r.stopping {
		return
	}
	r.stopping = true
	r.Schedule(future.Func(func() {
		future.Consume(r.runExitTasks(), func(res api.Result[future.Unit]) {
			if res.Err != nil {
				log.Printf("reactor %d: exit hook failed: %v", r.id, res.Err)
			}
			r.stopped = true
		})
	}))
}

func (r *Reactor) runExitTasks() *future.Future[future.Unit] {
	if len(r.exitFuncs) == 0 {
		return future.Done(r)
	}
	fn := r.exitFuncs[len(r.exitFuncs)-1]
	r.exitFuncs = r.exitFuncs[:len(r.exitFuncs)-1]
	return future.Then(fn(), func(future.Unit) *future.Future[future.Unit] {
		return r.runExitTasks()
	})
}

// Run drives the loop until shutdown and returns the exit code. When
// main is non-nil its future's value becomes the exit code; a failure
// is printed and exits 1.
func (r *Reactor) Run(main func(r *Reactor) *future.Future[int]) int {
	go r.quotaTicker()
	defer close(r.quotaStop)

	if main != nil {
		r.Schedule(future.Func(func() {
			future.Consume(main(r), func(res api.Result[int]) {
				if res.Err != nil {
					log.Printf("reactor %d: %v", r.id, res.Err)
					r.Exit(1)
					return
				}
				r.Exit(res.Value)
			})
		}))
	}

	for !r.stopped {
		r.runTasks()
		busy := r.pollOnce()
		if r.stopped {
			break
		}
		if busy || r.pending.Length() > 0 || r.urgent.Length() > 0 || r.cfg.PollMode {
			continue
		}
		r.trySleep()
	}

	for r.atDestroy.Length() > 0 {
		r.atDestroy.Remove().(api.Task).Run()
	}
	return r.returnCode
}

// Close releases the reactor's kernel resources. Call it after Run has
// returned on every shard; the fabric keeps wakeup eventfds usable
// until all shards have joined.
func (r *Reactor) Close() {
	r.wq.close()
	r.aio.close()
	r.sigs.close()
	r.backend.close()
}

// runTasks drains the ready queues until both are empty or the quota
// slice trips. Urgent tasks always run first between tasks.
func (r *Reactor) runTasks() {
	r.quotaExpired.Store(false)
	for {
		var t api.Task
		switch {
		case r.urgent.Length() > 0:
			t = r.urgent.Remove().(api.Task)
		case r.pending.Length() > 0:
			t = r.pending.Remove().(api.Task)
		default:
			return
		}
		r.runTask(t)
		r.stats.TasksProcessed++
		if r.quotaExpired.Load() {
			return
		}
	}
}

func (r *Reactor) runTask(t api.Task) {
	defer func() {
		if p := recover(); p != nil {
			log.Printf("reactor %d: task panic: %v", r.id, p)
			r.Exit(1)
		}
	}()
	t.Run()
}

// pollOnce steps every registered poller and reports whether any did work.
func (r *Reactor) pollOnce() bool {
	r.stats.Polls++
	busy := false
	for _, p := range r.pollers {
		if p.Poll() {
			busy = true
		}
	}
	// The epoll backend doubles as a poller so fd readiness and timerfd
	// expiry are noticed while spinning.
	if r.backend.waitAndProcess(0) {
		busy = true
	}
	return busy
}

// trySleep enters interrupt mode if every poller agrees, re-checking for
// work after publishing the sleeping flag so a concurrent maybe-wakeup
// cannot be lost.
func (r *Reactor) trySleep() {
	entered := 0
	for _, p := range r.pollers {
		if !p.TryEnterInterruptMode() {
			for i := 0; i < entered; i++ {
				r.pollers[i].ExitInterruptMode()
			}
			return
		}
		entered++
	}
	r.sleeping.Store(true)
	if r.pollOnce() || r.pending.Length() > 0 || r.urgent.Length() > 0 {
		r.sleeping.Store(false)
	} else {
		r.stats.Sleeps++
		r.backend.waitAndProcess(r.sleepTimeoutMs())
		r.sleeping.Store(false)
	}
	for _, p := range r.pollers {
		p.ExitInterruptMode()
	}
}

// sleepTimeoutMs bounds the epoll wait by the nearest coarse-clock
// timer; steady timers wake the reactor through the timerfd instead.
func (r *Reactor) sleepTimeoutMs() int {
	if r.lowresNextTimeout == maxInt64 {
		return -1
	}
	delta := r.lowresNextTimeout - clock.LowresNow()
	if delta <= 0 {
		return 0
	}
	ms := int(delta / int64(time.Millisecond))
	if ms == 0 {
		ms = 1
	}
	return ms
}

func (r *Reactor) quotaTicker() {
	tick := time.NewTicker(r.cfg.TaskQuota)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			r.quotaExpired.Store(true)
		case <-r.quotaStop:
			return
		}
	}
}

// AddTimer implements timer.Queue: insert and re-arm the kernel timer
// when the nearest expiry moved.
func (r *Reactor) AddTimer(t *timer.Timer) {
	if r.QueueTimer(t) {
		r.armClock(t.Clock())
	}
}

// QueueTimer implements timer.Queue: insert only.
func (r *Reactor) QueueTimer(t *timer.Timer) bool {
	if t.Clock() == clock.Lowres {
		return r.lowresTimers.Insert(t)
	}
	return r.steadyTimers.Insert(t)
}

// DelTimer implements timer.Queue.
func (r *Reactor) DelTimer(t *timer.Timer) {
	if t.Clock() == clock.Lowres {
		r.lowresTimers.Remove(t)
		return
	}
	r.steadyTimers.Remove(t)
}

func (r *Reactor) armClock(c clock.ID) {
	if c == clock.Lowres {
		r.lowresNextTimeout = r.lowresTimers.Next()
		return
	}
	r.backend.armTimerFD(r.steadyTimers.Next())
}

// expireTimers moves due callbacks of one clock onto the ready queue.
// Periodic timers re-queue after their callback returns, at the clock
// reading taken when the completion task starts plus the period.
func (r *Reactor) expireTimers(c clock.ID) bool {
	set := r.steadyTimers
	if c == clock.Lowres {
		set = r.lowresTimers
	}
	expired := set.Expire(clock.Now(c))
	for _, t := range expired {
		t := t
		r.Schedule(future.Func(func() {
			if t.Complete(clock.Now(c)) {
				if r.QueueTimer(t) {
					r.armClock(c)
				}
			}
		}))
	}
	r.armClock(c)
	return len(expired) > 0
}

// Sleep returns a future that becomes ready once d has elapsed on the
// steady clock.
func (r *Reactor) Sleep(d time.Duration) *future.Future[future.Unit] {
	pr := future.NewPromise[future.Unit](r)
	t := timer.New(r, clock.Steady, func() { pr.SetValue(future.Unit{}) })
	t.ArmAfter(d)
	return pr.Future()
}

// HandleSignal registers fn to run on the shard whenever sig arrives.
func (r *Reactor) HandleSignal(sig int, fn func()) {
	r.sigs.handle(sig, fn)
}

// SetStrictDMA controls the fallback behavior when a filesystem rejects
// O_DIRECT: strict refuses, lax retries buffered and logs a warning.
func (r *Reactor) SetStrictDMA(v bool) { r.strictDMA = v }

// StrictDMA reports the current setting.
func (r *Reactor) StrictDMA() bool { return r.strictDMA }

// Stats returns a copy of the shard's activity counters.
func (r *Reactor) Stats() Stats { return r.stats }

// lowresTimerPoller expires coarse-clock timers once their published
// reading passes the nearest timeout.
type lowresTimerPoller struct {
	r *Reactor
}

func (p *lowresTimerPoller) Poll() bool {
	r := p.r
	if r.lowresNextTimeout == maxInt64 || clock.LowresNow() < r.lowresNextTimeout {
		return false
	}
	return r.expireTimers(clock.Lowres)
}

func (p *lowresTimerPoller) TryEnterInterruptMode() bool {
	// The epoll timeout is bounded by lowresNextTimeout, so sleeping
	// cannot overshoot a coarse timer by more than the clock granularity.
	return true
}

func (p *lowresTimerPoller) ExitInterruptMode() {}
