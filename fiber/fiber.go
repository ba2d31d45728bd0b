// File: fiber/fiber.go
// Author: momentics <momentics@gmail.com>
//
// Fibers: an execution context that may wait for a future in the middle
// of straight-line code. Each fiber is a goroutine in a strict handoff
// with its shard's reactor; exactly one of the two runs at any moment,
// so the shard's single-threaded discipline is preserved. Awaiting a
// pending future parks the fiber and returns control to the reactor;
// fulfilment switches back in.

package fiber

import (
	"fmt"

	"github.com/momentics/hioload-runtime/api"
	"github.com/momentics/hioload-runtime/clock"
	"github.com/momentics/hioload-runtime/future"
	"github.com/momentics/hioload-runtime/reactor"
	"github.com/momentics/hioload-runtime/timer"
)

// Thread is the in-fiber handle. It is only valid inside the callable
// the fiber was launched with.
type Thread struct {
	r      *reactor.Reactor
	resume chan struct{}
	yield  chan struct{}

	group      *SchedulingGroup
	schedTimer *timer.Timer

	done     bool
	complete func()
}

// Async launches fn in a new fiber and returns a future that resolves
// with fn's result once the fiber joins.
func Async[T any](r *reactor.Reactor, fn func(th *Thread) (T, error)) *future.Future[T] {
	return AsyncIn[T](r, nil, fn)
}

// AsyncIn launches fn under a scheduling group; each switch-in is
// delayed until the group's quota admits it.
func AsyncIn[T any](r *reactor.Reactor, g *SchedulingGroup, fn func(th *Thread) (T, error)) *future.Future[T] {
	pr := future.NewPromise[T](r)
	th := &Thread{
		r:      r,
		resume: make(chan struct{}),
		yield:  make(chan struct{}),
		group:  g,
	}
	go func() {
		<-th.resume
		var (
			v   T
			err error
		)
		func() {
			// A panic must not tear down the whole process from a
			// foreign goroutine; it fails the fiber's future instead.
			defer func() {
				if p := recover(); p != nil {
					err = fmt.Errorf("fiber: %v", p)
				}
			}()
			v, err = fn(th)
		}()
		th.done = true
		th.complete = func() {
			if err != nil {
				pr.SetError(err)
			} else {
				pr.SetValue(v)
			}
		}
		th.yield <- struct{}{}
	}()
	r.Schedule(future.Func(th.switchIn))
	return pr.Future()
}

// Run launches a completion-only fiber.
func Run(r *reactor.Reactor, fn func(th *Thread) error) *future.Future[future.Unit] {
	return Async(r, func(th *Thread) (future.Unit, error) {
		return future.Unit{}, fn(th)
	})
}

// Await blocks the fiber until f resolves and returns its outcome. This
// is the fiber's single suspension point; while parked, the reactor
// keeps running other work.
func Await[T any](th *Thread, f *future.Future[T]) (T, error) {
	if f.Available() {
		return f.Get()
	}
	var res api.Result[T]
	future.Consume(f, func(r api.Result[T]) {
		res = r
		th.switchIn()
	})
	th.park()
	return res.Value, res.Err
}

// Yield voluntarily hands the shard back; the fiber resumes after the
// tasks already queued.
func (th *Thread) Yield() {
	th.r.Schedule(future.Func(th.switchIn))
	th.park()
}

// ShouldYield reports whether the fiber has exhausted its scheduling
// group's quota for the current period.
func (th *Thread) ShouldYield() bool {
	return th.group != nil && th.group.exhausted(clock.SteadyNow())
}

// Reactor returns the owning shard's reactor.
func (th *Thread) Reactor() *reactor.Reactor { return th.r }

// switchIn hands the shard to the fiber and waits for it to park or
// finish. Runs on the reactor.
func (th *Thread) switchIn() {
	if th.group != nil {
		now := clock.SteadyNow()
		if wait := th.group.nextSchedulingPoint(now); wait > now {
			if th.schedTimer == nil {
				th.schedTimer = timer.New(th.r, clock.Steady, th.switchIn)
			}
			th.schedTimer.Arm(wait)
			return
		}
		th.group.accountStart(now)
	}
	th.resume <- struct{}{}
	<-th.yield
	if th.group != nil {
		th.group.accountStop(clock.SteadyNow())
	}
	if th.done {
		th.complete()
	}
}

// park yields to the reactor and blocks until the next switch-in. Runs
// on the fiber.
func (th *Thread) park() {
	th.yield <- struct{}{}
	<-th.resume
}

// SchedulingGroup caps a set of fibers to usage*period of runtime per
// period window.
type SchedulingGroup struct {
	period int64
	quota  int64

	periodEnds int64
	runStart   int64
	remain     int64
}

// NewSchedulingGroup builds a group granting the given usage fraction
// (0..1] of every period.
func NewSchedulingGroup(period int64, usage float64) *SchedulingGroup {
	return &SchedulingGroup{
		period: period,
		quota:  int64(float64(period) * usage),
	}
}

func (g *SchedulingGroup) accountStart(now int64) {
	if g.periodEnds < now {
		g.periodEnds = now + g.period
		g.remain = g.quota
	}
	g.runStart = now
}

func (g *SchedulingGroup) accountStop(now int64) {
	g.remain -= now - g.runStart
}

func (g *SchedulingGroup) exhausted(now int64) bool {
	return g.periodEnds >= now && g.remain <= now-g.runStart
}

// nextSchedulingPoint returns the earliest instant the group admits a
// switch-in: now while quota remains, else the period boundary.
func (g *SchedulingGroup) nextSchedulingPoint(now int64) int64 {
	if g.periodEnds < now || g.remain > 0 {
		return now
	}
	return g.periodEnds
}
