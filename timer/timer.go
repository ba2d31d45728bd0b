// File: timer/timer.go
// Author: momentics <momentics@gmail.com>
//
// One-shot and periodic timers. A timer belongs to exactly one shard's
// reactor (its Queue) and is never touched from another shard.

package timer

import (
	"time"

	"github.com/momentics/hioload-runtime/clock"
)

// Queue is the per-shard owner of armed timers; the reactor implements
// it once per clock pair.
type Queue interface {
	// AddTimer inserts an armed timer and re-arms the kernel timer if
	// the nearest expiry moved.
	AddTimer(t *Timer)
	// QueueTimer inserts without touching the kernel timer; it returns
	// true when the nearest expiry moved.
	QueueTimer(t *Timer) bool
	// DelTimer removes a queued timer.
	DelTimer(t *Timer)
}

// Timer invokes a callback at an expiry instant, optionally re-arming
// itself every period thereafter. The zero Timer is not usable; construct
// through New.
type Timer struct {
	q        Queue
	clk      clock.ID
	callback func()

	expiry int64
	period int64 // 0 = one-shot

	armed   bool
	queued  bool
	expired bool

	// intrusive bucket link, owned by Set
	next, prev *Timer
	bucket     int
}

// New creates an unarmed timer on clock c dispatching fn.
func New(q Queue, c clock.ID, fn func()) *Timer {
	return &Timer{q: q, clk: c, callback: fn, bucket: -1}
}

// Clock returns the clock the timer schedules against.
func (t *Timer) Clock() clock.ID { return t.clk }

// Expiry returns the armed expiry instant.
func (t *Timer) Expiry() int64 { return t.expiry }

// Armed reports whether the timer is waiting to fire.
func (t *Timer) Armed() bool { return t.armed }

func (t *Timer) armState(at, period int64) {
	if t.armed {
		panic("timer: arming an armed timer")
	}
	t.expiry = at
	t.period = period
	t.armed = true
	t.expired = false
}

// Arm schedules a single firing at instant at (in the timer's clock).
func (t *Timer) Arm(at int64) {
	t.armState(at, 0)
	t.q.AddTimer(t)
}

// ArmAfter schedules a single firing d from now.
func (t *Timer) ArmAfter(d time.Duration) {
	t.Arm(clock.Now(t.clk) + int64(d))
}

// ArmPeriodic schedules the first firing d from now and re-arms after
// every callback return, at completion-time + d, keeping firings spaced
// by at least d.
func (t *Timer) ArmPeriodic(d time.Duration) {
	t.armState(clock.Now(t.clk)+int64(d), int64(d))
	t.q.AddTimer(t)
}

// Rearm cancels any pending firing and arms at the new instant.
func (t *Timer) Rearm(at int64) {
	if t.armed {
		t.Cancel()
	}
	t.Arm(at)
}

// Cancel disarms the timer. It returns false when there was nothing to
// cancel. Cancellation is O(1) through the intrusive bucket link.
func (t *Timer) Cancel() bool {
	if !t.armed {
		return false
	}
	t.armed = false
	if t.queued {
		t.q.DelTimer(t)
		t.queued = false
	}
	return true
}

// Complete is invoked by the reactor for each expired timer, after the
// timer set handed it out. It runs the callback and reports whether the
// caller must re-queue a periodic re-arm. A periodic re-arm lands at
// now + period; the reactor passes the clock reading it takes just
// before the callback runs, so the period counts from the start of the
// completion, not from the old expiry and not from callback return.
func (t *Timer) Complete(now int64) (requeue bool) {
	t.queued = false
	if !t.armed {
		// Cancelled between expiry collection and completion.
		return false
	}
	t.armed = false
	t.expired = true
	t.callback()
	if t.period != 0 && !t.armed {
		t.armState(now+t.period, t.period)
		return true
	}
	return false
}
