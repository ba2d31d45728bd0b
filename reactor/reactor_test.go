//go:build linux

package reactor_test

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-runtime/api"
	"github.com/momentics/hioload-runtime/clock"
	"github.com/momentics/hioload-runtime/future"
	"github.com/momentics/hioload-runtime/reactor"
	"github.com/momentics/hioload-runtime/timer"
)

// runShard drives one reactor until main's future resolves and returns
// the exit code.
func runShard(t *testing.T, main func(r *reactor.Reactor) *future.Future[int]) int {
	t.Helper()
	r, err := reactor.New(reactor.Config{ID: 0})
	if err != nil {
		t.Fatalf("reactor.New: %v", err)
	}
	code := r.Run(main)
	r.Close()
	return code
}

func TestSleepDuration(t *testing.T) {
	var elapsed time.Duration
	code := runShard(t, func(r *reactor.Reactor) *future.Future[int] {
		start := clock.SteadyNow()
		return future.Map(r.Sleep(1*time.Second), func(future.Unit) (int, error) {
			elapsed = time.Duration(clock.SteadyNow() - start)
			return 0, nil
		})
	})
	if code != 0 {
		t.Fatalf("exit code %d", code)
	}
	ms := elapsed.Milliseconds()
	if ms < 1000 || ms > 1100 {
		t.Fatalf("sleep(1s) took %d ms, want [1000, 1100]", ms)
	}
}

func TestExitCodePropagates(t *testing.T) {
	code := runShard(t, func(r *reactor.Reactor) *future.Future[int] {
		return future.Ready(r, 42)
	})
	if code != 42 {
		t.Fatalf("exit code %d, want 42", code)
	}
}

func TestFailedMainExitsOne(t *testing.T) {
	code := runShard(t, func(r *reactor.Reactor) *future.Future[int] {
		return future.Failed[int](r, api.ErrQueueFull)
	})
	if code != 1 {
		t.Fatalf("exit code %d, want 1", code)
	}
}

func TestTaskFIFOAndHighPriority(t *testing.T) {
	var order []string
	runShard(t, func(r *reactor.Reactor) *future.Future[int] {
		pr := future.NewPromise[int](r)
		r.Schedule(future.Func(func() {
			r.Schedule(future.Func(func() { order = append(order, "n1") }))
			r.Schedule(future.Func(func() { order = append(order, "n2") }))
			r.ScheduleUrgent(future.Func(func() { order = append(order, "hi") }))
			r.Schedule(future.Func(func() {
				order = append(order, "n3")
				pr.SetValue(0)
			}))
		}))
		return pr.Future()
	})
	want := []string{"hi", "n1", "n2", "n3"}
	if len(order) != len(want) {
		t.Fatalf("order %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order %v, want %v", order, want)
		}
	}
}

func TestOneShotTimerFiresOnceAtOrAfterExpiry(t *testing.T) {
	fires := 0
	var armAt, firedAt int64
	runShard(t, func(r *reactor.Reactor) *future.Future[int] {
		pr := future.NewPromise[int](r)
		tm := timer.New(r, clock.Steady, func() {
			fires++
			firedAt = clock.SteadyNow()
		})
		armAt = clock.SteadyNow() + int64(20*time.Millisecond)
		tm.Arm(armAt)
		// Give a late firing time to show up before checking.
		future.Consume(r.Sleep(100*time.Millisecond), func(api.Result[future.Unit]) {
			pr.SetValue(0)
		})
		return pr.Future()
	})
	if fires != 1 {
		t.Fatalf("one-shot fired %d times", fires)
	}
	if firedAt < armAt {
		t.Fatalf("fired %d ns before expiry", armAt-firedAt)
	}
}

func TestPeriodicTimerSpacing(t *testing.T) {
	const period = 10 * time.Millisecond
	var fireTimes []int64
	runShard(t, func(r *reactor.Reactor) *future.Future[int] {
		pr := future.NewPromise[int](r)
		var tm *timer.Timer
		tm = timer.New(r, clock.Steady, func() {
			fireTimes = append(fireTimes, clock.SteadyNow())
			if len(fireTimes) == 5 {
				tm.Cancel()
				pr.SetValue(0)
			}
		})
		tm.ArmPeriodic(period)
		return pr.Future()
	})
	if len(fireTimes) != 5 {
		t.Fatalf("fired %d times, want 5", len(fireTimes))
	}
	for i := 1; i < len(fireTimes); i++ {
		if gap := fireTimes[i] - fireTimes[i-1]; gap < int64(period) {
			t.Fatalf("firing %d only %v after previous", i, time.Duration(gap))
		}
	}
}

func TestLowresTimer(t *testing.T) {
	fired := false
	runShard(t, func(r *reactor.Reactor) *future.Future[int] {
		pr := future.NewPromise[int](r)
		tm := timer.New(r, clock.Lowres, func() { fired = true })
		tm.ArmAfter(30 * time.Millisecond)
		future.Consume(r.Sleep(200*time.Millisecond), func(api.Result[future.Unit]) {
			pr.SetValue(0)
		})
		return pr.Future()
	})
	if !fired {
		t.Fatal("lowres timer did not fire")
	}
}

func TestAtExitRunsInReverseOrder(t *testing.T) {
	var order []int
	runShard(t, func(r *reactor.Reactor) *future.Future[int] {
		for i := 0; i < 3; i++ {
			i := i
			r.AtExit(func() *future.Future[future.Unit] {
				order = append(order, i)
				return future.Done(r)
			})
		}
		return future.Ready(r, 0)
	})
	if len(order) != 3 || order[0] != 2 || order[1] != 1 || order[2] != 0 {
		t.Fatalf("exit hook order %v, want [2 1 0]", order)
	}
}

func TestSubmitBlocking(t *testing.T) {
	got := 0
	runShard(t, func(r *reactor.Reactor) *future.Future[int] {
		return future.Map(reactor.SubmitBlocking(r, func() (int, error) {
			// Runs off-shard; a real caller would block in a syscall here.
			time.Sleep(5 * time.Millisecond)
			return 99, nil
		}), func(v int) (int, error) {
			got = v
			return 0, nil
		})
	})
	if got != 99 {
		t.Fatalf("got %d, want 99", got)
	}
}

func TestPollableFDReadable(t *testing.T) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	code := runShard(t, func(r *reactor.Reactor) *future.Future[int] {
		pfd := r.NewPollableFD(fds[0], 0)
		go func() {
			time.Sleep(30 * time.Millisecond)
			unix.Write(fds[1], []byte("x"))
		}()
		return future.Map(pfd.Readable(), func(future.Unit) (int, error) {
			var buf [1]byte
			n, _ := unix.Read(fds[0], buf[:])
			pfd.Close()
			unix.Close(fds[1])
			if n != 1 || buf[0] != 'x' {
				return 1, nil
			}
			return 0, nil
		})
	})
	if code != 0 {
		t.Fatalf("exit code %d", code)
	}
}

func TestAbortReaderFailsPendingFuture(t *testing.T) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	var got error
	runShard(t, func(r *reactor.Reactor) *future.Future[int] {
		pfd := r.NewPollableFD(fds[0], 0)
		fut := pfd.Readable()
		r.Schedule(future.Func(func() {
			pfd.AbortReader(api.ErrQueueFull)
		}))
		return future.ThenWrapped(fut, func(res api.Result[future.Unit]) *future.Future[int] {
			got = res.Err
			pfd.Close()
			unix.Close(fds[1])
			return future.Ready(r, 0)
		})
	})
	if got == nil {
		t.Fatal("aborted read future did not fail")
	}
}

func TestWakeupFromAnotherThread(t *testing.T) {
	done := false
	runShard(t, func(r *reactor.Reactor) *future.Future[int] {
		pr := future.NewPromise[int](r)
		go func() {
			time.Sleep(50 * time.Millisecond)
			r.Wakeup() // a foreign-thread wakeup must not disturb the loop
		}()
		// The Sleep below and shard 0's coarse-clock updater are the armed
		// timers; the loop must still finish once the Sleep fires.
		future.Consume(r.Sleep(120*time.Millisecond), func(api.Result[future.Unit]) {
			done = true
			pr.SetValue(0)
		})
		return pr.Future()
	})
	if !done {
		t.Fatal("reactor did not complete after wakeup")
	}
}
