//go:build linux

package fiber_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/momentics/hioload-runtime/api"
	"github.com/momentics/hioload-runtime/clock"
	"github.com/momentics/hioload-runtime/fiber"
	"github.com/momentics/hioload-runtime/future"
	"github.com/momentics/hioload-runtime/reactor"
)

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

func TestAsyncReturnsValue(t *testing.T) {
	got := 0
	runShard(t, func(r *reactor.Reactor) *future.Future[int] {
		return future.Map(fiber.Async(r, func(th *fiber.Thread) (int, error) {
			return 7 * 6, nil
		}), func(v int) (int, error) {
			got = v
			return 0, nil
		})
	})
	if got != 42 {
		t.Fatalf("got %d, want 42", got)
	}
}

func TestAwaitParksOnPendingFuture(t *testing.T) {
	var order []string
	runShard(t, func(r *reactor.Reactor) *future.Future[int] {
		done := fiber.Run(r, func(th *fiber.Thread) error {
			order = append(order, "fiber-start")
			_, err := fiber.Await(th, r.Sleep(20*time.Millisecond))
			order = append(order, "fiber-resumed")
			return err
		})
		r.Schedule(future.Func(func() { order = append(order, "task-while-parked") }))
		return future.Map(done, func(future.Unit) (int, error) { return 0, nil })
	})
	want := []string{"fiber-start", "task-while-parked", "fiber-resumed"}
	if len(order) != len(want) {
		t.Fatalf("order %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order %v, want %v", order, want)
		}
	}
}

func TestAwaitDeliversFailure(t *testing.T) {
	boom := fmt.Errorf("boom")
	code := runShard(t, func(r *reactor.Reactor) *future.Future[int] {
		done := fiber.Run(r, func(th *fiber.Thread) error {
			pr := future.NewPromise[int](r)
			future.Consume(r.Sleep(time.Millisecond), func(api.Result[future.Unit]) {
				pr.SetError(boom)
			})
			_, err := fiber.Await(th, pr.Future())
			return err
		})
		return future.Map(done, func(future.Unit) (int, error) { return 0, nil })
	})
	if code != 1 {
		t.Fatalf("exit code %d, want 1 (failed fiber)", code)
	}
}

func TestYieldInterleavesWithTasks(t *testing.T) {
	var order []string
	runShard(t, func(r *reactor.Reactor) *future.Future[int] {
		done := fiber.Run(r, func(th *fiber.Thread) error {
			order = append(order, "a")
			th.Yield()
			order = append(order, "b")
			return nil
		})
		r.Schedule(future.Func(func() { order = append(order, "task") }))
		return future.Map(done, func(future.Unit) (int, error) { return 0, nil })
	})
	// The yield hands the shard back; the queued task runs before "b".
	want := []string{"a", "task", "b"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order %v, want %v", order, want)
		}
	}
}

func TestSchedulingGroupDelaysResumption(t *testing.T) {
	const period = 50 * time.Millisecond
	var resumed int64
	runShard(t, func(r *reactor.Reactor) *future.Future[int] {
		g := fiber.NewSchedulingGroup(int64(period), 0.01)
		start := clock.SteadyNow()
		done := fiber.AsyncIn(r, g, func(th *fiber.Thread) (int, error) {
			// Burn past the tiny quota, then require a reschedule.
			for clock.SteadyNow()-start < int64(5*time.Millisecond) {
			}
			th.Yield()
			resumed = clock.SteadyNow() - start
			return 0, nil
		})
		return done
	})
	if resumed < int64(40*time.Millisecond) {
		t.Fatalf("fiber resumed after %v, want it held to the period boundary", time.Duration(resumed))
	}
}
