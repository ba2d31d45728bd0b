package future_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/momentics/hioload-runtime/api"
	"github.com/momentics/hioload-runtime/future"
)

// loopExec is a minimal two-level executor mimicking one shard's ready
// queues: urgent tasks run ahead of normal ones, never mid-task.
type loopExec struct {
	normal []api.Task
	urgent []api.Task
}

func (e *loopExec) Schedule(t api.Task)       { e.normal = append(e.normal, t) }
func (e *loopExec) ScheduleUrgent(t api.Task) { e.urgent = append(e.urgent, t) }

func (e *loopExec) drain() {
	for len(e.normal) > 0 || len(e.urgent) > 0 {
		var t api.Task
		if len(e.urgent) > 0 {
			t, e.urgent = e.urgent[0], e.urgent[1:]
		} else {
			t, e.normal = e.normal[0], e.normal[1:]
		}
		t.Run()
	}
}

func TestPromiseFulfilBeforeAttach(t *testing.T) {
	ex := &loopExec{}
	pr := future.NewPromise[int](ex)
	pr.SetValue(42)
	got := 0
	future.Consume(pr.Future(), func(r api.Result[int]) { got = r.Value })
	ex.drain()
	if got != 42 {
		t.Fatalf("got %d, want 42", got)
	}
}

func TestPromiseAttachBeforeFulfil(t *testing.T) {
	ex := &loopExec{}
	pr := future.NewPromise[int](ex)
	got := 0
	future.Consume(pr.Future(), func(r api.Result[int]) { got = r.Value })
	pr.SetValue(7)
	ex.drain()
	if got != 7 {
		t.Fatalf("got %d, want 7", got)
	}
}

func TestContinuationScheduledExactlyOnce(t *testing.T) {
	ex := &loopExec{}
	pr := future.NewPromise[int](ex)
	runs := 0
	future.Consume(pr.Future(), func(api.Result[int]) { runs++ })
	pr.SetValue(1)
	ex.drain()
	if runs != 1 {
		t.Fatalf("continuation ran %d times, want 1", runs)
	}
}

func TestDoubleAttachPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("second attach did not panic")
		}
	}()
	ex := &loopExec{}
	pr := future.NewPromise[int](ex)
	f := pr.Future()
	future.Consume(f, func(api.Result[int]) {})
	future.Consume(f, func(api.Result[int]) {})
}

func TestThenForwardsFailurePastContinuation(t *testing.T) {
	ex := &loopExec{}
	boom := errors.New("boom")
	ran := false
	f := future.Then(future.Failed[int](ex, boom), func(int) *future.Future[int] {
		ran = true
		return future.Ready(ex, 0)
	})
	var got error
	future.Consume(f, func(r api.Result[int]) { got = r.Err })
	ex.drain()
	if ran {
		t.Fatal("Then continuation ran on a failed future")
	}
	if !errors.Is(got, boom) {
		t.Fatalf("got %v, want %v", got, boom)
	}
}

func TestThenWrappedObservesFailure(t *testing.T) {
	ex := &loopExec{}
	boom := errors.New("boom")
	f := future.ThenWrapped(future.Failed[int](ex, boom), func(r api.Result[int]) *future.Future[string] {
		if r.Err != nil {
			return future.Ready(ex, "recovered")
		}
		return future.Ready(ex, "ok")
	})
	got := ""
	future.Consume(f, func(r api.Result[string]) { got = r.Value })
	ex.drain()
	if got != "recovered" {
		t.Fatalf("got %q, want recovered", got)
	}
}

func TestFinallyRunsOnBothPathsBeforeThen(t *testing.T) {
	for _, fail := range []bool{false, true} {
		ex := &loopExec{}
		var order []string
		var f *future.Future[int]
		if fail {
			f = future.Failed[int](ex, errors.New("boom"))
		} else {
			f = future.Ready(ex, 1)
		}
		f = future.Finally(f, func() error {
			order = append(order, "finally")
			return nil
		})
		future.Consume(f, func(api.Result[int]) { order = append(order, "then") })
		ex.drain()
		if len(order) != 2 || order[0] != "finally" || order[1] != "then" {
			t.Fatalf("fail=%v: order %v", fail, order)
		}
	}
}

func TestFinallyErrorSupersedesSuccessOnly(t *testing.T) {
	ex := &loopExec{}
	actErr := errors.New("action failed")
	f := future.Finally(future.Ready(ex, 1), func() error { return actErr })
	var got error
	future.Consume(f, func(r api.Result[int]) { got = r.Err })
	ex.drain()
	if !errors.Is(got, actErr) {
		t.Fatalf("success path: got %v, want %v", got, actErr)
	}

	prior := errors.New("prior failure")
	f2 := future.Finally(future.Failed[int](ex, prior), func() error { return actErr })
	future.Consume(f2, func(r api.Result[int]) { got = r.Err })
	ex.drain()
	if !errors.Is(got, prior) {
		t.Fatalf("failure path: got %v, want prior failure", got)
	}
}

func TestForwardTo(t *testing.T) {
	ex := &loopExec{}
	src := future.NewPromise[int](ex)
	dst := future.NewPromise[int](ex)
	future.ForwardTo(src.Future(), dst)
	got := 0
	future.Consume(dst.Future(), func(r api.Result[int]) { got = r.Value })
	src.SetValue(99)
	ex.drain()
	if got != 99 {
		t.Fatalf("got %d, want 99", got)
	}
}

func TestContinuationRunsAfterAlreadyQueuedTasks(t *testing.T) {
	ex := &loopExec{}
	var order []string
	pr := future.NewPromise[future.Unit](ex)
	future.Consume(pr.Future(), func(api.Result[future.Unit]) {
		order = append(order, "cont")
	})
	ex.Schedule(future.Func(func() {
		ex.Schedule(future.Func(func() { order = append(order, "queued") }))
		pr.SetValue(future.Unit{})
		order = append(order, "task")
	}))
	ex.drain()
	want := []string{"task", "queued", "cont"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order %v, want %v", order, want)
		}
	}
}

func TestSemaphoreFIFO(t *testing.T) {
	ex := &loopExec{}
	sem := future.NewSemaphore(ex, 2)
	var order []int
	wait := func(id, n int) {
		future.Consume(sem.Wait(n), func(r api.Result[future.Unit]) {
			if r.Err != nil {
				t.Errorf("waiter %d failed: %v", id, r.Err)
			}
			order = append(order, id)
		})
	}
	wait(1, 2) // immediate
	wait(2, 2) // queued
	wait(3, 1) // queued behind 2 even though one unit is free later
	ex.drain()
	sem.Signal(2)
	ex.drain()
	sem.Signal(1)
	ex.drain()
	want := []int{1, 2, 3}
	if len(order) != 3 {
		t.Fatalf("completions %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order %v, want %v", order, want)
		}
	}
}

func TestParallelForEachFailure(t *testing.T) {
	ex := &loopExec{}
	items := make([]int, 11000)
	for i := range items {
		items[i] = i
	}
	counter := 0
	agg := future.ParallelForEach(ex, items, func(i int) *future.Future[future.Unit] {
		pr := future.NewPromise[future.Unit](ex)
		// Force scheduling so completions interleave.
		ex.Schedule(future.Func(func() {
			counter++
			if i%1777 == 1337 {
				pr.SetError(fmt.Errorf("subtask %d", i))
			} else {
				pr.SetValue(future.Unit{})
			}
		}))
		return pr.Future()
	})
	var got error
	future.Consume(agg, func(r api.Result[future.Unit]) { got = r.Err })
	ex.drain()
	if counter != 11000 {
		t.Fatalf("ran %d subtasks, want 11000", counter)
	}
	if got == nil {
		t.Fatal("aggregate future did not surface the failure")
	}
}

func TestRepeat(t *testing.T) {
	ex := &loopExec{}
	n := 0
	f := future.Repeat(ex, func() *future.Future[bool] {
		n++
		return future.Ready(ex, n == 5)
	})
	done := false
	future.Consume(f, func(r api.Result[future.Unit]) { done = r.Err == nil })
	ex.drain()
	if !done || n != 5 {
		t.Fatalf("done=%v n=%d", done, n)
	}
}
