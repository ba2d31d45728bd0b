// File: future/util.go
// Author: momentics <momentics@gmail.com>
//
// Aggregation helpers over homogeneous future sets.

package future

import "github.com/momentics/hioload-runtime/api"

// ParallelForEach starts fn for every item eagerly and returns a future
// that resolves once every started subtask has completed. All subtasks
// run to completion even when some fail; the first failure observed is
// the one the aggregate future surfaces.
func ParallelForEach[T any](ex api.Executor, items []T, fn func(T) *Future[Unit]) *Future[Unit] {
	pr := NewPromise[Unit](ex)
	remaining := len(items)
	if remaining == 0 {
		return Done(ex)
	}
	var firstErr error
	for _, it := range items {
		Consume(fn(it), func(r api.Result[Unit]) {
			if r.Err != nil && firstErr == nil {
				firstErr = r.Err
			}
			remaining--
			if remaining == 0 {
				if firstErr != nil {
					pr.SetError(firstErr)
				} else {
					pr.SetValue(Unit{})
				}
			}
		})
	}
	return pr.Future()
}

// WhenAll resolves with every result once all input futures complete. It
// never fails; per-future failures stay tagged inside the slice.
func WhenAll[T any](ex api.Executor, futs []*Future[T]) *Future[[]api.Result[T]] {
	pr := NewPromise[[]api.Result[T]](ex)
	results := make([]api.Result[T], len(futs))
	remaining := len(futs)
	if remaining == 0 {
		return Ready(ex, results)
	}
	for i, f := range futs {
		i := i
		Consume(f, func(r api.Result[T]) {
			results[i] = r
			remaining--
			if remaining == 0 {
				pr.SetValue(results)
			}
		})
	}
	return pr.Future()
}

// Repeat runs body until it reports done or fails. Each iteration is
// scheduled as its own task, so long loops cannot monopolize the shard
// past the task quota.
func Repeat(ex api.Executor, body func() *Future[bool]) *Future[Unit] {
	pr := NewPromise[Unit](ex)
	var step func()
	step = func() {
		Consume(body(), func(r api.Result[bool]) {
			switch {
			case r.Err != nil:
				pr.SetError(r.Err)
			case r.Value:
				pr.SetValue(Unit{})
			default:
				step()
			}
		})
	}
	step()
	return pr.Future()
}
