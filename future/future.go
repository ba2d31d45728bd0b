// File: future/future.go
// Author: momentics <momentics@gmail.com>
//
// Future/Promise state machine with eager evaluation. The (promise,
// future, continuation) triangle holds each half of the handshake in at
// most one place at a time: a not-ready future points back at its
// promise; a fulfilled-but-unattached promise stores the result; an
// attached continuation owns both once it is scheduled.

package future

import (
	"log"
	"runtime"

	"github.com/momentics/hioload-runtime/api"
)

// Unit is the empty value carried by futures that signal completion only.
type Unit = struct{}

type state uint8

const (
	stateNotReady state = iota
	stateReady
	stateFailed
	stateConsumed
)

// Future is the read end of a single-shot value channel.
type Future[T any] struct {
	st   state
	prom *Promise[T] // not-ready: upstream producer
	res  api.Result[T]
	ex   api.Executor
}

// Promise is the write end. It owns the eventual value slot and, once a
// continuation is attached, the continuation record.
type Promise[T any] struct {
	fut   *Future[T]
	cont  func(api.Result[T]) // attached continuation, nil until attach
	res   *api.Result[T]      // result stored before attachment
	ex    api.Executor
	fired bool
}

// NewPromise creates a promise whose continuations will be scheduled on ex.
func NewPromise[T any](ex api.Executor) *Promise[T] {
	return &Promise[T]{ex: ex}
}

// Future returns the paired future. It may be called at most once.
func (p *Promise[T]) Future() *Future[T] {
	if p.fut != nil {
		panic("future: promise already has a future")
	}
	f := &Future[T]{ex: p.ex}
	if p.res != nil {
		// Fulfilled before the future was taken.
		f.adopt(*p.res)
		p.res = nil
	} else {
		f.st = stateNotReady
		f.prom = p
	}
	p.fut = f
	return f
}

// SetValue fulfils the promise with a value.
func (p *Promise[T]) SetValue(v T) {
	p.setResult(api.Ok(v))
}

// SetError fails the promise.
func (p *Promise[T]) SetError(err error) {
	p.setResult(api.Fail[T](err))
}

// SetResult fulfils the promise with an already-tagged result.
func (p *Promise[T]) SetResult(r api.Result[T]) {
	p.setResult(r)
}

func (p *Promise[T]) setResult(r api.Result[T]) {
	if p.fired {
		panic("future: promise fulfilled twice")
	}
	p.fired = true
	switch {
	case p.cont != nil:
		// Continuation already attached: schedule it now.
		cont := p.cont
		p.cont = nil
		p.ex.Schedule(Func(func() { cont(r) }))
	case p.fut != nil:
		// Future taken but not chained yet: park the result there.
		p.fut.adopt(r)
		p.fut.prom = nil
	default:
		// Future not taken yet: hold the result in the promise.
		res := r
		p.res = &res
	}
}

// adopt moves a result into the future, arming the ignored-failure
// diagnostic for failures nobody ever observes.
func (f *Future[T]) adopt(r api.Result[T]) {
	f.res = r
	if r.Err != nil {
		f.st = stateFailed
		runtime.SetFinalizer(f, reportIgnored[T])
	} else {
		f.st = stateReady
	}
}

func reportIgnored[T any](f *Future[T]) {
	log.Printf("future: ignored failed future: %v", f.res.Err)
}

// Ready returns a future that is already fulfilled with v.
func Ready[T any](ex api.Executor, v T) *Future[T] {
	return &Future[T]{st: stateReady, res: api.Ok(v), ex: ex}
}

// Done returns a ready Unit future.
func Done(ex api.Executor) *Future[Unit] {
	return Ready(ex, Unit{})
}

// Failed returns a future that has already failed with err.
func Failed[T any](ex api.Executor, err error) *Future[T] {
	f := &Future[T]{ex: ex}
	f.adopt(api.Fail[T](err))
	return f
}

// Available reports whether the future holds a result (value or failure).
func (f *Future[T]) Available() bool {
	return f.st == stateReady || f.st == stateFailed
}

// Failed reports whether the future holds a failure.
func (f *Future[T]) Failed() bool {
	return f.st == stateFailed
}

// Get returns the result of an available future. Calling Get on a future
// that is still pending is a programmer error; fibers park through
// fiber.Await instead.
func (f *Future[T]) Get() (T, error) {
	if !f.Available() {
		panic("future: Get on a pending future (use fiber.Await)")
	}
	r := f.take()
	return r.Value, r.Err
}

// Ignore marks the future's eventual failure as handled, silencing the
// ignored-failure diagnostic.
func (f *Future[T]) Ignore() {
	if f.Available() {
		f.take()
		return
	}
	Consume(f, func(api.Result[T]) {})
}

// take consumes an available result.
func (f *Future[T]) take() api.Result[T] {
	if f.st == stateFailed {
		runtime.SetFinalizer(f, nil)
	}
	r := f.res
	f.st = stateConsumed
	f.res = api.Result[T]{}
	return r
}

// Consume attaches cb as the future's continuation, consuming the future.
// An available result is delivered through the executor (never inline) so
// that completions always run after the currently-executing task; a
// pending future installs cb on its upstream promise. This is the single
// attachment point every combinator funnels through.
func Consume[T any](f *Future[T], cb func(api.Result[T])) {
	switch f.st {
	case stateReady, stateFailed:
		r := f.take()
		f.ex.Schedule(Func(func() { cb(r) }))
	case stateNotReady:
		p := f.prom
		if p == nil || p.cont != nil {
			panic("future: continuation attached twice")
		}
		f.st = stateConsumed
		f.prom = nil
		p.cont = cb
	default:
		panic("future: future already consumed")
	}
}

// Then chains fn onto a successful result. A failure skips fn and is
// forwarded to the returned future verbatim.
func Then[T, U any](f *Future[T], fn func(T) *Future[U]) *Future[U] {
	pr := NewPromise[U](f.ex)
	down := pr.Future()
	Consume(f, func(r api.Result[T]) {
		if r.Err != nil {
			pr.SetError(r.Err)
			return
		}
		forwardResult(fn(r.Value), pr)
	})
	return down
}

// Map chains a plain value transformation onto a successful result.
func Map[T, U any](f *Future[T], fn func(T) (U, error)) *Future[U] {
	pr := NewPromise[U](f.ex)
	down := pr.Future()
	Consume(f, func(r api.Result[T]) {
		if r.Err != nil {
			pr.SetError(r.Err)
			return
		}
		pr.SetResult(resultOf(fn(r.Value)))
	})
	return down
}

// ThenWrapped chains fn onto the tagged result, success or failure. This
// is the only combinator through which a failure can be observed and
// recovered.
func ThenWrapped[T, U any](f *Future[T], fn func(api.Result[T]) *Future[U]) *Future[U] {
	pr := NewPromise[U](f.ex)
	down := pr.Future()
	Consume(f, func(r api.Result[T]) {
		forwardResult(fn(r), pr)
	})
	return down
}

// Finally runs action on both paths, then forwards the original outcome.
// An error from action supersedes a prior success but never a prior
// failure.
func Finally[T any](f *Future[T], action func() error) *Future[T] {
	pr := NewPromise[T](f.ex)
	down := pr.Future()
	Consume(f, func(r api.Result[T]) {
		if err := action(); err != nil && r.Err == nil {
			pr.SetError(err)
			return
		}
		pr.SetResult(r)
	})
	return down
}

// ForwardTo redirects the future's eventual outcome to pr.
func ForwardTo[T any](f *Future[T], pr *Promise[T]) {
	forwardResult(f, pr)
}

// forwardResult moves f's outcome into pr. An available future satisfies
// the promise inline (the promise schedules any downstream continuation
// itself, so ordering is preserved without an extra hop).
func forwardResult[T any](f *Future[T], pr *Promise[T]) {
	if f.Available() {
		pr.SetResult(f.take())
		return
	}
	Consume(f, pr.SetResult)
}

func resultOf[T any](v T, err error) api.Result[T] {
	if err != nil {
		return api.Fail[T](err)
	}
	return api.Ok(v)
}
