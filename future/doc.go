// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Package future implements the single-shot value channel at the heart of
// the runtime: a Future is the read end, a Promise the write end, and an
// attached continuation becomes a Task on the owning shard's ready queue.
//
// Evaluation is eager. Fulfilling a promise whose continuation is already
// attached schedules that continuation immediately; fulfilling first and
// attaching later fires the continuation at attach time. Either way the
// continuation runs as a task strictly after the task that fulfilled the
// promise and after everything already queued.
//
// Futures are single-owner and single-use: every combinator consumes its
// input future, and consuming twice panics. Failure travels the chain as a
// tagged result; Then forwards it untouched, ThenWrapped observes it, and
// Finally preserves it.
//
// All of this is single-threaded per shard. Nothing in this package is
// safe for concurrent use from multiple goroutines; cross-shard completion
// goes through the smp package instead.
package future
