// File: api/poll.go
// Author: momentics <momentics@gmail.com>
//
// Poller contract driven once per reactor loop turn.

package api

// Poller is a non-blocking unit of work polled by the reactor on every
// turn of its main loop.
type Poller interface {
	// Poll performs one non-blocking step. It returns true if any work
	// was done; false reports the poller as idle for this turn.
	Poll() bool

	// TryEnterInterruptMode asks the poller to switch to a mode in which
	// its events wake a sleeping reactor. Returning false vetoes the
	// sleep for this turn; when it returns true, ExitInterruptMode must
	// be called after the reactor wakes.
	TryEnterInterruptMode() bool

	// ExitInterruptMode restores normal polling after a sleep.
	ExitInterruptMode()
}
