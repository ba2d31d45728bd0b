// File: clock/clock.go
// Author: momentics <momentics@gmail.com>
//
// Clock identifiers and steady-clock helpers. The runtime schedules
// against two clocks: a high-resolution monotonic clock and a coarse
// clock updated by shard 0 (see lowres.go).

package clock

import "time"

// ID selects one of the runtime's two clocks.
type ID uint8

const (
	// Steady is the high-resolution monotonic clock.
	Steady ID = iota
	// Lowres is the coarse clock, 1 ms granularity nominal.
	Lowres
)

// SteadyNow returns the current high-resolution monotonic reading in
// nanoseconds since an arbitrary epoch.
func SteadyNow() int64 {
	return int64(time.Since(steadyEpoch))
}

var steadyEpoch = time.Now()

// Now reads the requested clock.
func Now(c ID) int64 {
	if c == Lowres {
		return LowresNow()
	}
	return SteadyNow()
}
