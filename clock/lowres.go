// File: clock/lowres.go
// Author: momentics <momentics@gmail.com>
//
// Coarse clock. Shard 0 publishes the steady reading every 10 ms into a
// cache-line-isolated atomic slot; every other shard reads it relaxed.
// This trades 10 ms of precision for zero clock syscalls on shards with
// large timer populations.

package clock

import "sync/atomic"

// Granularity is the update period of the coarse clock.
const Granularity = 10 * 1000 * 1000 // 10 ms in nanoseconds

// lowresSlot keeps the published reading alone on its cache line so
// shard 0's stores never false-share with neighbouring state.
type lowresSlot struct {
	_   [64]byte
	now atomic.Int64
	_   [64 - 8]byte
}

var lowres lowresSlot

// LowresNow returns the coarse clock reading in nanoseconds. The value
// lags the steady clock by at most Granularity.
func LowresNow() int64 {
	return lowres.now.Load()
}

// LowresUpdate publishes a fresh reading. Only shard 0's update timer
// calls this.
func LowresUpdate() {
	lowres.now.Store(SteadyNow())
}
