//go:build linux

// File: reactor/io_linux.go
// Author: momentics <momentics@gmail.com>
//
// Disk submission entry points. Metered reads and writes pass through
// the fair queue of the shard's I/O coordinator, crossing the SMP
// fabric when the coordinator is a different shard; unmetered
// submissions (fsync) go straight to the local AIO context.

package reactor

import (
	"github.com/momentics/hioload-runtime/future"
	"github.com/momentics/hioload-runtime/ioqueue"
)

// SetIOQueue installs the fair queue this shard coordinates. Only
// coordinator shards own one.
func (r *Reactor) SetIOQueue(q *ioqueue.Queue) {
	r.ioQueue = q
	r.ioCoordinator = r.id
}

// SetIOCoordinator records the shard whose fair queue meters this
// shard's disk I/O.
func (r *Reactor) SetIOCoordinator(shard int) {
	r.ioCoordinator = shard
}

// IOQueue returns the shard's own fair queue, or nil.
func (r *Reactor) IOQueue() *ioqueue.Queue { return r.ioQueue }

// SetRemoteIO installs the cross-shard submission hook; the smp package
// calls this during configure.
func (r *Reactor) SetRemoteIO(fn RemoteIOFunc) { r.remoteIO = fn }

// SubmitIO hands one prepared request to the local AIO context,
// bypassing the fair queue. Used for syncs and other unmetered ops.
func (r *Reactor) SubmitIO(prep func(*IOCB)) *future.Future[int] {
	return r.aio.submit(prep)
}

// SubmitIORead queues a metered read of len size under pc.
func (r *Reactor) SubmitIORead(pc ioqueue.PriorityClass, size int, prep func(*IOCB)) *future.Future[int] {
	r.stats.AIOReads++
	r.stats.AIOReadBytes += uint64(size)
	return r.queueIO(pc, size, prep)
}

// SubmitIOWrite queues a metered write of len size under pc.
func (r *Reactor) SubmitIOWrite(pc ioqueue.PriorityClass, size int, prep func(*IOCB)) *future.Future[int] {
	r.stats.AIOWrites++
	r.stats.AIOWriteBytes += uint64(size)
	return r.queueIO(pc, size, prep)
}

// SubmitFsync queues a data sync on the local context.
func (r *Reactor) SubmitFsync(fd int) *future.Future[int] {
	r.stats.Fsyncs++
	return r.SubmitIO(func(c *IOCB) { c.PrepFdsync(fd) })
}

func (r *Reactor) queueIO(pc ioqueue.PriorityClass, size int, prep func(*IOCB)) *future.Future[int] {
	switch {
	case r.ioQueue != nil && r.ioCoordinator == r.id:
		return r.ioQueue.Submit(pc, size, func() *future.Future[int] {
			return r.aio.submit(prep)
		})
	case r.remoteIO != nil:
		return r.remoteIO(r.ioCoordinator, func(peer *Reactor) *future.Future[int] {
			return peer.ioQueue.Submit(pc, size, func() *future.Future[int] {
				return peer.aio.submit(prep)
			})
		})
	default:
		// Single shard, no queue configured: submit directly.
		return r.aio.submit(prep)
	}
}
