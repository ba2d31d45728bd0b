// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Package reactor implements the per-shard event loop: a ready-task
// queue drained under a wall-clock quota, a set of registered pollers
// stepped once per turn, two timer sets (steady and coarse clock), the
// epoll backend with pollable file descriptors, the Linux AIO
// submission/completion path, the blocking-syscall work queue, and the
// interrupt-mode sleep/wake cycle built on an eventfd.
//
// A reactor owns all of its non-atomic state. The only fields other
// threads may touch are the sleeping flag and the wakeup eventfd; work
// crosses shards exclusively through the smp package's rings.
package reactor
