// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Package pool provides the lock-free primitives shared by the SMP
// fabric and the syscall work queue, chiefly the single-producer/
// single-consumer ring.
package pool
