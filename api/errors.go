// File: api/errors.go
// Author: momentics <momentics@gmail.com>
//
// Common error types raised by the runtime's I/O layers.

package api

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Common errors used across the runtime.
var (
	// ErrEOF is the distinguished end-of-file condition on an aligned
	// read. Bulk-read callers receive an empty buffer instead.
	ErrEOF = fmt.Errorf("end of file on aligned read")

	// ErrQueueFull reports an SMP ring that stayed full after the spill
	// retry budget; the submission fails transiently.
	ErrQueueFull = fmt.Errorf("cross-shard queue full")

	// ErrReactorStopped rejects work submitted to a reactor that has
	// begun its shutdown sequence.
	ErrReactorStopped = fmt.Errorf("reactor is stopping")

	// ErrSemaphoreBroken is delivered to waiters of a semaphore torn
	// down while they were queued.
	ErrSemaphoreBroken = fmt.Errorf("semaphore broken")
)

// IOError carries a kernel error code together with brief context about
// the operation that produced it.
type IOError struct {
	Errno unix.Errno
	Op    string
}

// Error implements the error interface.
func (e *IOError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Errno.Error())
}

// Unwrap exposes the errno for errors.Is comparisons.
func (e *IOError) Unwrap() error {
	return e.Errno
}

// NewIOError wraps a kernel errno with operation context.
func NewIOError(errno unix.Errno, op string) *IOError {
	return &IOError{Errno: errno, Op: op}
}

// AssertAligned panics when v is not a multiple of align. Alignment
// violations are programmer errors, not runtime failures.
func AssertAligned(v uint64, align uint64, what string) {
	if v&(align-1) != 0 {
		panic(fmt.Sprintf("%s %d violates %d-byte alignment", what, v, align))
	}
}
