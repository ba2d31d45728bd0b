//go:build linux

// File: reactor/aio_linux.go
// Author: momentics <momentics@gmail.com>
//
// Kernel AIO submission path. Prepared iocbs collect in a batching
// vector flushed by the submit poller with one io_submit per turn; the
// completion poller reaps io_getevents non-blocking. A counting
// semaphore bounds outstanding requests to the context size. Every iocb
// carries the wakeup eventfd as its resfd so completions rouse a
// sleeping reactor.

package reactor

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-runtime/api"
	"github.com/momentics/hioload-runtime/future"
)

// maxAIO is the default per-shard bound on in-flight kernel AIO.
const maxAIO = 128

const (
	iocbCmdPRead  = 0
	iocbCmdPWrite = 1
	iocbCmdFsync  = 2
	iocbCmdFdsync = 3
	iocbCmdPReadv = 7
	iocbCmdPWritev = 8

	iocbFlagResfd = 1
)

// iocb mirrors struct iocb from <linux/aio_abi.h> on 64-bit
// little-endian Linux.
type iocb struct {
	data      uint64
	key       uint32
	rwFlags   int32
	opcode    uint16
	reqprio   int16
	fildes    uint32
	buf       uint64
	nbytes    uint64
	offset    int64
	reserved2 uint64
	flags     uint32
	resfd     uint32
}

// ioEvent mirrors struct io_event.
type ioEvent struct {
	data uint64
	obj  uint64
	res  int64
	res2 int64
}

// IOCB is a prepared asynchronous I/O request. The Prep methods pin any
// referenced buffers until the request completes.
type IOCB struct {
	cb   iocb
	keep []any
}

// PrepPRead prepares a positional read into buf.
func (c *IOCB) PrepPRead(fd int, pos uint64, buf []byte) {
	c.cb.opcode = iocbCmdPRead
	c.cb.fildes = uint32(fd)
	c.cb.buf = uint64(uintptr(unsafe.Pointer(&buf[0])))
	c.cb.nbytes = uint64(len(buf))
	c.cb.offset = int64(pos)
	c.keep = append(c.keep, buf)
}

// PrepPWrite prepares a positional write from buf.
func (c *IOCB) PrepPWrite(fd int, pos uint64, buf []byte) {
	c.cb.opcode = iocbCmdPWrite
	c.cb.fildes = uint32(fd)
	c.cb.buf = uint64(uintptr(unsafe.Pointer(&buf[0])))
	c.cb.nbytes = uint64(len(buf))
	c.cb.offset = int64(pos)
	c.keep = append(c.keep, buf)
}

// PrepPReadv prepares a vectored positional read.
func (c *IOCB) PrepPReadv(fd int, pos uint64, iov []unix.Iovec) {
	c.cb.opcode = iocbCmdPReadv
	c.cb.fildes = uint32(fd)
	c.cb.buf = uint64(uintptr(unsafe.Pointer(&iov[0])))
	c.cb.nbytes = uint64(len(iov))
	c.cb.offset = int64(pos)
	c.keep = append(c.keep, iov)
}

// PrepPWritev prepares a vectored positional write.
func (c *IOCB) PrepPWritev(fd int, pos uint64, iov []unix.Iovec) {
	c.cb.opcode = iocbCmdPWritev
	c.cb.fildes = uint32(fd)
	c.cb.buf = uint64(uintptr(unsafe.Pointer(&iov[0])))
	c.cb.nbytes = uint64(len(iov))
	c.cb.offset = int64(pos)
	c.keep = append(c.keep, iov)
}

// PrepFdsync prepares a data-only sync of fd.
func (c *IOCB) PrepFdsync(fd int) {
	c.cb.opcode = iocbCmdFdsync
	c.cb.fildes = uint32(fd)
}

type aioOp struct {
	icb IOCB
	pr  *future.Promise[int]
}

type aioContext struct {
	r       *Reactor
	ctx     uintptr // aio_context_t
	sem     *future.Semaphore
	ops     []aioOp
	free    []uint32
	pending []uint32 // slots awaiting io_submit, in queue order
	scratch []uintptr
	events  []ioEvent
}

func newAIOContext(r *Reactor, depth int) (*aioContext, error) {
	a := &aioContext{
		r:      r,
		sem:    future.NewSemaphore(r, depth),
		ops:    make([]aioOp, depth),
		free:   make([]uint32, 0, depth),
		events: make([]ioEvent, depth),
	}
	for i := depth - 1; i >= 0; i-- {
		a.free = append(a.free, uint32(i))
	}
	_, _, errno := unix.Syscall(unix.SYS_IO_SETUP, uintptr(depth), uintptr(unsafe.Pointer(&a.ctx)), 0)
	if errno != 0 {
		return nil, api.NewIOError(errno, "io_setup")
	}
	return a, nil
}

func (a *aioContext) close() {
	if a.ctx != 0 {
		unix.Syscall(unix.SYS_IO_DESTROY, a.ctx, 0, 0)
		a.ctx = 0
	}
	a.sem.Break()
}

// submit queues one prepared request once a context slot frees up.
func (a *aioContext) submit(prep func(*IOCB)) *future.Future[int] {
	return future.Then(a.sem.Wait(1), func(future.Unit) *future.Future[int] {
		slot := a.free[len(a.free)-1]
		a.free = a.free[:len(a.free)-1]
		op := &a.ops[slot]
		op.icb = IOCB{}
		op.icb.cb.data = uint64(slot)
		prep(&op.icb)
		op.icb.cb.flags |= iocbFlagResfd
		op.icb.cb.resfd = uint32(a.r.backend.wakeupFD)
		pr := future.NewPromise[int](a.r)
		op.pr = pr
		a.pending = append(a.pending, slot)
		return pr.Future()
	})
}

// flush hands the batching vector to io_submit, at most one call per
// poller turn. A short submit keeps the remainder queued; EAGAIN leaves
// everything for the next turn.
func (a *aioContext) flush() bool {
	if len(a.pending) == 0 {
		return false
	}
	a.scratch = a.scratch[:0]
	for _, slot := range a.pending {
		a.scratch = append(a.scratch, uintptr(unsafe.Pointer(&a.ops[slot].icb.cb)))
	}
	n, _, errno := unix.Syscall(unix.SYS_IO_SUBMIT, a.ctx,
		uintptr(len(a.scratch)), uintptr(unsafe.Pointer(&a.scratch[0])))
	switch {
	case errno == unix.EAGAIN:
		return true
	case errno != 0:
		// Submission of the head request is broken; fail it and move on.
		slot := a.pending[0]
		a.pending = a.pending[1:]
		a.completeSlot(slot, 0, api.NewIOError(errno, "io_submit"))
		return true
	}
	a.pending = a.pending[int(n):]
	return true
}

// reap drains available completions without blocking.
func (a *aioContext) reap() bool {
	var zero unix.Timespec
	got := false
	for {
		n, _, errno := unix.Syscall6(unix.SYS_IO_GETEVENTS, a.ctx, 1,
			uintptr(len(a.events)), uintptr(unsafe.Pointer(&a.events[0])),
			uintptr(unsafe.Pointer(&zero)), 0)
		if errno != 0 || n == 0 {
			return got
		}
		got = true
		for _, ev := range a.events[:int(n)] {
			if ev.res < 0 {
				a.completeSlot(uint32(ev.data), 0, api.NewIOError(unix.Errno(-ev.res), "aio"))
			} else {
				a.completeSlot(uint32(ev.data), int(ev.res), nil)
			}
		}
		if int(n) < len(a.events) {
			return got
		}
	}
}

func (a *aioContext) completeSlot(slot uint32, res int, err error) {
	op := &a.ops[slot]
	pr := op.pr
	op.pr = nil
	op.icb = IOCB{}
	a.free = append(a.free, slot)
	a.sem.Signal(1)
	if err != nil {
		pr.SetError(err)
	} else {
		pr.SetValue(res)
	}
}

// aioSubmitPoller flushes the batching vector.
type aioSubmitPoller struct {
	aio *aioContext
}

func (p *aioSubmitPoller) Poll() bool { return p.aio.flush() }

func (p *aioSubmitPoller) TryEnterInterruptMode() bool {
	// Unsubmitted work must reach the kernel before sleeping.
	return len(p.aio.pending) == 0
}

func (p *aioSubmitPoller) ExitInterruptMode() {}

// aioCompletePoller reaps ready completions. Sleeping is always safe:
// the resfd on every iocb pokes the wakeup eventfd.
type aioCompletePoller struct {
	aio *aioContext
}

func (p *aioCompletePoller) Poll() bool { return p.aio.reap() }

func (p *aioCompletePoller) TryEnterInterruptMode() bool { return true }

func (p *aioCompletePoller) ExitInterruptMode() {}
