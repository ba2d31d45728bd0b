//go:build linux

// File: file/file.go
// Author: momentics <momentics@gmail.com>
//
// Uncached, unbuffered files driven through the shard's AIO context.
// All data moves by DMA: offsets and lengths align to the device
// alignment, buffers to the memory DMA alignment. The blocking-syscall
// work queue carries the operations the kernel has no async form for.

package file

import (
	"log"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-runtime/api"
	"github.com/momentics/hioload-runtime/future"
	"github.com/momentics/hioload-runtime/internal/align"
	"github.com/momentics/hioload-runtime/ioqueue"
	"github.com/momentics/hioload-runtime/reactor"
)

// OpenFlags mirror the open(2) modes the runtime supports.
type OpenFlags int

const (
	RO OpenFlags = OpenFlags(unix.O_RDONLY)
	WO OpenFlags = OpenFlags(unix.O_WRONLY)
	RW OpenFlags = OpenFlags(unix.O_RDWR)

	Create    OpenFlags = OpenFlags(unix.O_CREAT)
	Truncate  OpenFlags = OpenFlags(unix.O_TRUNC)
	Exclusive OpenFlags = OpenFlags(unix.O_EXCL)
)

// Options configure an open file.
type Options struct {
	// ExtentAllocationSizeHint is the disk space allocated at a time
	// when extending the file; zero selects 1 MiB.
	ExtentAllocationSizeHint uint64
}

// File is a data file on persistent storage, bound to the shard that
// opened it.
type File struct {
	r  *reactor.Reactor
	fd int

	memDMAAlign    uint64
	diskReadAlign  uint64
	diskWriteAlign uint64

	extentHint uint64
	direct     bool
}

// OpenDMA opens name for direct I/O. When the filesystem rejects
// O_DIRECT the strict-DMA setting decides between failing and falling
// back to buffered I/O with a logged performance warning.
func OpenDMA(r *reactor.Reactor, name string, flags OpenFlags, opts Options) *future.Future[*File] {
	if opts.ExtentAllocationSizeHint == 0 {
		opts.ExtentAllocationSizeHint = 1 << 20
	}
	strict := r.StrictDMA()
	return future.Map(reactor.SubmitBlocking(r, func() (int, error) {
		fd, err := unix.Open(name, int(flags)|unix.O_DIRECT|unix.O_CLOEXEC, 0o666)
		if err == nil {
			return fd, nil
		}
		if errno, ok := err.(unix.Errno); ok && errno == unix.EINVAL && !strict {
			log.Printf("file: %s does not support O_DIRECT, falling back to buffered I/O; expect reduced performance", name)
			fd, err = unix.Open(name, int(flags)|unix.O_CLOEXEC, 0o666)
			if err == nil {
				return ^fd, nil // sign marks the buffered fallback
			}
		}
		if errno, ok := err.(unix.Errno); ok {
			return -1, api.NewIOError(errno, "open "+name)
		}
		return -1, err
	}), func(fd int) (*File, error) {
		direct := true
		if fd < 0 {
			fd = ^fd
			direct = false
		}
		return &File{
			r:  r,
			fd: fd,
			// 4 KiB covers every HW block size in practice; a 512-byte
			// device only makes these conservative.
			memDMAAlign:    4096,
			diskReadAlign:  4096,
			diskWriteAlign: 4096,
			extentHint:     opts.ExtentAllocationSizeHint,
			direct:         direct,
		}, nil
	})
}

// MemoryDMAAlignment is the required buffer alignment.
func (f *File) MemoryDMAAlignment() uint64 { return f.memDMAAlign }

// DiskReadDMAAlignment is the required offset/length alignment for reads.
func (f *File) DiskReadDMAAlignment() uint64 { return f.diskReadAlign }

// DiskWriteDMAAlignment is the required offset/length alignment for writes.
func (f *File) DiskWriteDMAAlignment() uint64 { return f.diskWriteAlign }

// FD exposes the raw descriptor.
func (f *File) FD() int { return f.fd }

func (f *File) assertReadAligned(pos uint64, buf []byte) {
	api.AssertAligned(pos, f.diskReadAlign, "read offset")
	api.AssertAligned(uint64(len(buf)), f.diskReadAlign, "read length")
	api.AssertAligned(align.Pointer(buf), f.memDMAAlign, "read buffer")
}

func (f *File) assertWriteAligned(pos uint64, buf []byte) {
	api.AssertAligned(pos, f.diskWriteAlign, "write offset")
	api.AssertAligned(uint64(len(buf)), f.diskWriteAlign, "write length")
	api.AssertAligned(align.Pointer(buf), f.memDMAAlign, "write buffer")
}

// ReadDMA reads len(buf) bytes at pos under the default priority class.
// It resolves with the byte count: len(buf), or less at end of file,
// never more.
func (f *File) ReadDMA(pos uint64, buf []byte) *future.Future[int] {
	return f.ReadDMAClass(ioqueue.DefaultPriorityClass(), pos, buf)
}

// ReadDMAClass reads under an explicit priority class.
func (f *File) ReadDMAClass(pc ioqueue.PriorityClass, pos uint64, buf []byte) *future.Future[int] {
	f.assertReadAligned(pos, buf)
	fd := f.fd
	return f.r.SubmitIORead(pc, len(buf), func(c *reactor.IOCB) {
		c.PrepPRead(fd, pos, buf)
	})
}

// WriteDMA writes len(buf) bytes at pos under the default class.
func (f *File) WriteDMA(pos uint64, buf []byte) *future.Future[int] {
	return f.WriteDMAClass(ioqueue.DefaultPriorityClass(), pos, buf)
}

// WriteDMAClass writes under an explicit priority class.
func (f *File) WriteDMAClass(pc ioqueue.PriorityClass, pos uint64, buf []byte) *future.Future[int] {
	f.assertWriteAligned(pos, buf)
	fd := f.fd
	return f.r.SubmitIOWrite(pc, len(buf), func(c *reactor.IOCB) {
		c.PrepPWrite(fd, pos, buf)
	})
}

// ReadDMAIov performs a vectored read; every buffer and the offset obey
// the same alignment contract.
func (f *File) ReadDMAIov(pc ioqueue.PriorityClass, pos uint64, bufs [][]byte) *future.Future[int] {
	api.AssertAligned(pos, f.diskReadAlign, "read offset")
	iov, total := f.buildIovec(bufs, f.diskReadAlign)
	fd := f.fd
	return f.r.SubmitIORead(pc, total, func(c *reactor.IOCB) {
		c.PrepPReadv(fd, pos, iov)
	})
}

// WriteDMAIov performs a vectored write.
func (f *File) WriteDMAIov(pc ioqueue.PriorityClass, pos uint64, bufs [][]byte) *future.Future[int] {
	api.AssertAligned(pos, f.diskWriteAlign, "write offset")
	iov, total := f.buildIovec(bufs, f.diskWriteAlign)
	fd := f.fd
	return f.r.SubmitIOWrite(pc, total, func(c *reactor.IOCB) {
		c.PrepPWritev(fd, pos, iov)
	})
}

func (f *File) buildIovec(bufs [][]byte, diskAlign uint64) ([]unix.Iovec, int) {
	iov := make([]unix.Iovec, 0, len(bufs))
	total := 0
	for _, b := range bufs {
		api.AssertAligned(uint64(len(b)), diskAlign, "iovec length")
		api.AssertAligned(align.Pointer(b), f.memDMAAlign, "iovec buffer")
		var v unix.Iovec
		v.Base = &b[0]
		v.SetLen(len(b))
		iov = append(iov, v)
		total += len(b)
	}
	return iov, total
}

// Flush makes previously written data stable. The async fdsync path is
// preferred; kernels or filesystems without it fall back to the work
// queue.
func (f *File) Flush() *future.Future[future.Unit] {
	fd := f.fd
	return future.ThenWrapped(f.r.SubmitFsync(fd), func(r api.Result[int]) *future.Future[future.Unit] {
		if r.Err == nil {
			return future.Done(f.r)
		}
		return blockingUnit(f.r, "fdatasync", func() error { return unix.Fdatasync(fd) })
	})
}

// Stat returns the file metadata.
func (f *File) Stat() *future.Future[unix.Stat_t] {
	fd := f.fd
	return reactor.SubmitBlocking(f.r, func() (unix.Stat_t, error) {
		var st unix.Stat_t
		err := unix.Fstat(fd, &st)
		return st, wrapErrno(err, "fstat")
	})
}

// Size returns the current file length in bytes.
func (f *File) Size() *future.Future[uint64] {
	return future.Map(f.Stat(), func(st unix.Stat_t) (uint64, error) {
		return uint64(st.Size), nil
	})
}

// Truncate sets the file length.
func (f *File) Truncate(length uint64) *future.Future[future.Unit] {
	fd := f.fd
	return blockingUnit(f.r, "ftruncate", func() error { return unix.Ftruncate(fd, int64(length)) })
}

// Allocate preallocates disk blocks for [pos, pos+length), rounded up
// to the extent allocation hint to limit fragmentation. The file size
// is unchanged.
func (f *File) Allocate(pos, length uint64) *future.Future[future.Unit] {
	fd := f.fd
	length = align.Up(length, f.extentHint)
	return blockingUnit(f.r, "fallocate", func() error {
		return unix.Fallocate(fd, unix.FALLOC_FL_KEEP_SIZE, int64(pos), int64(length))
	})
}

// Discard tells the filesystem the aligned range is no longer needed.
func (f *File) Discard(offset, length uint64) *future.Future[future.Unit] {
	api.AssertAligned(offset, f.diskWriteAlign, "discard offset")
	api.AssertAligned(length, f.diskWriteAlign, "discard length")
	fd := f.fd
	return blockingUnit(f.r, "punch hole", func() error {
		return unix.Fallocate(fd, unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE,
			int64(offset), int64(length))
	})
}

// Close releases the descriptor. Flush first if the data must be stable.
func (f *File) Close() *future.Future[future.Unit] {
	fd := f.fd
	f.fd = -1
	return blockingUnit(f.r, "close", func() error { return unix.Close(fd) })
}

// AllocateAligned returns a buffer of the given size satisfying the
// file's memory DMA alignment.
func (f *File) AllocateAligned(size uint64) []byte {
	return align.AlignedBuffer(size, f.memDMAAlign)
}

func blockingUnit(r *reactor.Reactor, op string, fn func() error) *future.Future[future.Unit] {
	return reactor.SubmitBlocking(r, func() (future.Unit, error) {
		return future.Unit{}, wrapErrno(fn(), op)
	})
}

func wrapErrno(err error, op string) error {
	if err == nil {
		return nil
	}
	if errno, ok := err.(unix.Errno); ok {
		return api.NewIOError(errno, op)
	}
	return err
}
