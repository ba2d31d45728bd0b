//go:build linux

// File: file/fstream.go
// Author: momentics <momentics@gmail.com>
//
// Buffered streams over the DMA file: an input stream with read-ahead
// and an output stream with write-behind. Both bound their outstanding
// operations with a semaphore; the output stream merges only sequential
// writes and restores the true length with a truncate when the tail
// was padded to alignment.

package file

import (
	"github.com/eapache/queue"

	"github.com/momentics/hioload-runtime/api"
	"github.com/momentics/hioload-runtime/future"
	"github.com/momentics/hioload-runtime/internal/align"
	"github.com/momentics/hioload-runtime/ioqueue"
)

// InputStreamOptions tune a file input stream.
type InputStreamOptions struct {
	// BufferSize is the target chunk size; zero selects 8192.
	BufferSize uint64
	// ReadAhead is the number of extra reads kept outstanding; zero
	// selects 1.
	ReadAhead int
	// Class charges the reads to a priority class.
	Class ioqueue.PriorityClass
}

// InputStream delivers a file region as a sequence of buffers, reading
// ahead of the consumer.
type InputStream struct {
	f    *File
	opts InputStreamOptions

	pos    uint64
	remain uint64

	readBuffers *queue.Queue // of *future.Future[[]byte]
	inProgress  int
	closed      *future.Promise[future.Unit]
}

// NewInputStream streams length bytes starting at offset.
func NewInputStream(f *File, offset, length uint64, opts InputStreamOptions) *InputStream {
	if opts.BufferSize == 0 {
		opts.BufferSize = 8192
	}
	if opts.ReadAhead == 0 {
		opts.ReadAhead = 1
	}
	return &InputStream{
		f:           f,
		opts:        opts,
		pos:         offset,
		remain:      length,
		readBuffers: queue.New(),
	}
}

// Get returns the next chunk; an empty slice signals end of stream.
func (s *InputStream) Get() *future.Future[[]byte] {
	if s.readBuffers.Length() == 0 {
		s.issueReadAheads(1)
	}
	ret := s.readBuffers.Remove().(*future.Future[[]byte])
	s.issueReadAheads(0)
	return ret
}

// Close stops the stream once in-flight reads settle.
func (s *InputStream) Close() *future.Future[future.Unit] {
	s.closed = future.NewPromise[future.Unit](s.f.r)
	fut := s.closed.Future()
	if s.inProgress == 0 {
		s.closed.SetValue(future.Unit{})
		s.closed = nil
	}
	for s.readBuffers.Length() > 0 {
		s.readBuffers.Remove().(*future.Future[[]byte]).Ignore()
	}
	return fut
}

func (s *InputStream) issueReadAheads(minRA int) {
	ra := s.opts.ReadAhead
	if minRA > ra {
		ra = minRA
	}
	for s.readBuffers.Length() < ra {
		if s.remain == 0 {
			if s.readBuffers.Length() >= minRA {
				return
			}
			s.readBuffers.Add(future.Ready(s.f.r, []byte(nil)))
			continue
		}
		s.inProgress++
		// An unaligned position shortens the first chunk; never read
		// past the remaining window.
		a := s.f.DiskReadDMAAlignment()
		start := align.Down(s.pos, a)
		end := align.Up(min64(start+s.opts.BufferSize, s.pos+s.remain), a)
		pos, remain := s.pos, s.remain
		fut := future.ThenWrapped(s.f.DMAReadBulkClass(s.opts.Class, start, end-start),
			func(r api.Result[[]byte]) *future.Future[[]byte] {
				s.inProgress--
				if s.closed != nil && s.inProgress == 0 {
					s.closed.SetValue(future.Unit{})
					s.closed = nil
				}
				if r.Err != nil {
					return future.Failed[[]byte](s.f.r, r.Err)
				}
				buf := r.Value
				// The bulk read covers [start, ...); trim to the
				// stream's own window.
				realEnd := start + uint64(len(buf))
				if realEnd <= pos {
					return future.Ready(s.f.r, []byte(nil))
				}
				if realEnd > pos+remain {
					buf = buf[:pos+remain-start]
				}
				if start < pos {
					buf = buf[pos-start:]
				}
				return future.Ready(s.f.r, buf)
			})
		s.readBuffers.Add(fut)
		oldPos := s.pos
		s.pos = end
		if end >= oldPos+remain {
			s.remain = 0
		} else {
			s.remain = oldPos + remain - end
		}
	}
}

// OutputStreamOptions tune a file output stream.
type OutputStreamOptions struct {
	// BufferSize is the accumulation buffer; zero selects 8192. It is
	// rounded up to the write alignment.
	BufferSize uint64
	// WriteBehind bounds outstanding writes; zero selects 1.
	WriteBehind int
	// Class charges the writes to a priority class.
	Class ioqueue.PriorityClass
}

// OutputStream accumulates sequential writes into aligned buffers
// flushed behind the writer.
type OutputStream struct {
	f    *File
	opts OutputStreamOptions

	buf      []byte
	fill     uint64
	pos      uint64 // next file position to write
	sem      *future.Semaphore
	firstErr error
}

// NewOutputStream writes from the start of the file.
func NewOutputStream(f *File, opts OutputStreamOptions) *OutputStream {
	if opts.BufferSize == 0 {
		opts.BufferSize = 8192
	}
	opts.BufferSize = align.Up(opts.BufferSize, f.DiskWriteDMAAlignment())
	if opts.WriteBehind == 0 {
		opts.WriteBehind = 1
	}
	return &OutputStream{
		f:    f,
		opts: opts,
		buf:  f.AllocateAligned(opts.BufferSize),
		sem:  future.NewSemaphore(f.r, opts.WriteBehind),
	}
}

// Write appends p to the stream. The returned future resolves once the
// bytes are buffered or handed to write-behind; durability comes from
// Flush.
func (s *OutputStream) Write(p []byte) *future.Future[future.Unit] {
	if s.firstErr != nil {
		return future.Failed[future.Unit](s.f.r, s.firstErr)
	}
	for len(p) > 0 {
		n := copy(s.buf[s.fill:], p)
		s.fill += uint64(n)
		p = p[n:]
		if s.fill == s.opts.BufferSize {
			full := s.buf
			s.buf = s.f.AllocateAligned(s.opts.BufferSize)
			s.fill = 0
			if len(p) == 0 {
				return s.writeBehind(full, uint64(len(full)))
			}
			s.writeBehind(full, uint64(len(full))).Ignore()
		}
	}
	return future.Done(s.f.r)
}

// writeBehind issues one sequential aligned write of length bytes
// (buffer padded to alignment), bounded by the write-behind semaphore.
func (s *OutputStream) writeBehind(buf []byte, length uint64) *future.Future[future.Unit] {
	pos := s.pos
	s.pos += length
	padded := align.Up(length, s.f.DiskWriteDMAAlignment())
	return future.Then(s.sem.Wait(1), func(future.Unit) *future.Future[future.Unit] {
		return future.ThenWrapped(s.f.WriteDMAClass(s.opts.Class, pos, buf[:padded]),
			func(r api.Result[int]) *future.Future[future.Unit] {
				s.sem.Signal(1)
				if r.Err != nil && s.firstErr == nil {
					s.firstErr = r.Err
				}
				if r.Err != nil {
					return future.Failed[future.Unit](s.f.r, r.Err)
				}
				return future.Done(s.f.r)
			})
	})
}

// Flush drains the tail, restores the true file length when the tail
// write was padded, and makes the data stable.
func (s *OutputStream) Flush() *future.Future[future.Unit] {
	tail := future.Done(s.f.r)
	trueSize := s.pos + s.fill
	unalignedTail := s.fill&(s.f.DiskWriteDMAAlignment()-1) != 0
	if s.fill > 0 {
		buf, length := s.buf, s.fill
		s.buf = s.f.AllocateAligned(s.opts.BufferSize)
		s.fill = 0
		for i := length; i < align.Up(length, s.f.DiskWriteDMAAlignment()); i++ {
			buf[i] = 0
		}
		tail = s.writeBehind(buf, length)
	}
	return future.Then(tail, func(future.Unit) *future.Future[future.Unit] {
		return future.Then(s.sem.Wait(s.opts.WriteBehind), func(future.Unit) *future.Future[future.Unit] {
			s.sem.Signal(s.opts.WriteBehind)
			if s.firstErr != nil {
				return future.Failed[future.Unit](s.f.r, s.firstErr)
			}
			settle := future.Done(s.f.r)
			if unalignedTail {
				settle = s.f.Truncate(trueSize)
			}
			return future.Then(settle, func(future.Unit) *future.Future[future.Unit] {
				return s.f.Flush()
			})
		})
	})
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
