//go:build linux

// File: file/bulk.go
// Author: momentics <momentics@gmail.com>
//
// Bulk read: the convenience layer that hides the DMA alignment
// contract. The requested range is widened to aligned bounds, read in
// one aligned operation plus follow-ups after short reads, and the
// result trimmed back to the requested window.

package file

import (
	"github.com/momentics/hioload-runtime/api"
	"github.com/momentics/hioload-runtime/future"
	"github.com/momentics/hioload-runtime/internal/align"
	"github.com/momentics/hioload-runtime/ioqueue"

	"golang.org/x/sys/unix"
)

// readState tracks one bulk read across its successive aligned reads.
type readState struct {
	buf    []byte
	pos    int
	eof    bool
	offset uint64 // aligned start of the whole bulk read
	toRead int
	front  int
}

func (s *readState) done() bool {
	return s.eof || s.pos >= s.toRead
}

func (s *readState) curOffset() uint64 {
	return s.offset + uint64(s.pos)
}

func (s *readState) leftToRead() int {
	return s.toRead - s.pos
}

func (s *readState) appendNewData(data []byte) {
	n := copy(s.buf[s.pos:], data)
	s.pos += n
}

// trim cuts the widened buffer's front back to the caller's offset and
// its tail to the bytes read; the tail is not cut to the requested range.
func (s *readState) trim() []byte {
	if s.pos <= s.front {
		return nil
	}
	return s.buf[s.front:s.pos]
}

// DMAReadBulk reads rangeSize bytes starting at offset, with neither
// required to be aligned. It resolves with the bytes actually available
// there; fewer than requested means end of file, an empty slice means
// offset is at or beyond it.
func (f *File) DMAReadBulk(offset, rangeSize uint64) *future.Future[[]byte] {
	return f.DMAReadBulkClass(ioqueue.DefaultPriorityClass(), offset, rangeSize)
}

// DMAReadBulkClass is DMAReadBulk under an explicit priority class.
func (f *File) DMAReadBulkClass(pc ioqueue.PriorityClass, offset, rangeSize uint64) *future.Future[[]byte] {
	start := align.Down(offset, f.diskReadAlign)
	front := offset - start
	toRead := int(align.Up(front+rangeSize, f.diskReadAlign))
	st := &readState{
		buf:    align.AlignedBuffer(uint64(toRead), f.memDMAAlign),
		offset: start,
		toRead: toRead,
		front:  int(front),
	}
	first := f.ReadDMAClass(pc, start, st.buf)
	return future.Then(first, func(n int) *future.Future[[]byte] {
		st.pos = n
		if n == toRead {
			return future.Ready(f.r, st.trim())
		}
		if uint64(n)&(f.diskReadAlign-1) != 0 {
			// A short read ending off a block boundary is EOF by the
			// block-granularity contract; an aligned short read is
			// ambiguous and needs a follow-up read to tell EOF from a
			// stall.
			st.eof = true
			return future.Ready(f.r, st.trim())
		}
		return f.readRemainder(pc, st)
	})
}

// readRemainder iterates aligned reads until the range is covered or
// EOF is established.
func (f *File) readRemainder(pc ioqueue.PriorityClass, st *readState) *future.Future[[]byte] {
	return future.Map(future.Repeat(f.r, func() *future.Future[bool] {
		if st.done() {
			return future.Ready(f.r, true)
		}
		return future.Map(f.readMaybeEOF(pc, st.curOffset(), st.leftToRead()), func(data []byte) (bool, error) {
			if len(data) == 0 {
				st.eof = true
				return true, nil
			}
			st.appendNewData(data)
			if len(data)%int(f.diskReadAlign) != 0 {
				st.eof = true
			}
			return st.done(), nil
		})
	}), func(future.Unit) ([]byte, error) {
		return st.trim(), nil
	})
}

// readMaybeEOF reads up to length bytes at pos into a fresh aligned
// buffer. Past end of file the kernel answers a direct read with either
// a zero-length success or EINVAL; both come back as an empty slice.
func (f *File) readMaybeEOF(pc ioqueue.PriorityClass, pos uint64, length int) *future.Future[[]byte] {
	size := align.Up(uint64(length), f.diskReadAlign)
	buf := align.AlignedBuffer(size, f.memDMAAlign)
	return future.ThenWrapped(f.ReadDMAClass(pc, pos, buf), func(r api.Result[int]) *future.Future[[]byte] {
		if r.Err != nil {
			var ioErr *api.IOError
			if asIOError(r.Err, &ioErr) && ioErr.Errno == unix.EINVAL {
				return future.Ready(f.r, []byte(nil))
			}
			return future.Failed[[]byte](f.r, r.Err)
		}
		return future.Ready(f.r, buf[:r.Value])
	})
}

func asIOError(err error, out **api.IOError) bool {
	e, ok := err.(*api.IOError)
	if ok {
		*out = e
	}
	return ok
}

// DMAReadAuto reads length bytes at pos with no alignment demands,
// trimming the bulk read to exactly the requested window (shorter only
// at end of file).
func (f *File) DMAReadAuto(pos, length uint64) *future.Future[[]byte] {
	return future.Map(f.DMAReadBulk(pos, length), func(buf []byte) ([]byte, error) {
		if uint64(len(buf)) > length {
			buf = buf[:length]
		}
		return buf, nil
	})
}

// DMAReadExactly is DMAReadAuto that fails with the distinguished EOF
// error when fewer than length bytes exist.
func (f *File) DMAReadExactly(pos, length uint64) *future.Future[[]byte] {
	return future.Map(f.DMAReadAuto(pos, length), func(buf []byte) ([]byte, error) {
		if uint64(len(buf)) < length {
			return nil, api.ErrEOF
		}
		return buf, nil
	})
}
