// File: internal/align/align.go
// Author: momentics <momentics@gmail.com>
//
// Alignment math and aligned buffer allocation shared by the DMA file
// layer and the AIO submission path.

package align

import "unsafe"

// Down rounds v down to a multiple of a. a must be a power of two.
func Down(v, a uint64) uint64 {
	return v &^ (a - 1)
}

// Up rounds v up to a multiple of a. a must be a power of two.
func Up(v, a uint64) uint64 {
	return Down(v+a-1, a)
}

// IsAligned reports whether v is a multiple of a.
func IsAligned(v, a uint64) bool {
	return v&(a-1) == 0
}

// Pointer returns the base address of a slice for alignment checks.
func Pointer(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&b[0])))
}

// AlignedBuffer returns a byte slice of length size whose base address is
// aligned to a. The slice is carved out of a larger allocation so the Go
// allocator's own alignment does not matter.
func AlignedBuffer(size, a uint64) []byte {
	raw := make([]byte, size+a)
	off := uint64(0)
	if rem := uint64(uintptr(unsafe.Pointer(&raw[0]))) & (a - 1); rem != 0 {
		off = a - rem
	}
	return raw[off : off+size : off+size]
}
