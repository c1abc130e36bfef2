package sab

import "errors"

// MemoryProvider abstracts access to one physical shared-memory region.
// Implementations may be backed by mmap or an in-process buffer. Offsets are
// physical offsets from the start of the region; every processor mapping the
// region sees the same bytes at the same offset.
type MemoryProvider interface {
	Size() uint32
	ReadAt(offset uint32, dest []byte) error
	WriteAt(offset uint32, src []byte) error
	AtomicLoad32(offset uint32) (uint32, error)
	AtomicStore32(offset uint32, val uint32) error
	AtomicAdd32(offset uint32, delta uint32) (uint32, error)
	AtomicCompareAndSwap32(offset uint32, old, new uint32) (bool, error)
	Close() error
}

var ErrOutOfBounds = errors.New("offset out of bounds")
var ErrMisaligned = errors.New("offset is not 4-byte aligned")
var ErrClosed = errors.New("memory provider closed")

// inBounds reports whether [offset, offset+n) lies inside size without
// overflowing.
func inBounds(offset, n, size uint32) bool {
	end := uint64(offset) + uint64(n)
	return end <= uint64(size)
}
