package sab

import (
	"sync/atomic"
	"unsafe"
)

// mapping implements MemoryProvider access over one contiguous byte slice.
// A nil slice means the provider was closed.
type mapping struct {
	data []byte
}

func (m *mapping) Size() uint32 {
	return uint32(len(m.data))
}

// Bytes exposes the mapped bytes for image capture.
func (m *mapping) Bytes() []byte {
	return m.data
}

func (m *mapping) span(offset, n uint32) ([]byte, error) {
	if m.data == nil {
		return nil, ErrClosed
	}
	if !inBounds(offset, n, uint32(len(m.data))) {
		return nil, ErrOutOfBounds
	}
	return m.data[offset : offset+n], nil
}

func (m *mapping) ReadAt(offset uint32, dest []byte) error {
	b, err := m.span(offset, uint32(len(dest)))
	if err != nil {
		return err
	}
	copy(dest, b)
	return nil
}

func (m *mapping) WriteAt(offset uint32, src []byte) error {
	b, err := m.span(offset, uint32(len(src)))
	if err != nil {
		return err
	}
	copy(b, src)
	return nil
}

// word returns the 32-bit word at offset, which must be 4-byte aligned.
func (m *mapping) word(offset uint32) (*uint32, error) {
	if offset%4 != 0 {
		return nil, ErrMisaligned
	}
	b, err := m.span(offset, 4)
	if err != nil {
		return nil, err
	}
	return (*uint32)(unsafe.Pointer(&b[0])), nil
}

func (m *mapping) AtomicLoad32(offset uint32) (uint32, error) {
	w, err := m.word(offset)
	if err != nil {
		return 0, err
	}
	return atomic.LoadUint32(w), nil
}

func (m *mapping) AtomicStore32(offset uint32, val uint32) error {
	w, err := m.word(offset)
	if err != nil {
		return err
	}
	atomic.StoreUint32(w, val)
	return nil
}

func (m *mapping) AtomicAdd32(offset uint32, delta uint32) (uint32, error) {
	w, err := m.word(offset)
	if err != nil {
		return 0, err
	}
	return atomic.AddUint32(w, delta), nil
}

func (m *mapping) AtomicCompareAndSwap32(offset uint32, old, new uint32) (bool, error) {
	w, err := m.word(offset)
	if err != nil {
		return false, err
	}
	return atomic.CompareAndSwapUint32(w, old, new), nil
}
