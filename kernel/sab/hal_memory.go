package sab

import "unsafe"

// InMemoryProvider keeps a region in process memory. Simulated processors
// share one instance the way cores share on-chip SRAM.
type InMemoryProvider struct {
	mapping
}

var _ MemoryProvider = (*InMemoryProvider)(nil)

// NewInMemoryProvider allocates a zeroed region of size bytes.
func NewInMemoryProvider(size uint32) *InMemoryProvider {
	// uint64 backing keeps every 4-byte word aligned for atomics.
	words := make([]uint64, (uint64(size)+7)/8)
	p := &InMemoryProvider{}
	if len(words) > 0 {
		p.data = unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)
	}
	return p
}

// NewInMemoryProviderFrom wraps a copy of image, typically produced by
// LoadImage.
func NewInMemoryProviderFrom(image []byte) *InMemoryProvider {
	p := NewInMemoryProvider(uint32(len(image)))
	copy(p.data, image)
	return p
}

func (p *InMemoryProvider) Close() error {
	p.data = nil
	return nil
}
