package sab

import (
	"errors"
	"fmt"
	"sync"
)

// ErrPoolExhausted is returned when every index in a pool is in use.
var ErrPoolExhausted = errors.New("index pool exhausted")

// IndexPool hands out small integer indices from a bitmap, starting the
// search at a rotating hint so recently freed indices are not reused
// immediately. Indices below base are reserved and never handed out.
type IndexPool struct {
	mu        sync.Mutex
	bitmap    []uint8
	base      uint32
	size      uint32
	next      uint32
	allocated uint32
}

// IndexPoolStats reports pool utilization.
type IndexPoolStats struct {
	TotalCapacity  uint32
	AllocatedCount uint32
	AvailableCount uint32
	UtilizationPct float32
	NextIndex      uint32
}

// NewIndexPool creates a pool covering [base, base+size).
func NewIndexPool(base, size uint32) *IndexPool {
	return &IndexPool{
		bitmap: make([]uint8, (base+size+7)/8),
		base:   base,
		size:   size,
		next:   base,
	}
}

// Allocate returns a free index.
func (p *IndexPool) Allocate() (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	index, err := p.findFree()
	if err != nil {
		return 0, err
	}
	p.markUsed(index)
	p.allocated++
	p.next = index + 1
	if p.next >= p.base+p.size {
		p.next = p.base
	}
	return index, nil
}

// Reserve claims a specific index.
func (p *IndexPool) Reserve(index uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if index < p.base || index >= p.base+p.size {
		return fmt.Errorf("index %d outside pool [%d, %d)", index, p.base, p.base+p.size)
	}
	if p.isUsed(index) {
		return fmt.Errorf("index %d already in use", index)
	}
	p.markUsed(index)
	p.allocated++
	return nil
}

// Free returns index to the pool.
func (p *IndexPool) Free(index uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if index < p.base || index >= p.base+p.size || !p.isUsed(index) {
		return fmt.Errorf("index %d not allocated", index)
	}
	p.markFree(index)
	p.allocated--
	return nil
}

// IsUsed reports whether index is currently allocated.
func (p *IndexPool) IsUsed(index uint32) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if index >= p.base+p.size {
		return false
	}
	return p.isUsed(index)
}

// Stats returns allocation statistics.
func (p *IndexPool) Stats() IndexPoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := IndexPoolStats{
		TotalCapacity:  p.size,
		AllocatedCount: p.allocated,
		AvailableCount: p.size - p.allocated,
		NextIndex:      p.next,
	}
	if p.size > 0 {
		stats.UtilizationPct = float32(p.allocated) / float32(p.size) * 100.0
	}
	return stats
}

func (p *IndexPool) findFree() (uint32, error) {
	end := p.base + p.size
	for i := p.next; i < end; i++ {
		if !p.isUsed(i) {
			return i, nil
		}
	}
	for i := p.base; i < p.next; i++ {
		if !p.isUsed(i) {
			return i, nil
		}
	}
	return 0, ErrPoolExhausted
}

func (p *IndexPool) markUsed(index uint32) {
	p.bitmap[index/8] |= 1 << (index % 8)
}

func (p *IndexPool) markFree(index uint32) {
	p.bitmap[index/8] &^= 1 << (index % 8)
}

func (p *IndexPool) isUsed(index uint32) bool {
	return p.bitmap[index/8]&(1<<(index%8)) != 0
}
