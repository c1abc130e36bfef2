package heapbufmp

import (
	"github.com/tiomap/syslink/kernel/ipc/gatemp"
	"github.com/tiomap/syslink/kernel/ipc/listmp"
	"github.com/tiomap/syslink/kernel/ipc/nameserver"
	"github.com/tiomap/syslink/kernel/ipc/sharedregion"
	"github.com/tiomap/syslink/kernel/ipcerr"
)

// Heap is a handle to a block heap.
type Heap struct {
	mod      *Module
	name     string
	attrs    sharedregion.Addr
	regionID sharedregion.RegionID
	srptr    sharedregion.SRPtr

	buf       sharedregion.Addr
	numBlocks uint32
	blockSize uint32
	align     uint32
	stride    uint32

	free *listmp.List

	creator   bool
	allocated uint32
	named     bool
	entry     nameserver.EntryRef
	closed    bool
}

var _ sharedregion.Heap = (*Heap)(nil)

func (h *Heap) init(params Params, geo geometry, gate *gatemp.Gate) error {
	t := h.mod.table
	var err error
	if h.srptr, err = t.GetSRPtr(h.attrs, h.regionID); err != nil {
		return err
	}
	h.buf = h.attrs.Add(geo.bufOff)
	h.numBlocks = params.NumBlocks
	h.blockSize = params.BlockSize
	h.align = geo.align
	h.stride = geo.stride

	if err := t.Zero(h.attrs, attrsSize); err != nil {
		return err
	}
	if err := t.StoreSRPtr(h.attrs.Add(attrGate), gate.SRPtr()); err != nil {
		return err
	}
	if err := t.StorePtr(h.attrs.Add(attrBuf), h.buf); err != nil {
		return err
	}
	words := []struct{ off, val uint32 }{
		{attrNumBlocks, h.numBlocks},
		{attrBlockSize, h.blockSize},
		{attrAlign, h.align},
		{attrFree, h.numBlocks},
		{attrMinFree, h.numBlocks},
	}
	for _, w := range words {
		if err := t.Store32(h.attrs.Add(w.off), w.val); err != nil {
			return err
		}
	}

	h.free, err = h.mod.lists.Create(listmp.Params{SharedAddr: h.attrs.Add(attrFreeList), Gate: gate})
	if err != nil {
		return err
	}
	for i := uint32(0); i < h.numBlocks; i++ {
		if err := h.free.PutTail(h.buf.Add(i * h.stride)); err != nil {
			_ = h.free.Delete()
			return err
		}
	}
	return t.Store32(h.attrs.Add(attrStatus), statusCreated)
}

func (h *Heap) load() error {
	t := h.mod.table
	var err error
	if h.srptr, err = t.GetSRPtr(h.attrs, h.regionID); err != nil {
		return err
	}
	if h.buf, err = t.LoadPtr(h.attrs.Add(attrBuf)); err != nil {
		return err
	}
	if h.numBlocks, err = t.Load32(h.attrs.Add(attrNumBlocks)); err != nil {
		return err
	}
	if h.blockSize, err = t.Load32(h.attrs.Add(attrBlockSize)); err != nil {
		return err
	}
	if h.align, err = t.Load32(h.attrs.Add(attrAlign)); err != nil {
		return err
	}
	h.stride = h.mod.geometry(Params{RegionID: h.regionID, BlockSize: h.blockSize, Align: h.align}).stride
	return nil
}

func (h *Heap) release() {
	if h.allocated == 0 {
		return
	}
	if region := h.mod.table.GetHeap(h.regionID); region != nil {
		if err := region.Free(h.attrs, h.allocated); err != nil {
			h.mod.logger.Warn("free heap memory failed", "error", err)
		}
	}
	h.allocated = 0
}

// Name returns the heap name.
func (h *Heap) Name() string { return h.name }

// SharedAddr returns the address of the heap attrs.
func (h *Heap) SharedAddr() sharedregion.Addr { return h.attrs }

// SRPtr returns the region pointer of the heap attrs.
func (h *Heap) SRPtr() sharedregion.SRPtr { return h.srptr }

// BlockSize returns the usable size of every block.
func (h *Heap) BlockSize() uint32 { return h.blockSize }

// IsBlocking reports whether Alloc and Free may sleep.
func (h *Heap) IsBlocking() bool { return h.free.Gate().IsBlocking() }

// Alloc takes one block. Requests larger than a block or more strictly
// aligned than the heap fail with OutOfMemory even if blocks are free.
func (h *Heap) Alloc(size, align uint32) (sharedregion.Addr, error) {
	if size > h.blockSize || align > h.align {
		return sharedregion.NullAddr, ipcerr.New(ipcerr.CodeOutOfMemory, "request does not fit a block").
			WithContext("size", size).WithContext("align", align).WithContext("block_size", h.blockSize)
	}
	block, err := h.free.GetHead()
	if err != nil {
		return sharedregion.NullAddr, err
	}
	if block == sharedregion.NullAddr {
		return sharedregion.NullAddr, ipcerr.New(ipcerr.CodeOutOfMemory, "no free blocks").
			WithContext("size", size).WithContext("heap", h.name)
	}

	t := h.mod.table
	left, err := t.Add32(h.attrs.Add(attrFree), ^uint32(0))
	if err != nil {
		return block, err
	}
	for {
		low, err := t.Load32(h.attrs.Add(attrMinFree))
		if err != nil || left >= low {
			break
		}
		if ok, err := t.CAS32(h.attrs.Add(attrMinFree), low, left); ok || err != nil {
			break
		}
	}
	return block, nil
}

// Free returns a block. size is not checked beyond the block size.
func (h *Heap) Free(addr sharedregion.Addr, size uint32) error {
	if size > h.blockSize {
		return ipcerr.InvalidArgument("size %d exceeds block size %d", size, h.blockSize)
	}
	end := h.buf.Add(h.numBlocks * h.stride)
	if addr < h.buf || addr >= end || uint32(addr-h.buf)%h.stride != 0 {
		return ipcerr.InvalidArgument("address %s is not a block of heap %q", addr, h.name)
	}
	if err := h.free.PutTail(addr); err != nil {
		return err
	}
	_, err := h.mod.table.Add32(h.attrs.Add(attrFree), 1)
	return err
}

// Stats returns occupancy in bytes.
func (h *Heap) Stats() (Stats, error) {
	free, err := h.mod.table.Load32(h.attrs.Add(attrFree))
	if err != nil {
		return Stats{}, err
	}
	s := Stats{
		TotalSize:     h.numBlocks * h.stride,
		TotalFreeSize: free * h.stride,
	}
	if free > 0 {
		s.LargestFreeSize = h.stride
	}
	return s, nil
}

// ExtendedStats returns block counts.
func (h *Heap) ExtendedStats() (ExtendedStats, error) {
	free, err := h.mod.table.Load32(h.attrs.Add(attrFree))
	if err != nil {
		return ExtendedStats{}, err
	}
	low, err := h.mod.table.Load32(h.attrs.Add(attrMinFree))
	if err != nil {
		return ExtendedStats{}, err
	}
	return ExtendedStats{
		MaxAllocatedBlocks: h.numBlocks - low,
		NumAllocatedBlocks: h.numBlocks - free,
	}, nil
}

// Close releases a handle obtained from Open or OpenByAddr.
func (h *Heap) Close() error {
	if h.creator {
		return ipcerr.InvalidState("creator must delete, not close")
	}
	if h.closed {
		return ipcerr.InvalidState("heap already closed")
	}
	h.closed = true
	return h.free.Close()
}

// Delete destroys the heap. Blocks still allocated become invalid.
func (h *Heap) Delete() error {
	if !h.creator {
		return ipcerr.InvalidState("only the creator may delete a heap")
	}
	if h.closed {
		return ipcerr.InvalidState("heap already deleted")
	}
	h.closed = true

	if stats, err := h.ExtendedStats(); err == nil && stats.NumAllocatedBlocks > 0 {
		h.mod.logger.Warn("heap deleted with blocks allocated", "name", h.name, "allocated", stats.NumAllocatedBlocks)
	}
	if err := h.mod.table.Store32(h.attrs.Add(attrStatus), 0); err != nil {
		return err
	}
	if err := h.free.Delete(); err != nil {
		return err
	}
	if h.named {
		if err := h.mod.names.RemoveEntry(h.entry); err != nil {
			h.mod.logger.Warn("remove heap name failed", "name", h.name, "error", err)
		}
	}
	h.release()
	return nil
}
