package heapmemmp

import (
	"github.com/tiomap/syslink/kernel/ipc/gatemp"
	"github.com/tiomap/syslink/kernel/ipc/nameserver"
	"github.com/tiomap/syslink/kernel/ipc/sharedregion"
	"github.com/tiomap/syslink/kernel/ipcerr"
	"github.com/tiomap/syslink/kernel/sab"
)

// Heap is a handle to a variable-size heap.
type Heap struct {
	mod      *Module
	name     string
	attrs    sharedregion.Addr
	regionID sharedregion.RegionID
	srptr    sharedregion.SRPtr
	buf      sharedregion.Addr
	size     uint32

	gate     *gatemp.Gate
	ownsGate bool

	creator   bool
	allocated uint32
	named     bool
	entry     nameserver.EntryRef
	closed    bool
}

var _ sharedregion.Heap = (*Heap)(nil)

func (h *Heap) init() error {
	t := h.mod.table
	var err error
	if h.srptr, err = t.GetSRPtr(h.attrs, h.regionID); err != nil {
		return err
	}
	if err := t.Zero(h.attrs, attrsSize); err != nil {
		return err
	}
	if err := t.StoreSRPtr(h.attrs.Add(attrGate), h.gate.SRPtr()); err != nil {
		return err
	}
	if err := t.StorePtr(h.attrs.Add(attrBuf), h.buf); err != nil {
		return err
	}
	if err := t.Store32(h.attrs.Add(attrSize), h.size); err != nil {
		return err
	}
	if err := h.writeBlock(h.buf, sharedregion.InvalidSRPtr, h.size); err != nil {
		return err
	}
	if err := t.StorePtr(h.head().Add(blockNext), h.buf); err != nil {
		return err
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
	h.size, err = t.Load32(h.attrs.Add(attrSize))
	return err
}

func (h *Heap) publish() error {
	if h.name == "" {
		return nil
	}
	var buf [sharedregion.SRPtrSize]byte
	h.srptr.Encode(buf[:])
	ref, err := h.mod.names.Add(h.name, buf[:])
	if err != nil {
		return err
	}
	h.entry = ref
	h.named = true
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

func (h *Heap) head() sharedregion.Addr { return h.attrs.Add(attrHead) }

func (h *Heap) readBlock(addr sharedregion.Addr) (next sharedregion.Addr, size uint32, err error) {
	if next, err = h.mod.table.LoadPtr(addr.Add(blockNext)); err != nil {
		return
	}
	size, err = h.mod.table.Load32(addr.Add(blockSize))
	return
}

func (h *Heap) writeBlock(addr sharedregion.Addr, next sharedregion.SRPtr, size uint32) error {
	if err := h.mod.table.StoreSRPtr(addr.Add(blockNext), next); err != nil {
		return err
	}
	return h.mod.table.Store32(addr.Add(blockSize), size)
}

func (h *Heap) setNext(addr, next sharedregion.Addr) error {
	return h.mod.table.StorePtr(addr.Add(blockNext), next)
}

// Name returns the heap name.
func (h *Heap) Name() string { return h.name }

// SharedAddr returns the address of the heap attrs.
func (h *Heap) SharedAddr() sharedregion.Addr { return h.attrs }

// SRPtr returns the region pointer of the heap attrs.
func (h *Heap) SRPtr() sharedregion.SRPtr { return h.srptr }

// IsBlocking reports whether Alloc and Free may sleep.
func (h *Heap) IsBlocking() bool { return h.gate.IsBlocking() }

func (h *Heap) gated(fn func() error) error {
	key, err := h.gate.Enter()
	if err != nil {
		return err
	}
	defer func() {
		if err := h.gate.Leave(key); err != nil {
			h.mod.logger.Error("leave heap gate failed", "heap", h.name, "error", err)
		}
	}()
	return fn()
}

// Alloc returns the first free block that fits size at align. Sizes are
// rounded up to MinAlign and align is raised to at least MinAlign.
func (h *Heap) Alloc(size, align uint32) (sharedregion.Addr, error) {
	if size == 0 {
		return sharedregion.NullAddr, ipcerr.InvalidArgument("zero-size allocation")
	}
	if align < MinAlign {
		align = MinAlign
	}
	if !sab.IsPowerOfTwo(align) {
		return sharedregion.NullAddr, ipcerr.InvalidArgument("align %d is not a power of two", align)
	}
	size = sab.AlignOffset(size, MinAlign)

	result := sharedregion.NullAddr
	err := h.gated(func() error {
		prev := h.head()
		cur, _, err := h.readBlock(prev)
		if err != nil {
			return err
		}
		var largest uint32
		for cur != sharedregion.NullAddr {
			next, curSize, err := h.readBlock(cur)
			if err != nil {
				return err
			}
			largest = max(largest, curSize)

			aligned := (cur + sharedregion.Addr(align-1)) &^ sharedregion.Addr(align-1)
			if uint64(aligned-cur)+uint64(size) > uint64(curSize) {
				prev, cur = cur, next
				continue
			}
			adj := uint32(aligned - cur)
			rest := curSize - adj - size

			if adj > 0 {
				// The front fragment stays on the list where cur was.
				if err := h.mod.table.Store32(cur.Add(blockSize), adj); err != nil {
					return err
				}
				if rest > 0 {
					tail := aligned.Add(size)
					if err := h.writeBlock(tail, sharedregion.InvalidSRPtr, rest); err != nil {
						return err
					}
					if err := h.setNext(tail, next); err != nil {
						return err
					}
					if err := h.setNext(cur, tail); err != nil {
						return err
					}
				}
			} else if rest > 0 {
				tail := cur.Add(size)
				if err := h.writeBlock(tail, sharedregion.InvalidSRPtr, rest); err != nil {
					return err
				}
				if err := h.setNext(tail, next); err != nil {
					return err
				}
				if err := h.setNext(prev, tail); err != nil {
					return err
				}
			} else if err := h.setNext(prev, next); err != nil {
				return err
			}
			result = aligned
			return nil
		}
		return ipcerr.New(ipcerr.CodeOutOfMemory, "no free block fits").
			WithContext("size", size).WithContext("align", align).WithContext("largest_free", largest)
	})
	return result, err
}

// Free returns the block at addr of the size it was allocated with.
// Blocks overlapping free memory are rejected.
func (h *Heap) Free(addr sharedregion.Addr, size uint32) error {
	if size == 0 {
		return ipcerr.InvalidArgument("zero-size free")
	}
	size = sab.AlignOffset(size, MinAlign)
	end := h.buf.Add(h.size)
	if addr < h.buf || addr.Add(size) > end || uint32(addr-h.buf)%MinAlign != 0 {
		return ipcerr.InvalidArgument("block %s+%d outside heap %q", addr, size, h.name)
	}

	return h.gated(func() error {
		prev := h.head()
		var prevSize uint32
		next, _, err := h.readBlock(prev)
		if err != nil {
			return err
		}
		for next != sharedregion.NullAddr && next < addr {
			after, nextSize, err := h.readBlock(next)
			if err != nil {
				return err
			}
			prev, prevSize, next = next, nextSize, after
		}

		if prev != h.head() && prev.Add(prevSize) > addr {
			return ipcerr.InvalidArgument("block %s overlaps free block %s", addr, prev)
		}
		if next != sharedregion.NullAddr && addr.Add(size) > next {
			return ipcerr.InvalidArgument("block %s overlaps free block %s", addr, next)
		}

		newNext := next
		if next != sharedregion.NullAddr && addr.Add(size) == next {
			after, nextSize, err := h.readBlock(next)
			if err != nil {
				return err
			}
			size += nextSize
			newNext = after
		}

		if prev != h.head() && prev.Add(prevSize) == addr {
			if err := h.mod.table.Store32(prev.Add(blockSize), prevSize+size); err != nil {
				return err
			}
			return h.setNext(prev, newNext)
		}

		if err := h.writeBlock(addr, sharedregion.InvalidSRPtr, size); err != nil {
			return err
		}
		if err := h.setNext(addr, newNext); err != nil {
			return err
		}
		return h.setNext(prev, addr)
	})
}

// Stats walks the free list.
func (h *Heap) Stats() (Stats, error) {
	s := Stats{TotalSize: h.size}
	err := h.gated(func() error {
		cur, _, err := h.readBlock(h.head())
		if err != nil {
			return err
		}
		for cur != sharedregion.NullAddr {
			next, size, err := h.readBlock(cur)
			if err != nil {
				return err
			}
			s.TotalFreeSize += size
			s.LargestFreeSize = max(s.LargestFreeSize, size)
			cur = next
		}
		return nil
	})
	return s, err
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
	if h.ownsGate {
		return h.gate.Close()
	}
	return nil
}

// Delete destroys the heap.
func (h *Heap) Delete() error {
	if !h.creator {
		return ipcerr.InvalidState("only the creator may delete a heap")
	}
	if h.closed {
		return ipcerr.InvalidState("heap already deleted")
	}
	h.closed = true
	if err := h.mod.table.Store32(h.attrs.Add(attrStatus), 0); err != nil {
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
