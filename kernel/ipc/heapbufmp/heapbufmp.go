// Package heapbufmp implements a fixed-size block heap in shared memory.
// Free blocks are kept on a ListMP so any processor can allocate and free.
package heapbufmp

import (
	"context"
	"log/slog"

	"github.com/tiomap/syslink/kernel/ipc/gatemp"
	"github.com/tiomap/syslink/kernel/ipc/listmp"
	"github.com/tiomap/syslink/kernel/ipc/nameserver"
	"github.com/tiomap/syslink/kernel/ipc/sharedregion"
	"github.com/tiomap/syslink/kernel/ipcerr"
	"github.com/tiomap/syslink/kernel/sab"
)

// NameServerTable is the table heap names are published in.
const NameServerTable = "HeapBufMP"

const (
	attrStatus    = 0
	attrGate      = 8
	attrBuf       = 16
	attrNumBlocks = 24
	attrBlockSize = 28
	attrAlign     = 32
	attrFree      = 36
	attrMinFree   = 40
	attrFreeList  = 64
	attrsSize     = attrFreeList + 32

	statusCreated uint32 = 0x4EAB0F11
)

// Params describes a heap to create.
type Params struct {
	Name     string
	RegionID sharedregion.RegionID
	// SharedAddr holds the heap. Null allocates it from the region heap.
	SharedAddr sharedregion.Addr
	// Gate protects the heap. Nil uses the default gate.
	Gate      *gatemp.Gate
	NumBlocks uint32
	BlockSize uint32
	// Align of every block; zero means the region cache line.
	Align uint32
}

// Stats reports heap occupancy in bytes.
type Stats struct {
	TotalSize       uint32
	TotalFreeSize   uint32
	LargestFreeSize uint32
}

// ExtendedStats reports block counts.
type ExtendedStats struct {
	// MaxAllocatedBlocks is the high-water mark since creation.
	MaxAllocatedBlocks uint32
	NumAllocatedBlocks uint32
}

// Module creates and opens block heaps on one processor.
type Module struct {
	table  *sharedregion.Table
	gates  *gatemp.Module
	lists  *listmp.Module
	ns     *nameserver.Module
	names  *nameserver.Table
	logger *slog.Logger
}

// New creates the module and its name table.
func New(table *sharedregion.Table, gates *gatemp.Module, lists *listmp.Module, ns *nameserver.Module, logger *slog.Logger) (*Module, error) {
	if logger == nil {
		logger = slog.Default()
	}
	names, err := ns.Create(NameServerTable, nameserver.Params{
		MaxRuntimeEntries: 64,
		MaxNameLen:        32,
		MaxValueLen:       sharedregion.SRPtrSize,
	})
	if err != nil {
		return nil, err
	}
	return &Module{
		table:  table,
		gates:  gates,
		lists:  lists,
		ns:     ns,
		names:  names,
		logger: logger.With("component", "heapbufmp"),
	}, nil
}

// Close releases the name table.
func (m *Module) Close() error {
	return m.ns.Delete(m.names)
}

type geometry struct {
	align  uint32
	stride uint32
	bufOff uint32
	total  uint32
}

func (m *Module) geometry(params Params) geometry {
	line := m.table.CacheLineSize(params.RegionID)
	if line == 0 {
		line = 128
	}
	align := params.Align
	if align == 0 {
		align = line
	}
	size := params.BlockSize
	if size < listmp.ElemSize {
		size = listmp.ElemSize
	}
	g := geometry{align: align, stride: sab.AlignOffset(size, align)}
	g.bufOff = sab.AlignOffset(attrsSize, max(line, align))
	g.total = sab.AlignOffset(g.bufOff+params.NumBlocks*g.stride, line)
	return g
}

// SharedMemReq returns the shared memory a heap with params needs,
// including its blocks.
func (m *Module) SharedMemReq(params Params) uint32 {
	return m.geometry(params).total
}

// Create builds a heap with every block free.
func (m *Module) Create(params Params) (*Heap, error) {
	if params.NumBlocks == 0 || params.BlockSize == 0 {
		return nil, ipcerr.InvalidArgument("heap needs blocks: num %d size %d", params.NumBlocks, params.BlockSize)
	}
	if params.Align != 0 && !sab.IsPowerOfTwo(params.Align) {
		return nil, ipcerr.InvalidArgument("align %d is not a power of two", params.Align)
	}
	gate := params.Gate
	if gate == nil {
		gate = m.gates.DefaultGate()
	}
	if gate == nil {
		return nil, ipcerr.InvalidArgument("heap needs a gate")
	}
	geo := m.geometry(params)

	h := &Heap{mod: m, name: params.Name, creator: true, regionID: params.RegionID, attrs: params.SharedAddr}
	if h.attrs == sharedregion.NullAddr {
		region := m.table.GetHeap(params.RegionID)
		if region == nil {
			return nil, ipcerr.InvalidArgument("region %d has no heap to place the heap in", params.RegionID)
		}
		addr, err := region.Alloc(geo.total, max(geo.align, m.table.CacheLineSize(params.RegionID)))
		if err != nil {
			return nil, err
		}
		h.attrs = addr
		h.allocated = geo.total
	} else {
		id, err := m.table.GetID(h.attrs)
		if err != nil {
			return nil, err
		}
		h.regionID = id
	}

	if err := h.init(params, geo, gate); err != nil {
		h.release()
		return nil, err
	}
	if h.name != "" {
		var buf [sharedregion.SRPtrSize]byte
		h.srptr.Encode(buf[:])
		ref, err := m.names.Add(h.name, buf[:])
		if err != nil {
			_ = m.table.Store32(h.attrs.Add(attrStatus), 0)
			_ = h.free.Delete()
			h.release()
			return nil, err
		}
		h.entry = ref
		h.named = true
	}
	m.logger.Info("heap created", "name", h.name, "blocks", h.numBlocks, "block_size", h.blockSize, "srptr", h.srptr)
	return h, nil
}

// Open finds a heap by name on any processor.
func (m *Module) Open(ctx context.Context, name string) (*Heap, error) {
	value, err := m.names.Get(ctx, name, nil)
	if err != nil {
		return nil, err
	}
	if len(value) != sharedregion.SRPtrSize {
		return nil, ipcerr.InvalidState("heap %q published a %d-byte value", name, len(value))
	}
	addr, err := m.table.GetPtr(sharedregion.DecodeSRPtr(value))
	if err != nil {
		return nil, err
	}
	h, err := m.OpenByAddr(addr)
	if err != nil {
		return nil, err
	}
	h.name = name
	return h, nil
}

// OpenByAddr attaches to the heap at addr.
func (m *Module) OpenByAddr(addr sharedregion.Addr) (*Heap, error) {
	t := m.table
	status, err := t.Load32(addr.Add(attrStatus))
	if err != nil {
		return nil, err
	}
	if status != statusCreated {
		return nil, ipcerr.NotFound("heap", addr.String())
	}
	id, err := t.GetID(addr)
	if err != nil {
		return nil, err
	}
	h := &Heap{mod: m, attrs: addr, regionID: id}
	if err := h.load(); err != nil {
		return nil, err
	}
	if h.free, err = m.lists.OpenByAddr(addr.Add(attrFreeList)); err != nil {
		return nil, err
	}
	return h, nil
}
