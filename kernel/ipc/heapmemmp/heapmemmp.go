// Package heapmemmp implements a variable-size first-fit heap in shared
// memory. Free blocks form an address-ordered singly linked list of region
// pointers and are merged with their neighbours on free.
package heapmemmp

import (
	"context"
	"log/slog"

	"github.com/tiomap/syslink/kernel/ipc/gatemp"
	"github.com/tiomap/syslink/kernel/ipc/nameserver"
	"github.com/tiomap/syslink/kernel/ipc/sharedregion"
	"github.com/tiomap/syslink/kernel/ipcerr"
	"github.com/tiomap/syslink/kernel/sab"
)

// NameServerTable is the table heap names are published in.
const NameServerTable = "HeapMemMP"

// MinAlign is the allocation granularity. Every block and size is a
// multiple of it.
const MinAlign = 16

const (
	attrStatus = 0
	attrGate   = 8
	attrBuf    = 16
	attrSize   = 24
	attrHead   = 32
	attrsSize  = attrHead + MinAlign

	blockNext = 0
	blockSize = 8

	statusCreated uint32 = 0x07F1A0C3
)

// Params describes a heap to create or restore.
type Params struct {
	Name     string
	RegionID sharedregion.RegionID
	// SharedAddr holds the heap. Null allocates it from the region heap.
	SharedAddr sharedregion.Addr
	// SharedBufSize is the total shared memory given to the heap,
	// attrs included.
	SharedBufSize uint32
	// Gate protects the heap. Nil uses the default gate.
	Gate *gatemp.Gate
}

// Stats reports heap occupancy in bytes.
type Stats struct {
	TotalSize       uint32
	TotalFreeSize   uint32
	LargestFreeSize uint32
}

// Module creates and opens heaps on one processor.
type Module struct {
	table  *sharedregion.Table
	gates  *gatemp.Module
	ns     *nameserver.Module
	names  *nameserver.Table
	logger *slog.Logger
}

// New creates the module and its name table.
func New(table *sharedregion.Table, gates *gatemp.Module, ns *nameserver.Module, logger *slog.Logger) (*Module, error) {
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
		ns:     ns,
		names:  names,
		logger: logger.With("component", "heapmemmp"),
	}, nil
}

// Close releases the name table.
func (m *Module) Close() error {
	return m.ns.Delete(m.names)
}

func (m *Module) bufOffset(id sharedregion.RegionID) uint32 {
	line := m.table.CacheLineSize(id)
	if line == 0 {
		line = 128
	}
	return sab.AlignOffset(attrsSize, max(line, MinAlign))
}

// SharedMemReq returns the shared memory a heap with params needs. The
// heap uses all of SharedBufSize, so it is returned rounded to the cache
// line.
func (m *Module) SharedMemReq(params Params) uint32 {
	line := m.table.CacheLineSize(params.RegionID)
	if line == 0 {
		line = 128
	}
	return sab.AlignOffset(params.SharedBufSize, line)
}

// Create builds a heap whose whole buffer is one free block.
func (m *Module) Create(params Params) (*Heap, error) {
	h, err := m.place(params, false)
	if err != nil {
		return nil, err
	}
	if err := h.init(); err != nil {
		h.release()
		return nil, err
	}
	if err := h.publish(); err != nil {
		_ = m.table.Store32(h.attrs.Add(attrStatus), 0)
		h.release()
		return nil, err
	}
	m.logger.Info("heap created", "name", h.name, "size", h.size, "srptr", h.srptr)
	return h, nil
}

// Restore re-attaches as creator to a heap whose layout is already in
// shared memory, for example after the region image was reloaded. The
// free list is kept as found.
func (m *Module) Restore(params Params) (*Heap, error) {
	if params.SharedAddr == sharedregion.NullAddr {
		return nil, ipcerr.InvalidArgument("restore needs the heap address")
	}
	status, err := m.table.Load32(params.SharedAddr.Add(attrStatus))
	if err != nil {
		return nil, err
	}
	if status != statusCreated {
		return nil, ipcerr.NotFound("heap", params.SharedAddr.String())
	}
	h, err := m.place(params, true)
	if err != nil {
		return nil, err
	}
	if err := h.load(); err != nil {
		return nil, err
	}
	if err := m.table.StoreSRPtr(h.attrs.Add(attrGate), h.gate.SRPtr()); err != nil {
		return nil, err
	}
	if err := h.publish(); err != nil {
		return nil, err
	}
	m.logger.Info("heap restored", "name", h.name, "size", h.size)
	return h, nil
}

// place resolves where the heap lives. Restored heaps take their size from
// the attrs already in memory.
func (m *Module) place(params Params, restore bool) (*Heap, error) {
	gate := params.Gate
	if gate == nil {
		gate = m.gates.DefaultGate()
	}
	if gate == nil {
		return nil, ipcerr.InvalidArgument("heap needs a gate")
	}
	h := &Heap{mod: m, name: params.Name, gate: gate, creator: true, regionID: params.RegionID, attrs: params.SharedAddr}
	if h.attrs == sharedregion.NullAddr {
		region := m.table.GetHeap(params.RegionID)
		if region == nil {
			return nil, ipcerr.InvalidArgument("region %d has no heap to place the heap in", params.RegionID)
		}
		size := m.SharedMemReq(params)
		addr, err := region.Alloc(size, m.table.CacheLineSize(params.RegionID))
		if err != nil {
			return nil, err
		}
		h.attrs = addr
		h.allocated = size
	} else {
		id, err := m.table.GetID(h.attrs)
		if err != nil {
			return nil, err
		}
		h.regionID = id
	}
	if restore {
		return h, nil
	}
	off := m.bufOffset(h.regionID)
	if params.SharedBufSize < off+MinAlign {
		h.release()
		return nil, ipcerr.InvalidArgument("shared buffer of %d bytes too small, need more than %d", params.SharedBufSize, off)
	}
	h.buf = h.attrs.Add(off)
	h.size = (params.SharedBufSize - off) &^ (MinAlign - 1)
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
	status, err := m.table.Load32(addr.Add(attrStatus))
	if err != nil {
		return nil, err
	}
	if status != statusCreated {
		return nil, ipcerr.NotFound("heap", addr.String())
	}
	id, err := m.table.GetID(addr)
	if err != nil {
		return nil, err
	}
	gateAddr, err := m.table.LoadPtr(addr.Add(attrGate))
	if err != nil {
		return nil, err
	}
	gate, err := m.gates.OpenByAddr(gateAddr)
	if err != nil {
		return nil, err
	}
	h := &Heap{mod: m, gate: gate, ownsGate: true, attrs: addr, regionID: id}
	if err := h.load(); err != nil {
		_ = gate.Close()
		return nil, err
	}
	return h, nil
}
