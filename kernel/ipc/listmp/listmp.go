// Package listmp implements a doubly linked list whose links are region
// pointers, so every processor mapping the region can walk it.
package listmp

import (
	"context"
	"log/slog"

	"github.com/tiomap/syslink/kernel/ipc/gatemp"
	"github.com/tiomap/syslink/kernel/ipc/nameserver"
	"github.com/tiomap/syslink/kernel/ipc/sharedregion"
	"github.com/tiomap/syslink/kernel/ipcerr"
	"github.com/tiomap/syslink/kernel/sab"
)

// NameServerTable is the table list names are published in.
const NameServerTable = "ListMP"

// ElemSize is the size of the link header at the start of every element.
const ElemSize = 16

const (
	elemNext = 0
	elemPrev = 8

	attrStatus = 0
	attrGate   = 8
	attrHead   = 16
	attrsSize  = attrHead + ElemSize

	statusCreated uint32 = 0x05251995
)

// Params describes a list to create.
type Params struct {
	Name     string
	RegionID sharedregion.RegionID
	// SharedAddr holds the list attrs. Null allocates them from the
	// region heap.
	SharedAddr sharedregion.Addr
	// Gate protects the list. Nil uses the default gate.
	Gate *gatemp.Gate
}

// Module creates and opens lists on one processor.
type Module struct {
	table  *sharedregion.Table
	gates  *gatemp.Module
	ns     *nameserver.Module
	names  *nameserver.Table
	logger *slog.Logger
}

// New creates the ListMP module and its name table.
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
		logger: logger.With("component", "listmp"),
	}, nil
}

// Close releases the name table.
func (m *Module) Close() error {
	return m.ns.Delete(m.names)
}

// SharedMemReq returns the bytes of shared memory a list needs.
func (m *Module) SharedMemReq(params Params) uint32 {
	return SharedMemReq(m.table, params.RegionID)
}

// SharedMemReq returns the list attrs size rounded to the region's cache
// line.
func SharedMemReq(table *sharedregion.Table, id sharedregion.RegionID) uint32 {
	line := table.CacheLineSize(id)
	if line == 0 {
		line = 128
	}
	return sab.AlignOffset(attrsSize, line)
}

// Create makes an empty list.
func (m *Module) Create(params Params) (*List, error) {
	gate := params.Gate
	if gate == nil {
		gate = m.gates.DefaultGate()
	}
	if gate == nil || !gate.SRPtr().IsValid() {
		return nil, ipcerr.InvalidArgument("list needs a gate in shared memory")
	}

	l := &List{mod: m, name: params.Name, gate: gate, creator: true, regionID: params.RegionID, attrs: params.SharedAddr}
	if l.attrs == sharedregion.NullAddr {
		heap := m.table.GetHeap(params.RegionID)
		if heap == nil {
			return nil, ipcerr.InvalidArgument("region %d has no heap for list attrs", params.RegionID)
		}
		addr, err := heap.Alloc(m.SharedMemReq(params), m.table.CacheLineSize(params.RegionID))
		if err != nil {
			return nil, err
		}
		l.attrs = addr
		l.allocated = true
	} else {
		id, err := m.table.GetID(l.attrs)
		if err != nil {
			return nil, err
		}
		l.regionID = id
	}

	if err := l.init(); err != nil {
		l.free()
		return nil, err
	}
	if l.name != "" {
		var buf [sharedregion.SRPtrSize]byte
		l.srptr.Encode(buf[:])
		ref, err := m.names.Add(l.name, buf[:])
		if err != nil {
			_ = m.table.Store32(l.attrs.Add(attrStatus), 0)
			l.free()
			return nil, err
		}
		l.entry = ref
		l.named = true
	}
	m.logger.Debug("list created", "name", l.name, "srptr", l.srptr)
	return l, nil
}

// Open finds a list by name on any processor.
func (m *Module) Open(ctx context.Context, name string) (*List, error) {
	value, err := m.names.Get(ctx, name, nil)
	if err != nil {
		return nil, err
	}
	if len(value) != sharedregion.SRPtrSize {
		return nil, ipcerr.InvalidState("list %q published a %d-byte value", name, len(value))
	}
	addr, err := m.table.GetPtr(sharedregion.DecodeSRPtr(value))
	if err != nil {
		return nil, err
	}
	l, err := m.OpenByAddr(addr)
	if err != nil {
		return nil, err
	}
	l.name = name
	return l, nil
}

// OpenByAddr attaches to the list whose attrs are at addr.
func (m *Module) OpenByAddr(addr sharedregion.Addr) (*List, error) {
	status, err := m.table.Load32(addr.Add(attrStatus))
	if err != nil {
		return nil, err
	}
	if status != statusCreated {
		return nil, ipcerr.NotFound("list", addr.String())
	}
	id, err := m.table.GetID(addr)
	if err != nil {
		return nil, err
	}
	gatePtr, err := m.table.LoadPtr(addr.Add(attrGate))
	if err != nil {
		return nil, err
	}
	gate, err := m.gates.OpenByAddr(gatePtr)
	if err != nil {
		return nil, err
	}
	l := &List{mod: m, gate: gate, ownsGate: true, attrs: addr, regionID: id}
	if l.srptr, err = m.table.GetSRPtr(addr, id); err != nil {
		_ = gate.Close()
		return nil, err
	}
	if l.head, err = m.table.GetSRPtr(addr.Add(attrHead), id); err != nil {
		_ = gate.Close()
		return nil, err
	}
	return l, nil
}
