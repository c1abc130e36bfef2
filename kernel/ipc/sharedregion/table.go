package sharedregion

import (
	"log/slog"
	"sync"

	"github.com/tiomap/syslink/kernel/authority"
	"github.com/tiomap/syslink/kernel/ipcerr"
	"github.com/tiomap/syslink/kernel/sab"
)

// Config sizes the table and places regions in each processor's address
// space.
type Config struct {
	NumEntries uint16 `json:"num_entries"`
	// Region id r of processor p is mapped at
	// VirtualBase + p*ProcStride + r*RegionStride.
	VirtualBase  uint64 `json:"virtual_base"`
	RegionStride uint64 `json:"region_stride"`
	ProcStride   uint64 `json:"proc_stride"`
}

// DefaultConfig returns the default table configuration.
func DefaultConfig() Config {
	return Config{
		NumEntries:   4,
		VirtualBase:  0x8000_0000,
		RegionStride: 0x1000_0000,
		ProcStride:   0x10_0000_0000,
	}
}

// Entry describes one region as this processor maps it.
type Entry struct {
	Base          Addr
	Len           uint32
	OwnerProcID   authority.ProcID
	CacheLineSize uint32
	IsValid       bool
	CreateHeap    bool
	Name          string
}

// Heap is the allocator placed over a region's free space.
type Heap interface {
	Alloc(size, align uint32) (Addr, error)
	Free(addr Addr, size uint32) error
}

type slot struct {
	entry Entry
	mem   sab.MemoryProvider
	heap  Heap
}

// Table is one processor's shared region table.
type Table struct {
	cfg    Config
	self   authority.ProcID
	logger *slog.Logger

	mu    sync.RWMutex
	slots []slot
}

// NewTable creates an empty table for processor self.
func NewTable(cfg Config, self authority.ProcID, logger *slog.Logger) (*Table, error) {
	if cfg.NumEntries == 0 || cfg.NumEntries == uint16(InvalidRegionID) {
		return nil, ipcerr.InvalidArgument("num entries %d out of range", cfg.NumEntries)
	}
	if cfg.RegionStride == 0 {
		return nil, ipcerr.InvalidArgument("region stride must be non-zero")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Table{
		cfg:    cfg,
		self:   self,
		logger: logger.With("component", "sharedregion", "proc", self),
		slots:  make([]slot, cfg.NumEntries),
	}, nil
}

// LocalBase returns where this processor maps region id.
func (t *Table) LocalBase(id RegionID) Addr {
	return Addr(t.cfg.VirtualBase + uint64(t.self)*t.cfg.ProcStride + uint64(id)*t.cfg.RegionStride)
}

// SetEntry maps a region. Entries are set once; clear first to remap.
func (t *Table) SetEntry(id RegionID, entry Entry, mem sab.MemoryProvider) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if int(id) >= len(t.slots) {
		return ipcerr.InvalidArgument("region id %d out of range", id)
	}
	if t.slots[id].entry.IsValid {
		return ipcerr.InvalidState("region %d already set", id)
	}
	if mem == nil {
		return ipcerr.InvalidArgument("region %d has no memory", id)
	}
	if entry.Len == 0 || entry.Len > mem.Size() {
		return ipcerr.InvalidArgument("region %d length %d does not fit memory of %d bytes", id, entry.Len, mem.Size())
	}
	if uint64(entry.Len) > t.cfg.RegionStride {
		return ipcerr.InvalidArgument("region %d length %d exceeds region stride", id, entry.Len)
	}
	if entry.CacheLineSize == 0 {
		entry.CacheLineSize = 128
	}
	if entry.Base == NullAddr {
		entry.Base = t.LocalBase(id)
	}

	layout := []sab.MemoryRegion{{Name: entry.Name, Base: uint64(entry.Base), Size: uint64(entry.Len)}}
	for _, s := range t.slots {
		if s.entry.IsValid {
			layout = append(layout, sab.MemoryRegion{Name: s.entry.Name, Base: uint64(s.entry.Base), Size: uint64(s.entry.Len)})
		}
	}
	if err := sab.ValidateLayout(layout); err != nil {
		return ipcerr.Wrap(ipcerr.CodeInvalidArgument, "region layout", err).WithContext("region", id)
	}

	entry.IsValid = true
	t.slots[id] = slot{entry: entry, mem: mem}
	t.logger.Info("region mapped", "region", id, "name", entry.Name, "base", entry.Base, "len", entry.Len)
	return nil
}

// ClearEntry unmaps a region.
func (t *Table) ClearEntry(id RegionID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if int(id) >= len(t.slots) || !t.slots[id].entry.IsValid {
		return ipcerr.New(ipcerr.CodeInvalidRegion, "region not mapped").WithContext("region", id)
	}
	t.slots[id] = slot{}
	return nil
}

// GetEntry returns the entry for id.
func (t *Table) GetEntry(id RegionID) (Entry, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if int(id) >= len(t.slots) || !t.slots[id].entry.IsValid {
		return Entry{}, ipcerr.New(ipcerr.CodeInvalidRegion, "region not mapped").WithContext("region", id)
	}
	return t.slots[id].entry, nil
}

// NumRegions returns the table size.
func (t *Table) NumRegions() uint16 {
	return uint16(len(t.slots))
}

// CacheLineSize returns the region's cache line, or 0 for unmapped regions.
func (t *Table) CacheLineSize(id RegionID) uint32 {
	e, err := t.GetEntry(id)
	if err != nil {
		return 0
	}
	return e.CacheLineSize
}

// GetID returns the region containing addr.
func (t *Table) GetID(addr Addr) (RegionID, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for i, s := range t.slots {
		if s.entry.IsValid && addr >= s.entry.Base && uint64(addr) < uint64(s.entry.Base)+uint64(s.entry.Len) {
			return RegionID(i), nil
		}
	}
	return InvalidRegionID, ipcerr.New(ipcerr.CodeInvalidAddress, "address not in any shared region").WithContext("addr", addr)
}

// GetSRPtr converts addr, which must lie inside region id, to a region
// pointer. NullAddr converts to InvalidSRPtr.
func (t *Table) GetSRPtr(addr Addr, id RegionID) (SRPtr, error) {
	if addr == NullAddr {
		return InvalidSRPtr, nil
	}
	e, err := t.GetEntry(id)
	if err != nil {
		return InvalidSRPtr, err
	}
	if addr < e.Base || uint64(addr) >= uint64(e.Base)+uint64(e.Len) {
		return InvalidSRPtr, ipcerr.New(ipcerr.CodeInvalidAddress, "address outside region").
			WithContext("addr", addr).WithContext("region", id)
	}
	return MakeSRPtr(id, uint32(addr-e.Base)), nil
}

// ToSRPtr converts addr to a region pointer, finding its region first.
func (t *Table) ToSRPtr(addr Addr) (SRPtr, error) {
	if addr == NullAddr {
		return InvalidSRPtr, nil
	}
	id, err := t.GetID(addr)
	if err != nil {
		return InvalidSRPtr, err
	}
	return t.GetSRPtr(addr, id)
}

// GetPtr converts a region pointer to this processor's address. The invalid
// sentinel converts to NullAddr.
func (t *Table) GetPtr(p SRPtr) (Addr, error) {
	if !p.IsValid() {
		return NullAddr, nil
	}
	e, err := t.GetEntry(p.RegionID())
	if err != nil {
		return NullAddr, err
	}
	if p.Offset() >= e.Len {
		return NullAddr, ipcerr.New(ipcerr.CodeInvalidAddress, "offset outside region").WithContext("srptr", p)
	}
	return e.Base.Add(p.Offset()), nil
}

// SetHeap installs the heap serving region id.
func (t *Table) SetHeap(id RegionID, heap Heap) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if int(id) >= len(t.slots) || !t.slots[id].entry.IsValid {
		return ipcerr.New(ipcerr.CodeInvalidRegion, "region not mapped").WithContext("region", id)
	}
	t.slots[id].heap = heap
	return nil
}

// GetHeap returns the heap serving region id, or nil.
func (t *Table) GetHeap(id RegionID) Heap {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if int(id) >= len(t.slots) {
		return nil
	}
	return t.slots[id].heap
}

// Memory returns the provider backing region id.
func (t *Table) Memory(id RegionID) (sab.MemoryProvider, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if int(id) >= len(t.slots) || !t.slots[id].entry.IsValid {
		return nil, ipcerr.New(ipcerr.CodeInvalidRegion, "region not mapped").WithContext("region", id)
	}
	return t.slots[id].mem, nil
}
