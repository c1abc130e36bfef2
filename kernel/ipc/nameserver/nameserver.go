package nameserver

import (
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/tiomap/syslink/kernel/authority"
	"github.com/tiomap/syslink/kernel/ipcerr"
)

// Remote answers lookups against another processor's tables.
type Remote interface {
	Get(ctx context.Context, table, name string) ([]byte, error)
}

// Module owns every name table on one processor.
type Module struct {
	self     authority.ProcID
	numProcs uint16
	cfg      Config
	logger   *slog.Logger

	mu      sync.RWMutex
	tables  map[string]*Table
	remotes map[authority.ProcID]Remote
}

// New creates the nameserver module for processor self.
func New(self authority.ProcID, numProcs uint16, cfg Config, logger *slog.Logger) *Module {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BloomFalsePositive <= 0 || cfg.BloomFalsePositive >= 1 {
		cfg.BloomFalsePositive = DefaultConfig().BloomFalsePositive
	}
	return &Module{
		self:     self,
		numProcs: numProcs,
		cfg:      cfg,
		logger:   logger.With("component", "nameserver", "proc", self),
		tables:   make(map[string]*Table),
		remotes:  make(map[authority.ProcID]Remote),
	}
}

// Create makes a new table.
func (m *Module) Create(name string, params Params) (*Table, error) {
	if name == "" {
		return nil, ipcerr.InvalidArgument("table name required")
	}
	if params.MaxNameLen == 0 || params.MaxValueLen == 0 {
		return nil, ipcerr.InvalidArgument("max name and value length must be non-zero")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.tables[name]; exists {
		return nil, ipcerr.New(ipcerr.CodeDuplicateName, "table exists").WithContext("name", name)
	}
	estimate := uint(params.MaxRuntimeEntries)
	if estimate == 0 {
		estimate = 256
	}
	t := &Table{
		mod:     m,
		name:    name,
		params:  params,
		entries: make(map[string]*entry),
		refs:    make(map[EntryRef]string),
		filter:  bloom.NewWithEstimates(estimate, m.cfg.BloomFalsePositive),
	}
	m.tables[name] = t
	m.logger.Debug("table created", "table", name)
	return t, nil
}

// GetHandle returns an existing table.
func (m *Module) GetHandle(name string) (*Table, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tables[name]
	if !ok {
		return nil, ipcerr.NotFound("table", name)
	}
	return t, nil
}

// Delete removes a table and every entry in it.
func (m *Module) Delete(t *Table) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.tables[t.name]; !ok || cur != t {
		return ipcerr.InvalidState("table %q not owned by this module", t.name)
	}
	delete(m.tables, t.name)
	return nil
}

// SetRemote installs the transport for lookups on proc.
func (m *Module) SetRemote(proc authority.ProcID, r Remote) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remotes[proc] = r
}

// ClearRemote removes the transport for proc.
func (m *Module) ClearRemote(proc authority.ProcID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.remotes, proc)
}

func (m *Module) remote(proc authority.ProcID) Remote {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.remotes[proc]
}

// lookupLocal serves a query addressed to this processor.
func (m *Module) lookupLocal(table, name string) ([]byte, error) {
	t, err := m.GetHandle(table)
	if err != nil {
		return nil, err
	}
	return t.GetLocal(name)
}

// EntryRef identifies one entry for RemoveEntry.
type EntryRef uint32

type entry struct {
	ref   EntryRef
	value []byte
}

// Table is a name to value directory.
type Table struct {
	mod    *Module
	name   string
	params Params

	mu      sync.RWMutex
	entries map[string]*entry
	refs    map[EntryRef]string
	filter  *bloom.BloomFilter
	nextRef EntryRef
}

// Name returns the table name.
func (t *Table) Name() string {
	return t.name
}

// Params returns the table parameters.
func (t *Table) Params() Params {
	return t.params
}

// Len returns the number of entries.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Add inserts name. An existing name is never overwritten.
func (t *Table) Add(name string, value []byte) (EntryRef, error) {
	if name == "" || uint32(len(name)) > t.params.MaxNameLen {
		return 0, ipcerr.InvalidArgument("name length %d outside (0, %d]", len(name), t.params.MaxNameLen)
	}
	if uint32(len(value)) > t.params.MaxValueLen {
		return 0, ipcerr.InvalidArgument("value length %d exceeds %d", len(value), t.params.MaxValueLen)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.entries[name]; exists {
		return 0, ipcerr.New(ipcerr.CodeDuplicateName, "name already in table").
			WithContext("table", t.name).WithContext("name", name)
	}
	if t.params.MaxRuntimeEntries > 0 && uint32(len(t.entries)) >= t.params.MaxRuntimeEntries {
		return 0, ipcerr.New(ipcerr.CodeInsufficientResources, "table full").WithContext("table", t.name)
	}

	t.nextRef++
	ref := t.nextRef
	t.entries[name] = &entry{ref: ref, value: append([]byte(nil), value...)}
	t.refs[ref] = name
	t.filter.AddString(name)
	return ref, nil
}

// AddUint32 adds a 4-byte little-endian value.
func (t *Table) AddUint32(name string, value uint32) (EntryRef, error) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], value)
	return t.Add(name, b[:])
}

// Remove deletes name.
func (t *Table) Remove(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[name]
	if !ok {
		return ipcerr.NotFound("entry", name)
	}
	t.removeLocked(name, e.ref)
	return nil
}

// RemoveEntry deletes the entry ref was returned for.
func (t *Table) RemoveEntry(ref EntryRef) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	name, ok := t.refs[ref]
	if !ok {
		return ipcerr.New(ipcerr.CodeNotFound, "entry not found").WithContext("ref", ref)
	}
	t.removeLocked(name, ref)
	return nil
}

// removeLocked drops an entry and rebuilds the filter, which cannot forget
// single names.
func (t *Table) removeLocked(name string, ref EntryRef) {
	delete(t.entries, name)
	delete(t.refs, ref)
	t.filter.ClearAll()
	for n := range t.entries {
		t.filter.AddString(n)
	}
}

// GetLocal looks name up in this table only.
func (t *Table) GetLocal(name string) ([]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if !t.filter.TestString(name) {
		return nil, ipcerr.NotFound("entry", name)
	}
	e, ok := t.entries[name]
	if !ok {
		return nil, ipcerr.NotFound("entry", name)
	}
	return append([]byte(nil), e.value...), nil
}

// GetLocalUint32 is GetLocal for 4-byte values.
func (t *Table) GetLocalUint32(name string) (uint32, error) {
	v, err := t.GetLocal(name)
	if err != nil {
		return 0, err
	}
	return decodeUint32(v)
}

// Get looks name up on procs in order and returns the first hit. With no
// procs it tries this processor, then every other processor by id. When no
// processor has name, a failed remote lookup is reported in place of NotFound.
func (t *Table) Get(ctx context.Context, name string, procs []authority.ProcID) ([]byte, error) {
	if len(procs) == 0 {
		procs = make([]authority.ProcID, 0, t.mod.numProcs)
		procs = append(procs, t.mod.self)
		for p := authority.ProcID(0); uint16(p) < t.mod.numProcs; p++ {
			if p != t.mod.self {
				procs = append(procs, p)
			}
		}
	}

	var failed error
	for _, proc := range procs {
		if err := ctx.Err(); err != nil {
			return nil, ipcerr.Wrap(ipcerr.CodeTimeout, "lookup cancelled", err)
		}
		var (
			value []byte
			err   error
		)
		if proc == t.mod.self {
			value, err = t.GetLocal(name)
		} else if r := t.mod.remote(proc); r != nil {
			value, err = r.Get(ctx, t.name, name)
		} else {
			continue
		}
		if err == nil {
			return value, nil
		}
		if !errors.Is(err, ipcerr.ErrNotFound) {
			t.mod.logger.Debug("remote lookup failed", "table", t.name, "name", name, "target", proc, "error", err)
			failed = err
		}
	}
	// A processor that could not answer outranks absence.
	if failed != nil {
		return nil, failed
	}
	return nil, ipcerr.NotFound("entry", name)
}

// GetUint32 is Get for 4-byte values.
func (t *Table) GetUint32(ctx context.Context, name string, procs []authority.ProcID) (uint32, error) {
	v, err := t.Get(ctx, name, procs)
	if err != nil {
		return 0, err
	}
	return decodeUint32(v)
}

// Match finds the longest stored name that prefixes name and returns its
// value and length.
func (t *Table) Match(name string) ([]byte, int, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	best := -1
	var value []byte
	for n, e := range t.entries {
		if len(n) > best && len(n) <= len(name) && name[:len(n)] == n {
			best = len(n)
			value = e.value
		}
	}
	if best < 0 {
		return nil, 0, ipcerr.NotFound("prefix", name)
	}
	return append([]byte(nil), value...), best, nil
}

func decodeUint32(v []byte) (uint32, error) {
	if len(v) != 4 {
		return 0, ipcerr.InvalidArgument("value is %d bytes, not 4", len(v))
	}
	return binary.LittleEndian.Uint32(v), nil
}
