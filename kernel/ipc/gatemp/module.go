package gatemp

import (
	"context"
	"log/slog"
	"sync"

	"github.com/tiomap/syslink/kernel/authority"
	"github.com/tiomap/syslink/kernel/ipc/nameserver"
	"github.com/tiomap/syslink/kernel/ipc/sharedregion"
	"github.com/tiomap/syslink/kernel/ipcerr"
	"github.com/tiomap/syslink/kernel/sab"
)

// NameServerTable is the table gate names are published in.
const NameServerTable = "GateMP"

// Shared attrs layout.
const (
	attrStatus        = 0
	attrCreator       = 4
	attrRemoteProtect = 8
	attrLocalProtect  = 12
	attrResourceID    = 16
	attrLockWord      = 20
	attrOpenCount     = 24
	attrsSize         = 32

	statusCreated uint32 = 0x0A9E0F3B
)

// Module manages the gates of one processor.
type Module struct {
	auth   authority.Authority
	table  *sharedregion.Table
	names  *nameserver.Table
	ns     *nameserver.Module
	cfg    Config
	logger *slog.Logger

	mu          sync.Mutex
	locks       map[sharedregion.SRPtr]*localLock
	defaultGate *Gate
}

// New creates the GateMP module and its name table.
func New(auth authority.Authority, table *sharedregion.Table, ns *nameserver.Module, cfg Config, logger *slog.Logger) (*Module, error) {
	if logger == nil {
		logger = slog.Default()
	}
	names, err := ns.Create(NameServerTable, nameserver.Params{
		MaxRuntimeEntries: cfg.MaxRuntimeEntries,
		MaxNameLen:        cfg.MaxNameLen,
		MaxValueLen:       sharedregion.SRPtrSize,
	})
	if err != nil {
		return nil, err
	}
	return &Module{
		auth:   auth,
		table:  table,
		names:  names,
		ns:     ns,
		cfg:    cfg,
		logger: logger.With("component", "gatemp", "proc", auth.Self()),
		locks:  make(map[sharedregion.SRPtr]*localLock),
	}, nil
}

// Close releases the name table.
func (m *Module) Close() error {
	return m.ns.Delete(m.names)
}

// SharedMemReq returns the shared memory a gate with params needs.
func (m *Module) SharedMemReq(params Params) uint32 {
	line := m.table.CacheLineSize(params.RegionID)
	if line == 0 {
		line = 128
	}
	return sab.AlignOffset(attrsSize, line)
}

// DefaultGate returns the system default gate, or nil before setup.
func (m *Module) DefaultGate() *Gate {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.defaultGate
}

// SetDefaultGate installs the system default gate.
func (m *Module) SetDefaultGate(g *Gate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultGate = g
}

// Create makes a new gate.
func (m *Module) Create(params Params) (*Gate, error) {
	if params.RemoteProtect > RemoteCustom1 || params.LocalProtect > LocalProcess {
		return nil, ipcerr.InvalidArgument("unknown protection %v/%v", params.RemoteProtect, params.LocalProtect)
	}
	if params.SharedAddr == sharedregion.NullAddr && params.RemoteProtect == RemoteNone {
		return m.createLocal(params), nil
	}

	g := &Gate{
		mod:      m,
		name:     params.Name,
		remote:   params.RemoteProtect,
		local:    params.LocalProtect,
		creator:  true,
		regionID: params.RegionID,
		addr:     params.SharedAddr,
	}

	if g.addr == sharedregion.NullAddr {
		heap := m.table.GetHeap(params.RegionID)
		if heap == nil {
			return nil, ipcerr.InvalidArgument("region %d has no heap for gate attrs", params.RegionID)
		}
		addr, err := heap.Alloc(m.SharedMemReq(params), m.table.CacheLineSize(params.RegionID))
		if err != nil {
			return nil, err
		}
		g.addr = addr
		g.allocated = true
	} else {
		id, err := m.table.GetID(g.addr)
		if err != nil {
			return nil, err
		}
		g.regionID = id
	}

	if err := m.initShared(g); err != nil {
		m.releaseResources(g)
		return nil, err
	}
	if g.name != "" {
		var buf [sharedregion.SRPtrSize]byte
		g.srptr.Encode(buf[:])
		ref, err := m.names.Add(g.name, buf[:])
		if err != nil {
			_ = m.table.Store32(g.addr.Add(attrStatus), 0)
			m.releaseResources(g)
			return nil, err
		}
		g.entry = ref
		g.named = true
	}

	g.lock = m.acquireLock(g.srptr, g.local)
	m.logger.Info("gate created", "name", g.name, "remote", g.remote, "local", g.local, "srptr", g.srptr)
	return g, nil
}

func (m *Module) createLocal(params Params) *Gate {
	g := &Gate{
		mod:     m,
		name:    params.Name,
		remote:  RemoteNone,
		local:   params.LocalProtect,
		creator: true,
		srptr:   sharedregion.InvalidSRPtr,
	}
	g.lock = newLocalLock(params.LocalProtect)
	return g
}

func (m *Module) initShared(g *Gate) error {
	srptr, err := m.table.GetSRPtr(g.addr, g.regionID)
	if err != nil {
		return err
	}
	g.srptr = srptr

	if g.remote == RemoteSystem {
		id, err := m.auth.ReserveSpinlock()
		if err != nil {
			return err
		}
		g.resourceID = id
		g.ownsResource = true
	}

	if err := m.table.Zero(g.addr, attrsSize); err != nil {
		return err
	}
	words := []struct {
		off uint32
		val uint32
	}{
		{attrCreator, uint32(m.auth.Self())},
		{attrRemoteProtect, uint32(g.remote)},
		{attrLocalProtect, uint32(g.local)},
		{attrResourceID, g.resourceID},
		{attrStatus, statusCreated},
	}
	for _, w := range words {
		if err := m.table.Store32(g.addr.Add(w.off), w.val); err != nil {
			return err
		}
	}
	return nil
}

func (m *Module) releaseResources(g *Gate) {
	if g.ownsResource {
		if err := m.auth.FreeSpinlock(g.resourceID); err != nil {
			m.logger.Warn("free spinlock failed", "id", g.resourceID, "error", err)
		}
		g.ownsResource = false
	}
	if g.allocated {
		if heap := m.table.GetHeap(g.regionID); heap != nil {
			if err := heap.Free(g.addr, m.SharedMemReq(Params{RegionID: g.regionID})); err != nil {
				m.logger.Warn("free gate attrs failed", "error", err)
			}
		}
		g.allocated = false
	}
}

// Open finds a gate by name on any processor.
func (m *Module) Open(ctx context.Context, name string) (*Gate, error) {
	value, err := m.names.Get(ctx, name, nil)
	if err != nil {
		return nil, err
	}
	if len(value) != sharedregion.SRPtrSize {
		return nil, ipcerr.InvalidState("gate %q published a %d-byte value", name, len(value))
	}
	addr, err := m.table.GetPtr(sharedregion.DecodeSRPtr(value))
	if err != nil {
		return nil, err
	}
	g, err := m.OpenByAddr(addr)
	if err != nil {
		return nil, err
	}
	g.name = name
	return g, nil
}

// OpenByAddr attaches to a gate created at addr. It fails with NotFound
// until the creator has finished initialising the attrs.
func (m *Module) OpenByAddr(addr sharedregion.Addr) (*Gate, error) {
	id, err := m.table.GetID(addr)
	if err != nil {
		return nil, err
	}
	status, err := m.table.Load32(addr.Add(attrStatus))
	if err != nil {
		return nil, err
	}
	if status != statusCreated {
		return nil, ipcerr.NotFound("gate", addr.String())
	}

	g := &Gate{mod: m, addr: addr, regionID: id}
	if g.srptr, err = m.table.GetSRPtr(addr, id); err != nil {
		return nil, err
	}
	var remote, local uint32
	if remote, err = m.table.Load32(addr.Add(attrRemoteProtect)); err != nil {
		return nil, err
	}
	if local, err = m.table.Load32(addr.Add(attrLocalProtect)); err != nil {
		return nil, err
	}
	if g.resourceID, err = m.table.Load32(addr.Add(attrResourceID)); err != nil {
		return nil, err
	}
	g.remote = RemoteProtect(remote)
	g.local = LocalProtect(local)

	if _, err := m.table.Add32(addr.Add(attrOpenCount), 1); err != nil {
		return nil, err
	}
	g.lock = m.acquireLock(g.srptr, g.local)
	m.logger.Debug("gate opened", "srptr", g.srptr, "remote", g.remote)
	return g, nil
}

// acquireLock returns the local lock shared by every handle on this
// processor to the gate at srptr.
func (m *Module) acquireLock(srptr sharedregion.SRPtr, kind LocalProtect) *localLock {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.locks[srptr]
	if !ok {
		l = newLocalLock(kind)
		m.locks[srptr] = l
	}
	l.refs++
	return l
}

func (m *Module) releaseLock(srptr sharedregion.SRPtr) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.locks[srptr]
	if !ok {
		return
	}
	l.refs--
	if l.refs <= 0 {
		delete(m.locks, srptr)
	}
}
