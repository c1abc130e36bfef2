package gatemp

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tiomap/syslink/kernel/ipc/nameserver"
	"github.com/tiomap/syslink/kernel/ipc/sharedregion"
	"github.com/tiomap/syslink/kernel/ipcerr"
)

// Key is returned by Enter and must be passed unchanged to Leave.
type Key uint32

// Gate is a handle to a gate. Gates are not re-entrant.
type Gate struct {
	mod      *Module
	name     string
	addr     sharedregion.Addr
	srptr    sharedregion.SRPtr
	regionID sharedregion.RegionID

	remote     RemoteProtect
	local      LocalProtect
	resourceID uint32

	creator      bool
	allocated    bool
	ownsResource bool
	named        bool
	entry        nameserver.EntryRef
	closed       bool

	lock *localLock
	held atomic.Uint32
}

type localLock struct {
	kind LocalProtect
	mu   sync.Mutex
	spin atomic.Uint32
	seq  atomic.Uint32
	refs int
}

func newLocalLock(kind LocalProtect) *localLock {
	return &localLock{kind: kind}
}

func (l *localLock) lock() {
	switch l.kind {
	case LocalThread, LocalProcess:
		l.mu.Lock()
	case LocalInterrupt, LocalTasklet:
		for !l.spin.CompareAndSwap(0, 1) {
			runtime.Gosched()
		}
	}
}

func (l *localLock) unlock() {
	switch l.kind {
	case LocalThread, LocalProcess:
		l.mu.Unlock()
	case LocalInterrupt, LocalTasklet:
		l.spin.Store(0)
	}
}

func (l *localLock) nextKey() Key {
	for {
		if k := l.seq.Add(1); k != 0 {
			return Key(k)
		}
	}
}

// Name returns the name the gate was created or opened with.
func (g *Gate) Name() string { return g.name }

// SharedAddr returns the gate attrs address, or NullAddr for local gates.
func (g *Gate) SharedAddr() sharedregion.Addr { return g.addr }

// SRPtr returns the region pointer of the gate attrs.
func (g *Gate) SRPtr() sharedregion.SRPtr { return g.srptr }

// RemoteProtect returns the remote protection.
func (g *Gate) RemoteProtect() RemoteProtect { return g.remote }

// LocalProtect returns the local protection.
func (g *Gate) LocalProtect() LocalProtect { return g.local }

// IsBlocking reports whether Enter may put the caller to sleep.
func (g *Gate) IsBlocking() bool {
	return g.local == LocalThread || g.local == LocalProcess
}

// Enter acquires the gate.
func (g *Gate) Enter() (Key, error) {
	if g.closed {
		return 0, ipcerr.InvalidState("gate closed")
	}
	g.lock.lock()
	if err := g.enterRemote(); err != nil {
		g.lock.unlock()
		return 0, err
	}
	key := g.lock.nextKey()
	g.held.Store(uint32(key))
	return key, nil
}

// Leave releases the gate entered with key.
func (g *Gate) Leave(key Key) error {
	if key == 0 || !g.held.CompareAndSwap(uint32(key), 0) {
		return ipcerr.InvalidArgument("key %d does not hold the gate", key)
	}
	err := g.leaveRemote()
	g.lock.unlock()
	return err
}

func (g *Gate) enterRemote() error {
	switch g.remote {
	case RemoteSystem:
		auth := g.mod.auth
		g.backoff(func() (bool, error) { return auth.TryAcquireSpinlock(g.resourceID), nil })
		return nil
	case RemoteCustom1:
		owner := uint32(g.mod.auth.Self()) + 1
		var err error
		g.backoff(func() (bool, error) {
			ok, casErr := g.mod.table.CAS32(g.addr.Add(attrLockWord), 0, owner)
			err = casErr
			return ok, casErr
		})
		return err
	}
	return nil
}

func (g *Gate) leaveRemote() error {
	switch g.remote {
	case RemoteSystem:
		g.mod.auth.ReleaseSpinlock(g.resourceID)
	case RemoteCustom1:
		owner := uint32(g.mod.auth.Self()) + 1
		ok, err := g.mod.table.CAS32(g.addr.Add(attrLockWord), owner, 0)
		if err != nil {
			return err
		}
		if !ok {
			return ipcerr.InvalidState("gate lock word not owned by this processor")
		}
	}
	return nil
}

// backoff retries try until it succeeds or fails hard, spinning first and
// then sleeping between attempts.
func (g *Gate) backoff(try func() (bool, error)) {
	for i := 0; ; i++ {
		ok, err := try()
		if ok || err != nil {
			return
		}
		if i < g.mod.cfg.SpinCount {
			runtime.Gosched()
			continue
		}
		time.Sleep(g.mod.cfg.SpinBackoff)
	}
}

// OpenCount returns how many handles other than the creator's are open on
// any processor.
func (g *Gate) OpenCount() (uint32, error) {
	if g.addr == sharedregion.NullAddr {
		return 0, nil
	}
	return g.mod.table.Load32(g.addr.Add(attrOpenCount))
}

// Close releases a handle obtained from Open or OpenByAddr.
func (g *Gate) Close() error {
	if g.creator {
		return ipcerr.InvalidState("creator must delete, not close")
	}
	if g.closed {
		return ipcerr.InvalidState("gate already closed")
	}
	g.closed = true
	g.mod.releaseLock(g.srptr)
	if _, err := g.mod.table.Add32(g.addr.Add(attrOpenCount), ^uint32(0)); err != nil {
		return err
	}
	return nil
}

// Delete destroys a gate. Only the creator may delete. The gate is deleted
// even when other handles are still open; StatusOpenHandles reports that.
func (g *Gate) Delete() (ipcerr.Status, error) {
	if !g.creator {
		return ipcerr.StatusSuccess, ipcerr.InvalidState("only the creator may delete a gate")
	}
	if g.closed {
		return ipcerr.StatusSuccess, ipcerr.InvalidState("gate already deleted")
	}
	g.closed = true
	m := g.mod

	status := ipcerr.StatusSuccess
	if g.addr != sharedregion.NullAddr {
		opens, err := g.OpenCount()
		if err != nil {
			return status, err
		}
		if opens > 0 {
			status = ipcerr.StatusOpenHandles
			m.logger.Warn("gate deleted with open handles", "name", g.name, "open", opens)
		}
		if err := m.table.Store32(g.addr.Add(attrStatus), 0); err != nil {
			return status, err
		}
		m.releaseLock(g.srptr)
	}
	if g.named {
		if err := m.names.RemoveEntry(g.entry); err != nil {
			m.logger.Warn("remove gate name failed", "name", g.name, "error", err)
		}
	}
	m.releaseResources(g)
	m.logger.Info("gate deleted", "name", g.name)
	return status, nil
}
