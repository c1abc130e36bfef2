package listmp

import (
	"github.com/tiomap/syslink/kernel/ipc/gatemp"
	"github.com/tiomap/syslink/kernel/ipc/nameserver"
	"github.com/tiomap/syslink/kernel/ipc/sharedregion"
	"github.com/tiomap/syslink/kernel/ipcerr"
)

// List is a handle to a shared list. Elements are addresses of caller-owned
// shared memory that starts with ElemSize bytes of links.
//
// GetHead, GetTail, PutHead, PutTail, Insert and Remove enter the list's
// gate themselves. Next and Prev do not; callers walking the list must hold
// the gate for the whole walk. Empty reads without the gate and may be
// stale.
type List struct {
	mod      *Module
	name     string
	attrs    sharedregion.Addr
	regionID sharedregion.RegionID
	srptr    sharedregion.SRPtr
	head     sharedregion.SRPtr

	gate     *gatemp.Gate
	ownsGate bool

	creator   bool
	allocated bool
	named     bool
	entry     nameserver.EntryRef
	closed    bool
}

func (l *List) init() error {
	t := l.mod.table
	var err error
	if l.srptr, err = t.GetSRPtr(l.attrs, l.regionID); err != nil {
		return err
	}
	if l.head, err = t.GetSRPtr(l.attrs.Add(attrHead), l.regionID); err != nil {
		return err
	}
	if err := t.Zero(l.attrs, attrsSize); err != nil {
		return err
	}
	if err := t.StoreSRPtr(l.attrs.Add(attrGate), l.gate.SRPtr()); err != nil {
		return err
	}
	headAddr := l.attrs.Add(attrHead)
	if err := t.StoreSRPtr(headAddr.Add(elemNext), l.head); err != nil {
		return err
	}
	if err := t.StoreSRPtr(headAddr.Add(elemPrev), l.head); err != nil {
		return err
	}
	return t.Store32(l.attrs.Add(attrStatus), statusCreated)
}

func (l *List) free() {
	if !l.allocated {
		return
	}
	if heap := l.mod.table.GetHeap(l.regionID); heap != nil {
		if err := heap.Free(l.attrs, l.mod.SharedMemReq(Params{RegionID: l.regionID})); err != nil {
			l.mod.logger.Warn("free list attrs failed", "error", err)
		}
	}
	l.allocated = false
}

// Name returns the list name, empty for anonymous lists.
func (l *List) Name() string { return l.name }

// SharedAddr returns the address of the list attrs.
func (l *List) SharedAddr() sharedregion.Addr { return l.attrs }

// SRPtr returns the region pointer of the list attrs.
func (l *List) SRPtr() sharedregion.SRPtr { return l.srptr }

// Gate returns the gate protecting the list.
func (l *List) Gate() *gatemp.Gate { return l.gate }

// Empty reports whether the list has no elements. It does not take the
// gate.
func (l *List) Empty() (bool, error) {
	next, err := l.mod.table.LoadSRPtr(l.attrs.Add(attrHead + elemNext))
	if err != nil {
		return false, err
	}
	return next == l.head, nil
}

// GetHead removes and returns the first element, or NullAddr when empty.
func (l *List) GetHead() (sharedregion.Addr, error) {
	return l.take(elemNext)
}

// GetTail removes and returns the last element, or NullAddr when empty.
func (l *List) GetTail() (sharedregion.Addr, error) {
	return l.take(elemPrev)
}

func (l *List) take(dir uint32) (sharedregion.Addr, error) {
	key, err := l.gate.Enter()
	if err != nil {
		return sharedregion.NullAddr, err
	}
	defer l.leave(key)

	p, err := l.mod.table.LoadSRPtr(l.attrs.Add(attrHead + dir))
	if err != nil {
		return sharedregion.NullAddr, err
	}
	if p == l.head {
		return sharedregion.NullAddr, nil
	}
	elem, err := l.mod.table.GetPtr(p)
	if err != nil {
		return sharedregion.NullAddr, err
	}
	if err := l.unlink(elem); err != nil {
		return sharedregion.NullAddr, err
	}
	return elem, nil
}

// PutHead links elem in as the first element.
func (l *List) PutHead(elem sharedregion.Addr) error {
	return l.gated(func() error {
		next, err := l.mod.table.LoadSRPtr(l.attrs.Add(attrHead + elemNext))
		if err != nil {
			return err
		}
		return l.linkBefore(elem, next)
	})
}

// PutTail links elem in as the last element.
func (l *List) PutTail(elem sharedregion.Addr) error {
	return l.gated(func() error {
		return l.linkBefore(elem, l.head)
	})
}

// Insert links elem in front of before, which must already be on the list.
func (l *List) Insert(elem, before sharedregion.Addr) error {
	return l.gated(func() error {
		p, err := l.mod.table.ToSRPtr(before)
		if err != nil {
			return err
		}
		return l.linkBefore(elem, p)
	})
}

// Remove unlinks elem. The element's memory is not freed.
func (l *List) Remove(elem sharedregion.Addr) error {
	return l.gated(func() error { return l.unlink(elem) })
}

// Next returns the element after elem, the head for NullAddr, and NullAddr
// past the tail. The caller must hold the gate.
func (l *List) Next(elem sharedregion.Addr) (sharedregion.Addr, error) {
	return l.step(elem, elemNext)
}

// Prev returns the element before elem, the tail for NullAddr, and NullAddr
// past the head. The caller must hold the gate.
func (l *List) Prev(elem sharedregion.Addr) (sharedregion.Addr, error) {
	return l.step(elem, elemPrev)
}

func (l *List) step(elem sharedregion.Addr, dir uint32) (sharedregion.Addr, error) {
	from := elem
	if from == sharedregion.NullAddr {
		from = l.attrs.Add(attrHead)
	}
	p, err := l.mod.table.LoadSRPtr(from.Add(dir))
	if err != nil {
		return sharedregion.NullAddr, err
	}
	if p == l.head {
		return sharedregion.NullAddr, nil
	}
	return l.mod.table.GetPtr(p)
}

func (l *List) gated(fn func() error) error {
	key, err := l.gate.Enter()
	if err != nil {
		return err
	}
	defer l.leave(key)
	return fn()
}

func (l *List) leave(key gatemp.Key) {
	if err := l.gate.Leave(key); err != nil {
		l.mod.logger.Error("leave list gate failed", "list", l.name, "error", err)
	}
}

// linkBefore links elem in front of the element at region pointer next.
func (l *List) linkBefore(elem sharedregion.Addr, next sharedregion.SRPtr) error {
	if elem == sharedregion.NullAddr {
		return ipcerr.InvalidArgument("null list element")
	}
	t := l.mod.table
	self, err := t.ToSRPtr(elem)
	if err != nil {
		return err
	}
	if l.linked(elem, self) {
		return ipcerr.InvalidState("element %s is already on a list", elem)
	}
	nextAddr, err := t.GetPtr(next)
	if err != nil {
		return err
	}
	prev, err := t.LoadSRPtr(nextAddr.Add(elemPrev))
	if err != nil {
		return err
	}
	prevAddr, err := t.GetPtr(prev)
	if err != nil {
		return err
	}

	if err := t.StoreSRPtr(elem.Add(elemNext), next); err != nil {
		return err
	}
	if err := t.StoreSRPtr(elem.Add(elemPrev), prev); err != nil {
		return err
	}
	if err := t.StoreSRPtr(prevAddr.Add(elemNext), self); err != nil {
		return err
	}
	return t.StoreSRPtr(nextAddr.Add(elemPrev), self)
}

// linked reports whether both neighbours of elem point back at it. Links
// that do not resolve count as unlinked.
func (l *List) linked(elem sharedregion.Addr, self sharedregion.SRPtr) bool {
	t := l.mod.table
	for _, dir := range [...][2]uint32{{elemNext, elemPrev}, {elemPrev, elemNext}} {
		p, err := t.LoadSRPtr(elem.Add(dir[0]))
		if err != nil || !p.IsValid() {
			return false
		}
		addr, err := t.GetPtr(p)
		if err != nil {
			return false
		}
		back, err := t.LoadSRPtr(addr.Add(dir[1]))
		if err != nil || back != self {
			return false
		}
	}
	return true
}

func (l *List) unlink(elem sharedregion.Addr) error {
	if elem == sharedregion.NullAddr {
		return ipcerr.InvalidArgument("null list element")
	}
	t := l.mod.table
	next, err := t.LoadSRPtr(elem.Add(elemNext))
	if err != nil {
		return err
	}
	prev, err := t.LoadSRPtr(elem.Add(elemPrev))
	if err != nil {
		return err
	}
	if !next.IsValid() || !prev.IsValid() {
		return ipcerr.InvalidState("element %s is not on a list", elem)
	}
	nextAddr, err := t.GetPtr(next)
	if err != nil {
		return err
	}
	prevAddr, err := t.GetPtr(prev)
	if err != nil {
		return err
	}
	if err := t.StoreSRPtr(prevAddr.Add(elemNext), next); err != nil {
		return err
	}
	if err := t.StoreSRPtr(nextAddr.Add(elemPrev), prev); err != nil {
		return err
	}
	// Poisoned links make a second Remove fail.
	if err := t.StoreSRPtr(elem.Add(elemNext), sharedregion.InvalidSRPtr); err != nil {
		return err
	}
	return t.StoreSRPtr(elem.Add(elemPrev), sharedregion.InvalidSRPtr)
}

// Close releases a handle obtained from Open or OpenByAddr.
func (l *List) Close() error {
	if l.creator {
		return ipcerr.InvalidState("creator must delete, not close")
	}
	if l.closed {
		return ipcerr.InvalidState("list already closed")
	}
	l.closed = true
	if l.ownsGate {
		return l.gate.Close()
	}
	return nil
}

// Delete destroys the list. Elements still linked are left to their owners.
func (l *List) Delete() error {
	if !l.creator {
		return ipcerr.InvalidState("only the creator may delete a list")
	}
	if l.closed {
		return ipcerr.InvalidState("list already deleted")
	}
	l.closed = true
	if err := l.mod.table.Store32(l.attrs.Add(attrStatus), 0); err != nil {
		return err
	}
	if l.named {
		if err := l.mod.names.RemoveEntry(l.entry); err != nil {
			l.mod.logger.Warn("remove list name failed", "name", l.name, "error", err)
		}
	}
	l.free()
	return nil
}
