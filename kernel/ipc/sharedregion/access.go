package sharedregion

import (
	"github.com/tiomap/syslink/kernel/ipcerr"
	"github.com/tiomap/syslink/kernel/sab"
)

// resolve finds the provider and physical offset for [addr, addr+n).
func (t *Table) resolve(addr Addr, n uint32) (sab.MemoryProvider, uint32, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, s := range t.slots {
		e := s.entry
		if !e.IsValid || addr < e.Base {
			continue
		}
		off := uint64(addr - e.Base)
		if off >= uint64(e.Len) {
			continue
		}
		if off+uint64(n) > uint64(e.Len) {
			return nil, 0, ipcerr.New(ipcerr.CodeInvalidAddress, "access crosses region end").
				WithContext("addr", addr).WithContext("len", n)
		}
		return s.mem, uint32(off), nil
	}
	return nil, 0, ipcerr.New(ipcerr.CodeInvalidAddress, "address not in any shared region").WithContext("addr", addr)
}

// Read copies len(dest) bytes at addr.
func (t *Table) Read(addr Addr, dest []byte) error {
	mem, off, err := t.resolve(addr, uint32(len(dest)))
	if err != nil {
		return err
	}
	return mem.ReadAt(off, dest)
}

// Write copies src to addr.
func (t *Table) Write(addr Addr, src []byte) error {
	mem, off, err := t.resolve(addr, uint32(len(src)))
	if err != nil {
		return err
	}
	return mem.WriteAt(off, src)
}

// Zero clears n bytes at addr.
func (t *Table) Zero(addr Addr, n uint32) error {
	mem, off, err := t.resolve(addr, n)
	if err != nil {
		return err
	}
	var zeros [256]byte
	for n > 0 {
		chunk := n
		if chunk > uint32(len(zeros)) {
			chunk = uint32(len(zeros))
		}
		if err := mem.WriteAt(off, zeros[:chunk]); err != nil {
			return err
		}
		off += chunk
		n -= chunk
	}
	return nil
}

// Load32 atomically reads the word at addr.
func (t *Table) Load32(addr Addr) (uint32, error) {
	mem, off, err := t.resolve(addr, 4)
	if err != nil {
		return 0, err
	}
	return mem.AtomicLoad32(off)
}

// Store32 atomically writes the word at addr.
func (t *Table) Store32(addr Addr, val uint32) error {
	mem, off, err := t.resolve(addr, 4)
	if err != nil {
		return err
	}
	return mem.AtomicStore32(off, val)
}

// Add32 atomically adds delta to the word at addr and returns the new value.
func (t *Table) Add32(addr Addr, delta uint32) (uint32, error) {
	mem, off, err := t.resolve(addr, 4)
	if err != nil {
		return 0, err
	}
	return mem.AtomicAdd32(off, delta)
}

// CAS32 atomically swaps the word at addr from old to new.
func (t *Table) CAS32(addr Addr, old, new uint32) (bool, error) {
	mem, off, err := t.resolve(addr, 4)
	if err != nil {
		return false, err
	}
	return mem.AtomicCompareAndSwap32(off, old, new)
}

// LoadSRPtr reads an encoded region pointer at addr. The two halves are
// loaded separately, so callers racing a writer must hold a gate.
func (t *Table) LoadSRPtr(addr Addr) (SRPtr, error) {
	mem, off, err := t.resolve(addr, SRPtrSize)
	if err != nil {
		return InvalidSRPtr, err
	}
	lo, err := mem.AtomicLoad32(off)
	if err != nil {
		return InvalidSRPtr, err
	}
	hi, err := mem.AtomicLoad32(off + 4)
	if err != nil {
		return InvalidSRPtr, err
	}
	return SRPtr(uint64(hi)<<32 | uint64(lo)), nil
}

// StoreSRPtr writes an encoded region pointer at addr.
func (t *Table) StoreSRPtr(addr Addr, p SRPtr) error {
	mem, off, err := t.resolve(addr, SRPtrSize)
	if err != nil {
		return err
	}
	if err := mem.AtomicStore32(off, uint32(p)); err != nil {
		return err
	}
	return mem.AtomicStore32(off+4, uint32(uint64(p)>>32))
}

// LoadPtr reads a region pointer at addr and converts it to a local address.
func (t *Table) LoadPtr(addr Addr) (Addr, error) {
	p, err := t.LoadSRPtr(addr)
	if err != nil {
		return NullAddr, err
	}
	return t.GetPtr(p)
}

// StorePtr converts target to a region pointer and writes it at addr.
func (t *Table) StorePtr(addr Addr, target Addr) error {
	p, err := t.ToSRPtr(target)
	if err != nil {
		return err
	}
	return t.StoreSRPtr(addr, p)
}
