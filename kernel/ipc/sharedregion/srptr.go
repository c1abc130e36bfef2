// Package sharedregion maps processor-local addresses to portable region
// pointers and gives bounds-checked access to shared memory through them.
package sharedregion

import (
	"encoding/binary"
	"fmt"
)

// RegionID indexes the shared region table.
type RegionID uint16

// InvalidRegionID marks an unset region.
const InvalidRegionID RegionID = 0xFFFF

// SRPtr is a shared region pointer: (region id << 32) | offset. It is the only
// kind of address ever written into shared memory.
type SRPtr uint64

// InvalidSRPtr is distinguishable from every valid pointer: no valid SRPtr
// has bits set above bit 47.
const InvalidSRPtr SRPtr = ^SRPtr(0)

// SRPtrSize is the encoded size of an SRPtr in shared memory.
const SRPtrSize = 8

// MakeSRPtr packs a region id and offset.
func MakeSRPtr(id RegionID, offset uint32) SRPtr {
	return SRPtr(uint64(id)<<32 | uint64(offset))
}

// RegionID returns the region half of p.
func (p SRPtr) RegionID() RegionID {
	return RegionID(uint64(p) >> 32)
}

// Offset returns the offset half of p.
func (p SRPtr) Offset() uint32 {
	return uint32(p)
}

// IsValid reports whether p is not the invalid sentinel.
func (p SRPtr) IsValid() bool {
	return uint64(p)>>48 == 0
}

func (p SRPtr) String() string {
	if !p.IsValid() {
		return "srptr(invalid)"
	}
	return fmt.Sprintf("srptr(%d:%#x)", p.RegionID(), p.Offset())
}

// Encode writes p in its shared-memory form: offset u32, region u16, and
// two padding bytes, little endian.
func (p SRPtr) Encode(b []byte) {
	binary.LittleEndian.PutUint64(b, uint64(p))
}

// DecodeSRPtr reads an SRPtr written by Encode.
func DecodeSRPtr(b []byte) SRPtr {
	return SRPtr(binary.LittleEndian.Uint64(b))
}

// Addr is a processor-local virtual address. Each processor maps a region at
// its own base, so an Addr is meaningless to any other processor.
type Addr uint64

// NullAddr is the null local address.
const NullAddr Addr = 0

// Add returns a + off.
func (a Addr) Add(off uint32) Addr {
	return a + Addr(off)
}

func (a Addr) String() string {
	return fmt.Sprintf("%#x", uint64(a))
}
