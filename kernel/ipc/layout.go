package ipc

import (
	"github.com/tiomap/syslink/kernel/authority"
	"github.com/tiomap/syslink/kernel/ipc/listmp"
	"github.com/tiomap/syslink/kernel/ipc/nameserver"
	"github.com/tiomap/syslink/kernel/ipc/sharedregion"
	"github.com/tiomap/syslink/kernel/sab"
)

// Region 0 starts with a header, then the default gate, then one attach
// block per processor pair. The region heap takes the rest.
const (
	hdrMagic       = 0
	hdrNumProcs    = 4
	hdrDefaultGate = 8
	hdrRegionHeap  = 16
	hdrSize        = 32

	regionMagic uint32 = 0x5359534C

	// Attach block words. The lower processor of the pair writes
	// lowReady once the block is initialised; the higher one writes
	// highReady once it is wired.
	blkLowReady  = 0
	blkHighReady = 4

	readyMagic uint32 = 0x41545443
)

// region0Layout computes offsets for a system of n processors.
type region0Layout struct {
	line      uint32
	gate      uint32
	blocks    uint32
	blockSize uint32
	slots     uint32
	lists     uint32
	listSize  uint32
	heap      uint32
	n         uint16
}

func newRegion0Layout(table *sharedregion.Table, gateSize uint32, n uint16) region0Layout {
	line := table.CacheLineSize(0)
	l := region0Layout{line: line, n: n}
	l.gate = sab.AlignOffset(hdrSize, line)
	l.blocks = l.gate + sab.AlignOffset(gateSize, line)
	l.listSize = listmp.SharedMemReq(table, 0)
	l.slots = line
	l.lists = l.slots + 2*nameserver.SlotSize
	l.blockSize = sab.AlignOffset(l.lists+2*l.listSize, line)
	pairs := uint32(n) * uint32(n-1) / 2
	l.heap = l.blocks + pairs*l.blockSize
	return l
}

// pairIndex numbers the unordered pair {a, b}, a != b, densely from 0.
func (l region0Layout) pairIndex(a, b authority.ProcID) uint32 {
	if a > b {
		a, b = b, a
	}
	n, lo, hi := uint32(l.n), uint32(a), uint32(b)
	return lo*n - lo*(lo+1)/2 + (hi - lo - 1)
}

func (l region0Layout) block(base sharedregion.Addr, a, b authority.ProcID) pairBlock {
	at := base.Add(l.blocks + l.pairIndex(a, b)*l.blockSize)
	return pairBlock{
		base:       at,
		lowToHigh:  at.Add(l.slots),
		highToLow:  at.Add(l.slots + nameserver.SlotSize),
		lowInbound: at.Add(l.lists),
		hiInbound:  at.Add(l.lists + l.listSize),
	}
}

// pairBlock holds the shared state of one processor pair: two name server
// query slots and each side's inbound message list.
type pairBlock struct {
	base       sharedregion.Addr
	lowToHigh  sharedregion.Addr
	highToLow  sharedregion.Addr
	lowInbound sharedregion.Addr
	hiInbound  sharedregion.Addr
}
