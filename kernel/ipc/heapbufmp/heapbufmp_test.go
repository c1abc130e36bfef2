package heapbufmp

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiomap/syslink/kernel/authority"
	"github.com/tiomap/syslink/kernel/ipc/gatemp"
	"github.com/tiomap/syslink/kernel/ipc/listmp"
	"github.com/tiomap/syslink/kernel/ipc/nameserver"
	"github.com/tiomap/syslink/kernel/ipc/sharedregion"
	"github.com/tiomap/syslink/kernel/ipcerr"
	"github.com/tiomap/syslink/kernel/sab"
)

type proc struct {
	table *sharedregion.Table
	heaps *Module
}

const heapOffset = 1024

func newProcs(t *testing.T, n int) []proc {
	t.Helper()
	f, err := authority.NewFabric(authority.FabricConfig{Processors: []string{"HOST", "SYSM3"}[:n], NumSpinlocks: 4}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })

	mem := sab.NewInMemoryProvider(64 * 1024)
	procs := make([]proc, n)
	for i := range procs {
		auth := f.MustAttach(authority.ProcID(i))
		tbl, err := sharedregion.NewTable(sharedregion.DefaultConfig(), auth.Self(), nil)
		require.NoError(t, err)
		require.NoError(t, tbl.SetEntry(0, sharedregion.Entry{Len: mem.Size(), CacheLineSize: 64}, mem))
		ns := nameserver.New(auth.Self(), uint16(n), nameserver.DefaultConfig(), nil)
		gm, err := gatemp.New(auth, tbl, ns, gatemp.DefaultConfig(), nil)
		require.NoError(t, err)
		if i == 0 {
			gate, err := gm.Create(gatemp.Params{
				RemoteProtect: gatemp.RemoteCustom1,
				LocalProtect:  gatemp.LocalThread,
				SharedAddr:    tbl.LocalBase(0),
			})
			require.NoError(t, err)
			gm.SetDefaultGate(gate)
		}
		lm, err := listmp.New(tbl, gm, ns, nil)
		require.NoError(t, err)
		hm, err := New(tbl, gm, lm, ns, nil)
		require.NoError(t, err)
		procs[i] = proc{table: tbl, heaps: hm}
	}
	return procs
}

func create(t *testing.T, p proc, params Params) *Heap {
	t.Helper()
	params.SharedAddr = p.table.LocalBase(0).Add(heapOffset)
	h, err := p.heaps.Create(params)
	require.NoError(t, err)
	return h
}

func TestSharedMemReq(t *testing.T) {
	p := newProcs(t, 1)[0]
	params := Params{NumBlocks: 4, BlockSize: 100, Align: 32}
	// attrs round to 128, blocks stride 128.
	assert.Equal(t, uint32(128+4*128), p.heaps.SharedMemReq(params))
	assert.Equal(t, p.heaps.SharedMemReq(params), p.heaps.SharedMemReq(params))

	params.Align = 0
	assert.Equal(t, uint32(128+4*128), p.heaps.SharedMemReq(params))
}

func TestAllocExhaustsAndRecovers(t *testing.T) {
	p := newProcs(t, 1)[0]
	h := create(t, p, Params{Name: "buf", NumBlocks: 4, BlockSize: 64, Align: 8})

	seen := map[sharedregion.Addr]bool{}
	var blocks []sharedregion.Addr
	for i := 0; i < 4; i++ {
		b, err := h.Alloc(64, 8)
		require.NoError(t, err)
		assert.False(t, seen[b])
		seen[b] = true
		blocks = append(blocks, b)
	}
	_, err := h.Alloc(1, 0)
	assert.ErrorIs(t, err, ipcerr.ErrOutOfMemory)

	ext, err := h.ExtendedStats()
	require.NoError(t, err)
	assert.Equal(t, ExtendedStats{MaxAllocatedBlocks: 4, NumAllocatedBlocks: 4}, ext)

	require.NoError(t, h.Free(blocks[2], 64))
	b, err := h.Alloc(10, 0)
	require.NoError(t, err)
	assert.Equal(t, blocks[2], b)

	for _, b := range blocks {
		require.NoError(t, h.Free(b, 64))
	}
	stats, err := h.Stats()
	require.NoError(t, err)
	assert.Equal(t, stats.TotalSize, stats.TotalFreeSize)
	assert.Equal(t, uint32(64), stats.LargestFreeSize)

	ext, err = h.ExtendedStats()
	require.NoError(t, err)
	assert.Equal(t, uint32(4), ext.MaxAllocatedBlocks)
	assert.Zero(t, ext.NumAllocatedBlocks)
}

func TestOversizeRequestFailsWithFreeBlocks(t *testing.T) {
	p := newProcs(t, 1)[0]
	h := create(t, p, Params{NumBlocks: 2, BlockSize: 32, Align: 8})

	_, err := h.Alloc(33, 8)
	assert.ErrorIs(t, err, ipcerr.ErrOutOfMemory)
	var ipcErr *ipcerr.Error
	require.ErrorAs(t, err, &ipcErr)
	assert.Equal(t, uint32(33), ipcErr.Context["size"])

	_, err = h.Alloc(8, 64)
	assert.ErrorIs(t, err, ipcerr.ErrOutOfMemory)
}

func TestFreeRejectsForeignAddress(t *testing.T) {
	p := newProcs(t, 1)[0]
	h := create(t, p, Params{NumBlocks: 2, BlockSize: 32, Align: 8})
	b, err := h.Alloc(32, 8)
	require.NoError(t, err)

	assert.ErrorIs(t, h.Free(b.Add(4), 32), ipcerr.ErrInvalidArgument)
	assert.ErrorIs(t, h.Free(p.table.LocalBase(0), 32), ipcerr.ErrInvalidArgument)
	assert.ErrorIs(t, h.Free(b, 64), ipcerr.ErrInvalidArgument)
	require.NoError(t, h.Free(b, 32))
}

func TestFreeRejectsBlockAlreadyFree(t *testing.T) {
	p := newProcs(t, 1)[0]
	h := create(t, p, Params{NumBlocks: 2, BlockSize: 32, Align: 8})
	b, err := h.Alloc(32, 8)
	require.NoError(t, err)

	require.NoError(t, h.Free(b, 32))
	assert.ErrorIs(t, h.Free(b, 32), ipcerr.ErrInvalidState)

	stats, err := h.Stats()
	require.NoError(t, err)
	assert.Equal(t, stats.TotalSize, stats.TotalFreeSize)

	first, err := h.Alloc(32, 8)
	require.NoError(t, err)
	second, err := h.Alloc(32, 8)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	_, err = h.Alloc(32, 8)
	assert.ErrorIs(t, err, ipcerr.ErrOutOfMemory)
}

func TestSharedAcrossProcessors(t *testing.T) {
	procs := newProcs(t, 2)
	h := create(t, procs[0], Params{Name: "shared", NumBlocks: 64, BlockSize: 48, Align: 16})

	other, err := procs[1].heaps.OpenByAddr(procs[1].table.LocalBase(0).Add(heapOffset))
	require.NoError(t, err)
	assert.Equal(t, h.BlockSize(), other.BlockSize())
	assert.True(t, other.IsBlocking())

	var wg sync.WaitGroup
	for _, heap := range []*Heap{h, other} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				b, err := heap.Alloc(48, 16)
				if !assert.NoError(t, err) {
					return
				}
				assert.NoError(t, heap.Free(b, 48))
			}
		}()
	}
	wg.Wait()

	stats, err := h.Stats()
	require.NoError(t, err)
	assert.Equal(t, stats.TotalSize, stats.TotalFreeSize)

	require.NoError(t, other.Close())
	require.NoError(t, h.Delete())
	_, err = procs[1].heaps.OpenByAddr(procs[1].table.LocalBase(0).Add(heapOffset))
	assert.ErrorIs(t, err, ipcerr.ErrNotFound)
}

func TestOpenByName(t *testing.T) {
	p := newProcs(t, 1)[0]
	h := create(t, p, Params{Name: "byname", NumBlocks: 2, BlockSize: 16})

	opened, err := p.heaps.Open(context.Background(), "byname")
	require.NoError(t, err)
	assert.Equal(t, h.SRPtr(), opened.SRPtr())
	assert.ErrorIs(t, opened.Delete(), ipcerr.ErrInvalidState)
	require.NoError(t, opened.Close())
	require.NoError(t, h.Delete())
}

func TestCreateValidatesParams(t *testing.T) {
	p := newProcs(t, 1)[0]
	_, err := p.heaps.Create(Params{SharedAddr: p.table.LocalBase(0).Add(heapOffset), BlockSize: 16})
	assert.ErrorIs(t, err, ipcerr.ErrInvalidArgument)
	_, err = p.heaps.Create(Params{SharedAddr: p.table.LocalBase(0).Add(heapOffset), NumBlocks: 1, BlockSize: 16, Align: 12})
	assert.ErrorIs(t, err, ipcerr.ErrInvalidArgument)
}
