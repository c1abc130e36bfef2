package heapmemmp

import (
	"bytes"
	"context"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiomap/syslink/kernel/authority"
	"github.com/tiomap/syslink/kernel/ipc/gatemp"
	"github.com/tiomap/syslink/kernel/ipc/nameserver"
	"github.com/tiomap/syslink/kernel/ipc/sharedregion"
	"github.com/tiomap/syslink/kernel/ipcerr"
	"github.com/tiomap/syslink/kernel/sab"
)

const (
	heapOffset = 256
	heapSize   = 8192
)

type proc struct {
	table *sharedregion.Table
	gates *gatemp.Module
	heaps *Module
	gate  *gatemp.Gate
}

func newProc(t *testing.T, mem sab.MemoryProvider) proc {
	t.Helper()
	f, err := authority.NewFabric(authority.FabricConfig{Processors: []string{"HOST"}, NumSpinlocks: 2}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })

	auth := f.MustAttach(0)
	tbl, err := sharedregion.NewTable(sharedregion.DefaultConfig(), auth.Self(), nil)
	require.NoError(t, err)
	require.NoError(t, tbl.SetEntry(0, sharedregion.Entry{Len: mem.Size(), CacheLineSize: 64}, mem))
	ns := nameserver.New(auth.Self(), 1, nameserver.DefaultConfig(), nil)
	gm, err := gatemp.New(auth, tbl, ns, gatemp.DefaultConfig(), nil)
	require.NoError(t, err)
	gate, err := gm.Create(gatemp.Params{
		RemoteProtect: gatemp.RemoteSystem,
		LocalProtect:  gatemp.LocalThread,
		SharedAddr:    tbl.LocalBase(0),
	})
	require.NoError(t, err)
	hm, err := New(tbl, gm, ns, nil)
	require.NoError(t, err)
	return proc{table: tbl, gates: gm, heaps: hm, gate: gate}
}

func create(t *testing.T, p proc, name string) *Heap {
	t.Helper()
	h, err := p.heaps.Create(Params{
		Name:          name,
		SharedAddr:    p.table.LocalBase(0).Add(heapOffset),
		SharedBufSize: heapSize,
		Gate:          p.gate,
	})
	require.NoError(t, err)
	return h
}

func TestAllocSplitsAndFreeCoalesces(t *testing.T) {
	p := newProc(t, sab.NewInMemoryProvider(16*1024))
	h := create(t, p, "mem")

	initial, err := h.Stats()
	require.NoError(t, err)
	assert.Equal(t, initial.TotalSize, initial.TotalFreeSize)
	assert.Equal(t, initial.TotalSize, initial.LargestFreeSize)

	a, err := h.Alloc(100, 0)
	require.NoError(t, err)
	b, err := h.Alloc(200, 0)
	require.NoError(t, err)
	c, err := h.Alloc(16, 0)
	require.NoError(t, err)
	assert.Equal(t, a.Add(112), b)
	assert.Equal(t, b.Add(208), c)

	stats, err := h.Stats()
	require.NoError(t, err)
	assert.Equal(t, initial.TotalFreeSize-112-208-16, stats.TotalFreeSize)

	// Freeing the middle leaves a hole first-fit reuses.
	require.NoError(t, h.Free(b, 200))
	d, err := h.Alloc(50, 0)
	require.NoError(t, err)
	assert.Equal(t, b, d)

	require.NoError(t, h.Free(a, 100))
	require.NoError(t, h.Free(d, 50))
	require.NoError(t, h.Free(c, 16))

	stats, err = h.Stats()
	require.NoError(t, err)
	assert.Equal(t, initial, stats)
}

func TestAlignedAlloc(t *testing.T) {
	p := newProc(t, sab.NewInMemoryProvider(16*1024))
	h := create(t, p, "")

	_, err := h.Alloc(16, 0)
	require.NoError(t, err)
	a, err := h.Alloc(64, 256)
	require.NoError(t, err)
	assert.Zero(t, uint64(a)%256)

	_, err = h.Alloc(16, 48)
	assert.ErrorIs(t, err, ipcerr.ErrInvalidArgument)

	require.NoError(t, h.Free(a, 64))
	stats, err := h.Stats()
	require.NoError(t, err)
	assert.Equal(t, stats.TotalSize-16, stats.TotalFreeSize)
}

func TestOutOfMemory(t *testing.T) {
	p := newProc(t, sab.NewInMemoryProvider(16*1024))
	h := create(t, p, "")

	stats, err := h.Stats()
	require.NoError(t, err)
	_, err = h.Alloc(stats.TotalSize+16, 0)
	assert.ErrorIs(t, err, ipcerr.ErrOutOfMemory)

	whole, err := h.Alloc(stats.TotalSize, 0)
	require.NoError(t, err)
	_, err = h.Alloc(16, 0)
	assert.ErrorIs(t, err, ipcerr.ErrOutOfMemory)
	require.NoError(t, h.Free(whole, stats.TotalSize))
}

func TestFreeRejectsOverlap(t *testing.T) {
	p := newProc(t, sab.NewInMemoryProvider(16*1024))
	h := create(t, p, "")

	a, err := h.Alloc(64, 0)
	require.NoError(t, err)
	require.NoError(t, h.Free(a, 64))

	assert.ErrorIs(t, h.Free(a, 64), ipcerr.ErrInvalidArgument)
	assert.ErrorIs(t, h.Free(a.Add(16), 16), ipcerr.ErrInvalidArgument)
	assert.ErrorIs(t, h.Free(p.table.LocalBase(0), 16), ipcerr.ErrInvalidArgument)
	assert.ErrorIs(t, h.Free(a.Add(8), 16), ipcerr.ErrInvalidArgument)
}

func TestRandomWorkloadRestoresFullHeap(t *testing.T) {
	p := newProc(t, sab.NewInMemoryProvider(16*1024))
	h := create(t, p, "")
	initial, err := h.Stats()
	require.NoError(t, err)

	type block struct {
		addr sharedregion.Addr
		size uint32
	}
	rng := rand.New(rand.NewSource(7))
	var live []block
	for i := 0; i < 500; i++ {
		if len(live) > 0 && rng.Intn(3) == 0 {
			j := rng.Intn(len(live))
			require.NoError(t, h.Free(live[j].addr, live[j].size))
			live = append(live[:j], live[j+1:]...)
			continue
		}
		size := uint32(rng.Intn(300) + 1)
		addr, err := h.Alloc(size, 0)
		if err != nil {
			require.ErrorIs(t, err, ipcerr.ErrOutOfMemory)
			continue
		}
		live = append(live, block{addr, size})
	}

	sort.Slice(live, func(i, j int) bool { return live[i].addr < live[j].addr })
	for i := 1; i < len(live); i++ {
		assert.LessOrEqual(t, uint64(live[i-1].addr)+uint64(live[i-1].size), uint64(live[i].addr))
	}
	for _, b := range live {
		require.NoError(t, h.Free(b.addr, b.size))
	}
	stats, err := h.Stats()
	require.NoError(t, err)
	assert.Equal(t, initial, stats)
}

func TestOpenByName(t *testing.T) {
	p := newProc(t, sab.NewInMemoryProvider(16*1024))
	h := create(t, p, "named")

	opened, err := p.heaps.Open(context.Background(), "named")
	require.NoError(t, err)
	a, err := opened.Alloc(32, 0)
	require.NoError(t, err)
	require.NoError(t, h.Free(a, 32))
	assert.True(t, opened.IsBlocking())

	assert.ErrorIs(t, opened.Delete(), ipcerr.ErrInvalidState)
	require.NoError(t, opened.Close())
	require.NoError(t, h.Delete())

	_, err = p.heaps.Open(context.Background(), "named")
	assert.ErrorIs(t, err, ipcerr.ErrNotFound)
}

func TestRestoreFromImage(t *testing.T) {
	mem := sab.NewInMemoryProvider(16 * 1024)
	p := newProc(t, mem)
	h := create(t, p, "persist")

	a, err := h.Alloc(128, 0)
	require.NoError(t, err)
	_, err = h.Alloc(64, 0)
	require.NoError(t, err)
	require.NoError(t, h.Free(a, 128))
	before, err := h.Stats()
	require.NoError(t, err)

	var image bytes.Buffer
	require.NoError(t, sab.SaveImage(&image, mem))
	raw, err := sab.LoadImage(&image)
	require.NoError(t, err)

	q := newProc(t, sab.NewInMemoryProviderFrom(raw))
	restored, err := q.heaps.Restore(Params{Name: "persist", SharedAddr: q.table.LocalBase(0).Add(heapOffset), Gate: q.gate})
	require.NoError(t, err)

	after, err := restored.Stats()
	require.NoError(t, err)
	assert.Equal(t, before, after)

	again, err := restored.Alloc(128, 0)
	require.NoError(t, err)
	assert.Equal(t, a-p.table.LocalBase(0), again-q.table.LocalBase(0))

	_, err = q.heaps.Restore(Params{SharedAddr: q.table.LocalBase(0).Add(heapOffset + 64), Gate: q.gate})
	assert.ErrorIs(t, err, ipcerr.ErrNotFound)
}
