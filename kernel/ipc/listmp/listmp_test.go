package listmp

import (
	"context"
	"sync"
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

const elemArea = 4096

type proc struct {
	table *sharedregion.Table
	gates *gatemp.Module
	lists *Module
}

func newProcs(t *testing.T, n int) []proc {
	t.Helper()
	f, err := authority.NewFabric(authority.FabricConfig{Processors: []string{"HOST", "SYSM3", "APPM3"}[:n], NumSpinlocks: 4}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })

	mem := sab.NewInMemoryProvider(16 * 1024)
	procs := make([]proc, n)
	for i := range procs {
		auth := f.MustAttach(authority.ProcID(i))
		tbl, err := sharedregion.NewTable(sharedregion.DefaultConfig(), auth.Self(), nil)
		require.NoError(t, err)
		require.NoError(t, tbl.SetEntry(0, sharedregion.Entry{Len: mem.Size()}, mem))
		ns := nameserver.New(auth.Self(), uint16(n), nameserver.DefaultConfig(), nil)
		gm, err := gatemp.New(auth, tbl, ns, gatemp.DefaultConfig(), nil)
		require.NoError(t, err)
		lm, err := New(tbl, gm, ns, nil)
		require.NoError(t, err)
		procs[i] = proc{table: tbl, gates: gm, lists: lm}
	}

	gate, err := procs[0].gates.Create(gatemp.Params{
		RemoteProtect: gatemp.RemoteSystem,
		LocalProtect:  gatemp.LocalThread,
		SharedAddr:    procs[0].table.LocalBase(0),
	})
	require.NoError(t, err)
	procs[0].gates.SetDefaultGate(gate)
	return procs
}

func elem(p proc, i int) sharedregion.Addr {
	return p.table.LocalBase(0).Add(elemArea + uint32(i)*32)
}

func newList(t *testing.T, p proc, name string) *List {
	t.Helper()
	l, err := p.lists.Create(Params{Name: name, SharedAddr: p.table.LocalBase(0).Add(256)})
	require.NoError(t, err)
	return l
}

func drainHead(t *testing.T, l *List) []sharedregion.Addr {
	t.Helper()
	var out []sharedregion.Addr
	for {
		e, err := l.GetHead()
		require.NoError(t, err)
		if e == sharedregion.NullAddr {
			return out
		}
		out = append(out, e)
	}
}

func TestFIFO(t *testing.T) {
	p := newProcs(t, 1)[0]
	l := newList(t, p, "fifo")

	empty, err := l.Empty()
	require.NoError(t, err)
	assert.True(t, empty)

	var want []sharedregion.Addr
	for i := 0; i < 5; i++ {
		require.NoError(t, l.PutTail(elem(p, i)))
		want = append(want, elem(p, i))
	}
	empty, err = l.Empty()
	require.NoError(t, err)
	assert.False(t, empty)

	assert.Equal(t, want, drainHead(t, l))
}

func TestPutHeadWalksFromHead(t *testing.T) {
	p := newProcs(t, 1)[0]
	l := newList(t, p, "lifo")

	for i := 0; i < 4; i++ {
		require.NoError(t, l.PutHead(elem(p, i)))
	}

	key, err := l.Gate().Enter()
	require.NoError(t, err)
	var fwd, back []sharedregion.Addr
	for e, err := l.Next(sharedregion.NullAddr); e != sharedregion.NullAddr; e, err = l.Next(e) {
		require.NoError(t, err)
		fwd = append(fwd, e)
	}
	for e, err := l.Prev(sharedregion.NullAddr); e != sharedregion.NullAddr; e, err = l.Prev(e) {
		require.NoError(t, err)
		back = append(back, e)
	}
	require.NoError(t, l.Gate().Leave(key))

	assert.Equal(t, []sharedregion.Addr{elem(p, 3), elem(p, 2), elem(p, 1), elem(p, 0)}, fwd)
	assert.Equal(t, []sharedregion.Addr{elem(p, 0), elem(p, 1), elem(p, 2), elem(p, 3)}, back)
}

func TestInsertAndRemove(t *testing.T) {
	p := newProcs(t, 1)[0]
	l := newList(t, p, "")

	require.NoError(t, l.PutTail(elem(p, 0)))
	require.NoError(t, l.PutTail(elem(p, 2)))
	require.NoError(t, l.Insert(elem(p, 1), elem(p, 2)))
	require.NoError(t, l.Remove(elem(p, 0)))
	assert.ErrorIs(t, l.Remove(elem(p, 0)), ipcerr.ErrInvalidState)

	tail, err := l.GetTail()
	require.NoError(t, err)
	assert.Equal(t, elem(p, 2), tail)
	assert.Equal(t, []sharedregion.Addr{elem(p, 1)}, drainHead(t, l))

	tail, err = l.GetTail()
	require.NoError(t, err)
	assert.Equal(t, sharedregion.NullAddr, tail)
}

func TestPutRejectsLinkedElement(t *testing.T) {
	p := newProcs(t, 1)[0]
	l := newList(t, p, "")

	require.NoError(t, l.PutTail(elem(p, 0)))
	assert.ErrorIs(t, l.PutTail(elem(p, 0)), ipcerr.ErrInvalidState)
	require.NoError(t, l.PutTail(elem(p, 1)))
	assert.ErrorIs(t, l.PutHead(elem(p, 0)), ipcerr.ErrInvalidState)
	assert.ErrorIs(t, l.Insert(elem(p, 1), elem(p, 0)), ipcerr.ErrInvalidState)

	assert.Equal(t, []sharedregion.Addr{elem(p, 0), elem(p, 1)}, drainHead(t, l))
	require.NoError(t, l.PutTail(elem(p, 0)), "a taken element can be put again")
}

func TestOpenFromOtherProcessor(t *testing.T) {
	procs := newProcs(t, 2)
	host, m3 := procs[0], procs[1]
	l := newList(t, host, "shared")

	opened, err := m3.lists.OpenByAddr(m3.table.LocalBase(0).Add(256))
	require.NoError(t, err)
	assert.Equal(t, l.SRPtr(), opened.SRPtr())

	require.NoError(t, l.PutTail(elem(host, 0)))
	require.NoError(t, opened.PutTail(elem(m3, 1)))

	got := drainHead(t, opened)
	assert.Equal(t, []sharedregion.Addr{elem(m3, 0), elem(m3, 1)}, got)

	require.NoError(t, opened.Close())
	assert.ErrorIs(t, opened.Delete(), ipcerr.ErrInvalidState)
	require.NoError(t, l.Delete())

	_, err = m3.lists.OpenByAddr(m3.table.LocalBase(0).Add(256))
	assert.ErrorIs(t, err, ipcerr.ErrNotFound)
}

func TestOpenByName(t *testing.T) {
	p := newProcs(t, 1)[0]
	l := newList(t, p, "named")

	opened, err := p.lists.Open(context.Background(), "named")
	require.NoError(t, err)
	assert.Equal(t, l.SRPtr(), opened.SRPtr())
	assert.Equal(t, "named", opened.Name())
	require.NoError(t, opened.Close())

	require.NoError(t, l.Delete())
	_, err = p.lists.Open(context.Background(), "named")
	assert.ErrorIs(t, err, ipcerr.ErrNotFound)
}

func TestCreateNeedsSharedGate(t *testing.T) {
	p := newProcs(t, 1)[0]
	local, err := p.gates.Create(gatemp.Params{LocalProtect: gatemp.LocalThread})
	require.NoError(t, err)

	_, err = p.lists.Create(Params{SharedAddr: p.table.LocalBase(0).Add(256), Gate: local})
	assert.ErrorIs(t, err, ipcerr.ErrInvalidArgument)
}

func TestConcurrentProducersAcrossProcessors(t *testing.T) {
	procs := newProcs(t, 2)
	l := newList(t, procs[0], "mp")
	opened, err := procs[1].lists.OpenByAddr(procs[1].table.LocalBase(0).Add(256))
	require.NoError(t, err)

	const perProc = 40
	var wg sync.WaitGroup
	for i, h := range []*List{l, opened} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for k := 0; k < perProc; k++ {
				assert.NoError(t, h.PutTail(elem(procs[i], i*perProc+k)))
			}
		}()
	}
	wg.Wait()

	got := drainHead(t, l)
	assert.Len(t, got, 2*perProc)
	seen := make(map[sharedregion.Addr]bool)
	for _, e := range got {
		seen[e] = true
	}
	assert.Len(t, seen, 2*perProc)
}
