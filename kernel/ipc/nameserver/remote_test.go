package nameserver

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiomap/syslink/kernel/authority"
	"github.com/tiomap/syslink/kernel/ipc/notify"
	"github.com/tiomap/syslink/kernel/ipc/sharedregion"
	"github.com/tiomap/syslink/kernel/ipcerr"
	"github.com/tiomap/syslink/kernel/sab"
)

type node struct {
	ns     *Module
	remote *NotifyRemote
	notify *notify.Module
}

func newRemotePair(t *testing.T, cfg Config) (host, m3 node) {
	t.Helper()
	f, err := authority.NewFabric(authority.FabricConfig{Processors: []string{"HOST", "SYSM3"}}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })

	mem := sab.NewInMemoryProvider(4096)
	nodes := make([]node, 2)
	for i := range nodes {
		auth := f.MustAttach(authority.ProcID(i))
		tbl, err := sharedregion.NewTable(sharedregion.DefaultConfig(), auth.Self(), nil)
		require.NoError(t, err)
		require.NoError(t, tbl.SetEntry(0, sharedregion.Entry{Len: mem.Size()}, mem))

		nm, err := notify.New(auth, notify.DefaultConfig(), nil)
		require.NoError(t, err)

		base := tbl.LocalBase(0)
		hostToM3, m3ToHost := base, base.Add(SlotSize)
		if i == 0 {
			require.NoError(t, InitSlots(tbl, hostToM3, m3ToHost))
		}
		out, in := hostToM3, m3ToHost
		if i == 1 {
			out, in = m3ToHost, hostToM3
		}

		ns := New(auth.Self(), 2, cfg, nil)
		peer := authority.ProcID(1 - i)
		r, err := NewNotifyRemote(ns, nm, tbl, peer, auth.ProcName(peer), out, in)
		require.NoError(t, err)
		nodes[i] = node{ns: ns, remote: r, notify: nm}
	}
	t.Cleanup(func() {
		for _, n := range nodes {
			_ = n.remote.Close()
			_ = n.notify.Close()
		}
	})
	return nodes[0], nodes[1]
}

func TestRemoteLookup(t *testing.T) {
	host, m3 := newRemotePair(t, DefaultConfig())

	m3Table, err := m3.ns.Create("MessageQ", DefaultParams())
	require.NoError(t, err)
	_, err = m3Table.AddUint32("Q1", 0x10000)
	require.NoError(t, err)

	hostTable, err := host.ns.Create("MessageQ", DefaultParams())
	require.NoError(t, err)

	ctx := context.Background()
	v, err := hostTable.GetUint32(ctx, "Q1", nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x10000), v)

	v, err = hostTable.GetUint32(ctx, "Q1", []authority.ProcID{1})
	require.NoError(t, err)
	assert.Equal(t, uint32(0x10000), v)

	_, err = hostTable.Get(ctx, "Q2", nil)
	assert.ErrorIs(t, err, ipcerr.ErrNotFound)

	_, err = hostTable.Get(ctx, "Q1", []authority.ProcID{0})
	assert.ErrorIs(t, err, ipcerr.ErrNotFound, "restricting the search to the local table skips the remote")
}

func TestRemoteLookupMissingTable(t *testing.T) {
	host, _ := newRemotePair(t, DefaultConfig())

	_, err := host.remote.Get(context.Background(), "NoSuchTable", "x")
	assert.ErrorIs(t, err, ipcerr.ErrNotFound)
}

func TestRemoteLookupConcurrent(t *testing.T) {
	host, m3 := newRemotePair(t, DefaultConfig())

	m3Table, err := m3.ns.Create("GateMP", DefaultParams())
	require.NoError(t, err)
	for _, n := range []string{"g0", "g1", "g2", "g3"} {
		_, err = m3Table.Add(n, []byte(n))
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 32; i++ {
		name := []string{"g0", "g1", "g2", "g3"}[i%4]
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := host.remote.Get(context.Background(), "GateMP", name)
			if err == nil && string(v) != name {
				err = ipcerr.InvalidState("got %q for %q", v, name)
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestRemoteFailuresTripBreaker(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RequestTimeout = 50 * time.Millisecond
	cfg.BreakerFailures = 2
	cfg.BreakerOpenTimeout = time.Minute
	host, m3 := newRemotePair(t, cfg)

	// The peer withdraws its transport, so every send is refused.
	require.NoError(t, m3.remote.Close())

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := host.remote.Get(ctx, "t", "x")
		require.Error(t, err)
		assert.True(t, ipcerr.IsRetryable(err), "got %v", err)
	}
	assert.Equal(t, gobreaker.StateOpen, host.remote.BreakerState())

	_, err := host.remote.Get(ctx, "t", "x")
	assert.ErrorIs(t, err, ipcerr.ErrRemoteUnavailable)
}

func TestRemoteRateLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RequestRate = 1
	cfg.RequestBurst = 1
	cfg.RequestTimeout = 100 * time.Millisecond
	cfg.BreakerFailures = 100
	host, m3 := newRemotePair(t, cfg)

	tbl, err := m3.ns.Create("t", DefaultParams())
	require.NoError(t, err)
	_, err = tbl.Add("x", []byte{1})
	require.NoError(t, err)

	ctx := context.Background()
	var timeouts int
	for i := 0; i < 5; i++ {
		_, err := host.remote.Get(ctx, "t", "x")
		if err != nil {
			assert.ErrorIs(t, err, ipcerr.ErrTimeout)
			timeouts++
		}
	}
	assert.Greater(t, timeouts, 0, "requests over the limit are dropped and time out")
}

// request places a lookup in the host's outgoing slot without signalling it.
func request(t *testing.T, host node, seq uint32, table, name string) {
	t.Helper()
	data, err := encodeQuery(seq, statusFound, table, name, nil)
	require.NoError(t, err)
	require.NoError(t, host.remote.writeSlot(host.remote.out, seq, data))
	require.NoError(t, host.remote.table.Store32(host.remote.out.Add(slotState), stateRequest))
}

func slotState32(t *testing.T, n node) uint32 {
	t.Helper()
	state, err := n.remote.table.Load32(n.remote.out.Add(slotState))
	require.NoError(t, err)
	return state
}

func TestStaleSignalAnswersLiveRequest(t *testing.T) {
	host, m3 := newRemotePair(t, DefaultConfig())
	tbl, err := m3.ns.Create("t", DefaultParams())
	require.NoError(t, err)
	_, err = tbl.AddUint32("x", 42)
	require.NoError(t, err)

	// Seq 5 was abandoned and seq 6 written over it before the peer got to
	// the event for 5.
	request(t, host, 6, "t", "x")

	require.NoError(t, m3.remote.answer(5))
	assert.Equal(t, stateResponse, slotState32(t, host))

	select {
	case got := <-host.remote.resp:
		assert.Equal(t, uint32(6), got)
	case <-time.After(time.Second):
		t.Fatal("no response signalled")
	}

	require.NoError(t, m3.remote.answer(6))
	assert.Equal(t, stateResponse, slotState32(t, host))

	q, err := host.remote.readSlot(host.remote.out)
	require.NoError(t, err)
	assert.Equal(t, uint32(6), q.Seq())
	v, err := decodeResult(q, "t", "x")
	require.NoError(t, err)
	assert.Equal(t, []byte{42, 0, 0, 0}, v)
	require.NoError(t, host.remote.table.Store32(host.remote.out.Add(slotState), stateIdle))
}

func TestFailedAnswerReleasesSlot(t *testing.T) {
	host, m3 := newRemotePair(t, DefaultConfig())
	params := DefaultParams()
	params.MaxValueLen = 1024
	tbl, err := m3.ns.Create("t", params)
	require.NoError(t, err)
	_, err = tbl.Add("big", make([]byte, 600))
	require.NoError(t, err)

	request(t, host, 1, "t", "big")

	err = m3.remote.answer(1)
	assert.ErrorIs(t, err, ipcerr.ErrInvalidArgument)
	assert.Equal(t, stateIdle, slotState32(t, host))
}

func TestGetReportsUnreachablePeer(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RequestTimeout = 50 * time.Millisecond
	host, m3 := newRemotePair(t, cfg)

	tbl, err := host.ns.Create("t", DefaultParams())
	require.NoError(t, err)
	require.NoError(t, m3.remote.Close())

	_, err = tbl.Get(context.Background(), "x", nil)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ipcerr.ErrNotFound)
	assert.True(t, ipcerr.IsRetryable(err), "got %v", err)

	_, err = tbl.Get(context.Background(), "x", []authority.ProcID{0})
	assert.ErrorIs(t, err, ipcerr.ErrNotFound)
}
