// Package ipctest builds in-process multi-processor IPC systems for tests.
package ipctest

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/tiomap/syslink/kernel/authority"
	"github.com/tiomap/syslink/kernel/ipc"
	"github.com/tiomap/syslink/kernel/sab"
)

// RegionSize is the size of region 0 in systems built by NewSystem.
const RegionSize = 1 << 20

// System is a fabric plus one set-up and fully attached IPC context per
// processor.
type System struct {
	Fabric *authority.Fabric
	Region *sab.InMemoryProvider
	Procs  []*ipc.Ipc
}

// Options adjusts NewSystem.
type Options struct {
	Config        ipc.Config
	CacheLineSize uint32
	Logger        *slog.Logger
}

// NewSystem builds a system with one processor per name, region 0 owned by
// the first and carrying a heap. Every context is destroyed on cleanup.
func NewSystem(t testing.TB, names ...string) *System {
	t.Helper()
	return NewSystemWith(t, Options{Config: ipc.DefaultConfig()}, names...)
}

// NewSystemWith is NewSystem with options.
func NewSystemWith(t testing.TB, opts Options, names ...string) *System {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.CacheLineSize == 0 {
		opts.CacheLineSize = 128
	}

	fabric, err := authority.NewFabric(authority.FabricConfig{
		Processors:   names,
		NumSpinlocks: 32,
		NumLines:     opts.Config.Notify.NumLines,
	}, opts.Logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = fabric.Close() })

	region := sab.NewInMemoryProvider(RegionSize)
	require.NoError(t, fabric.AddRegion(authority.RegionConfig{
		ID:            0,
		Name:          "SRAM",
		Provider:      region,
		Owner:         0,
		CacheLineSize: opts.CacheLineSize,
		CreateHeap:    true,
	}))

	sys := &System{Fabric: fabric, Region: region}
	for p := range names {
		auth := fabric.MustAttach(authority.ProcID(p))
		sys.Procs = append(sys.Procs, ipc.New(auth, opts.Logger))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	for _, p := range sys.Procs {
		g.Go(func() error {
			if _, err := p.Setup(ctx, opts.Config); err != nil {
				return err
			}
			return p.AttachAll(ctx)
		})
	}
	require.NoError(t, g.Wait())

	t.Cleanup(func() {
		// Non-owners first so the owner tears down shared state last.
		for k := len(sys.Procs) - 1; k >= 0; k-- {
			_ = sys.Procs[k].Destroy()
		}
	})
	return sys
}
