package ipc

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/tiomap/syslink/kernel/authority"
	"github.com/tiomap/syslink/kernel/ipc/gatemp"
	"github.com/tiomap/syslink/kernel/ipc/heapbufmp"
	"github.com/tiomap/syslink/kernel/ipc/heapmemmp"
	"github.com/tiomap/syslink/kernel/ipc/listmp"
	"github.com/tiomap/syslink/kernel/ipc/messageq"
	"github.com/tiomap/syslink/kernel/ipc/nameserver"
	"github.com/tiomap/syslink/kernel/ipc/notify"
	"github.com/tiomap/syslink/kernel/ipc/sharedregion"
	"github.com/tiomap/syslink/kernel/ipcerr"
)

// MessageHeapID is the MessageQ heap id the region 0 heap is registered
// under during Setup.
const MessageHeapID uint16 = 0

// Ipc is one processor's IPC context.
type Ipc struct {
	auth   authority.Authority
	logger *slog.Logger

	mu   sync.Mutex
	refs int
	cfg  Config

	table     *sharedregion.Table
	notify    *notify.Module
	ns        *nameserver.Module
	gates     *gatemp.Module
	lists     *listmp.Module
	heapBufs  *heapbufmp.Module
	heapMems  *heapmemmp.Module
	mq        *messageq.Module
	layout    region0Layout
	gate      *gatemp.Gate
	heaps     map[sharedregion.RegionID]*heapmemmp.Heap
	teardown  []func() error
	attachMu  sync.Mutex
	attached  map[authority.ProcID]*attachment
	attaching map[authority.ProcID]struct{}
}

// New returns an IPC context for the processor auth speaks for. Nothing is
// touched until Setup.
func New(auth authority.Authority, logger *slog.Logger) *Ipc {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ipc{
		auth:      auth,
		logger:    logger.With("component", "ipc", "proc", auth.ProcName(auth.Self())),
		attached:  make(map[authority.ProcID]*attachment),
		attaching: make(map[authority.ProcID]struct{}),
	}
}

// Self returns this processor's id.
func (i *Ipc) Self() authority.ProcID { return i.auth.Self() }

// Authority returns the platform authority.
func (i *Ipc) Authority() authority.Authority { return i.auth }

// Regions returns the shared region table.
func (i *Ipc) Regions() *sharedregion.Table { return i.table }

// Notify returns the notify module.
func (i *Ipc) Notify() *notify.Module { return i.notify }

// NameServer returns the name server module.
func (i *Ipc) NameServer() *nameserver.Module { return i.ns }

// GateMP returns the gate module.
func (i *Ipc) GateMP() *gatemp.Module { return i.gates }

// ListMP returns the list module.
func (i *Ipc) ListMP() *listmp.Module { return i.lists }

// HeapBufMP returns the block heap module.
func (i *Ipc) HeapBufMP() *heapbufmp.Module { return i.heapBufs }

// HeapMemMP returns the variable-size heap module.
func (i *Ipc) HeapMemMP() *heapmemmp.Module { return i.heapMems }

// MessageQ returns the message queue module.
func (i *Ipc) MessageQ() *messageq.Module { return i.mq }

// Setup brings the context up on the first call and counts later calls,
// which must pass an identical config and return StatusAlreadySetup. A
// processor that does not own region 0 waits for the owner to initialise it.
func (i *Ipc) Setup(ctx context.Context, cfg Config) (ipcerr.Status, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.refs > 0 {
		if cfg != i.cfg {
			return ipcerr.StatusSuccess, ipcerr.InvalidState("setup called again with a different config")
		}
		i.refs++
		return ipcerr.StatusAlreadySetup, nil
	}

	i.cfg = cfg
	if err := i.setup(ctx); err != nil {
		i.runTeardown()
		return ipcerr.StatusSuccess, err
	}
	i.refs = 1
	i.logger.Info("ipc setup complete", "regions", i.table.NumRegions(), "processors", i.auth.NumProcessors())
	return ipcerr.StatusSuccess, nil
}

func (i *Ipc) setup(ctx context.Context) error {
	cfg := i.cfg
	self := i.auth.Self()

	table, err := sharedregion.NewTable(cfg.SharedRegion, self, i.logger)
	if err != nil {
		return err
	}
	var region0 *authority.RegionConfig
	for _, rc := range i.auth.Regions() {
		entry := sharedregion.Entry{
			Len:           rc.Provider.Size(),
			OwnerProcID:   rc.Owner,
			CacheLineSize: rc.CacheLineSize,
			CreateHeap:    rc.CreateHeap,
			Name:          rc.Name,
		}
		if err := table.SetEntry(sharedregion.RegionID(rc.ID), entry, rc.Provider); err != nil {
			return err
		}
		if rc.ID == 0 {
			region0 = &rc
		}
	}
	if region0 == nil {
		return ipcerr.InvalidState("platform has no region 0")
	}
	i.table = table

	if i.notify, err = notify.New(i.auth, cfg.Notify, i.logger); err != nil {
		return err
	}
	i.onTeardown(i.notify.Close)

	i.ns = nameserver.New(self, i.auth.NumProcessors(), cfg.NameServer, i.logger)
	if i.gates, err = gatemp.New(i.auth, table, i.ns, cfg.GateMP, i.logger); err != nil {
		return err
	}
	i.onTeardown(i.gates.Close)
	if i.lists, err = listmp.New(table, i.gates, i.ns, i.logger); err != nil {
		return err
	}
	i.onTeardown(i.lists.Close)
	if i.heapBufs, err = heapbufmp.New(table, i.gates, i.lists, i.ns, i.logger); err != nil {
		return err
	}
	i.onTeardown(i.heapBufs.Close)
	if i.heapMems, err = heapmemmp.New(table, i.gates, i.ns, i.logger); err != nil {
		return err
	}
	i.onTeardown(i.heapMems.Close)
	i.layout = newRegion0Layout(table, i.gates.SharedMemReq(gatemp.Params{}), i.auth.NumProcessors())
	if i.layout.heap >= region0.Provider.Size() {
		return ipcerr.New(ipcerr.CodeInsufficientResources, "region 0 too small for the reserved layout").
			WithContext("need", i.layout.heap).WithContext("have", region0.Provider.Size())
	}

	ctx, cancel := i.waitContext(ctx)
	defer cancel()
	if region0.Owner == self {
		err = i.initRegion0(region0.CreateHeap)
	} else {
		err = i.openRegion0(ctx)
	}
	if err != nil {
		return err
	}
	if err := i.setupRegionHeaps(ctx); err != nil {
		return err
	}
	// Queues are closed before the heaps their messages came from.
	if i.mq, err = messageq.New(self, table, i.ns, cfg.MessageQ, i.logger); err != nil {
		return err
	}
	i.onTeardown(i.mq.Close)
	if heap, ok := i.heaps[0]; ok {
		if err := i.mq.RegisterHeap(heap, MessageHeapID); err != nil {
			return err
		}
	}
	return nil
}

// onTeardown records a teardown step, run in reverse order by Destroy or a
// failed Setup.
func (i *Ipc) onTeardown(fn func() error) {
	i.teardown = append(i.teardown, fn)
}

func (i *Ipc) runTeardown() error {
	var errs []error
	for k := len(i.teardown) - 1; k >= 0; k-- {
		if err := i.teardown[k](); err != nil {
			errs = append(errs, err)
		}
	}
	i.teardown = nil
	return errors.Join(errs...)
}

func (i *Ipc) waitContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || i.cfg.AttachTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, i.cfg.AttachTimeout)
}

// poll calls ready every SetupPollInterval until it reports true.
func (i *Ipc) poll(ctx context.Context, what string, ready func() (bool, error)) error {
	interval := i.cfg.SetupPollInterval
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		ok, err := ready()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ipcerr.Wrap(ipcerr.CodeTimeout, "waiting for "+what, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (i *Ipc) initRegion0(createHeap bool) error {
	t := i.table
	base := t.LocalBase(0)
	if err := t.Zero(base, i.layout.heap); err != nil {
		return err
	}

	gate, err := i.gates.Create(gatemp.Params{
		SharedAddr:    base.Add(i.layout.gate),
		RemoteProtect: i.cfg.GateMP.DefaultRemoteProtect,
		LocalProtect:  i.cfg.GateMP.DefaultLocalProtect,
	})
	if err != nil {
		return err
	}
	i.gate = gate
	i.gates.SetDefaultGate(gate)
	i.onTeardown(func() error {
		i.gates.SetDefaultGate(nil)
		_, err := gate.Delete()
		return err
	})

	if createHeap {
		entry, err := t.GetEntry(0)
		if err != nil {
			return err
		}
		heap, err := i.heapMems.Create(heapmemmp.Params{
			SharedAddr:    base.Add(i.layout.heap),
			SharedBufSize: entry.Len - i.layout.heap,
			Gate:          gate,
		})
		if err != nil {
			return err
		}
		i.installHeap(0, heap, heap.Delete)
		if err := t.StorePtr(base.Add(hdrRegionHeap), heap.SharedAddr()); err != nil {
			return err
		}
	} else if err := t.StoreSRPtr(base.Add(hdrRegionHeap), sharedregion.InvalidSRPtr); err != nil {
		return err
	}

	if err := t.StoreSRPtr(base.Add(hdrDefaultGate), gate.SRPtr()); err != nil {
		return err
	}
	if err := t.Store32(base.Add(hdrNumProcs), uint32(i.auth.NumProcessors())); err != nil {
		return err
	}
	i.onTeardown(func() error { return t.Store32(base.Add(hdrMagic), 0) })
	return t.Store32(base.Add(hdrMagic), regionMagic)
}

func (i *Ipc) openRegion0(ctx context.Context) error {
	t := i.table
	base := t.LocalBase(0)
	err := i.poll(ctx, "region 0 owner", func() (bool, error) {
		magic, err := t.Load32(base.Add(hdrMagic))
		return magic == regionMagic, err
	})
	if err != nil {
		return err
	}
	procs, err := t.Load32(base.Add(hdrNumProcs))
	if err != nil {
		return err
	}
	if procs != uint32(i.auth.NumProcessors()) {
		return ipcerr.InvalidState("region 0 set up for %d processors, platform has %d", procs, i.auth.NumProcessors())
	}

	gateAddr, err := t.LoadPtr(base.Add(hdrDefaultGate))
	if err != nil {
		return err
	}
	gate, err := i.gates.OpenByAddr(gateAddr)
	if err != nil {
		return err
	}
	i.gate = gate
	i.gates.SetDefaultGate(gate)
	i.onTeardown(func() error {
		i.gates.SetDefaultGate(nil)
		return gate.Close()
	})

	heapAddr, err := t.LoadPtr(base.Add(hdrRegionHeap))
	if err != nil {
		return err
	}
	if heapAddr != sharedregion.NullAddr {
		heap, err := i.heapMems.OpenByAddr(heapAddr)
		if err != nil {
			return err
		}
		i.installHeap(0, heap, heap.Close)
	}
	return nil
}

// setupRegionHeaps places a heap over every other region that asks for
// one. The owner creates it at the region base; everyone else opens it.
func (i *Ipc) setupRegionHeaps(ctx context.Context) error {
	for _, rc := range i.auth.Regions() {
		if rc.ID == 0 || !rc.CreateHeap {
			continue
		}
		id := sharedregion.RegionID(rc.ID)
		base := i.table.LocalBase(id)
		if rc.Owner == i.auth.Self() {
			heap, err := i.heapMems.Create(heapmemmp.Params{
				RegionID:      id,
				SharedAddr:    base,
				SharedBufSize: rc.Provider.Size(),
				Gate:          i.gate,
			})
			if err != nil {
				return err
			}
			i.installHeap(id, heap, heap.Delete)
			continue
		}
		var heap *heapmemmp.Heap
		err := i.poll(ctx, "region heap", func() (bool, error) {
			h, err := i.heapMems.OpenByAddr(base)
			if errors.Is(err, ipcerr.ErrNotFound) {
				return false, nil
			}
			heap = h
			return err == nil, err
		})
		if err != nil {
			return err
		}
		i.installHeap(id, heap, heap.Close)
	}
	return nil
}

func (i *Ipc) installHeap(id sharedregion.RegionID, heap *heapmemmp.Heap, release func() error) {
	if i.heaps == nil {
		i.heaps = make(map[sharedregion.RegionID]*heapmemmp.Heap)
	}
	i.heaps[id] = heap
	_ = i.table.SetHeap(id, heap)
	i.onTeardown(func() error {
		_ = i.table.SetHeap(id, nil)
		delete(i.heaps, id)
		return release()
	})
}

// RegionHeap returns the heap placed over region id during Setup, or nil.
func (i *Ipc) RegionHeap(id sharedregion.RegionID) *heapmemmp.Heap {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.heaps[id]
}

// Destroy drops one Setup reference. The last one detaches every peer and
// tears the modules down in reverse order.
func (i *Ipc) Destroy() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.refs == 0 {
		return ipcerr.InvalidState("ipc not set up")
	}
	i.refs--
	if i.refs > 0 {
		return nil
	}

	var errs []error
	for _, remote := range i.attachedPeers() {
		if err := i.Detach(remote); err != nil {
			errs = append(errs, err)
		}
	}
	errs = append(errs, i.runTeardown())
	i.logger.Info("ipc destroyed")
	return errors.Join(errs...)
}
