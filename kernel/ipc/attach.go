package ipc

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"github.com/tiomap/syslink/kernel/authority"
	"github.com/tiomap/syslink/kernel/ipc/listmp"
	"github.com/tiomap/syslink/kernel/ipc/messageq"
	"github.com/tiomap/syslink/kernel/ipc/nameserver"
	"github.com/tiomap/syslink/kernel/ipc/sharedregion"
	"github.com/tiomap/syslink/kernel/ipcerr"
)

// attachment is this processor's half of the wiring with one peer.
type attachment struct {
	remote    authority.ProcID
	low       bool
	block     pairBlock
	in, out   *listmp.List
	names     *nameserver.NotifyRemote
	transport *messageq.ShmTransport
}

func (a *attachment) readyWord() uint32 {
	if a.low {
		return blkLowReady
	}
	return blkHighReady
}

// Attach wires name server lookups and message transport with remote. The
// lower-numbered processor of the pair initialises the shared block and the
// higher one waits for it. Both must call Attach.
func (i *Ipc) Attach(ctx context.Context, remote authority.ProcID) (ipcerr.Status, error) {
	i.mu.Lock()
	ready := i.refs > 0
	i.mu.Unlock()
	if !ready {
		return ipcerr.StatusSuccess, ipcerr.InvalidState("ipc not set up")
	}

	self := i.auth.Self()
	if remote == self || i.auth.NumProcessors() < 2 {
		return ipcerr.StatusSuccess, nil
	}
	if uint16(remote) >= i.auth.NumProcessors() {
		return ipcerr.StatusSuccess, ipcerr.InvalidArgument("processor %d out of range", remote)
	}

	i.attachMu.Lock()
	if _, ok := i.attached[remote]; ok {
		i.attachMu.Unlock()
		return ipcerr.StatusAlreadySetup, nil
	}
	if _, ok := i.attaching[remote]; ok {
		i.attachMu.Unlock()
		return ipcerr.StatusSuccess, ipcerr.InvalidState("attach to %s already in progress", i.auth.ProcName(remote))
	}
	i.attaching[remote] = struct{}{}
	i.attachMu.Unlock()

	a, err := i.attach(ctx, remote)

	i.attachMu.Lock()
	delete(i.attaching, remote)
	if err == nil {
		i.attached[remote] = a
	}
	i.attachMu.Unlock()

	if err != nil {
		return ipcerr.StatusSuccess, err
	}
	i.logger.Info("attached", "remote", i.auth.ProcName(remote))
	return ipcerr.StatusSuccess, nil
}

func (i *Ipc) attach(ctx context.Context, remote authority.ProcID) (*attachment, error) {
	self := i.auth.Self()
	t := i.table
	a := &attachment{
		remote: remote,
		low:    self < remote,
		block:  i.layout.block(t.LocalBase(0), self, remote),
	}
	ctx, cancel := i.waitContext(ctx)
	defer cancel()

	outSlot, inSlot := a.block.lowToHigh, a.block.highToLow
	if !a.low {
		outSlot, inSlot = inSlot, outSlot
	}
	inAddr, outAddr := a.block.lowInbound, a.block.hiInbound
	if !a.low {
		inAddr, outAddr = outAddr, inAddr
	}

	if a.low {
		if err := t.Store32(a.block.base.Add(blkHighReady), 0); err != nil {
			return nil, err
		}
		if err := nameserver.InitSlots(t, a.block.lowToHigh, a.block.highToLow); err != nil {
			return nil, err
		}
		var err error
		if a.in, err = i.lists.Create(listmp.Params{SharedAddr: inAddr}); err != nil {
			return nil, err
		}
		if a.out, err = i.lists.Create(listmp.Params{SharedAddr: outAddr}); err != nil {
			_ = a.in.Delete()
			return nil, err
		}
	} else {
		err := i.poll(ctx, "attach from "+i.auth.ProcName(remote), func() (bool, error) {
			v, err := t.Load32(a.block.base.Add(blkLowReady))
			return v == readyMagic, err
		})
		if err != nil {
			return nil, err
		}
		if a.in, err = i.lists.OpenByAddr(inAddr); err != nil {
			return nil, err
		}
		if a.out, err = i.lists.OpenByAddr(outAddr); err != nil {
			_ = a.in.Close()
			return nil, err
		}
	}

	if err := i.wire(a, outSlot, inSlot); err != nil {
		_ = i.release(a)
		return nil, err
	}
	if err := t.Store32(a.block.base.Add(a.readyWord()), readyMagic); err != nil {
		_ = i.release(a)
		return nil, err
	}
	if !a.low {
		return a, nil
	}

	err := i.poll(ctx, "attach from "+i.auth.ProcName(remote), func() (bool, error) {
		v, err := t.Load32(a.block.base.Add(blkHighReady))
		return v == readyMagic, err
	})
	if err != nil {
		_ = i.release(a)
		return nil, err
	}
	return a, nil
}

func (i *Ipc) wire(a *attachment, outSlot, inSlot sharedregion.Addr) error {
	name := i.auth.ProcName(a.remote)
	names, err := nameserver.NewNotifyRemote(i.ns, i.notify, i.table, a.remote, name, outSlot, inSlot)
	if err != nil {
		return err
	}
	a.names = names
	transport, err := messageq.NewShmTransport(i.mq, i.notify, a.remote, name, a.in, a.out)
	if err != nil {
		return err
	}
	a.transport = transport
	return nil
}

// release undoes whatever part of the wiring exists and clears this side's
// ready word.
func (i *Ipc) release(a *attachment) error {
	var errs []error
	if a.transport != nil {
		errs = append(errs, a.transport.Close())
	}
	if a.names != nil {
		errs = append(errs, a.names.Close())
	}
	for _, l := range []*listmp.List{a.in, a.out} {
		if l == nil {
			continue
		}
		if a.low {
			errs = append(errs, l.Delete())
		} else {
			errs = append(errs, l.Close())
		}
	}
	errs = append(errs, i.table.Store32(a.block.base.Add(a.readyWord()), 0))
	return errors.Join(errs...)
}

// Detach undoes Attach with remote. Messages still in flight to this
// processor are not drained.
func (i *Ipc) Detach(remote authority.ProcID) error {
	i.attachMu.Lock()
	a, ok := i.attached[remote]
	delete(i.attached, remote)
	i.attachMu.Unlock()
	if !ok {
		return ipcerr.InvalidState("not attached to processor %d", remote)
	}
	err := i.release(a)
	i.logger.Info("detached", "remote", i.auth.ProcName(remote))
	return err
}

// IsAttached reports whether Attach with remote has completed.
func (i *Ipc) IsAttached(remote authority.ProcID) bool {
	if remote == i.auth.Self() {
		return true
	}
	i.attachMu.Lock()
	defer i.attachMu.Unlock()
	_, ok := i.attached[remote]
	return ok
}

// AttachAll attaches to every other processor concurrently.
func (i *Ipc) AttachAll(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for p := uint16(0); p < i.auth.NumProcessors(); p++ {
		remote := authority.ProcID(p)
		if remote == i.auth.Self() || i.IsAttached(remote) {
			continue
		}
		g.Go(func() error {
			_, err := i.Attach(ctx, remote)
			return err
		})
	}
	return g.Wait()
}

func (i *Ipc) attachedPeers() []authority.ProcID {
	i.attachMu.Lock()
	defer i.attachMu.Unlock()
	peers := make([]authority.ProcID, 0, len(i.attached))
	for p := range i.attached {
		peers = append(peers, p)
	}
	return peers
}
