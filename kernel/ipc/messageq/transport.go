package messageq

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/sony/gobreaker"

	"github.com/tiomap/syslink/kernel/authority"
	"github.com/tiomap/syslink/kernel/ipc/listmp"
	"github.com/tiomap/syslink/kernel/ipc/notify"
	"github.com/tiomap/syslink/kernel/ipc/sharedregion"
	"github.com/tiomap/syslink/kernel/ipcerr"
)

// ShmTransport moves messages to one peer through a pair of shared lists.
// A put links the message onto the peer's inbound list and raises the
// transport event; the peer drains its list from the event callback.
type ShmTransport struct {
	mod    *Module
	notify *notify.Module
	peer   authority.ProcID
	logger *slog.Logger

	in, out *listmp.List

	breaker   *gobreaker.CircuitBreaker
	closeOnce sync.Once
}

var _ Transport = (*ShmTransport)(nil)

// NewShmTransport starts receiving from peer on in, registers the transport
// with mod and returns it. out is the peer's inbound list.
func NewShmTransport(mod *Module, nm *notify.Module, peer authority.ProcID, peerName string, in, out *listmp.List) (*ShmTransport, error) {
	t := &ShmTransport{
		mod:    mod,
		notify: nm,
		peer:   peer,
		logger: mod.logger.With("peer", peerName),
		in:     in,
		out:    out,
	}
	cfg := mod.cfg
	t.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "messageq-" + peerName,
		MaxRequests: 1,
		Timeout:     cfg.TransportOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.TransportFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			t.logger.Warn("transport breaker changed state", "from", from.String(), "to", to.String())
		},
	})

	event := notify.SystemEvent(notify.EventTransport)
	if err := nm.RegisterEventSingle(peer, 0, event, t.onEvent, nil); err != nil {
		return nil, err
	}
	if err := mod.RegisterTransport(peer, t); err != nil {
		_ = nm.UnregisterEventSingle(peer, 0, event)
		return nil, err
	}
	// Messages may have been linked before the callback was in place.
	t.drain()
	return t, nil
}

// Put links msg onto the peer's inbound list and signals the peer.
func (t *ShmTransport) Put(ctx context.Context, msg Msg) error {
	_, err := t.breaker.Execute(func() (interface{}, error) {
		if err := t.out.PutTail(msg.Addr()); err != nil {
			return nil, err
		}
		err := t.notify.SendEvent(ctx, t.peer, 0, notify.SystemEvent(notify.EventTransport), 0, true)
		if err == nil {
			return nil, nil
		}
		// Take the message back unless an earlier signal already let the
		// peer drain it.
		if rmErr := t.out.Remove(msg.Addr()); rmErr != nil {
			if errors.Is(rmErr, ipcerr.ErrInvalidState) {
				return nil, nil
			}
			t.logger.Error("withdraw undelivered message failed", "error", rmErr)
		}
		return nil, err
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ipcerr.Wrap(ipcerr.CodeRemoteUnavailable, "transport suspended", err).WithContext("proc", t.peer)
	}
	return err
}

// BreakerState reports the circuit state for this peer.
func (t *ShmTransport) BreakerState() gobreaker.State {
	return t.breaker.State()
}

func (t *ShmTransport) onEvent(_ authority.ProcID, _ uint16, _ uint32, _ any, _ uint32) {
	t.drain()
}

func (t *ShmTransport) drain() {
	for {
		addr, err := t.in.GetHead()
		if err != nil {
			t.logger.Error("read inbound list failed", "error", err)
			return
		}
		if addr == sharedregion.NullAddr {
			return
		}
		t.mod.receive(addr)
	}
}

// Close stops receiving and removes the transport from the module.
func (t *ShmTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		err = errors.Join(
			t.mod.UnregisterTransport(t.peer),
			t.notify.UnregisterEventSingle(t.peer, 0, notify.SystemEvent(notify.EventTransport)),
		)
	})
	return err
}
