package nameserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"github.com/yasserelgammal/rate-limiter/limiter"
	"github.com/yasserelgammal/rate-limiter/store"
	"golang.org/x/sync/singleflight"
	capnp "zombiezen.com/go/capnproto2"

	"github.com/tiomap/syslink/kernel/authority"
	"github.com/tiomap/syslink/kernel/ipc/notify"
	"github.com/tiomap/syslink/kernel/ipc/sharedregion"
	"github.com/tiomap/syslink/kernel/ipcerr"
)

// Slot layout. One slot carries the queries one processor sends another.
const (
	slotState   = 0
	slotSeq     = 4
	slotLen     = 8
	slotPayload = 16

	// SlotSize is the shared memory one query slot needs.
	SlotSize = 512

	maxQueryBytes = SlotSize - slotPayload
)

// Slot states.
const (
	stateIdle uint32 = iota
	stateRequest
	stateBusy
	stateResponse
)

// Query status codes.
const (
	statusFound uint32 = iota
	statusNotFound
	statusFailed
)

const responseFlag uint32 = 1 << 31

// NotifyRemote answers and issues lookups between this processor and one
// peer. Queries travel as Cap'n Proto records through two shared slots and
// are signalled with a system notify event.
type NotifyRemote struct {
	mod    *Module
	notify *notify.Module
	table  *sharedregion.Table
	peer   authority.ProcID
	cfg    Config
	logger *slog.Logger

	// out carries our queries to peer; in carries peer's queries to us.
	out, in sharedregion.Addr

	reqMu sync.Mutex
	seq   uint32
	resp  chan uint32

	work      chan uint32
	quit      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	breaker  *gobreaker.CircuitBreaker
	flight   singleflight.Group
	limiter  *limiter.TokenBucket
	peerName string
}

// NewNotifyRemote wires lookups with peer through the slots at out and in and
// installs the transport in mod.
func NewNotifyRemote(mod *Module, nm *notify.Module, table *sharedregion.Table, peer authority.ProcID, peerName string, out, in sharedregion.Addr) (*NotifyRemote, error) {
	cfg := mod.cfg
	r := &NotifyRemote{
		mod:      mod,
		notify:   nm,
		table:    table,
		peer:     peer,
		peerName: peerName,
		cfg:      cfg,
		logger:   mod.logger.With("peer", peerName),
		out:      out,
		in:       in,
		resp:     make(chan uint32, 1),
		work:     make(chan uint32, 16),
		quit:     make(chan struct{}),
	}

	tb, err := limiter.NewTokenBucket(
		limiter.Config{
			Rate:     cfg.RequestRate,
			Duration: time.Second,
			Burst:    cfg.RequestBurst,
		},
		store.NewMemoryStore(time.Minute),
	)
	if err != nil {
		return nil, fmt.Errorf("nameserver rate limiter: %w", err)
	}
	r.limiter = tb

	r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "nameserver-" + peerName,
		MaxRequests: 1,
		Timeout:     cfg.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ipcerr.ErrNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("remote lookup breaker changed state", "from", from.String(), "to", to.String())
		},
	})

	if err := nm.RegisterEventSingle(peer, 0, notify.SystemEvent(notify.EventNameServer), r.onEvent, nil); err != nil {
		return nil, err
	}

	r.wg.Add(1)
	go r.serve()

	mod.SetRemote(peer, r)
	return r, nil
}

// InitSlots resets both slots. Only the processor that initialises the pair
// block calls it.
func InitSlots(table *sharedregion.Table, slots ...sharedregion.Addr) error {
	for _, s := range slots {
		if err := table.Zero(s, SlotSize); err != nil {
			return err
		}
	}
	return nil
}

// Close stops serving queries and removes the transport from the module.
func (r *NotifyRemote) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.mod.ClearRemote(r.peer)
		err = r.notify.UnregisterEventSingle(r.peer, 0, notify.SystemEvent(notify.EventNameServer))
		close(r.quit)
		r.wg.Wait()
	})
	return err
}

// Get looks name up in peer's table. Identical concurrent lookups share one
// round trip.
func (r *NotifyRemote) Get(ctx context.Context, table, name string) ([]byte, error) {
	v, err, _ := r.flight.Do(table+"\x00"+name, func() (interface{}, error) {
		return r.breaker.Execute(func() (interface{}, error) {
			return r.query(ctx, table, name)
		})
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, ipcerr.Wrap(ipcerr.CodeRemoteUnavailable, "remote lookups suspended", err).
				WithContext("proc", r.peer)
		}
		return nil, err
	}
	return append([]byte(nil), v.([]byte)...), nil
}

// BreakerState reports the circuit state for this peer.
func (r *NotifyRemote) BreakerState() gobreaker.State {
	return r.breaker.State()
}

func (r *NotifyRemote) query(ctx context.Context, table, name string) ([]byte, error) {
	r.reqMu.Lock()
	defer r.reqMu.Unlock()

	if r.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.RequestTimeout)
		defer cancel()
	}

	if err := r.waitSlotFree(ctx); err != nil {
		return nil, err
	}

	r.seq = (r.seq + 1) &^ responseFlag
	if r.seq == 0 {
		r.seq = 1
	}
	seq := r.seq

	data, err := encodeQuery(seq, statusFound, table, name, nil)
	if err != nil {
		return nil, err
	}
	if err := r.writeSlot(r.out, seq, data); err != nil {
		return nil, err
	}
	if err := r.table.Store32(r.out.Add(slotState), stateRequest); err != nil {
		return nil, err
	}

	select {
	case <-r.resp:
	default:
	}
	if err := r.notify.SendEvent(ctx, r.peer, 0, notify.SystemEvent(notify.EventNameServer), seq, true); err != nil {
		r.abandon()
		return nil, err
	}

	for {
		select {
		case got := <-r.resp:
			if got != seq {
				continue
			}
			q, err := r.readSlot(r.out)
			_ = r.table.Store32(r.out.Add(slotState), stateIdle)
			if err != nil {
				return nil, err
			}
			return decodeResult(q, table, name)
		case <-ctx.Done():
			r.abandon()
			return nil, ipcerr.Wrap(ipcerr.CodeTimeout, "remote lookup timed out", ctx.Err()).
				WithContext("proc", r.peer).WithContext("name", name)
		case <-r.quit:
			r.abandon()
			return nil, ipcerr.InvalidState("nameserver transport closed")
		}
	}
}

// abandon withdraws an unanswered request so the peer skips it.
func (r *NotifyRemote) abandon() {
	_, _ = r.table.CAS32(r.out.Add(slotState), stateRequest, stateIdle)
}

// waitSlotFree waits while the peer is still servicing an abandoned request.
func (r *NotifyRemote) waitSlotFree(ctx context.Context) error {
	for {
		state, err := r.table.Load32(r.out.Add(slotState))
		if err != nil {
			return err
		}
		if state != stateBusy {
			return nil
		}
		select {
		case <-ctx.Done():
			return ipcerr.Wrap(ipcerr.CodeTimeout, "query slot still busy", ctx.Err())
		case <-time.After(time.Millisecond):
		}
	}
}

func (r *NotifyRemote) onEvent(_ authority.ProcID, _ uint16, _ uint32, _ any, payload uint32) {
	if payload&responseFlag != 0 {
		select {
		case r.resp <- payload &^ responseFlag:
		default:
			r.logger.Debug("stale lookup response dropped", "seq", payload&^responseFlag)
		}
		return
	}
	select {
	case r.work <- payload:
	default:
		r.logger.Warn("lookup backlog full, request dropped", "seq", payload)
	}
}

func (r *NotifyRemote) serve() {
	defer r.wg.Done()
	for {
		select {
		case seq := <-r.work:
			if err := r.answer(seq); err != nil {
				r.logger.Error("failed to answer lookup", "seq", seq, "error", err)
			}
		case <-r.quit:
			return
		}
	}
}

func (r *NotifyRemote) answer(seq uint32) error {
	if !r.limiter.Allow(r.peerName) {
		r.logger.Warn("lookup rate exceeded, request dropped", "seq", seq)
		return nil
	}

	claimed, err := r.table.CAS32(r.in.Add(slotState), stateRequest, stateBusy)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	q, err := r.readSlot(r.in)
	if err != nil {
		r.release()
		return err
	}
	// The event may belong to an abandoned request; the slot holds the live one.
	if got := q.Seq(); got != seq {
		r.logger.Debug("answering newer lookup than signalled", "signalled", seq, "seq", got)
		seq = got
	}

	tableName, _ := q.TableName()
	name, _ := q.Name()
	status := statusFound
	value, lookupErr := r.mod.lookupLocal(tableName, name)
	switch {
	case lookupErr == nil:
	case errors.Is(lookupErr, ipcerr.ErrNotFound):
		status = statusNotFound
	default:
		status = statusFailed
	}

	data, err := encodeQuery(seq, status, tableName, name, value)
	if err != nil {
		r.release()
		return err
	}
	if err := r.writeSlot(r.in, seq, data); err != nil {
		r.release()
		return err
	}
	if err := r.table.Store32(r.in.Add(slotState), stateResponse); err != nil {
		r.release()
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.RequestTimeout)
	defer cancel()
	return r.notify.SendEvent(ctx, r.peer, 0, notify.SystemEvent(notify.EventNameServer), seq|responseFlag, true)
}

// release hands a claimed slot back so the requester is not left waiting
// on it.
func (r *NotifyRemote) release() {
	if err := r.table.Store32(r.in.Add(slotState), stateIdle); err != nil {
		r.logger.Error("failed to release lookup slot", "error", err)
	}
}

func (r *NotifyRemote) writeSlot(slot sharedregion.Addr, seq uint32, data []byte) error {
	if len(data) > maxQueryBytes {
		return ipcerr.InvalidArgument("query of %d bytes exceeds slot", len(data))
	}
	if err := r.table.Write(slot.Add(slotPayload), data); err != nil {
		return err
	}
	if err := r.table.Store32(slot.Add(slotLen), uint32(len(data))); err != nil {
		return err
	}
	return r.table.Store32(slot.Add(slotSeq), seq)
}

func (r *NotifyRemote) readSlot(slot sharedregion.Addr) (Query, error) {
	n, err := r.table.Load32(slot.Add(slotLen))
	if err != nil {
		return Query{}, err
	}
	if n == 0 || n > maxQueryBytes {
		return Query{}, ipcerr.InvalidState("corrupt query length %d", n)
	}
	buf := make([]byte, n)
	if err := r.table.Read(slot.Add(slotPayload), buf); err != nil {
		return Query{}, err
	}
	msg, err := capnp.Unmarshal(buf)
	if err != nil {
		return Query{}, fmt.Errorf("decode query: %w", err)
	}
	return ReadRootQuery(msg)
}

func encodeQuery(seq, status uint32, table, name string, value []byte) ([]byte, error) {
	msg, seg, err := capnp.NewMessage(capnp.SingleSegment(nil))
	if err != nil {
		return nil, err
	}
	q, err := NewRootQuery(seg)
	if err != nil {
		return nil, err
	}
	q.SetSeq(seq)
	q.SetStatus(status)
	if err := q.SetTableName(table); err != nil {
		return nil, err
	}
	if err := q.SetName(name); err != nil {
		return nil, err
	}
	if value != nil {
		if err := q.SetValue(value); err != nil {
			return nil, err
		}
	}
	return msg.Marshal()
}

func decodeResult(q Query, table, name string) ([]byte, error) {
	switch q.Status() {
	case statusFound:
		v, err := q.Value()
		if err != nil {
			return nil, fmt.Errorf("decode value: %w", err)
		}
		return append([]byte(nil), v...), nil
	case statusNotFound:
		return nil, ipcerr.NotFound("entry", name).WithContext("table", table)
	default:
		return nil, ipcerr.New(ipcerr.CodeInvalidState, "remote lookup failed").
			WithContext("table", table).WithContext("name", name)
	}
}
