package notify

import (
	"context"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/tiomap/syslink/kernel/authority"
	"github.com/tiomap/syslink/kernel/ipcerr"
)

// Callback receives an event. It runs on the interrupt line's dispatcher and
// must not block. It must not register, unregister, restore or enable its
// own key.
type Callback func(proc authority.ProcID, line uint16, event uint32, arg any, payload uint32)

// Key is returned by Disable and passed back to Restore.
type Key uint32

type eventKey struct {
	proc  authority.ProcID
	line  uint16
	event uint32
}

type lineKey struct {
	proc authority.ProcID
	line uint16
}

type registration struct {
	cb  Callback
	arg any
}

type delivery struct {
	event   uint32
	payload uint32
}

// Stats counts notify traffic.
type Stats struct {
	Sent      uint64
	Received  uint64
	Deferred  uint64
	Discarded uint64
}

// Module is one processor's notify instance.
type Module struct {
	auth   authority.Authority
	cfg    Config
	logger *slog.Logger

	mu            sync.Mutex
	regs          map[eventKey][]registration
	single        map[eventKey]bool
	lineDepth     map[lineKey]uint32
	eventDisabled map[eventKey]bool

	// deliverMu serialises callback dispatch with the replay of deferred
	// events so per-line order is preserved.
	deliverMu sync.Mutex
	deferred  map[lineKey][]delivery

	sent, received, deferredCount, discarded atomic.Uint64
}

// New sets up notify and starts listening on every configured line.
func New(auth authority.Authority, cfg Config, logger *slog.Logger) (*Module, error) {
	if cfg.NumEvents == 0 || cfg.NumEvents > 32 {
		return nil, ipcerr.InvalidArgument("num events %d out of range", cfg.NumEvents)
	}
	if cfg.NumLines == 0 {
		return nil, ipcerr.InvalidArgument("at least one interrupt line required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	m := &Module{
		auth:          auth,
		cfg:           cfg,
		logger:        logger.With("component", "notify", "proc", auth.Self()),
		regs:          make(map[eventKey][]registration),
		single:        make(map[eventKey]bool),
		lineDepth:     make(map[lineKey]uint32),
		eventDisabled: make(map[eventKey]bool),
		deferred:      make(map[lineKey][]delivery),
	}

	for line := uint16(0); line < cfg.NumLines; line++ {
		line := line
		if err := auth.ListenInterrupts(line, func(src authority.ProcID, event, payload uint32) {
			m.isr(src, line, event, payload)
		}); err != nil {
			m.stopLines(line)
			return nil, err
		}
	}
	m.logger.Info("notify ready", "lines", cfg.NumLines, "events", cfg.NumEvents)
	return m, nil
}

// Close stops interrupt dispatch and withdraws every registration.
func (m *Module) Close() error {
	m.stopLines(m.cfg.NumLines)

	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.regs {
		m.auth.SetEventRegistered(k.proc, k.line, k.event, false)
	}
	m.regs = make(map[eventKey][]registration)
	m.single = make(map[eventKey]bool)
	return nil
}

func (m *Module) stopLines(n uint16) {
	for line := uint16(0); line < n; line++ {
		if err := m.auth.StopInterrupts(line); err != nil {
			m.logger.Warn("stop interrupts failed", "line", line, "error", err)
		}
	}
}

func (m *Module) isReserved(id uint32) bool {
	return id < 32 && m.cfg.ReservedEvents&(1<<id) != 0
}

func (m *Module) checkLine(proc authority.ProcID, line uint16) error {
	if uint16(proc) >= m.auth.NumProcessors() {
		return ipcerr.InvalidArgument("processor %d out of range", proc)
	}
	if line >= m.cfg.NumLines {
		return ipcerr.InvalidArgument("line %d out of range", line)
	}
	return nil
}

// checkKey validates the address of an event and strips the system key.
func (m *Module) checkKey(proc authority.ProcID, line uint16, event uint32) (eventKey, error) {
	id, system := splitEvent(event)
	if err := m.checkLine(proc, line); err != nil {
		return eventKey{}, err
	}
	if id >= m.cfg.NumEvents {
		return eventKey{}, ipcerr.InvalidArgument("event %d out of range", id)
	}
	if m.isReserved(id) && !system {
		return eventKey{}, ipcerr.New(ipcerr.CodeEventReserved, "event reserved").WithContext("event", id)
	}
	return eventKey{proc: proc, line: line, event: id}, nil
}

// RegisterEvent adds cb for events from proc on line. Several callbacks may
// share a key.
func (m *Module) RegisterEvent(proc authority.ProcID, line uint16, event uint32, cb Callback, arg any) error {
	return m.register(proc, line, event, cb, arg, false)
}

// RegisterEventSingle registers cb as the only callback for the key.
func (m *Module) RegisterEventSingle(proc authority.ProcID, line uint16, event uint32, cb Callback, arg any) error {
	return m.register(proc, line, event, cb, arg, true)
}

func (m *Module) register(proc authority.ProcID, line uint16, event uint32, cb Callback, arg any, single bool) error {
	if cb == nil {
		return ipcerr.InvalidArgument("nil callback")
	}
	key, err := m.checkKey(proc, line, event)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.single[key] || (single && len(m.regs[key]) > 0) {
		return ipcerr.InvalidState("event %d already registered", key.event).WithContext("proc", proc)
	}
	m.regs[key] = append(m.regs[key], registration{cb: cb, arg: arg})
	if single {
		m.single[key] = true
	}
	if len(m.regs[key]) == 1 {
		m.auth.SetEventRegistered(proc, line, key.event, true)
	}
	return nil
}

// UnregisterEvent removes the registration matching cb and arg.
func (m *Module) UnregisterEvent(proc authority.ProcID, line uint16, event uint32, cb Callback, arg any) error {
	key, err := m.checkKey(proc, line, event)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	regs := m.regs[key]
	for i, r := range regs {
		if sameCallback(r.cb, cb) && sameArg(r.arg, arg) {
			m.regs[key] = append(regs[:i:i], regs[i+1:]...)
			m.dropIfEmpty(key)
			return nil
		}
	}
	return ipcerr.New(ipcerr.CodeNotFound, "registration not found").WithContext("event", key.event)
}

// UnregisterEventSingle removes the single registration for the key.
func (m *Module) UnregisterEventSingle(proc authority.ProcID, line uint16, event uint32) error {
	key, err := m.checkKey(proc, line, event)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.single[key] {
		return ipcerr.New(ipcerr.CodeNotFound, "single registration not found").WithContext("event", key.event)
	}
	m.regs[key] = nil
	m.dropIfEmpty(key)
	return nil
}

func (m *Module) dropIfEmpty(key eventKey) {
	if len(m.regs[key]) > 0 {
		return
	}
	delete(m.regs, key)
	delete(m.single, key)
	m.auth.SetEventRegistered(key.proc, key.line, key.event, false)
}

// SendEvent signals event to proc. Pass waitClear whenever payload matters:
// without it a pending event from this processor is overwritten.
func (m *Module) SendEvent(ctx context.Context, proc authority.ProcID, line uint16, event uint32, payload uint32, waitClear bool) error {
	key, err := m.checkKey(proc, line, event)
	if err != nil {
		return err
	}

	if proc == m.auth.Self() {
		m.mu.Lock()
		registered := len(m.regs[key]) > 0
		m.mu.Unlock()
		if !registered {
			return ipcerr.New(ipcerr.CodeEventNotRegistered, "event not registered").WithContext("event", key.event)
		}
	} else if !m.auth.EventRegistered(proc, line, key.event) {
		return ipcerr.New(ipcerr.CodeEventNotRegistered, "event not registered on remote").
			WithContext("event", key.event).WithContext("proc", proc)
	}

	if m.cfg.SendTimeout > 0 {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, m.cfg.SendTimeout)
			defer cancel()
		}
	}
	if err := m.auth.SendInterrupt(ctx, proc, line, key.event, payload, waitClear); err != nil {
		return err
	}
	m.sent.Add(1)
	return nil
}

// Disable masks every callback on line from proc. Calls nest; each returns a
// key that must be passed to Restore in reverse order.
func (m *Module) Disable(proc authority.ProcID, line uint16) (Key, error) {
	if err := m.checkLine(proc, line); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	lk := lineKey{proc: proc, line: line}
	m.lineDepth[lk]++
	return Key(m.lineDepth[lk]), nil
}

// Restore undoes the Disable that returned key and replays events that
// arrived while masked.
func (m *Module) Restore(proc authority.ProcID, line uint16, key Key) error {
	if err := m.checkLine(proc, line); err != nil {
		return err
	}
	m.mu.Lock()
	lk := lineKey{proc: proc, line: line}
	depth := m.lineDepth[lk]
	if depth == 0 || Key(depth) != key {
		m.mu.Unlock()
		return ipcerr.InvalidArgument("restore key %d does not match disable depth %d", key, depth)
	}
	if depth == 1 {
		delete(m.lineDepth, lk)
	} else {
		m.lineDepth[lk] = depth - 1
	}
	m.mu.Unlock()

	m.replay(lk)
	return nil
}

// DisableEvent masks one event independent of the line mask.
func (m *Module) DisableEvent(proc authority.ProcID, line uint16, event uint32) error {
	key, err := m.checkKey(proc, line, event)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.eventDisabled[key] = true
	m.mu.Unlock()
	return nil
}

// EnableEvent unmasks one event and replays deferred deliveries.
func (m *Module) EnableEvent(proc authority.ProcID, line uint16, event uint32) error {
	key, err := m.checkKey(proc, line, event)
	if err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.eventDisabled, key)
	m.mu.Unlock()

	m.replay(lineKey{proc: proc, line: line})
	return nil
}

// IntLineRegistered reports whether line from proc is serviced.
func (m *Module) IntLineRegistered(proc authority.ProcID, line uint16) bool {
	return uint16(proc) < m.auth.NumProcessors() && line < m.cfg.NumLines
}

// EventAvailable reports whether event may be registered by an ordinary
// caller.
func (m *Module) EventAvailable(proc authority.ProcID, line uint16, event uint32) bool {
	key, err := m.checkKey(proc, line, event)
	if err != nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.single[key]
}

// Stats returns traffic counters.
func (m *Module) Stats() Stats {
	return Stats{
		Sent:      m.sent.Load(),
		Received:  m.received.Load(),
		Deferred:  m.deferredCount.Load(),
		Discarded: m.discarded.Load(),
	}
}

func (m *Module) isr(src authority.ProcID, line uint16, event, payload uint32) {
	m.received.Add(1)
	lk := lineKey{proc: src, line: line}

	m.deliverMu.Lock()
	defer m.deliverMu.Unlock()

	m.deferred[lk] = append(m.deferred[lk], delivery{event: event, payload: payload})
	m.drainLocked(lk)
}

func (m *Module) replay(lk lineKey) {
	m.deliverMu.Lock()
	defer m.deliverMu.Unlock()
	m.drainLocked(lk)
}

// drainLocked delivers queued events for lk in order, keeping masked ones.
// Caller holds deliverMu.
func (m *Module) drainLocked(lk lineKey) {
	queue := m.deferred[lk]
	if len(queue) == 0 {
		return
	}

	kept := queue[:0]
	for i, d := range queue {
		key := eventKey{proc: lk.proc, line: lk.line, event: d.event}

		m.mu.Lock()
		if m.lineDepth[lk] > 0 {
			m.mu.Unlock()
			kept = append(kept, queue[i:]...)
			m.deferredCount.Add(uint64(len(queue) - i))
			break
		}
		if m.eventDisabled[key] {
			m.mu.Unlock()
			kept = append(kept, d)
			m.deferredCount.Add(1)
			continue
		}
		regs := append([]registration(nil), m.regs[key]...)
		m.mu.Unlock()

		if len(regs) == 0 {
			m.discarded.Add(1)
			m.logger.Debug("event without callback discarded", "src", lk.proc, "event", d.event)
			continue
		}
		for _, r := range regs {
			m.invoke(r, lk, d)
		}
	}
	if len(kept) == 0 {
		delete(m.deferred, lk)
		return
	}
	m.deferred[lk] = kept
}

func (m *Module) invoke(r registration, lk lineKey, d delivery) {
	defer func() {
		if rec := recover(); rec != nil {
			m.logger.Error("notify callback panicked", "src", lk.proc, "event", d.event, "panic", rec)
		}
	}()
	r.cb(lk.proc, lk.line, d.event, r.arg, d.payload)
}

func sameCallback(a, b Callback) bool {
	return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
}

func sameArg(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	return a == b
}
