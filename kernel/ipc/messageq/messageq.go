package messageq

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tiomap/syslink/kernel/authority"
	"github.com/tiomap/syslink/kernel/ipc/nameserver"
	"github.com/tiomap/syslink/kernel/ipc/sharedregion"
	"github.com/tiomap/syslink/kernel/ipcerr"
	"github.com/tiomap/syslink/kernel/sab"
)

// Transport carries messages to queues on one other processor.
type Transport interface {
	Put(ctx context.Context, msg Msg) error
}

// Module owns the queues, heap registry and transports of one processor.
type Module struct {
	self   authority.ProcID
	table  *sharedregion.Table
	ns     *nameserver.Module
	names  *nameserver.Table
	cfg    Config
	logger *slog.Logger

	indices *sab.IndexPool
	seq     atomic.Uint32

	mu         sync.RWMutex
	queues     map[uint16]*Queue
	heaps      map[uint16]sharedregion.Heap
	transports map[authority.ProcID]Transport
}

// New creates the MessageQ module for processor self.
func New(self authority.ProcID, table *sharedregion.Table, ns *nameserver.Module, cfg Config, logger *slog.Logger) (*Module, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxRuntimeEntries == 0 || cfg.MaxRuntimeEntries > 0xFFFF {
		return nil, ipcerr.InvalidArgument("max runtime entries %d out of range", cfg.MaxRuntimeEntries)
	}
	names, err := ns.Create(NameServerTable, nameserver.Params{
		MaxRuntimeEntries: cfg.MaxRuntimeEntries,
		MaxNameLen:        cfg.MaxNameLen,
		MaxValueLen:       4,
	})
	if err != nil {
		return nil, err
	}
	return &Module{
		self:       self,
		table:      table,
		ns:         ns,
		names:      names,
		cfg:        cfg,
		logger:     logger.With("component", "messageq", "proc", self),
		indices:    sab.NewIndexPool(0, cfg.MaxRuntimeEntries),
		queues:     make(map[uint16]*Queue),
		heaps:      make(map[uint16]sharedregion.Heap),
		transports: make(map[authority.ProcID]Transport),
	}, nil
}

// Close releases the name table. Queues still open are deleted.
func (m *Module) Close() error {
	m.mu.RLock()
	open := make([]*Queue, 0, len(m.queues))
	for _, q := range m.queues {
		open = append(open, q)
	}
	m.mu.RUnlock()
	for _, q := range open {
		m.logger.Warn("queue still open at shutdown", "queue", q.id, "name", q.name)
		_ = q.Delete()
	}
	return m.ns.Delete(m.names)
}

// Create makes a queue read by the caller. An empty name creates an
// anonymous queue reachable only through its QueueID.
func (m *Module) Create(name string, params Params) (*Queue, error) {
	var index uint32
	if params.Reserved {
		index = uint32(params.Index)
		if err := m.indices.Reserve(index); err != nil {
			return nil, ipcerr.Wrap(ipcerr.CodeInvalidArgument, "queue index unavailable", err).WithContext("index", index)
		}
	} else {
		var err error
		if index, err = m.indices.Allocate(); err != nil {
			return nil, ipcerr.Wrap(ipcerr.CodeInsufficientResources, "no free queue index", err)
		}
	}

	q := &Queue{mod: m, id: MakeQueueID(m.self, uint16(index)), name: name}
	if name != "" {
		ref, err := m.names.AddUint32(name, uint32(q.id))
		if err != nil {
			_ = m.indices.Free(index)
			return nil, err
		}
		q.entry = ref
		q.named = true
	}

	m.mu.Lock()
	m.queues[uint16(index)] = q
	m.mu.Unlock()

	m.logger.Info("queue created", "name", name, "queue", q.id)
	return q, nil
}

// Open resolves a named queue on any processor. NotFound is an expected
// outcome while the owner has not created it yet.
func (m *Module) Open(ctx context.Context, name string) (QueueID, error) {
	v, err := m.names.GetUint32(ctx, name, nil)
	if err != nil {
		return InvalidQueueID, err
	}
	return QueueID(v), nil
}

func (m *Module) queue(index uint16) *Queue {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.queues[index]
}

func (m *Module) removeQueue(q *Queue) {
	m.mu.Lock()
	if m.queues[q.id.Index()] == q {
		delete(m.queues, q.id.Index())
	}
	m.mu.Unlock()
	if err := m.indices.Free(uint32(q.id.Index())); err != nil {
		m.logger.Warn("free queue index failed", "queue", q.id, "error", err)
	}
}

// RegisterHeap makes heap available to Alloc under id. An id already in use
// is replaced.
func (m *Module) RegisterHeap(heap sharedregion.Heap, id uint16) error {
	if heap == nil {
		return ipcerr.InvalidArgument("nil heap")
	}
	if id >= m.cfg.NumHeaps || id == StaticHeapID {
		return ipcerr.InvalidArgument("heap id %d out of range [0, %d)", id, m.cfg.NumHeaps)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.heaps[id]; exists {
		m.logger.Warn("heap id replaced", "heap_id", id)
	}
	m.heaps[id] = heap
	return nil
}

// UnregisterHeap removes heap id.
func (m *Module) UnregisterHeap(id uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.heaps[id]; !exists {
		return ipcerr.New(ipcerr.CodeNotFound, "heap not registered").WithContext("heap_id", id)
	}
	delete(m.heaps, id)
	return nil
}

func (m *Module) heap(id uint16) sharedregion.Heap {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.heaps[id]
}

// RegisterTransport routes puts for proc through t.
func (m *Module) RegisterTransport(proc authority.ProcID, t Transport) error {
	if proc == m.self {
		return ipcerr.InvalidArgument("no transport to self")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.transports[proc]; exists {
		return ipcerr.InvalidState("transport to processor %d already registered", proc)
	}
	m.transports[proc] = t
	return nil
}

// UnregisterTransport removes the transport to proc.
func (m *Module) UnregisterTransport(proc authority.ProcID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.transports[proc]; !exists {
		return ipcerr.New(ipcerr.CodeNotFound, "transport not registered").WithContext("proc", proc)
	}
	delete(m.transports, proc)
	return nil
}

func (m *Module) transport(proc authority.ProcID) Transport {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.transports[proc]
}

// Alloc takes a message of size bytes, header included, from heap id.
func (m *Module) Alloc(heapID uint16, size uint32) (Msg, error) {
	if size < HeaderSize {
		return Msg{}, ipcerr.InvalidArgument("message size %d smaller than header", size)
	}
	heap := m.heap(heapID)
	if heap == nil {
		return Msg{}, ipcerr.New(ipcerr.CodeInvalidArgument, "heap not registered").WithContext("heap_id", heapID)
	}
	addr, err := heap.Alloc(size, 0)
	if err != nil {
		return Msg{}, err
	}
	msg := Msg{table: m.table, addr: addr}
	if err := m.initHeader(msg, size, heapID); err != nil {
		_ = heap.Free(addr, size)
		return Msg{}, err
	}
	return msg, nil
}

// StaticMsgInit lays a header over caller-owned memory. Free always refuses
// such messages.
func (m *Module) StaticMsgInit(addr sharedregion.Addr, size uint32) (Msg, error) {
	if addr == sharedregion.NullAddr || size < HeaderSize {
		return Msg{}, ipcerr.InvalidArgument("static message needs %d bytes at a non-null address", HeaderSize)
	}
	msg := Msg{table: m.table, addr: addr}
	if err := m.initHeader(msg, size, StaticHeapID); err != nil {
		return Msg{}, err
	}
	return msg, nil
}

func (m *Module) initHeader(msg Msg, size uint32, heapID uint16) error {
	if err := m.table.Zero(msg.addr, HeaderSize); err != nil {
		return err
	}
	return msg.writeHeader(Header{
		MsgSize:   size,
		Version:   headerVersion,
		Priority:  PriorityNormal,
		MsgID:     InvalidMsgID,
		DstID:     invalidID,
		DstProc:   authority.InvalidProcID,
		ReplyID:   invalidID,
		ReplyProc: authority.InvalidProcID,
		SrcProc:   m.self,
		HeapID:    heapID,
	})
}

// Free returns msg to the heap it came from.
func (m *Module) Free(msg Msg) error {
	h, err := msg.Header()
	if err != nil {
		return err
	}
	if h.HeapID == StaticHeapID {
		return ipcerr.ErrCannotFreeStaticMessage
	}
	heap := m.heap(h.HeapID)
	if heap == nil {
		return ipcerr.New(ipcerr.CodeInvalidState, "message heap not registered").WithContext("heap_id", h.HeapID)
	}
	return heap.Free(msg.addr, h.MsgSize)
}

// SetMsgTrace turns per-message trace logging on or off.
func (m *Module) SetMsgTrace(msg Msg, on bool) error {
	return msg.UpdateHeader(func(h *Header) { h.Trace = on })
}

// Put sends msg to dst. Ownership passes to the queue on success; on error
// the caller still owns msg.
func (m *Module) Put(ctx context.Context, dst QueueID, msg Msg) error {
	if dst == InvalidQueueID {
		return ipcerr.InvalidArgument("invalid destination queue")
	}
	var hdr Header
	err := msg.UpdateHeader(func(h *Header) {
		h.DstID = dst.Index()
		h.DstProc = dst.Proc()
		h.SrcProc = m.self
		h.SeqNum = uint16(m.seq.Add(1))
		hdr = *h
	})
	if err != nil {
		return err
	}
	if hdr.Trace {
		m.logger.Debug("put", "queue", dst, "msg_id", hdr.MsgID, "seq", hdr.SeqNum, "size", hdr.MsgSize)
	}

	if dst.Proc() == m.self {
		return m.deliver(msg, hdr)
	}
	t := m.transport(dst.Proc())
	if t == nil {
		return ipcerr.New(ipcerr.CodeInvalidState, "no transport to processor").WithContext("proc", dst.Proc())
	}
	return t.Put(ctx, msg)
}

func (m *Module) deliver(msg Msg, hdr Header) error {
	q := m.queue(hdr.DstID)
	if q == nil {
		return ipcerr.NotFound("queue", hdr.DstQueue().String())
	}
	return q.enqueue(msg, hdr.Priority)
}

// receive hands a message that arrived from another processor to its
// queue. Messages for unknown queues are dropped and freed.
func (m *Module) receive(addr sharedregion.Addr) {
	msg := Msg{table: m.table, addr: addr}
	hdr, err := msg.Header()
	if err != nil {
		m.logger.Error("unreadable incoming message", "addr", addr, "error", err)
		return
	}
	if hdr.Trace {
		m.logger.Debug("received", "queue", hdr.DstQueue(), "from", hdr.SrcProc, "seq", hdr.SeqNum)
	}
	if hdr.DstProc != m.self {
		m.logger.Warn("message for another processor dropped", "queue", hdr.DstQueue())
	} else {
		err := m.deliver(msg, hdr)
		if err == nil {
			return
		}
		m.logger.Warn("message for unknown queue dropped", "queue", hdr.DstQueue(), "error", err)
	}
	if err := m.Free(msg); err != nil {
		m.logger.Error("free dropped message failed", "error", err)
	}
}
