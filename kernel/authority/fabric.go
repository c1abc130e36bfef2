package authority

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tiomap/syslink/kernel/ipcerr"
	"github.com/tiomap/syslink/kernel/sab"
)

// FabricConfig configures an in-process Fabric.
type FabricConfig struct {
	Processors   []string `json:"processors"`
	NumSpinlocks uint32   `json:"num_spinlocks"`
	NumLines     uint16   `json:"num_lines"`
}

// DefaultFabricConfig returns a four-core OMAP4-like topology.
func DefaultFabricConfig() FabricConfig {
	return FabricConfig{
		Processors:   []string{"HOST", "SYSM3", "APPM3", "DSP"},
		NumSpinlocks: 32,
		NumLines:     1,
	}
}

// Fabric simulates the interconnect shared by every processor: one bank of
// hardware spinlocks, the shared region providers, and one mailbox per
// (destination, line). Each processor obtains its Authority through Attach.
type Fabric struct {
	cfg    FabricConfig
	logger *slog.Logger

	spinlocks []uint32
	lockPool  *sab.IndexPool

	mu         sync.Mutex
	regions    []RegionConfig
	mailboxes  map[mailboxKey]*mailbox
	registered map[registrationKey]bool
	closed     bool
}

type mailboxKey struct {
	dst  ProcID
	line uint16
}

type registrationKey struct {
	owner ProcID
	peer  ProcID
	line  uint16
	event uint32
}

// NewFabric creates a fabric with the given topology.
func NewFabric(cfg FabricConfig, logger *slog.Logger) (*Fabric, error) {
	if len(cfg.Processors) == 0 {
		return nil, ipcerr.InvalidArgument("fabric needs at least one processor")
	}
	if len(cfg.Processors) >= int(InvalidProcID) {
		return nil, ipcerr.InvalidArgument("too many processors: %d", len(cfg.Processors))
	}
	seen := make(map[string]bool, len(cfg.Processors))
	for _, name := range cfg.Processors {
		if name == "" || seen[name] {
			return nil, ipcerr.InvalidArgument("processor name %q empty or repeated", name)
		}
		seen[name] = true
	}
	if cfg.NumLines == 0 {
		cfg.NumLines = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Fabric{
		cfg:        cfg,
		logger:     logger.With("component", "fabric"),
		spinlocks:  make([]uint32, cfg.NumSpinlocks),
		lockPool:   sab.NewIndexPool(0, cfg.NumSpinlocks),
		mailboxes:  make(map[mailboxKey]*mailbox),
		registered: make(map[registrationKey]bool),
	}, nil
}

// AddRegion registers a platform shared region. Regions must be added
// before any processor runs setup.
func (f *Fabric) AddRegion(rc RegionConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if rc.Provider == nil {
		return ipcerr.InvalidArgument("region %d has no memory provider", rc.ID)
	}
	if int(rc.Owner) >= len(f.cfg.Processors) {
		return ipcerr.InvalidArgument("region %d owner %d is not a processor", rc.ID, rc.Owner)
	}
	for _, existing := range f.regions {
		if existing.ID == rc.ID {
			return ipcerr.InvalidArgument("region %d already added", rc.ID)
		}
	}
	if rc.CacheLineSize == 0 {
		rc.CacheLineSize = 128
	}
	if !sab.IsPowerOfTwo(rc.CacheLineSize) {
		return ipcerr.InvalidArgument("region %d cache line %d is not a power of two", rc.ID, rc.CacheLineSize)
	}
	f.regions = append(f.regions, rc)
	return nil
}

// Attach returns the Authority seen by processor id.
func (f *Fabric) Attach(id ProcID) (Authority, error) {
	if int(id) >= len(f.cfg.Processors) {
		return nil, ipcerr.InvalidArgument("unknown processor %d", id)
	}
	return &endpoint{fabric: f, self: id}, nil
}

// MustAttach is Attach for static topologies in tests and harnesses.
func (f *Fabric) MustAttach(id ProcID) Authority {
	a, err := f.Attach(id)
	if err != nil {
		panic(err)
	}
	return a
}

// Close stops every dispatcher.
func (f *Fabric) Close() error {
	f.mu.Lock()
	f.closed = true
	boxes := make([]*mailbox, 0, len(f.mailboxes))
	for _, mb := range f.mailboxes {
		boxes = append(boxes, mb)
	}
	f.mu.Unlock()

	for _, mb := range boxes {
		mb.stop()
	}
	return nil
}

func (f *Fabric) mailboxFor(dst ProcID, line uint16) (*mailbox, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, ipcerr.InvalidState("fabric closed")
	}
	key := mailboxKey{dst: dst, line: line}
	mb, ok := f.mailboxes[key]
	if !ok {
		mb = newMailbox(f.logger.With("dst", dst, "line", line))
		f.mailboxes[key] = mb
	}
	return mb, nil
}

// endpoint is one processor's view of the fabric.
type endpoint struct {
	fabric *Fabric
	self   ProcID
}

func (e *endpoint) Self() ProcID {
	return e.self
}

func (e *endpoint) NumProcessors() uint16 {
	return uint16(len(e.fabric.cfg.Processors))
}

func (e *endpoint) ProcName(id ProcID) string {
	if int(id) >= len(e.fabric.cfg.Processors) {
		return ""
	}
	return e.fabric.cfg.Processors[id]
}

func (e *endpoint) ProcID(name string) (ProcID, error) {
	for i, n := range e.fabric.cfg.Processors {
		if n == name {
			return ProcID(i), nil
		}
	}
	return InvalidProcID, ipcerr.NotFound("processor", name)
}

func (e *endpoint) Regions() []RegionConfig {
	e.fabric.mu.Lock()
	defer e.fabric.mu.Unlock()

	out := make([]RegionConfig, len(e.fabric.regions))
	copy(out, e.fabric.regions)
	return out
}

func (e *endpoint) NumSpinlocks() uint32 {
	return uint32(len(e.fabric.spinlocks))
}

func (e *endpoint) ReserveSpinlock() (uint32, error) {
	id, err := e.fabric.lockPool.Allocate()
	if err != nil {
		return 0, ipcerr.Wrap(ipcerr.CodeInsufficientResources, "no free hardware spinlock", err)
	}
	atomic.StoreUint32(&e.fabric.spinlocks[id], 0)
	return id, nil
}

func (e *endpoint) FreeSpinlock(id uint32) error {
	if err := e.fabric.lockPool.Free(id); err != nil {
		return ipcerr.Wrap(ipcerr.CodeInvalidArgument, "free spinlock", err)
	}
	return nil
}

func (e *endpoint) TryAcquireSpinlock(id uint32) bool {
	if id >= uint32(len(e.fabric.spinlocks)) {
		return false
	}
	return atomic.CompareAndSwapUint32(&e.fabric.spinlocks[id], 0, uint32(e.self)+1)
}

func (e *endpoint) ReleaseSpinlock(id uint32) {
	if id >= uint32(len(e.fabric.spinlocks)) {
		return
	}
	atomic.StoreUint32(&e.fabric.spinlocks[id], 0)
}

func (e *endpoint) SendInterrupt(ctx context.Context, dst ProcID, line uint16, event uint32, payload uint32, waitClear bool) error {
	if int(dst) >= len(e.fabric.cfg.Processors) {
		return ipcerr.InvalidArgument("unknown processor %d", dst)
	}
	if line >= e.fabric.cfg.NumLines {
		return ipcerr.InvalidArgument("line %d out of range", line)
	}
	mb, err := e.fabric.mailboxFor(dst, line)
	if err != nil {
		return err
	}
	return mb.post(ctx, e.self, event, payload, waitClear)
}

func (e *endpoint) ListenInterrupts(line uint16, isr ISR) error {
	if line >= e.fabric.cfg.NumLines {
		return ipcerr.InvalidArgument("line %d out of range", line)
	}
	mb, err := e.fabric.mailboxFor(e.self, line)
	if err != nil {
		return err
	}
	return mb.listen(isr)
}

func (e *endpoint) StopInterrupts(line uint16) error {
	mb, err := e.fabric.mailboxFor(e.self, line)
	if err != nil {
		return err
	}
	mb.stop()
	return nil
}

func (e *endpoint) SetEventRegistered(peer ProcID, line uint16, event uint32, registered bool) {
	e.fabric.mu.Lock()
	defer e.fabric.mu.Unlock()

	key := registrationKey{owner: e.self, peer: peer, line: line, event: event}
	if registered {
		e.fabric.registered[key] = true
	} else {
		delete(e.fabric.registered, key)
	}
}

func (e *endpoint) EventRegistered(dst ProcID, line uint16, event uint32) bool {
	e.fabric.mu.Lock()
	defer e.fabric.mu.Unlock()

	return e.fabric.registered[registrationKey{owner: dst, peer: e.self, line: line, event: event}]
}

func (e *endpoint) String() string {
	return fmt.Sprintf("%s(%d)", e.ProcName(e.self), e.self)
}
