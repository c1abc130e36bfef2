// Package authority models the kernel-resident authority that the IPC layer
// delegates hardware-facing work to: processor topology, the platform's
// shared regions, hardware spinlocks and mailbox interrupt lines.
package authority

import (
	"context"

	"github.com/tiomap/syslink/kernel/sab"
)

// ProcID identifies a processor in the system.
type ProcID uint16

// InvalidProcID marks an unset processor id.
const InvalidProcID ProcID = 0xFFFF

// RegionConfig describes one platform-assigned shared region. Regions are
// fixed at bring-up and never resized.
type RegionConfig struct {
	ID            uint16
	Name          string
	Provider      sab.MemoryProvider
	Owner         ProcID
	CacheLineSize uint32
	// CreateHeap asks the owner to place a HeapMemMP over the region's free
	// space during setup.
	CreateHeap bool
}

// ISR handles one interrupt delivered on a line. It runs on the line's
// dispatcher goroutine and must not block.
type ISR func(src ProcID, event uint32, payload uint32)

// Authority is the per-processor view of the platform.
type Authority interface {
	// Topology
	Self() ProcID
	NumProcessors() uint16
	ProcName(id ProcID) string
	ProcID(name string) (ProcID, error)

	// Shared memory
	Regions() []RegionConfig

	// Hardware spinlocks
	NumSpinlocks() uint32
	ReserveSpinlock() (uint32, error)
	FreeSpinlock(id uint32) error
	TryAcquireSpinlock(id uint32) bool
	ReleaseSpinlock(id uint32)

	// Mailbox interrupt lines
	SendInterrupt(ctx context.Context, dst ProcID, line uint16, event uint32, payload uint32, waitClear bool) error
	ListenInterrupts(line uint16, isr ISR) error
	StopInterrupts(line uint16) error

	// SetEventRegistered publishes whether this processor accepts event on
	// line from peer. EventRegistered queries what dst published for
	// events coming from this processor.
	SetEventRegistered(peer ProcID, line uint16, event uint32, registered bool)
	EventRegistered(dst ProcID, line uint16, event uint32) bool
}
