// Package messageq provides named single-reader, multi-writer message
// queues. Messages live in shared-memory heaps and travel between
// processors by region pointer, so a put never copies the payload.
package messageq

import (
	"fmt"
	"time"

	"github.com/tiomap/syslink/kernel/authority"
)

// NameServerTable is the table queue names are published in.
const NameServerTable = "MessageQ"

// Get timeouts.
const (
	// WaitForever blocks until a message arrives or the queue is unblocked.
	WaitForever time.Duration = -1
	// NoWait polls once.
	NoWait time.Duration = 0
)

// StaticHeapID marks messages set up with StaticMsgInit. They never go back
// to a heap.
const StaticHeapID uint16 = 0x7FFF

// InvalidMsgID is the msg id of a freshly allocated message.
const InvalidMsgID uint16 = 0xFFFF

// Priority orders delivery within a queue.
type Priority uint16

const (
	PriorityNormal Priority = 0
	PriorityHigh   Priority = 1
	// PriorityUrgent jumps ahead of every queued message.
	PriorityUrgent Priority = 3
)

func (p Priority) String() string {
	switch p {
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return fmt.Sprintf("priority(%d)", uint16(p))
	}
}

// QueueID identifies a queue system-wide: the owning processor in the high
// 16 bits and the queue index in the low 16.
type QueueID uint32

// InvalidQueueID is never assigned to a queue.
const InvalidQueueID QueueID = 0xFFFFFFFF

// MakeQueueID packs a queue id.
func MakeQueueID(proc authority.ProcID, index uint16) QueueID {
	return QueueID(uint32(proc)<<16 | uint32(index))
}

// Proc returns the owning processor.
func (q QueueID) Proc() authority.ProcID { return authority.ProcID(q >> 16) }

// Index returns the queue index on its processor.
func (q QueueID) Index() uint16 { return uint16(q) }

func (q QueueID) String() string {
	if q == InvalidQueueID {
		return "queue(invalid)"
	}
	return fmt.Sprintf("queue(%d:%d)", q.Proc(), q.Index())
}

// Config configures the module.
type Config struct {
	// MaxRuntimeEntries bounds the queues one processor may hold.
	MaxRuntimeEntries uint32 `json:"max_runtime_entries"`
	MaxNameLen        uint32 `json:"max_name_len"`
	NumHeaps          uint16 `json:"num_heaps"`
	// Consecutive failed puts to a processor before puts to it fail fast,
	// and for how long.
	TransportFailures    uint32        `json:"transport_failures"`
	TransportOpenTimeout time.Duration `json:"transport_open_timeout"`
}

// DefaultConfig returns the default MessageQ configuration.
func DefaultConfig() Config {
	return Config{
		MaxRuntimeEntries:    32,
		MaxNameLen:           32,
		NumHeaps:             8,
		TransportFailures:    3,
		TransportOpenTimeout: 2 * time.Second,
	}
}

// Params configures one queue.
type Params struct {
	// Reserved asks for queue index Index instead of any free index.
	Reserved bool
	Index    uint16
}
