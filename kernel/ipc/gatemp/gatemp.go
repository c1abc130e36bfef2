// Package gatemp provides gates that serialise access to shared memory
// between threads on one processor and between processors.
package gatemp

import (
	"fmt"
	"time"

	"github.com/tiomap/syslink/kernel/ipc/sharedregion"
)

// RemoteProtect selects how a gate excludes other processors.
type RemoteProtect uint32

const (
	RemoteNone RemoteProtect = iota
	// RemoteSystem uses a hardware spinlock.
	RemoteSystem
	// RemoteCustom1 uses a compare-and-swap word in the gate's shared attrs.
	RemoteCustom1
)

func (p RemoteProtect) String() string {
	switch p {
	case RemoteNone:
		return "none"
	case RemoteSystem:
		return "system"
	case RemoteCustom1:
		return "custom1"
	default:
		return fmt.Sprintf("remote(%d)", uint32(p))
	}
}

// LocalProtect selects how a gate excludes other threads on this processor.
type LocalProtect uint32

const (
	LocalNone LocalProtect = iota
	// LocalInterrupt and LocalTasklet spin and never sleep.
	LocalInterrupt
	LocalTasklet
	// LocalThread and LocalProcess may put the caller to sleep.
	LocalThread
	LocalProcess
)

func (p LocalProtect) String() string {
	switch p {
	case LocalNone:
		return "none"
	case LocalInterrupt:
		return "interrupt"
	case LocalTasklet:
		return "tasklet"
	case LocalThread:
		return "thread"
	case LocalProcess:
		return "process"
	default:
		return fmt.Sprintf("local(%d)", uint32(p))
	}
}

// Config configures the module.
type Config struct {
	DefaultRemoteProtect RemoteProtect `json:"default_remote_protect"`
	DefaultLocalProtect  LocalProtect  `json:"default_local_protect"`
	MaxNameLen           uint32        `json:"max_name_len"`
	MaxRuntimeEntries    uint32        `json:"max_runtime_entries"`
	// Spins before a contended Enter starts sleeping between attempts.
	SpinCount   int           `json:"spin_count"`
	SpinBackoff time.Duration `json:"spin_backoff"`
}

// DefaultConfig returns the default GateMP configuration.
func DefaultConfig() Config {
	return Config{
		DefaultRemoteProtect: RemoteSystem,
		DefaultLocalProtect:  LocalThread,
		MaxNameLen:           32,
		MaxRuntimeEntries:    64,
		SpinCount:            64,
		SpinBackoff:          10 * time.Microsecond,
	}
}

// Params describes a gate to create. A gate with no SharedAddr and
// RemoteNone protection is local to this processor; otherwise a missing
// SharedAddr is allocated from the region's heap.
type Params struct {
	Name          string
	RegionID      sharedregion.RegionID
	SharedAddr    sharedregion.Addr
	LocalProtect  LocalProtect
	RemoteProtect RemoteProtect
}

// DefaultParams returns params using the module's default protection.
func (m *Module) DefaultParams() Params {
	return Params{
		LocalProtect:  m.cfg.DefaultLocalProtect,
		RemoteProtect: m.cfg.DefaultRemoteProtect,
	}
}
