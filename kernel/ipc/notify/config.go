// Package notify delivers small integer events with a 32-bit payload between
// processors over mailbox interrupt lines.
package notify

import "time"

// Config configures the notify module.
type Config struct {
	NumEvents uint32 `json:"num_events"`
	// ReservedEvents is a bitmask of event ids only IPC modules may use.
	ReservedEvents uint32        `json:"reserved_events"`
	NumLines       uint16        `json:"num_lines"`
	SendTimeout    time.Duration `json:"send_timeout"`
}

// DefaultConfig returns the default notify configuration.
func DefaultConfig() Config {
	return Config{
		NumEvents:      32,
		ReservedEvents: 0xF,
		NumLines:       1,
		SendTimeout:    time.Second,
	}
}

// Reserved event ids.
const (
	EventTransport  uint32 = 0
	EventNameServer uint32 = 1
)

// SystemKey marks an event id as coming from an IPC module, which bypasses
// the reserved-event check.
const SystemKey uint32 = 0xC1D2

// SystemEvent tags id with the system key.
func SystemEvent(id uint32) uint32 {
	return SystemKey<<16 | id
}

func splitEvent(event uint32) (id uint32, system bool) {
	return event & 0xFFFF, event>>16 == SystemKey
}
