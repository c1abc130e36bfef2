// Package ipc ties the shared-memory IPC modules of one processor into a
// single context: region table, notify, name server, gates, lists, heaps and
// message queues. Setup is reference counted so unrelated subsystems in one
// process can share the context.
package ipc

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/tiomap/syslink/kernel/ipc/gatemp"
	"github.com/tiomap/syslink/kernel/ipc/messageq"
	"github.com/tiomap/syslink/kernel/ipc/nameserver"
	"github.com/tiomap/syslink/kernel/ipc/notify"
	"github.com/tiomap/syslink/kernel/ipc/sharedregion"
)

// Config aggregates every module's configuration.
type Config struct {
	SharedRegion sharedregion.Config `json:"shared_region"`
	Notify       notify.Config       `json:"notify"`
	NameServer   nameserver.Config   `json:"nameserver"`
	GateMP       gatemp.Config       `json:"gatemp"`
	MessageQ     messageq.Config     `json:"messageq"`

	// SetupPollInterval is how often a processor that does not own region
	// 0, or the higher processor of a pair, checks whether its peer has
	// finished initialising shared state.
	SetupPollInterval time.Duration `json:"setup_poll_interval"`
	// AttachTimeout bounds waits on a peer during Setup and Attach when
	// the caller's context has no deadline.
	AttachTimeout time.Duration `json:"attach_timeout"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		SharedRegion:      sharedregion.DefaultConfig(),
		Notify:            notify.DefaultConfig(),
		NameServer:        nameserver.DefaultConfig(),
		GateMP:            gatemp.DefaultConfig(),
		MessageQ:          messageq.DefaultConfig(),
		SetupPollInterval: time.Millisecond,
		AttachTimeout:     5 * time.Second,
	}
}

// LoadConfig reads a JSON config over the defaults. Fields missing from the
// document keep their default values.
func LoadConfig(r io.Reader) (Config, error) {
	cfg := DefaultConfig()
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode ipc config: %w", err)
	}
	return cfg, nil
}
