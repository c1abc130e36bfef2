// Package nameserver keeps per-processor name tables and answers lookups
// from other processors over a notify-signalled shared-memory slot.
package nameserver

import "time"

// Params sizes one table.
type Params struct {
	// MaxRuntimeEntries bounds the table; zero means unbounded.
	MaxRuntimeEntries uint32 `json:"max_runtime_entries"`
	MaxNameLen        uint32 `json:"max_name_len"`
	MaxValueLen       uint32 `json:"max_value_len"`
}

// DefaultParams returns the default table parameters.
func DefaultParams() Params {
	return Params{
		MaxRuntimeEntries: 64,
		MaxNameLen:        32,
		MaxValueLen:       8,
	}
}

// Config configures the module and its remote transports.
type Config struct {
	BloomFalsePositive float64       `json:"bloom_false_positive"`
	RequestTimeout     time.Duration `json:"request_timeout"`
	// Incoming remote queries allowed per second, per requesting processor.
	RequestRate  int64 `json:"request_rate"`
	RequestBurst int64 `json:"request_burst"`
	// Consecutive remote failures before lookups to that processor fail
	// fast, and how long they fail fast for.
	BreakerFailures    uint32        `json:"breaker_failures"`
	BreakerOpenTimeout time.Duration `json:"breaker_open_timeout"`
}

// DefaultConfig returns the default nameserver configuration.
func DefaultConfig() Config {
	return Config{
		BloomFalsePositive: 0.01,
		RequestTimeout:     500 * time.Millisecond,
		RequestRate:        1000,
		RequestBurst:       100,
		BreakerFailures:    5,
		BreakerOpenTimeout: 2 * time.Second,
	}
}
