package framesync

import (
	"fmt"
	"time"
)

// Config defines the tunable constants of a frame sequencer.
//
// The timeouts trade latency (how long to wait for a straggler) against
// smoothness (never regressing to an earlier point in time once something
// later has been shown). The defaults are tuned for 30 FPS video on a LAN.
type Config struct {
	// NominalFrameInterval is the sender's expected inter-frame period, the
	// baseline for jitter measurement (default: 1s/30).
	NominalFrameInterval time.Duration

	// MaxFrameAge is the maximum age a frame may have on arrival, and the
	// longest a buffered frame may sit before the eviction sweep removes it
	// (default: 1s).
	MaxFrameAge time.Duration

	// JitterBufferSize is the minimum number of queued frames before the
	// sequencer commits to an emission order ahead of the reorder timeout
	// (default: 3).
	JitterBufferSize int

	// ReorderTimeout is the longest the sequencer waits for a missing
	// predecessor frame before giving up and emitting what it has
	// (default: 100ms).
	ReorderTimeout time.Duration

	// MaxSequenceGap is the largest sequence hole the sequencer waits on.
	// Anything larger is treated as unrecoverable and resynchronized
	// through immediately (default: 10).
	MaxSequenceGap int64

	// MaxBufferSize bounds the number of buffered frames per stream. The
	// overflow sweep keeps the most recent frames by capture timestamp and
	// evicts the rest (default: 30).
	MaxBufferSize int

	// JitterWindow is the number of inter-arrival samples kept for the
	// average jitter estimate (default: 50).
	JitterWindow int
}

// DefaultConfig returns the configuration used when none is supplied.
func DefaultConfig() *Config {
	return &Config{
		NominalFrameInterval: time.Second / 30,
		MaxFrameAge:          time.Second,
		JitterBufferSize:     3,
		ReorderTimeout:       100 * time.Millisecond,
		MaxSequenceGap:       10,
		MaxBufferSize:        30,
		JitterWindow:         50,
	}
}

// Validate checks for values the sequencer cannot operate with.
func (c *Config) Validate() error {
	switch {
	case c.NominalFrameInterval <= 0:
		return fmt.Errorf("%w: nominal frame interval must be positive", ErrInvalidConfig)
	case c.MaxFrameAge <= 0:
		return fmt.Errorf("%w: max frame age must be positive", ErrInvalidConfig)
	case c.JitterBufferSize < 1:
		return fmt.Errorf("%w: jitter buffer size must be at least 1", ErrInvalidConfig)
	case c.ReorderTimeout <= 0:
		return fmt.Errorf("%w: reorder timeout must be positive", ErrInvalidConfig)
	case c.MaxSequenceGap < 1:
		return fmt.Errorf("%w: max sequence gap must be at least 1", ErrInvalidConfig)
	case c.MaxBufferSize < 1:
		return fmt.Errorf("%w: max buffer size must be at least 1", ErrInvalidConfig)
	case c.JitterWindow < 1:
		return fmt.Errorf("%w: jitter window must be at least 1", ErrInvalidConfig)
	}
	return nil
}

// clone returns a copy so per-stream overrides never alias shared state.
func (c *Config) clone() *Config {
	cp := *c
	return &cp
}
