package framesync

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// AdapterConfig holds the tunables for automatic jitter depth adaptation.
type AdapterConfig struct {
	// MinDepth is the smallest depth the adapter will select.
	MinDepth int
	// MaxDepth is the largest depth the adapter will select.
	MaxDepth int
	// AdjustInterval is the minimum time between two adjustments of the
	// same stream.
	AdjustInterval time.Duration
	// IncreaseStep is how many frames of depth to add when starved.
	IncreaseStep int
	// DecreaseAfter is how many consecutive healthy assessments are
	// required before the depth is lowered again.
	DecreaseAfter int
}

// DefaultAdapterConfig returns conservative adaptation settings.
func DefaultAdapterConfig() *AdapterConfig {
	return &AdapterConfig{
		MinDepth:       2,               // never gate on fewer than 2 frames
		MaxDepth:       6,               // 200ms of depth at 30fps
		AdjustInterval: 5 * time.Second, // at most one change per 5s
		IncreaseStep:   1,               // grow one frame at a time
		DecreaseAfter:  3,               // shrink after 3 healthy checks
	}
}

// BufferAdapter tunes one stream's jitter buffer depth from its health
// history. Depth grows promptly on starvation and shrinks slowly once the
// stream has stayed healthy, trading latency for smoothness only while the
// network demands it.
type BufferAdapter struct {
	mu            sync.Mutex
	config        *AdapterConfig
	lastAdjust    time.Time
	healthyStreak int
	adjustCount   uint64
}

// NewBufferAdapter creates an adapter. A nil config uses
// DefaultAdapterConfig.
func NewBufferAdapter(config *AdapterConfig) *BufferAdapter {
	if config == nil {
		config = DefaultAdapterConfig()
	}
	return &BufferAdapter{config: config}
}

// Evaluate folds one health assessment into the adapter and proposes a new
// depth.
//
// Parameters:
//   - health: Latest classification of the stream's buffer
//   - currentDepth: The stream's current jitter buffer depth
//   - now: Assessment time, from the caller's time provider
//
// Returns:
//   - int: Proposed depth, clamped to [MinDepth, MaxDepth]
//   - bool: True when the proposal differs from currentDepth
func (a *BufferAdapter) Evaluate(health BufferHealth, currentDepth int, now time.Time) (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if health == HealthHealthy {
		a.healthyStreak++
	} else {
		a.healthyStreak = 0
	}

	if !a.lastAdjust.IsZero() && now.Sub(a.lastAdjust) < a.config.AdjustInterval {
		return currentDepth, false
	}

	depth := currentDepth
	switch health {
	case HealthStarved:
		depth += a.config.IncreaseStep
	case HealthSaturated:
		depth--
	case HealthStalled:
		// Depth changes cannot unblock a stalled stream; leave it to the
		// reorder timeout.
	case HealthHealthy:
		if a.healthyStreak >= a.config.DecreaseAfter {
			depth--
			a.healthyStreak = 0
		}
	}

	if depth < a.config.MinDepth {
		depth = a.config.MinDepth
	}
	if depth > a.config.MaxDepth {
		depth = a.config.MaxDepth
	}

	if depth == currentDepth {
		return currentDepth, false
	}

	a.lastAdjust = now
	a.adjustCount++

	logrus.WithFields(logrus.Fields{
		"function":  "Evaluate",
		"health":    health.String(),
		"old_depth": currentDepth,
		"new_depth": depth,
	}).Info("Adapted jitter buffer depth")

	return depth, true
}

// AdjustmentCount returns how many depth changes the adapter has proposed.
func (a *BufferAdapter) AdjustmentCount() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.adjustCount
}
