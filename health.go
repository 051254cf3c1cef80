package framesync

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// BufferHealth classifies the momentary condition of one stream's buffer.
type BufferHealth int

const (
	// HealthHealthy indicates the buffer depth is inside its target band.
	HealthHealthy BufferHealth = iota
	// HealthStarved indicates the buffer holds too few frames to absorb
	// jitter, risking underrun.
	HealthStarved
	// HealthSaturated indicates the buffer is near its bound and eviction
	// is imminent.
	HealthSaturated
	// HealthStalled indicates frames are buffered but none have been
	// delivered for longer than the stall age.
	HealthStalled
)

// String returns a human-readable name for the health level.
func (h BufferHealth) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthStarved:
		return "starved"
	case HealthSaturated:
		return "saturated"
	case HealthStalled:
		return "stalled"
	default:
		return "unknown"
	}
}

// HealthThresholds holds the cut-over points for health classification.
type HealthThresholds struct {
	// StarvedRatio marks a buffer starved when its depth falls below this
	// fraction of the target jitter depth.
	StarvedRatio float64
	// SaturatedRatio marks a buffer saturated when its depth reaches this
	// fraction of the buffer bound.
	SaturatedRatio float64
	// StallAge marks a stream stalled when frames are buffered but nothing
	// has been delivered for this long.
	StallAge time.Duration
}

// DefaultHealthThresholds returns the standard classification thresholds.
func DefaultHealthThresholds() *HealthThresholds {
	return &HealthThresholds{
		StarvedRatio:   0.5,             // below half the target depth
		SaturatedRatio: 0.8,             // within 20% of the buffer bound
		StallAge:       1 * time.Second, // one second without delivery
	}
}

// HealthMonitor classifies buffer snapshots against configurable
// thresholds. Zero state per stream; one monitor serves all streams.
type HealthMonitor struct {
	mu         sync.RWMutex
	thresholds *HealthThresholds
}

// NewHealthMonitor creates a monitor. A nil thresholds uses
// DefaultHealthThresholds.
func NewHealthMonitor(thresholds *HealthThresholds) *HealthMonitor {
	if thresholds == nil {
		thresholds = DefaultHealthThresholds()
	}
	return &HealthMonitor{thresholds: thresholds}
}

// SetThresholds replaces the classification thresholds. A nil value
// restores the defaults.
func (m *HealthMonitor) SetThresholds(thresholds *HealthThresholds) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if thresholds == nil {
		thresholds = DefaultHealthThresholds()
	}
	m.thresholds = thresholds
}

// Assess classifies one buffer snapshot.
//
// Stall dominates saturation, which dominates starvation: a stalled stream
// is usually also saturated, and the stall is the condition worth acting
// on. An empty buffer is starved, never stalled.
//
// Parameters:
//   - status: Snapshot from Sequencer.GetBufferStatus
//   - targetDepth: Current jitter buffer depth of the stream
//   - maxBuffer: Configured buffer bound of the stream
//   - sinceDelivery: Time since the stream last delivered a frame
//
// Returns:
//   - BufferHealth: The classified health level
func (m *HealthMonitor) Assess(status BufferStatus, targetDepth, maxBuffer int, sinceDelivery time.Duration) BufferHealth {
	m.mu.RLock()
	t := m.thresholds
	m.mu.RUnlock()

	health := HealthHealthy
	switch {
	case status.BufferSize > 0 && sinceDelivery >= t.StallAge:
		health = HealthStalled
	case maxBuffer > 0 && float64(status.BufferSize) >= t.SaturatedRatio*float64(maxBuffer):
		health = HealthSaturated
	case float64(status.BufferSize) < t.StarvedRatio*float64(targetDepth):
		health = HealthStarved
	}

	if health != HealthHealthy {
		logrus.WithFields(logrus.Fields{
			"function":       "Assess",
			"stream_id":      status.StreamID,
			"health":         health.String(),
			"buffer_size":    status.BufferSize,
			"target_depth":   targetDepth,
			"since_delivery": sinceDelivery,
		}).Debug("Buffer health outside healthy band")
	}

	return health
}
