package framesync

import (
	"fmt"
	"time"
)

// Decision is the outcome of a readiness evaluation.
type Decision int

const (
	// DecisionWait keeps the frame buffered; missing predecessors still
	// have a bounded chance to arrive.
	DecisionWait Decision = iota
	// DecisionDeliver emits the frame now.
	DecisionDeliver
	// DecisionSkip discards the frame as stale; emitting it would move the
	// stream backwards in time.
	DecisionSkip
)

// String returns the string representation of a Decision.
func (d Decision) String() string {
	switch d {
	case DecisionWait:
		return "wait"
	case DecisionDeliver:
		return "deliver"
	case DecisionSkip:
		return "skip"
	default:
		return fmt.Sprintf("unknown(%d)", int(d))
	}
}

// ReadinessPolicy decides whether the earliest queued frame can be emitted.
//
// This is the crux of the subsystem: it trades latency (how long to wait for
// a straggler) against smoothness (never regressing to an earlier point in
// time once something later has been shown). The policy itself is stateless;
// Evaluate is called with the owning sequencer's lock held and reads the
// delivery cursor passed in.
type ReadinessPolicy struct {
	// MaxSequenceGap is the largest sequence hole worth waiting on.
	MaxSequenceGap int64

	// ReorderTimeout is the longest to wait for missing predecessors.
	ReorderTimeout time.Duration
}

// Evaluate decides the fate of frame given the delivery cursor (lastSeq,
// lastTS) and the current receiver time in seconds.
//
// lastSeq == -1 bootstraps the stream: the first frame is always delivered.
func (p *ReadinessPolicy) Evaluate(frame *TimestampedFrame, lastSeq int64, lastTS, now float64) Decision {
	if lastSeq < 0 {
		return DecisionDeliver
	}

	gap := int64(frame.SequenceNumber) - lastSeq

	switch {
	case gap == 1:
		// The expected next frame.
		return DecisionDeliver

	case gap > p.MaxSequenceGap:
		// The hole is unrecoverable. Stop waiting and resynchronize on
		// this frame.
		return DecisionDeliver

	case gap > 1:
		// Give the missing in-between frames a bounded chance to arrive.
		if now-frame.ArrivalTimestamp >= p.ReorderTimeout.Seconds() {
			return DecisionDeliver
		}
		return DecisionWait

	default:
		// At or behind the delivery cursor. A sender restart re-zeroes
		// sequence numbers but keeps capture time moving forward, so a
		// newer timestamp means resynchronize; anything else is stale.
		if frame.CaptureTimestamp > lastTS {
			return DecisionDeliver
		}
		return DecisionSkip
	}
}
