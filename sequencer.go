package framesync

import (
	"container/heap"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// Sequencer reorders the frames of one stream into chronological order.
//
// Producers feed it through AddFrame from any number of goroutines; exactly
// one consumer drains it through GetNextFrame. All state is guarded by a
// single mutex and no call ever blocks or sleeps: "waiting" is expressed by
// returning nil and being polled again on the next tick.
type Sequencer struct {
	mu sync.Mutex

	streamID string
	config   *Config
	policy   *ReadinessPolicy

	// store owns buffered frames; orderQueue holds (timestamp, sequence)
	// keys only. Entries leave the store exactly once, by emission or by
	// eviction, and orphaned queue keys are discarded lazily.
	store      map[uint64]*TimestampedFrame
	orderQueue frameHeap

	lastDeliveredSequence   int64
	lastDeliveredTimestamp  float64
	highestReceivedSequence int64

	// clockOffset is arrival minus network timestamp of the first frame,
	// used to normalize age calculations across unsynchronized clocks.
	clockOffset    float64
	clockOffsetSet bool

	// jitterBufferSize is the current gate depth. It starts at the
	// configured value and may be adjusted at runtime by the adapter.
	jitterBufferSize int

	jitter *jitterEstimator
	stats  Stats

	timeProvider TimeProvider
}

// NewSequencer creates a sequencer for one stream. A nil config uses
// DefaultConfig.
//
// Parameters:
//   - streamID: Identifier of the owning stream
//   - config: Tunable constants (use DefaultConfig() or nil)
//
// Returns:
//   - *Sequencer: The new sequencer instance
//   - error: Validation error for an empty stream ID or bad config
func NewSequencer(streamID string, config *Config) (*Sequencer, error) {
	if streamID == "" {
		return nil, ErrEmptyStreamID
	}
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("sequencer for stream %q: %w", streamID, err)
	}

	s := &Sequencer{
		streamID: streamID,
		config:   config,
		policy: &ReadinessPolicy{
			MaxSequenceGap: config.MaxSequenceGap,
			ReorderTimeout: config.ReorderTimeout,
		},
		store:                   make(map[uint64]*TimestampedFrame),
		orderQueue:              make(frameHeap, 0, config.MaxBufferSize),
		lastDeliveredSequence:   -1,
		highestReceivedSequence: -1,
		jitterBufferSize:        config.JitterBufferSize,
		jitter:                  newJitterEstimator(config.NominalFrameInterval.Seconds(), config.JitterWindow),
		timeProvider:            DefaultTimeProvider{},
	}

	logrus.WithFields(logrus.Fields{
		"function":           "NewSequencer",
		"stream_id":          streamID,
		"max_buffer_size":    config.MaxBufferSize,
		"jitter_buffer_size": config.JitterBufferSize,
		"reorder_timeout":    config.ReorderTimeout,
	}).Info("Created frame sequencer")

	return s, nil
}

// SetTimeProvider sets the time provider for deterministic testing.
// If tp is nil, DefaultTimeProvider is used.
func (s *Sequencer) SetTimeProvider(tp TimeProvider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tp == nil {
		tp = DefaultTimeProvider{}
	}
	s.timeProvider = tp
}

// AddFrame ingests one frame from the producer path.
//
// The call never blocks and the eviction sweep inside it is bounded by
// MaxBufferSize, so it is safe on a transport hot path. Duplicate and stale
// frames are dropped, counted, and reported through the returned error;
// both are expected anomalies, not faults.
//
// Parameters:
//   - seq: Sender-assigned sequence number
//   - captureTS: Sender-side capture time in seconds
//   - networkTS: Sender-side send time in seconds
//   - payload: Decoded media data; ownership transfers to the sequencer
//
// Returns:
//   - error: nil on acceptance, ErrDuplicateFrame or ErrFrameTooOld on a
//     counted drop
func (s *Sequencer) AddFrame(seq uint64, captureTS, networkTS float64, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	arrival := timeToSeconds(s.timeProvider.Now())
	s.stats.Received++

	s.jitter.observe(arrival)

	if !s.clockOffsetSet {
		s.clockOffset = arrival - networkTS
		s.clockOffsetSet = true
		logrus.WithFields(logrus.Fields{
			"function":     "AddFrame",
			"stream_id":    s.streamID,
			"clock_offset": s.clockOffset,
		}).Debug("Initialized clock offset from first frame")
	}

	if _, exists := s.store[seq]; exists {
		s.stats.DroppedDuplicate++
		logrus.WithFields(logrus.Fields{
			"function":  "AddFrame",
			"stream_id": s.streamID,
			"sequence":  seq,
		}).Debug("Dropping duplicate frame")
		return fmt.Errorf("stream %q frame %d: %w", s.streamID, seq, ErrDuplicateFrame)
	}

	frameAge := arrival - (networkTS + s.clockOffset)
	if frameAge > s.config.MaxFrameAge.Seconds() {
		s.stats.DroppedOld++
		logrus.WithFields(logrus.Fields{
			"function":  "AddFrame",
			"stream_id": s.streamID,
			"sequence":  seq,
			"frame_age": frameAge,
		}).Debug("Dropping frame older than max frame age")
		return fmt.Errorf("stream %q frame %d: %w", s.streamID, seq, ErrFrameTooOld)
	}

	frame := &TimestampedFrame{
		SequenceNumber:   seq,
		CaptureTimestamp: captureTS,
		NetworkTimestamp: networkTS,
		ArrivalTimestamp: arrival,
		Payload:          payload,
		StreamID:         s.streamID,
		outOfOrder:       s.highestReceivedSequence >= 0 && int64(seq) < s.highestReceivedSequence,
	}

	s.store[seq] = frame
	heap.Push(&s.orderQueue, heapEntry{captureTimestamp: captureTS, sequenceNumber: seq})
	if int64(seq) > s.highestReceivedSequence {
		s.highestReceivedSequence = int64(seq)
	}

	s.evictLocked(arrival)

	logrus.WithFields(logrus.Fields{
		"function":  "AddFrame",
		"stream_id": s.streamID,
		"sequence":  seq,
		"buffered":  len(s.store),
	}).Trace("Buffered frame")

	return nil
}

// evictLocked removes aged-out frames and enforces the buffer bound. Queue
// keys of evicted frames stay behind and are discarded lazily during
// emission. Caller must hold s.mu.
func (s *Sequencer) evictLocked(now float64) {
	maxAge := s.config.MaxFrameAge.Seconds()
	aged := 0
	for seq, frame := range s.store {
		if now-frame.ArrivalTimestamp > maxAge {
			delete(s.store, seq)
			s.stats.DroppedOld++
			aged++
		}
	}

	overflow := len(s.store) - s.config.MaxBufferSize
	if overflow > 0 {
		// Keep the most recent frames by capture timestamp.
		frames := make([]*TimestampedFrame, 0, len(s.store))
		for _, frame := range s.store {
			frames = append(frames, frame)
		}
		sort.Slice(frames, func(i, j int) bool {
			return frames[i].CaptureTimestamp > frames[j].CaptureTimestamp
		})
		for _, frame := range frames[s.config.MaxBufferSize:] {
			delete(s.store, frame.SequenceNumber)
			s.stats.DroppedOld++
		}
	}

	if aged > 0 || overflow > 0 {
		logrus.WithFields(logrus.Fields{
			"function":  "evictLocked",
			"stream_id": s.streamID,
			"aged_out":  aged,
			"overflow":  overflow,
			"buffered":  len(s.store),
		}).Debug("Evicted buffered frames")
	}
}

// GetNextFrame returns the next frame in chronological order, or nil when
// no frame is ready yet.
//
// Single consumer, non-blocking, intended to be called once per polling
// tick. A nil result means either the buffer is empty, the jitter-buffer
// gate is still collecting frames, or the earliest frame is waiting out a
// sequence hole.
func (s *Sequencer) GetNextFrame() *TimestampedFrame {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := timeToSeconds(s.timeProvider.Now())

	for s.orderQueue.Len() > 0 {
		top := s.orderQueue[0]

		frame, ok := s.store[top.sequenceNumber]
		if !ok {
			// Evicted earlier; discard the orphaned key and retry.
			heap.Pop(&s.orderQueue)
			continue
		}

		// Jitter-buffer gate: with a shallow queue, give stragglers up to
		// the reorder timeout before committing to an order.
		if s.orderQueue.Len() < s.jitterBufferSize &&
			now-frame.ArrivalTimestamp < s.config.ReorderTimeout.Seconds() {
			return nil
		}

		heap.Pop(&s.orderQueue)

		switch s.policy.Evaluate(frame, s.lastDeliveredSequence, s.lastDeliveredTimestamp, now) {
		case DecisionDeliver:
			s.deliverLocked(frame)
			return frame

		case DecisionWait:
			// Push the key back unchanged; never skip ahead past a
			// waiting frame.
			heap.Push(&s.orderQueue, top)
			return nil

		case DecisionSkip:
			delete(s.store, top.sequenceNumber)
			s.stats.DroppedOld++
			logrus.WithFields(logrus.Fields{
				"function":  "GetNextFrame",
				"stream_id": s.streamID,
				"sequence":  top.sequenceNumber,
			}).Debug("Skipped stale frame behind delivery cursor")
			continue
		}
	}

	return nil
}

// deliverLocked finalizes the emission of frame. Caller must hold s.mu.
func (s *Sequencer) deliverLocked(frame *TimestampedFrame) {
	delete(s.store, frame.SequenceNumber)

	gap := int64(frame.SequenceNumber) - s.lastDeliveredSequence
	if s.lastDeliveredSequence >= 0 && gap > 1 && gap <= s.config.MaxSequenceGap {
		s.stats.SequenceGaps += uint64(gap - 1)
		logrus.WithFields(logrus.Fields{
			"function":  "GetNextFrame",
			"stream_id": s.streamID,
			"from":      s.lastDeliveredSequence,
			"to":        frame.SequenceNumber,
		}).Debug("Accepted sequence gap at delivery")
	}

	s.lastDeliveredSequence = int64(frame.SequenceNumber)
	s.lastDeliveredTimestamp = frame.CaptureTimestamp
	s.stats.Displayed++
	if frame.outOfOrder {
		s.stats.Reordered++
	}

	logrus.WithFields(logrus.Fields{
		"function":  "GetNextFrame",
		"stream_id": s.streamID,
		"sequence":  frame.SequenceNumber,
		"capture":   frame.CaptureTimestamp,
	}).Trace("Delivered frame")
}

// Reset restores the sequencer to its freshly constructed state, discarding
// buffered frames, counters, jitter samples, and the clock offset.
// Re-adding the same frames afterwards reproduces the output order and
// statistics of a new sequencer.
func (s *Sequencer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.store = make(map[uint64]*TimestampedFrame)
	s.orderQueue = s.orderQueue[:0]
	s.lastDeliveredSequence = -1
	s.lastDeliveredTimestamp = 0
	s.highestReceivedSequence = -1
	s.clockOffset = 0
	s.clockOffsetSet = false
	s.jitterBufferSize = s.config.JitterBufferSize
	s.jitter.reset()
	s.stats = Stats{}

	logrus.WithFields(logrus.Fields{
		"function":  "Reset",
		"stream_id": s.streamID,
	}).Info("Reset frame sequencer")
}

// GetBufferStatus returns a consistent snapshot of the sequencer state for
// diagnostics and tests.
func (s *Sequencer) GetBufferStatus() BufferStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	return BufferStatus{
		StreamID:              s.streamID,
		BufferSize:            len(s.store),
		HeapSize:              s.orderQueue.Len(),
		LastDeliveredSequence: s.lastDeliveredSequence,
		ClockOffset:           s.clockOffset,
		AverageJitter:         s.jitter.averageJitter(),
		Stats:                 s.stats,
	}
}

// GetJitterBufferSize returns the current gate depth.
func (s *Sequencer) GetJitterBufferSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jitterBufferSize
}

// SetJitterBufferSize adjusts the gate depth at runtime, clamped to
// [1, MaxBufferSize]. Used by the buffer adapter; safe to call at any time.
func (s *Sequencer) SetJitterBufferSize(depth int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if depth < 1 {
		depth = 1
	}
	if depth > s.config.MaxBufferSize {
		depth = s.config.MaxBufferSize
	}
	if depth == s.jitterBufferSize {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function":  "SetJitterBufferSize",
		"stream_id": s.streamID,
		"old_depth": s.jitterBufferSize,
		"new_depth": depth,
	}).Debug("Adjusted jitter buffer depth")

	s.jitterBufferSize = depth
}

// GetMaxBufferSize returns the configured buffer bound.
func (s *Sequencer) GetMaxBufferSize() int {
	return s.config.MaxBufferSize
}

// StreamID returns the identifier of the owning stream.
func (s *Sequencer) StreamID() string {
	return s.streamID
}
