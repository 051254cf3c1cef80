// Package rtp bridges RTP packet reception to the frame sequencing engine.
//
// The assembler consumes already-received RTP packets, regroups them into
// complete frames, and feeds those frames to a FrameSink such as
// framesync.Manager. It handles the RTP-level concerns the engine does not
// want to know about: 16-bit sequence wraparound, packet reordering within
// a frame, marker-bit frame boundaries, and per-SSRC demultiplexing. It
// uses the pion/rtp packet types and performs no network I/O itself.
package rtp

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/huandu/skiplist"
	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"
)

// Assembly errors.
var (
	// ErrNilSink indicates NewAssembler was called without a frame sink.
	ErrNilSink = errors.New("frame sink must not be nil")
	// ErrNilPacket indicates Push was called with a nil packet.
	ErrNilPacket = errors.New("packet must not be nil")
	// ErrInvalidClockRate indicates a zero RTP clock rate.
	ErrInvalidClockRate = errors.New("clock rate must be positive")
)

// Sequence extension windows, after RFC 3550 appendix A.1.
const (
	maxDropout  = 3000 // forward jump beyond this is a sender restart
	maxMisorder = 100  // backward step within this is a straggler
)

// FrameSink receives assembled frames. framesync.Manager satisfies it.
type FrameSink interface {
	AddFrame(streamID string, seq uint64, captureTS, networkTS float64, payload []byte) error
}

// AssemblerConfig holds the assembly tunables.
type AssemblerConfig struct {
	// ClockRate converts RTP timestamps to seconds. 90000 for video.
	ClockRate uint32
	// MaxPending bounds the per-SSRC reassembly buffer in packets. On
	// overflow the assembler gives up on the oldest hole or unfinished
	// frame instead of waiting longer.
	MaxPending int
}

// DefaultAssemblerConfig returns settings for a standard video stream.
func DefaultAssemblerConfig() *AssemblerConfig {
	return &AssemblerConfig{
		ClockRate:  90000, // RTP video clock
		MaxPending: 64,    // a few frames of backlog
	}
}

// validate checks the configuration for usable values.
func (c *AssemblerConfig) validate() error {
	if c.ClockRate == 0 {
		return ErrInvalidClockRate
	}
	if c.MaxPending <= 0 {
		return fmt.Errorf("max pending must be positive, got %d", c.MaxPending)
	}
	return nil
}

// ssrcState tracks reassembly for one RTP source. Guarded by the
// assembler's mutex.
type ssrcState struct {
	streamID string

	// pending orders buffered packets by extended sequence number.
	pending *skiplist.SkipList

	// Sequence extension state. cycles is pre-shifted (multiples of 1<<16).
	started bool
	maxSeq  uint16
	cycles  uint64

	// lastEmitted is the extended sequence of the last packet consumed
	// into a frame; the next frame must start at lastEmitted+1.
	lastEmitted uint64
	hasEmitted  bool

	// frameSeq numbers emitted frames. lossPending skips one number on
	// the next emission so the sink's gap accounting sees the loss.
	frameSeq    uint64
	lossPending bool
}

func newSSRCState() *ssrcState {
	return &ssrcState{
		streamID: "video-" + uuid.NewString(),
		pending:  skiplist.New(skiplist.Uint64),
	}
}

// extend maps a 16-bit RTP sequence number onto a 64-bit timeline.
func (s *ssrcState) extend(seq uint16) uint64 {
	if !s.started {
		s.started = true
		s.maxSeq = seq
		return uint64(seq)
	}

	delta := seq - s.maxSeq
	switch {
	case delta == 0:
		return s.cycles | uint64(seq)
	case delta < maxDropout:
		// In order. A numerically smaller value means the 16-bit counter
		// wrapped.
		if seq < s.maxSeq {
			s.cycles += 1 << 16
		}
		s.maxSeq = seq
		return s.cycles | uint64(seq)
	case delta >= 65536-maxMisorder:
		// Straggler from the recent past. If it is numerically larger
		// than maxSeq the wrap happened after it was sent, so it belongs
		// to the previous cycle.
		if seq > s.maxSeq && s.cycles > 0 {
			return (s.cycles - 1<<16) | uint64(seq)
		}
		return s.cycles | uint64(seq)
	default:
		// Large jump, treat as a sender restart.
		s.maxSeq = seq
		return s.cycles | uint64(seq)
	}
}

// assembledFrame is one complete frame ready for the sink.
type assembledFrame struct {
	streamID string
	seq      uint64
	ts       float64
	payload  []byte
}

// Assembler regroups RTP packets into frames and forwards them to a sink.
//
// Push may be called from any goroutine. The sink and the stream callback
// are invoked with no assembler locks held. RTP timestamp wraparound
// (about every 13 hours at the video clock rate) appears downstream as a
// resynchronization jump.
type Assembler struct {
	mu sync.Mutex

	sink    FrameSink
	config  *AssemblerConfig
	streams map[uint32]*ssrcState

	streamCallback func(ssrc uint32, streamID string)
}

// NewAssembler creates an assembler feeding sink. A nil config uses
// DefaultAssemblerConfig.
//
// Returns:
//   - *Assembler: The new assembler instance
//   - error: ErrNilSink or a config validation error
func NewAssembler(sink FrameSink, config *AssemblerConfig) (*Assembler, error) {
	if sink == nil {
		return nil, ErrNilSink
	}
	if config == nil {
		config = DefaultAssemblerConfig()
	}
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("assembler config: %w", err)
	}

	a := &Assembler{
		sink:    sink,
		config:  config,
		streams: make(map[uint32]*ssrcState),
	}

	logrus.WithFields(logrus.Fields{
		"function":    "NewAssembler",
		"clock_rate":  config.ClockRate,
		"max_pending": config.MaxPending,
	}).Info("Created RTP frame assembler")

	return a, nil
}

// SetStreamCallback registers a hook invoked synchronously when a new SSRC
// is first seen, before any of its frames reach the sink. Applications
// use it to register the minted stream ID with their manager.
func (a *Assembler) SetStreamCallback(cb func(ssrc uint32, streamID string)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.streamCallback = cb
}

// Push ingests one received RTP packet and forwards any frames it
// completes to the sink.
//
// Concurrent Push is safe. The new-SSRC callback precedes that stream's
// first frame as long as a given SSRC is fed from one goroutine, which is
// the usual one-goroutine-per-socket receive pattern.
//
// Returns:
//   - error: ErrNilPacket for nil input, otherwise the first sink error
//     encountered; later completed frames are still forwarded
func (a *Assembler) Push(pkt *rtp.Packet) error {
	if pkt == nil {
		return ErrNilPacket
	}

	a.mu.Lock()
	st, exists := a.streams[pkt.SSRC]
	if !exists {
		st = newSSRCState()
		a.streams[pkt.SSRC] = st
	}
	cb := a.streamCallback
	a.mu.Unlock()

	if !exists {
		logrus.WithFields(logrus.Fields{
			"function":  "Push",
			"ssrc":      pkt.SSRC,
			"stream_id": st.streamID,
		}).Info("Discovered new RTP source")
		if cb != nil {
			cb(pkt.SSRC, st.streamID)
		}
	}

	a.mu.Lock()
	ext := st.extend(pkt.SequenceNumber)
	if _, dup := st.pending.GetValue(ext); dup || (st.hasEmitted && ext <= st.lastEmitted) {
		// Retransmission of something already buffered or consumed.
		a.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "Push",
			"ssrc":     pkt.SSRC,
			"sequence": pkt.SequenceNumber,
		}).Debug("Ignoring duplicate RTP packet")
		return nil
	}
	st.pending.Set(ext, pkt)

	frames := a.collectLocked(st)
	for st.pending.Len() > a.config.MaxPending {
		if !a.resolveOverflowLocked(pkt.SSRC, st) {
			break
		}
		frames = append(frames, a.collectLocked(st)...)
	}
	a.mu.Unlock()

	var firstErr error
	for _, f := range frames {
		if err := a.sink.AddFrame(f.streamID, f.seq, f.ts, f.ts, f.payload); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":  "Push",
				"stream_id": f.streamID,
				"sequence":  f.seq,
				"error":     err,
			}).Debug("Sink rejected assembled frame")
			if firstErr == nil {
				firstErr = fmt.Errorf("deliver frame %d: %w", f.seq, err)
			}
		}
	}
	return firstErr
}

// collectLocked pops every complete frame group off the front of the
// pending buffer. A group is a contiguous extended-sequence run sharing
// one RTP timestamp and ending at a marker packet. Caller must hold a.mu.
func (a *Assembler) collectLocked(st *ssrcState) []assembledFrame {
	var frames []assembledFrame

	for st.pending.Len() > 0 {
		front := st.pending.Front()
		startExt := front.Key().(uint64)
		if st.hasEmitted && startExt != st.lastEmitted+1 {
			// Hole before the next frame; wait for retransmission.
			break
		}

		// Scan forward for the marker that closes the group.
		ts := front.Value.(*rtp.Packet).Timestamp
		ext := startExt
		size := 0
		complete := false
		for el := front; el != nil; el = el.Next() {
			p := el.Value.(*rtp.Packet)
			if el.Key().(uint64) != ext || p.Timestamp != ts {
				break
			}
			size += len(p.Payload)
			if p.Marker {
				complete = true
				break
			}
			ext++
		}
		if !complete {
			break
		}

		payload := make([]byte, 0, size)
		for i := startExt; i <= ext; i++ {
			el := st.pending.Front()
			payload = append(payload, el.Value.(*rtp.Packet).Payload...)
			st.pending.RemoveFront()
		}
		st.lastEmitted = ext
		st.hasEmitted = true

		if st.lossPending {
			st.frameSeq++
			st.lossPending = false
		}
		frames = append(frames, assembledFrame{
			streamID: st.streamID,
			seq:      st.frameSeq,
			ts:       float64(ts) / float64(a.config.ClockRate),
			payload:  payload,
		})
		st.frameSeq++
	}

	return frames
}

// resolveOverflowLocked frees space when the pending buffer exceeds its
// bound: give up on a hole at the front, or failing that drop the oldest
// unfinished group. Returns false when nothing could be freed. Caller
// must hold a.mu.
func (a *Assembler) resolveOverflowLocked(ssrc uint32, st *ssrcState) bool {
	front := st.pending.Front()
	if front == nil {
		return false
	}
	frontExt := front.Key().(uint64)

	if st.hasEmitted && frontExt != st.lastEmitted+1 {
		logrus.WithFields(logrus.Fields{
			"function": "resolveOverflowLocked",
			"ssrc":     ssrc,
			"from":     st.lastEmitted + 1,
			"to":       frontExt - 1,
		}).Warn("Giving up on lost RTP packets")
		st.lastEmitted = frontExt - 1
		st.lossPending = true
		return true
	}

	// Front is contiguous but its marker never arrived; drop the group.
	ts := front.Value.(*rtp.Packet).Timestamp
	ext := frontExt
	removed := 0
	for {
		el := st.pending.Front()
		if el == nil {
			break
		}
		p := el.Value.(*rtp.Packet)
		if el.Key().(uint64) != ext || p.Timestamp != ts {
			break
		}
		st.pending.RemoveFront()
		removed++
		ext++
	}
	if removed == 0 {
		return false
	}

	logrus.WithFields(logrus.Fields{
		"function": "resolveOverflowLocked",
		"ssrc":     ssrc,
		"packets":  removed,
	}).Warn("Dropped unfinished frame group")

	st.lastEmitted = ext - 1
	st.hasEmitted = true
	st.lossPending = true
	return true
}

// StreamID returns the stream ID minted for ssrc.
//
// Returns:
//   - string: The stream ID, empty if the SSRC is unknown
//   - bool: Whether the SSRC has been seen
func (a *Assembler) StreamID(ssrc uint32) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	st, exists := a.streams[ssrc]
	if !exists {
		return "", false
	}
	return st.streamID, true
}

// Release discards all state for ssrc, including buffered packets.
// Pushing the SSRC again mints a fresh stream ID.
func (a *Assembler) Release(ssrc uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.streams[ssrc]; !exists {
		return
	}
	delete(a.streams, ssrc)

	logrus.WithFields(logrus.Fields{
		"function": "Release",
		"ssrc":     ssrc,
	}).Info("Released RTP source")
}
