package framesync

// TimestampedFrame pairs a decoded media payload with its sequence number
// and the three timestamps the sequencing policy operates on. All timestamps
// are in seconds; capture and network times come from the sender's clock,
// arrival time from the receiver's.
//
// Frames are immutable once constructed. Ownership transfers fully from the
// producer to the sequencer on AddFrame and from the sequencer to the
// consumer on emission; the order queue holds (timestamp, sequence) keys
// only, never payload copies.
type TimestampedFrame struct {
	// SequenceNumber is the monotonically increasing per-stream identifier
	// assigned by the sender. Sequence numbers do not wrap within a session;
	// a restarted sender is detected through the capture timestamp instead.
	SequenceNumber uint64

	// CaptureTimestamp is the sender-side capture time. All frames of a
	// stream share one clock domain, which is not synchronized with the
	// receiver's clock.
	CaptureTimestamp float64

	// NetworkTimestamp is the sender-side send time, used to estimate the
	// sender/receiver clock offset from the first frame of the stream.
	NetworkTimestamp float64

	// ArrivalTimestamp is the receiver wall-clock time at ingestion. It is
	// set once by AddFrame and never mutated.
	ArrivalTimestamp float64

	// Payload is the decoded media data, opaque to this subsystem.
	Payload []byte

	// StreamID identifies the owning stream.
	StreamID string

	// outOfOrder records that a higher sequence number had already been
	// accepted when this frame arrived. Delivering such a frame counts
	// toward the Reordered statistic.
	outOfOrder bool
}
