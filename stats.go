package framesync

// Stats is the fixed set of per-stream counters. Counters only grow between
// resets; snapshots are value copies and safe to retain.
type Stats struct {
	// Received counts every AddFrame call, accepted or not.
	Received uint64

	// Displayed counts frames handed to the consumer.
	Displayed uint64

	// DroppedOld counts frames rejected on arrival for age, evicted by the
	// sweep, or skipped as stale at emission time.
	DroppedOld uint64

	// DroppedDuplicate counts frames rejected because their sequence number
	// was already buffered.
	DroppedDuplicate uint64

	// Reordered counts delivered frames that arrived after a higher
	// sequence number had already been accepted.
	Reordered uint64

	// SequenceGaps accumulates the sizes of the sequence holes accepted at
	// delivery time.
	SequenceGaps uint64
}

// BufferStatus is a consistent point-in-time snapshot of one sequencer,
// taken under the sequencer's lock and safe to request concurrently with
// producer and consumer activity.
type BufferStatus struct {
	// StreamID identifies the stream the snapshot belongs to.
	StreamID string

	// BufferSize is the number of frames currently held in the store.
	BufferSize int

	// HeapSize is the number of order-queue entries, including entries
	// whose frames were already evicted and await lazy discard.
	HeapSize int

	// LastDeliveredSequence is the sequence number of the most recently
	// emitted frame, or -1 if nothing has been delivered.
	LastDeliveredSequence int64

	// ClockOffset is the estimated sender/receiver clock difference in
	// seconds, derived from the first frame of the stream.
	ClockOffset float64

	// AverageJitter is the mean deviation of inter-arrival times from the
	// nominal frame interval, in seconds.
	AverageJitter float64

	// Stats is a copy of the stream's counters.
	Stats Stats
}
