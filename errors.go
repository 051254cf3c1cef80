package framesync

import "errors"

// Frame admission errors returned by AddFrame. These are expected per-frame
// anomalies: the frame is dropped and counted, and the producer path keeps
// going. Producers may ignore them or log them.
var (
	// ErrDuplicateFrame indicates the sequence number is already buffered.
	// The first arrival wins; the duplicate is discarded.
	ErrDuplicateFrame = errors.New("frame with this sequence number already buffered")

	// ErrFrameTooOld indicates the frame exceeded the maximum frame age on
	// arrival and was discarded.
	ErrFrameTooOld = errors.New("frame is older than the maximum frame age")
)

// Stream lifecycle errors. Unlike admission errors these indicate a bug in
// the caller's stream lifecycle sequencing and should not be ignored.
var (
	// ErrUnknownStream indicates an operation referenced a stream that is
	// not registered.
	ErrUnknownStream = errors.New("stream is not registered")

	// ErrStreamAlreadyRegistered indicates RegisterStream was called twice
	// for the same stream identifier.
	ErrStreamAlreadyRegistered = errors.New("stream is already registered")

	// ErrEmptyStreamID indicates an empty stream identifier.
	ErrEmptyStreamID = errors.New("stream ID cannot be empty")

	// ErrNilCallback indicates a nil frame callback.
	ErrNilCallback = errors.New("frame callback cannot be nil")
)

// Manager lifecycle errors.
var (
	// ErrManagerAlreadyRunning indicates Start was called while the polling
	// loop was already running.
	ErrManagerAlreadyRunning = errors.New("manager is already running")
)

// Configuration errors.
var (
	// ErrInvalidConfig is wrapped by all configuration validation failures.
	ErrInvalidConfig = errors.New("invalid configuration")
)
