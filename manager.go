package framesync

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// FrameCallback receives the payload of each frame as it is released in
// chronological order. Callbacks run on the manager's polling goroutine
// with no locks held, so they may call back into the manager, but they
// should return quickly to keep the cadence.
type FrameCallback func(payload []byte)

// StreamState describes the delivery activity of a registered stream.
type StreamState int

const (
	// StreamActive indicates the stream has received frames recently.
	StreamActive StreamState = iota
	// StreamIdle indicates no frames have arrived for at least
	// ManagerConfig.StreamIdleTimeout. Idle streams stay registered.
	StreamIdle
)

// String returns a human-readable name for the stream state.
func (s StreamState) String() string {
	switch s {
	case StreamActive:
		return "active"
	case StreamIdle:
		return "idle"
	default:
		return "unknown"
	}
}

// StreamActivity is a snapshot of the manager's per-stream delivery
// accounting.
type StreamActivity struct {
	// State is the current activity classification.
	State StreamState
	// FramesDelivered counts callback invocations for this stream.
	FramesDelivered uint64
	// ChronologyViolations counts deliveries whose capture timestamp
	// regressed below the previous delivery. Expected to stay zero apart
	// from deliberate resynchronization jumps.
	ChronologyViolations uint64
	// LastArrival is when the stream last received a frame.
	LastArrival time.Time
	// LastDelivery is when the stream last delivered a frame.
	LastDelivery time.Time
}

// ManagerConfig holds the polling and supervision tunables of a Manager.
type ManagerConfig struct {
	// PollInterval is the cadence of the internal polling loop.
	PollInterval time.Duration
	// MaxFramesPerPoll bounds how many frames one stream may deliver in a
	// single tick, so a backlogged stream cannot monopolize the loop.
	MaxFramesPerPoll int
	// StreamIdleTimeout marks a stream idle after this long without
	// arrivals. Zero disables idle tracking.
	StreamIdleTimeout time.Duration
	// MinDeliveryInterval paces deliveries to at most one per interval,
	// for callers that render directly from the callback. Zero disables
	// pacing.
	MinDeliveryInterval time.Duration
	// EnableAdaptation wires a BufferAdapter to every registered stream.
	EnableAdaptation bool
}

// DefaultManagerConfig returns the standard polling configuration.
func DefaultManagerConfig() *ManagerConfig {
	return &ManagerConfig{
		PollInterval:        time.Second / 60, // 60Hz polling
		MaxFramesPerPoll:    10,               // drain bound per stream per tick
		StreamIdleTimeout:   10 * time.Second, // mark idle after 10s silence
		MinDeliveryInterval: 0,                // pacing off
		EnableAdaptation:    false,            // fixed jitter depth
	}
}

// validate checks the manager configuration for usable values.
func (c *ManagerConfig) validate() error {
	switch {
	case c.PollInterval <= 0:
		return fmt.Errorf("%w: poll interval must be positive, got %v", ErrInvalidConfig, c.PollInterval)
	case c.MaxFramesPerPoll <= 0:
		return fmt.Errorf("%w: max frames per poll must be positive, got %d", ErrInvalidConfig, c.MaxFramesPerPoll)
	case c.StreamIdleTimeout < 0:
		return fmt.Errorf("%w: stream idle timeout must not be negative, got %v", ErrInvalidConfig, c.StreamIdleTimeout)
	case c.MinDeliveryInterval < 0:
		return fmt.Errorf("%w: min delivery interval must not be negative, got %v", ErrInvalidConfig, c.MinDeliveryInterval)
	}
	return nil
}

// stream bundles one sequencer with the manager's per-stream accounting.
// Fields are guarded by mu; the sequencer has its own lock.
type stream struct {
	mu sync.Mutex

	id        string
	sequencer *Sequencer
	callback  FrameCallback
	adapter   *BufferAdapter

	state       StreamState
	health      BufferHealth
	healthKnown bool

	lastArrival  time.Time
	lastDelivery time.Time

	lastEmittedTimestamp float64
	hasEmitted           bool

	framesDelivered      uint64
	chronologyViolations uint64

	// closed is set by UnregisterStream so an in-flight drain stops
	// touching the stream.
	closed bool
}

// touch records a frame arrival.
func (st *stream) touch(now time.Time) {
	st.mu.Lock()
	st.lastArrival = now
	st.mu.Unlock()
}

// Manager owns one Sequencer per stream and drives them all from a single
// fixed-cadence polling loop.
//
// Producers call AddFrame from any goroutine; the manager delivers ordered
// frames to each stream's callback from its polling goroutine. Streams can
// be registered and unregistered at any time, including while the loop is
// running.
type Manager struct {
	mu sync.RWMutex

	config          *ManagerConfig
	sequencerConfig *Config

	streams map[string]*stream

	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	healthMonitor *HealthMonitor

	stateCallback  func(streamID string, state StreamState)
	healthCallback func(streamID string, health BufferHealth)

	timeProvider TimeProvider
}

// NewManager creates a manager. Nil configs use DefaultManagerConfig and
// DefaultConfig respectively; sequencerConfig is the template cloned for
// every registered stream.
//
// Returns:
//   - *Manager: The new manager instance
//   - error: Validation error for unusable configuration values
func NewManager(config *ManagerConfig, sequencerConfig *Config) (*Manager, error) {
	if config == nil {
		config = DefaultManagerConfig()
	}
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("manager config: %w", err)
	}
	if sequencerConfig == nil {
		sequencerConfig = DefaultConfig()
	}
	if err := sequencerConfig.Validate(); err != nil {
		return nil, fmt.Errorf("sequencer config: %w", err)
	}

	m := &Manager{
		config:          config,
		sequencerConfig: sequencerConfig.clone(),
		streams:         make(map[string]*stream),
		healthMonitor:   NewHealthMonitor(nil),
		timeProvider:    DefaultTimeProvider{},
	}

	logrus.WithFields(logrus.Fields{
		"function":      "NewManager",
		"poll_interval": config.PollInterval,
		"adaptation":    config.EnableAdaptation,
	}).Info("Created sequencing manager")

	return m, nil
}

// SetTimeProvider sets the time provider for deterministic testing and
// propagates it to every registered sequencer. If tp is nil,
// DefaultTimeProvider is used.
func (m *Manager) SetTimeProvider(tp TimeProvider) {
	if tp == nil {
		tp = DefaultTimeProvider{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.timeProvider = tp
	for _, st := range m.streams {
		st.sequencer.SetTimeProvider(tp)
	}
}

// SetStreamStateCallback registers a callback fired on every stream state
// transition. Pass nil to remove it.
func (m *Manager) SetStreamStateCallback(cb func(streamID string, state StreamState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateCallback = cb
}

// SetHealthCallback registers a callback fired on every buffer health
// transition. Pass nil to remove it.
func (m *Manager) SetHealthCallback(cb func(streamID string, health BufferHealth)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthCallback = cb
}

// RegisterStream creates a sequencer for streamID and begins delivering
// its frames to callback in chronological order.
//
// Parameters:
//   - streamID: Unique stream identifier
//   - callback: Receiver for ordered frame payloads
//   - maxBufferSize: Buffer bound override; <= 0 keeps the configured value
//
// Returns:
//   - error: ErrEmptyStreamID, ErrNilCallback, or
//     ErrStreamAlreadyRegistered on bad input
func (m *Manager) RegisterStream(streamID string, callback FrameCallback, maxBufferSize int) error {
	if streamID == "" {
		return ErrEmptyStreamID
	}
	if callback == nil {
		return fmt.Errorf("stream %q: %w", streamID, ErrNilCallback)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.streams[streamID]; exists {
		return fmt.Errorf("stream %q: %w", streamID, ErrStreamAlreadyRegistered)
	}

	cfg := m.sequencerConfig.clone()
	if maxBufferSize > 0 {
		cfg.MaxBufferSize = maxBufferSize
		if cfg.JitterBufferSize > maxBufferSize {
			cfg.JitterBufferSize = maxBufferSize
		}
	}

	seq, err := NewSequencer(streamID, cfg)
	if err != nil {
		return err
	}
	seq.SetTimeProvider(m.timeProvider)

	now := m.timeProvider.Now()
	st := &stream{
		id:           streamID,
		sequencer:    seq,
		callback:     callback,
		state:        StreamActive,
		lastArrival:  now,
		lastDelivery: now,
	}
	if m.config.EnableAdaptation {
		st.adapter = NewBufferAdapter(nil)
	}

	m.streams[streamID] = st

	logrus.WithFields(logrus.Fields{
		"function":        "RegisterStream",
		"stream_id":       streamID,
		"max_buffer_size": cfg.MaxBufferSize,
		"total_streams":   len(m.streams),
	}).Info("Registered stream")

	return nil
}

// UnregisterStream removes streamID and discards its buffered frames
// immediately. Safe to call at any time, including from a frame callback.
//
// Returns:
//   - error: ErrUnknownStream if streamID is not registered
func (m *Manager) UnregisterStream(streamID string) error {
	m.mu.Lock()
	st, exists := m.streams[streamID]
	if !exists {
		m.mu.Unlock()
		return fmt.Errorf("stream %q: %w", streamID, ErrUnknownStream)
	}
	delete(m.streams, streamID)
	m.mu.Unlock()

	st.mu.Lock()
	st.closed = true
	st.mu.Unlock()

	st.sequencer.Reset()

	logrus.WithFields(logrus.Fields{
		"function":  "UnregisterStream",
		"stream_id": streamID,
	}).Info("Unregistered stream")

	return nil
}

// AddFrame routes one frame to the sequencer of streamID.
//
// Parameters:
//   - streamID: Target stream identifier
//   - seq: Sender-assigned sequence number
//   - captureTS: Sender-side capture time in seconds
//   - networkTS: Sender-side send time in seconds
//   - payload: Decoded media data; ownership transfers to the engine
//
// Returns:
//   - error: ErrUnknownStream for an unregistered stream, otherwise the
//     sequencer's admission result
func (m *Manager) AddFrame(streamID string, seq uint64, captureTS, networkTS float64, payload []byte) error {
	m.mu.RLock()
	st, exists := m.streams[streamID]
	tp := m.timeProvider
	m.mu.RUnlock()

	if !exists {
		logrus.WithFields(logrus.Fields{
			"function":  "AddFrame",
			"stream_id": streamID,
			"sequence":  seq,
		}).Warn("Dropping frame for unknown stream")
		return fmt.Errorf("stream %q: %w", streamID, ErrUnknownStream)
	}

	st.touch(tp.Now())
	return st.sequencer.AddFrame(seq, captureTS, networkTS, payload)
}

// Start launches the polling goroutine. Starting an already running
// manager is an error.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return ErrManagerAlreadyRunning
	}

	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	go m.pollLoop(m.stopCh, m.doneCh)

	logrus.WithFields(logrus.Fields{
		"function":      "Start",
		"poll_interval": m.config.PollInterval,
	}).Info("Started sequencing manager")

	return nil
}

// Stop halts the polling goroutine and waits for it to exit. Stopping a
// manager that is not running is a no-op.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	stopCh, doneCh := m.stopCh, m.doneCh
	m.mu.Unlock()

	close(stopCh)
	<-doneCh

	logrus.WithFields(logrus.Fields{
		"function": "Stop",
	}).Info("Stopped sequencing manager")
}

// IsRunning reports whether the polling goroutine is active.
func (m *Manager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// IterationInterval returns the polling cadence, for callers that pump
// Iterate from their own loop instead of calling Start.
func (m *Manager) IterationInterval() time.Duration {
	return m.config.PollInterval
}

// pollLoop drives Iterate at the configured cadence until stopCh closes.
func (m *Manager) pollLoop(stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(m.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			m.Iterate()
		}
	}
}

// Iterate runs one polling pass over all registered streams: drain ready
// frames, update activity state, and evaluate buffer health. Exported so
// tests and external event loops can step the manager deterministically.
func (m *Manager) Iterate() {
	m.mu.RLock()
	snapshot := make([]*stream, 0, len(m.streams))
	for _, st := range m.streams {
		snapshot = append(snapshot, st)
	}
	tp := m.timeProvider
	m.mu.RUnlock()

	for _, st := range snapshot {
		m.drainStream(st, tp)
		m.observeStream(st, tp.Now())
	}
}

// drainStream delivers up to MaxFramesPerPoll ready frames from one
// stream. The callback runs with no locks held.
func (m *Manager) drainStream(st *stream, tp TimeProvider) {
	for i := 0; i < m.config.MaxFramesPerPoll; i++ {
		now := tp.Now()

		st.mu.Lock()
		if st.closed {
			st.mu.Unlock()
			return
		}
		if m.config.MinDeliveryInterval > 0 && now.Sub(st.lastDelivery) < m.config.MinDeliveryInterval {
			// Pacing: leave the frame buffered; order is unaffected.
			st.mu.Unlock()
			return
		}
		st.mu.Unlock()

		frame := st.sequencer.GetNextFrame()
		if frame == nil {
			return
		}

		st.mu.Lock()
		if st.closed {
			// Unregistered between poll and delivery; the frame is
			// discarded with the rest of the buffer.
			st.mu.Unlock()
			return
		}
		if st.hasEmitted && frame.CaptureTimestamp < st.lastEmittedTimestamp {
			st.chronologyViolations++
			logrus.WithFields(logrus.Fields{
				"function":  "drainStream",
				"stream_id": st.id,
				"sequence":  frame.SequenceNumber,
				"capture":   frame.CaptureTimestamp,
				"previous":  st.lastEmittedTimestamp,
			}).Warn("Delivered frame with regressed capture timestamp")
		}
		st.lastEmittedTimestamp = frame.CaptureTimestamp
		st.hasEmitted = true
		st.framesDelivered++
		st.lastDelivery = now
		callback := st.callback
		st.mu.Unlock()

		m.safeDeliver(st.id, callback, frame.Payload)
	}
}

// safeDeliver invokes a frame callback, recovering from panics so a
// faulty receiver cannot tear down the polling loop.
func (m *Manager) safeDeliver(streamID string, callback FrameCallback, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithFields(logrus.Fields{
				"function":  "safeDeliver",
				"stream_id": streamID,
				"panic":     r,
			}).Error("Recovered from panic in frame callback")
		}
	}()

	callback(payload)
}

// observeStream updates one stream's activity state, assesses its buffer
// health, and applies depth adaptation. Transition callbacks run with no
// locks held.
func (m *Manager) observeStream(st *stream, now time.Time) {
	m.mu.RLock()
	stateCb := m.stateCallback
	healthCb := m.healthCallback
	m.mu.RUnlock()

	var (
		stateChanged  bool
		newState      StreamState
		healthChanged bool
		newHealth     BufferHealth
	)

	status := st.sequencer.GetBufferStatus()
	depth := st.sequencer.GetJitterBufferSize()
	maxBuffer := st.sequencer.GetMaxBufferSize()

	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return
	}

	if m.config.StreamIdleTimeout > 0 {
		desired := StreamActive
		if now.Sub(st.lastArrival) >= m.config.StreamIdleTimeout {
			desired = StreamIdle
		}
		if desired != st.state {
			st.state = desired
			stateChanged = true
			newState = desired
		}
	}

	sinceDelivery := now.Sub(st.lastDelivery)
	health := m.healthMonitor.Assess(status, depth, maxBuffer, sinceDelivery)
	if !st.healthKnown || health != st.health {
		st.health = health
		st.healthKnown = true
		healthChanged = true
		newHealth = health
	}

	adapter := st.adapter
	st.mu.Unlock()

	if adapter != nil {
		if newDepth, changed := adapter.Evaluate(health, depth, now); changed {
			st.sequencer.SetJitterBufferSize(newDepth)
		}
	}

	if stateChanged {
		logrus.WithFields(logrus.Fields{
			"function":  "observeStream",
			"stream_id": st.id,
			"state":     newState.String(),
		}).Debug("Stream state changed")
		if stateCb != nil {
			stateCb(st.id, newState)
		}
	}
	if healthChanged && healthCb != nil {
		healthCb(st.id, newHealth)
	}
}

// GetBufferStatus returns the buffer snapshot of one stream.
//
// Returns:
//   - BufferStatus: Snapshot from the stream's sequencer
//   - error: ErrUnknownStream if streamID is not registered
func (m *Manager) GetBufferStatus(streamID string) (BufferStatus, error) {
	m.mu.RLock()
	st, exists := m.streams[streamID]
	m.mu.RUnlock()

	if !exists {
		return BufferStatus{}, fmt.Errorf("stream %q: %w", streamID, ErrUnknownStream)
	}
	return st.sequencer.GetBufferStatus(), nil
}

// GetAllStatus returns buffer snapshots for every registered stream,
// keyed by stream ID.
func (m *Manager) GetAllStatus() map[string]BufferStatus {
	m.mu.RLock()
	snapshot := make([]*stream, 0, len(m.streams))
	for _, st := range m.streams {
		snapshot = append(snapshot, st)
	}
	m.mu.RUnlock()

	all := make(map[string]BufferStatus, len(snapshot))
	for _, st := range snapshot {
		all[st.id] = st.sequencer.GetBufferStatus()
	}
	return all
}

// GetActiveStreams returns the IDs of all registered streams.
func (m *Manager) GetActiveStreams() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.streams))
	for id := range m.streams {
		ids = append(ids, id)
	}
	return ids
}

// GetStreamActivity returns the manager's delivery accounting for one
// stream.
//
// Returns:
//   - StreamActivity: Activity snapshot
//   - error: ErrUnknownStream if streamID is not registered
func (m *Manager) GetStreamActivity(streamID string) (StreamActivity, error) {
	m.mu.RLock()
	st, exists := m.streams[streamID]
	m.mu.RUnlock()

	if !exists {
		return StreamActivity{}, fmt.Errorf("stream %q: %w", streamID, ErrUnknownStream)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	return StreamActivity{
		State:                st.state,
		FramesDelivered:      st.framesDelivered,
		ChronologyViolations: st.chronologyViolations,
		LastArrival:          st.lastArrival,
		LastDelivery:         st.lastDelivery,
	}, nil
}

// ResetAll resets every registered sequencer and the manager's per-stream
// accounting, keeping registrations and callbacks in place.
func (m *Manager) ResetAll() {
	m.mu.RLock()
	snapshot := make([]*stream, 0, len(m.streams))
	for _, st := range m.streams {
		snapshot = append(snapshot, st)
	}
	tp := m.timeProvider
	m.mu.RUnlock()

	now := tp.Now()
	for _, st := range snapshot {
		st.sequencer.Reset()

		st.mu.Lock()
		st.state = StreamActive
		st.health = HealthHealthy
		st.healthKnown = false
		st.lastArrival = now
		st.lastDelivery = now
		st.lastEmittedTimestamp = 0
		st.hasEmitted = false
		st.framesDelivered = 0
		st.chronologyViolations = 0
		st.mu.Unlock()
	}

	logrus.WithFields(logrus.Fields{
		"function": "ResetAll",
		"streams":  len(snapshot),
	}).Info("Reset all streams")
}
