package framesync

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// frameRecorder collects callback payloads for assertions.
type frameRecorder struct {
	mu       sync.Mutex
	payloads []string
}

func (r *frameRecorder) record(payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, string(payload))
}

func (r *frameRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.payloads...)
}

// newTestManager builds a manager on a mock clock with a jitter depth of
// one so frames pass the gate without aging.
func newTestManager(t *testing.T) (*Manager, *mockTimeProvider) {
	t.Helper()

	seqCfg := DefaultConfig()
	seqCfg.JitterBufferSize = 1

	manager, err := NewManager(nil, seqCfg)
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}

	tp := &mockTimeProvider{currentTime: time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)}
	manager.SetTimeProvider(tp)
	return manager, tp
}

// TestNewManager verifies construction and initial state.
func TestNewManager(t *testing.T) {
	manager, err := NewManager(nil, nil)
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}

	if manager.IsRunning() {
		t.Error("Manager should not be running initially")
	}

	if len(manager.GetActiveStreams()) != 0 {
		t.Error("Manager should have no streams initially")
	}

	interval := manager.IterationInterval()
	expectedInterval := time.Second / 60
	if interval != expectedInterval {
		t.Errorf("Expected iteration interval %v, got %v", expectedInterval, interval)
	}
}

// TestNewManagerInvalidConfig verifies configuration validation.
func TestNewManagerInvalidConfig(t *testing.T) {
	_, err := NewManager(&ManagerConfig{PollInterval: -time.Second}, nil)
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig, got %v", err)
	}

	_, err = NewManager(nil, &Config{})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig for bad sequencer config, got %v", err)
	}
}

// TestManagerLifecycle verifies start/stop semantics.
func TestManagerLifecycle(t *testing.T) {
	manager, _ := newTestManager(t)

	if err := manager.Start(); err != nil {
		t.Fatalf("Failed to start manager: %v", err)
	}
	if !manager.IsRunning() {
		t.Error("Manager should be running after Start()")
	}

	if err := manager.Start(); !errors.Is(err, ErrManagerAlreadyRunning) {
		t.Errorf("Expected ErrManagerAlreadyRunning, got %v", err)
	}

	manager.Stop()
	if manager.IsRunning() {
		t.Error("Manager should not be running after Stop()")
	}

	// Stopping again is a no-op.
	manager.Stop()

	// The manager restarts cleanly.
	if err := manager.Start(); err != nil {
		t.Fatalf("Failed to restart manager: %v", err)
	}
	manager.Stop()
}

// TestManagerRegisterStream verifies registration validation.
func TestManagerRegisterStream(t *testing.T) {
	manager, _ := newTestManager(t)
	recorder := &frameRecorder{}

	if err := manager.RegisterStream("cam-1", recorder.record, 0); err != nil {
		t.Fatalf("Failed to register stream: %v", err)
	}

	if err := manager.RegisterStream("cam-1", recorder.record, 0); !errors.Is(err, ErrStreamAlreadyRegistered) {
		t.Errorf("Expected ErrStreamAlreadyRegistered, got %v", err)
	}

	if err := manager.RegisterStream("", recorder.record, 0); !errors.Is(err, ErrEmptyStreamID) {
		t.Errorf("Expected ErrEmptyStreamID, got %v", err)
	}

	if err := manager.RegisterStream("cam-2", nil, 0); !errors.Is(err, ErrNilCallback) {
		t.Errorf("Expected ErrNilCallback, got %v", err)
	}

	streams := manager.GetActiveStreams()
	if len(streams) != 1 || streams[0] != "cam-1" {
		t.Errorf("Expected exactly [cam-1], got %v", streams)
	}
}

// TestManagerUnregisterStream verifies stream removal.
func TestManagerUnregisterStream(t *testing.T) {
	manager, _ := newTestManager(t)
	recorder := &frameRecorder{}

	if err := manager.UnregisterStream("ghost"); !errors.Is(err, ErrUnknownStream) {
		t.Errorf("Expected ErrUnknownStream, got %v", err)
	}

	if err := manager.RegisterStream("cam-1", recorder.record, 0); err != nil {
		t.Fatalf("Failed to register stream: %v", err)
	}
	if err := manager.UnregisterStream("cam-1"); err != nil {
		t.Fatalf("Failed to unregister stream: %v", err)
	}

	if err := manager.AddFrame("cam-1", 0, 100.0, 100.0, nil); !errors.Is(err, ErrUnknownStream) {
		t.Errorf("Expected ErrUnknownStream after unregister, got %v", err)
	}

	if len(manager.GetActiveStreams()) != 0 {
		t.Error("Expected no streams after unregister")
	}
}

// TestManagerAddFrameUnknownStream verifies frame routing validation.
func TestManagerAddFrameUnknownStream(t *testing.T) {
	manager, _ := newTestManager(t)

	err := manager.AddFrame("nobody", 0, 100.0, 100.0, []byte("x"))
	if !errors.Is(err, ErrUnknownStream) {
		t.Errorf("Expected ErrUnknownStream, got %v", err)
	}
}

// TestManagerDeliversInOrder verifies that scrambled arrivals come out of
// the callback in capture order.
func TestManagerDeliversInOrder(t *testing.T) {
	manager, tp := newTestManager(t)
	recorder := &frameRecorder{}

	if err := manager.RegisterStream("cam-1", recorder.record, 0); err != nil {
		t.Fatalf("Failed to register stream: %v", err)
	}

	// Arrival order 0, 2, 1.
	frames := []struct {
		seq uint64
		ts  float64
	}{
		{0, 100.000},
		{2, 100.066},
		{1, 100.033},
	}
	for _, f := range frames {
		if err := manager.AddFrame("cam-1", f.seq, f.ts, f.ts, []byte(fmt.Sprintf("f%d", f.seq))); err != nil {
			t.Fatalf("Failed to add frame %d: %v", f.seq, err)
		}
	}

	for i := 0; i < 4; i++ {
		manager.Iterate()
		tp.Advance(150 * time.Millisecond)
	}

	delivered := recorder.snapshot()
	expected := []string{"f0", "f1", "f2"}
	if len(delivered) != len(expected) {
		t.Fatalf("Expected %d deliveries, got %d (%v)", len(expected), len(delivered), delivered)
	}
	for i, want := range expected {
		if delivered[i] != want {
			t.Errorf("Delivery %d: expected %s, got %s", i, want, delivered[i])
		}
	}

	activity, err := manager.GetStreamActivity("cam-1")
	if err != nil {
		t.Fatalf("Failed to get activity: %v", err)
	}
	if activity.FramesDelivered != 3 {
		t.Errorf("Expected 3 frames delivered, got %d", activity.FramesDelivered)
	}
	if activity.ChronologyViolations != 0 {
		t.Errorf("Expected no chronology violations, got %d", activity.ChronologyViolations)
	}
}

// TestManagerMaxFramesPerPoll verifies the per-tick drain bound.
func TestManagerMaxFramesPerPoll(t *testing.T) {
	mgrCfg := DefaultManagerConfig()
	mgrCfg.MaxFramesPerPoll = 2
	seqCfg := DefaultConfig()
	seqCfg.JitterBufferSize = 1

	manager, err := NewManager(mgrCfg, seqCfg)
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	tp := &mockTimeProvider{currentTime: time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)}
	manager.SetTimeProvider(tp)

	recorder := &frameRecorder{}
	if err := manager.RegisterStream("cam-1", recorder.record, 0); err != nil {
		t.Fatalf("Failed to register stream: %v", err)
	}

	for i := 0; i < 5; i++ {
		ts := 100.0 + float64(i)/30.0
		if err := manager.AddFrame("cam-1", uint64(i), ts, ts, []byte{byte(i)}); err != nil {
			t.Fatalf("Failed to add frame %d: %v", i, err)
		}
	}

	expectedCounts := []int{2, 4, 5}
	for _, want := range expectedCounts {
		manager.Iterate()
		if got := len(recorder.snapshot()); got != want {
			t.Errorf("Expected %d total deliveries, got %d", want, got)
		}
	}
}

// TestManagerMinDeliveryInterval verifies render pacing.
func TestManagerMinDeliveryInterval(t *testing.T) {
	mgrCfg := DefaultManagerConfig()
	mgrCfg.MinDeliveryInterval = 50 * time.Millisecond
	seqCfg := DefaultConfig()
	seqCfg.JitterBufferSize = 1

	manager, err := NewManager(mgrCfg, seqCfg)
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	tp := &mockTimeProvider{currentTime: time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)}
	manager.SetTimeProvider(tp)

	recorder := &frameRecorder{}
	if err := manager.RegisterStream("cam-1", recorder.record, 0); err != nil {
		t.Fatalf("Failed to register stream: %v", err)
	}

	for i := 0; i < 3; i++ {
		ts := 100.0 + float64(i)/30.0
		if err := manager.AddFrame("cam-1", uint64(i), ts, ts, []byte{byte(i)}); err != nil {
			t.Fatalf("Failed to add frame %d: %v", i, err)
		}
	}

	// Each tick releases at most one frame despite the backlog.
	for want := 1; want <= 3; want++ {
		tp.Advance(60 * time.Millisecond)
		manager.Iterate()
		if got := len(recorder.snapshot()); got != want {
			t.Errorf("Expected %d total deliveries after tick, got %d", want, got)
		}
	}
}

// TestManagerChronologyViolationAccounting verifies that a forced
// resynchronization onto an older capture timestamp is counted.
func TestManagerChronologyViolationAccounting(t *testing.T) {
	manager, tp := newTestManager(t)
	recorder := &frameRecorder{}

	if err := manager.RegisterStream("cam-1", recorder.record, 0); err != nil {
		t.Fatalf("Failed to register stream: %v", err)
	}

	if err := manager.AddFrame("cam-1", 0, 100.0, 100.0, []byte("a")); err != nil {
		t.Fatalf("Failed to add frame: %v", err)
	}
	manager.Iterate()

	// A gap beyond MaxSequenceGap resynchronizes unconditionally, even
	// onto a frame whose capture timestamp runs backwards.
	tp.Advance(10 * time.Millisecond)
	if err := manager.AddFrame("cam-1", 50, 99.0, 100.050, []byte("b")); err != nil {
		t.Fatalf("Failed to add resync frame: %v", err)
	}
	manager.Iterate()

	activity, err := manager.GetStreamActivity("cam-1")
	if err != nil {
		t.Fatalf("Failed to get activity: %v", err)
	}
	if activity.FramesDelivered != 2 {
		t.Fatalf("Expected 2 deliveries, got %d", activity.FramesDelivered)
	}
	if activity.ChronologyViolations != 1 {
		t.Errorf("Expected 1 chronology violation, got %d", activity.ChronologyViolations)
	}
}

// TestManagerIdleTransition verifies idle detection and the state callback.
func TestManagerIdleTransition(t *testing.T) {
	manager, tp := newTestManager(t)
	recorder := &frameRecorder{}

	var mu sync.Mutex
	var transitions []StreamState
	manager.SetStreamStateCallback(func(streamID string, state StreamState) {
		mu.Lock()
		transitions = append(transitions, state)
		mu.Unlock()
	})

	if err := manager.RegisterStream("cam-1", recorder.record, 0); err != nil {
		t.Fatalf("Failed to register stream: %v", err)
	}

	manager.Iterate()
	mu.Lock()
	if len(transitions) != 0 {
		t.Errorf("Expected no transitions while active, got %v", transitions)
	}
	mu.Unlock()

	// Silence beyond the idle timeout marks the stream idle.
	tp.Advance(11 * time.Second)
	manager.Iterate()

	activity, err := manager.GetStreamActivity("cam-1")
	if err != nil {
		t.Fatalf("Failed to get activity: %v", err)
	}
	if activity.State != StreamIdle {
		t.Errorf("Expected idle state, got %v", activity.State)
	}

	// A new arrival brings it back.
	if err := manager.AddFrame("cam-1", 0, 100.0, 100.0, nil); err != nil {
		t.Fatalf("Failed to add frame: %v", err)
	}
	manager.Iterate()

	mu.Lock()
	expected := []StreamState{StreamIdle, StreamActive}
	if len(transitions) != len(expected) {
		t.Fatalf("Expected transitions %v, got %v", expected, transitions)
	}
	for i, want := range expected {
		if transitions[i] != want {
			t.Errorf("Transition %d: expected %v, got %v", i, want, transitions[i])
		}
	}
	mu.Unlock()
}

// TestManagerHealthCallback verifies health transitions reach the callback.
func TestManagerHealthCallback(t *testing.T) {
	seqCfg := DefaultConfig()
	manager, err := NewManager(nil, seqCfg)
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	tp := &mockTimeProvider{currentTime: time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)}
	manager.SetTimeProvider(tp)

	var mu sync.Mutex
	var levels []BufferHealth
	manager.SetHealthCallback(func(streamID string, health BufferHealth) {
		mu.Lock()
		levels = append(levels, health)
		mu.Unlock()
	})

	recorder := &frameRecorder{}
	if err := manager.RegisterStream("cam-1", recorder.record, 0); err != nil {
		t.Fatalf("Failed to register stream: %v", err)
	}

	// An empty buffer below half the target depth reports starved.
	manager.Iterate()

	// Two buffered frames put the depth back in the healthy band.
	if err := manager.AddFrame("cam-1", 0, 100.000, 100.000, nil); err != nil {
		t.Fatalf("Failed to add frame: %v", err)
	}
	if err := manager.AddFrame("cam-1", 1, 100.033, 100.033, nil); err != nil {
		t.Fatalf("Failed to add frame: %v", err)
	}
	manager.Iterate()

	mu.Lock()
	defer mu.Unlock()
	expected := []BufferHealth{HealthStarved, HealthHealthy}
	if len(levels) != len(expected) {
		t.Fatalf("Expected health levels %v, got %v", expected, levels)
	}
	for i, want := range expected {
		if levels[i] != want {
			t.Errorf("Level %d: expected %v, got %v", i, want, levels[i])
		}
	}
}

// TestManagerGetAllStatus verifies the aggregate snapshot.
func TestManagerGetAllStatus(t *testing.T) {
	manager, _ := newTestManager(t)
	recorder := &frameRecorder{}

	for _, id := range []string{"cam-1", "cam-2"} {
		if err := manager.RegisterStream(id, recorder.record, 0); err != nil {
			t.Fatalf("Failed to register %s: %v", id, err)
		}
	}
	if err := manager.AddFrame("cam-1", 0, 100.0, 100.0, nil); err != nil {
		t.Fatalf("Failed to add frame: %v", err)
	}

	all := manager.GetAllStatus()
	if len(all) != 2 {
		t.Fatalf("Expected 2 statuses, got %d", len(all))
	}
	if all["cam-1"].BufferSize != 1 {
		t.Errorf("Expected cam-1 buffer size 1, got %d", all["cam-1"].BufferSize)
	}
	if all["cam-2"].BufferSize != 0 {
		t.Errorf("Expected cam-2 buffer size 0, got %d", all["cam-2"].BufferSize)
	}

	if _, err := manager.GetBufferStatus("ghost"); !errors.Is(err, ErrUnknownStream) {
		t.Errorf("Expected ErrUnknownStream, got %v", err)
	}
}

// TestManagerMaxBufferOverride verifies the per-stream buffer bound.
func TestManagerMaxBufferOverride(t *testing.T) {
	manager, _ := newTestManager(t)
	recorder := &frameRecorder{}

	if err := manager.RegisterStream("cam-1", recorder.record, 5); err != nil {
		t.Fatalf("Failed to register stream: %v", err)
	}

	for i := 0; i < 8; i++ {
		ts := 100.0 + float64(i)/30.0
		if err := manager.AddFrame("cam-1", uint64(i), ts, ts, nil); err != nil {
			t.Fatalf("Failed to add frame %d: %v", i, err)
		}
	}

	status, err := manager.GetBufferStatus("cam-1")
	if err != nil {
		t.Fatalf("Failed to get status: %v", err)
	}
	if status.BufferSize != 5 {
		t.Errorf("Expected buffer capped at 5, got %d", status.BufferSize)
	}
}

// TestManagerResetAll verifies the aggregate reset.
func TestManagerResetAll(t *testing.T) {
	manager, _ := newTestManager(t)
	recorder := &frameRecorder{}

	if err := manager.RegisterStream("cam-1", recorder.record, 0); err != nil {
		t.Fatalf("Failed to register stream: %v", err)
	}
	if err := manager.AddFrame("cam-1", 0, 100.0, 100.0, []byte("a")); err != nil {
		t.Fatalf("Failed to add frame: %v", err)
	}
	manager.Iterate()

	manager.ResetAll()

	status, err := manager.GetBufferStatus("cam-1")
	if err != nil {
		t.Fatalf("Failed to get status: %v", err)
	}
	if status.BufferSize != 0 || status.LastDeliveredSequence != -1 {
		t.Errorf("Expected a pristine sequencer after reset, got %+v", status)
	}

	activity, err := manager.GetStreamActivity("cam-1")
	if err != nil {
		t.Fatalf("Failed to get activity: %v", err)
	}
	if activity.FramesDelivered != 0 || activity.State != StreamActive {
		t.Errorf("Expected reset activity accounting, got %+v", activity)
	}

	// The registration survives and keeps working.
	if err := manager.AddFrame("cam-1", 0, 100.0, 100.0, []byte("b")); err != nil {
		t.Fatalf("Failed to add frame after reset: %v", err)
	}
	manager.Iterate()
	if got := recorder.snapshot(); len(got) != 2 {
		t.Errorf("Expected 2 total deliveries, got %v", got)
	}
}

// TestManagerUnregisterFromCallback verifies reentrant unregistration.
func TestManagerUnregisterFromCallback(t *testing.T) {
	manager, _ := newTestManager(t)

	delivered := 0
	if err := manager.RegisterStream("cam-1", func(payload []byte) {
		delivered++
		if err := manager.UnregisterStream("cam-1"); err != nil {
			t.Errorf("Unregister from callback failed: %v", err)
		}
	}, 0); err != nil {
		t.Fatalf("Failed to register stream: %v", err)
	}

	for i := 0; i < 3; i++ {
		ts := 100.0 + float64(i)/30.0
		if err := manager.AddFrame("cam-1", uint64(i), ts, ts, nil); err != nil {
			t.Fatalf("Failed to add frame %d: %v", i, err)
		}
	}

	manager.Iterate()

	if delivered != 1 {
		t.Errorf("Expected exactly 1 delivery before unregistration, got %d", delivered)
	}
	if len(manager.GetActiveStreams()) != 0 {
		t.Error("Expected no streams after callback unregistration")
	}
}

// TestManagerCallbackPanicRecovered verifies that a panicking callback
// does not tear down the polling pass.
func TestManagerCallbackPanicRecovered(t *testing.T) {
	manager, _ := newTestManager(t)

	calls := 0
	if err := manager.RegisterStream("cam-1", func(payload []byte) {
		calls++
		if calls == 1 {
			panic("renderer exploded")
		}
	}, 0); err != nil {
		t.Fatalf("Failed to register stream: %v", err)
	}

	for i := 0; i < 2; i++ {
		ts := 100.0 + float64(i)/30.0
		if err := manager.AddFrame("cam-1", uint64(i), ts, ts, nil); err != nil {
			t.Fatalf("Failed to add frame %d: %v", i, err)
		}
	}

	manager.Iterate()

	if calls != 2 {
		t.Errorf("Expected both frames delivered despite the panic, got %d", calls)
	}
}

// TestManagerPollingLoop verifies end-to-end delivery through the real
// ticker goroutine.
func TestManagerPollingLoop(t *testing.T) {
	seqCfg := DefaultConfig()
	seqCfg.JitterBufferSize = 1

	manager, err := NewManager(nil, seqCfg)
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}

	recorder := &frameRecorder{}
	if err := manager.RegisterStream("cam-1", recorder.record, 0); err != nil {
		t.Fatalf("Failed to register stream: %v", err)
	}

	if err := manager.Start(); err != nil {
		t.Fatalf("Failed to start manager: %v", err)
	}
	defer manager.Stop()

	now := float64(time.Now().UnixNano()) / float64(time.Second)
	if err := manager.AddFrame("cam-1", 0, now, now, []byte("live")); err != nil {
		t.Fatalf("Failed to add frame: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(recorder.snapshot()) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Errorf("Expected 1 delivery from the polling loop, got %v", recorder.snapshot())
}
