// Package framesync implements a chronological frame-sequencing engine for
// real-time video streams.
//
// Media frames arrive from the network out of order, duplicated, delayed, or
// not at all. The engine buffers each stream's frames briefly, reorders them
// by capture timestamp, and emits a single chronological output stream
// suitable for display, trading a bounded amount of latency for smoothness.
// Memory is bounded per stream; once a later frame has been shown, the
// engine never steps backwards in time.
//
// Transport, codecs, and display are external collaborators: producers feed
// decoded frames in, the engine calls back out with ordered payloads. The
// rtp subpackage bridges RTP packet streams onto the producer side.
//
// # Getting Started
//
// Create a manager, register a stream with its display callback, and feed
// frames as they arrive:
//
//	manager, err := framesync.NewManager(nil, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	err = manager.RegisterStream("camera-1", func(payload []byte) {
//	    display.Show(payload)
//	}, 0)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	if err := manager.Start(); err != nil {
//	    log.Fatal(err)
//	}
//	defer manager.Stop()
//
//	// Producer path, one call per decoded frame:
//	manager.AddFrame("camera-1", seq, captureTS, networkTS, payload)
//
// The manager polls every registered stream at a fixed cadence and invokes
// each stream's callback with frames in chronological order. Alternatively,
// skip Start and drive the loop manually with Iterate.
//
// # Core Types
//
//   - [Manager]: owns one sequencer per stream plus the polling loop
//   - [Sequencer]: per-stream reorder buffer with the readiness policy
//   - [TimestampedFrame]: immutable frame record with its three timestamps
//   - [ReadinessPolicy]: decides deliver / wait / skip for the next frame
//   - [Config]: tunable latency/smoothness constants
//   - [TimeProvider]: interface for injectable time (testing support)
//
// # Tuning
//
// All timeouts are configuration, not physics. The defaults suit 30 FPS
// video on a LAN: a three-frame jitter buffer, a 100ms reorder timeout, and
// a one-second maximum frame age. Deeper buffers smooth jittery links at the
// cost of latency; the optional adapter (ManagerConfig.EnableAdaptation)
// adjusts the depth from observed buffer health.
package framesync
