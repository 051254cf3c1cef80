package framesync

import "time"

// TimeProvider abstracts time access for deterministic testing.
type TimeProvider interface {
	Now() time.Time
}

// DefaultTimeProvider uses the standard library time functions.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

// timeToSeconds converts a wall-clock instant to float64 seconds, the unit
// frame timestamps are expressed in.
func timeToSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
