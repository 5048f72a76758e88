// Package clock provides the agent's time source. Wall-clock time drives
// schedule activation and expiry so the timeline reacts to NTP jumps;
// monotonic time drives interval measurements inside workers so they stay
// stable when the system clock is adjusted. The two are exposed through
// distinct accessors so they cannot be mixed accidentally.
package clock

import (
	"sync"
	"time"
)

// TimePoint captures both time dimensions at a single instant.
type TimePoint struct {
	// SystemTimeMs is wall-clock milliseconds since the Unix epoch.
	SystemTimeMs int64
	// MonotonicTimeMs is milliseconds on a monotonic clock with an
	// arbitrary epoch. Only differences are meaningful.
	MonotonicTimeMs int64
}

// Clock is the injectable time source used by all workers.
type Clock interface {
	// SystemTimeMs returns wall-clock milliseconds since the Unix epoch.
	SystemTimeMs() int64
	// MonotonicMs returns monotonic milliseconds from an arbitrary epoch.
	MonotonicMs() int64
	// TimePoint returns both dimensions sampled together.
	TimePoint() TimePoint
}

// SystemClock reads the operating system clocks.
type SystemClock struct {
	start time.Time
}

// NewSystemClock returns a Clock backed by the OS.
func NewSystemClock() *SystemClock {
	return &SystemClock{start: time.Now()}
}

// SystemTimeMs returns wall-clock milliseconds since the Unix epoch.
func (c *SystemClock) SystemTimeMs() int64 {
	return time.Now().UnixMilli()
}

// MonotonicMs returns monotonic milliseconds since the clock was created.
// time.Since uses the runtime's monotonic reading.
func (c *SystemClock) MonotonicMs() int64 {
	return time.Since(c.start).Milliseconds()
}

// TimePoint returns both dimensions sampled together.
func (c *SystemClock) TimePoint() TimePoint {
	return TimePoint{
		SystemTimeMs:    c.SystemTimeMs(),
		MonotonicTimeMs: c.MonotonicMs(),
	}
}

// FakeClock is a settable clock for tests. Both dimensions advance
// independently so tests can simulate wall-clock jumps.
type FakeClock struct {
	mu        sync.Mutex
	systemMs  int64
	monotonic int64
}

// NewFakeClock returns a FakeClock starting at the given wall time.
func NewFakeClock(systemMs int64) *FakeClock {
	return &FakeClock{systemMs: systemMs}
}

// SystemTimeMs returns the current fake wall time.
func (c *FakeClock) SystemTimeMs() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.systemMs
}

// MonotonicMs returns the current fake monotonic time.
func (c *FakeClock) MonotonicMs() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.monotonic
}

// TimePoint returns both dimensions sampled together.
func (c *FakeClock) TimePoint() TimePoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return TimePoint{SystemTimeMs: c.systemMs, MonotonicTimeMs: c.monotonic}
}

// Advance moves both clocks forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.systemMs += d.Milliseconds()
	c.monotonic += d.Milliseconds()
}

// JumpSystem moves only the wall clock, simulating an NTP adjustment.
func (c *FakeClock) JumpSystem(deltaMs int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.systemMs += deltaMs
}

// SetSystem sets the wall clock to an absolute value.
func (c *FakeClock) SetSystem(systemMs int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.systemMs = systemMs
}
