package testutil

import "sync"

// StepClock is a fake wall clock for client timestamps. Each call to NowMs
// advances by a fixed step, so queued offline actions carry reproducible
// timestamps.
//
// Safe for concurrent use.
type StepClock struct {
	mu   sync.Mutex
	now  int64
	step int64
}

// NewStepClock creates a clock whose first reading is start+step.
func NewStepClock(start, step int64) *StepClock {
	return &StepClock{now: start, step: step}
}

// NowMs advances the clock and returns the new reading in milliseconds.
func (c *StepClock) NowMs() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += c.step
	return c.now
}

// Peek returns the last reading without advancing.
func (c *StepClock) Peek() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Reset rewinds the clock to start.
func (c *StepClock) Reset(start int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = start
}
