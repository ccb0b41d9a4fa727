package clock

import (
	"sync"
	"time"
)

// Clock is the time source every timing decision in the core derives from.
// Implementations must be monotonic: Now never returns a value earlier than
// a previously returned one within the same process.
type Clock interface {
	Now() time.Time
}

// System returns the wall clock, clamped so that Now never goes backwards
// even if the OS clock is stepped.
func System() Clock {
	return &systemClock{}
}

type systemClock struct {
	mu   sync.Mutex
	last time.Time
}

func (c *systemClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now().UTC()
	if now.Before(c.last) {
		return c.last
	}
	c.last = now
	return now
}

// Manual is a hand-driven clock for tests. It only moves when told to.
type Manual struct {
	mu sync.Mutex
	t  time.Time
}

// NewManual returns a manual clock positioned at start.
func NewManual(start time.Time) *Manual {
	return &Manual{t: start.UTC()}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.t
}

// Advance moves the clock forward by d. Negative advances are ignored to
// preserve monotonicity.
func (m *Manual) Advance(d time.Duration) {
	if d < 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.t = m.t.Add(d)
}
