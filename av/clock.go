package av

import (
	"sync"
	"time"
)

// Clock is the engine's master clock: a single anchored monotonic time source
// every scheduling decision is derived from. time.Since carries the runtime's
// monotonic reading, so wall-clock adjustments never move it.
type Clock struct {
	mu     sync.Mutex
	origin time.Time
}

func NewClock() *Clock {
	return &Clock{origin: time.Now()}
}

// Reset re-anchors time zero. Only called at session start.
func (c *Clock) Reset() {
	c.mu.Lock()
	c.origin = time.Now()
	c.mu.Unlock()
}

func (c *Clock) Elapsed() time.Duration {
	c.mu.Lock()
	d := time.Since(c.origin)
	c.mu.Unlock()
	return d
}

func (c *Clock) ElapsedSeconds() float64 {
	return c.Elapsed().Seconds()
}

func (c *Clock) ElapsedMs() int64 {
	return c.Elapsed().Milliseconds()
}
