package ratecvt

import (
	"image"
	"time"

	"github.com/stagecast/stagecast/av"
)

const (
	// gap history kept per source; the adaptive threshold looks at the tail.
	historyCap   = 30
	varianceTail = 10
	// samples needed before the adaptive threshold replaces the fixed one.
	minSamples = 5

	minThreshold = 2 * time.Millisecond
)

// Converter turns one source's irregularly-arriving frames into emissions on
// an ideal output grid. Emission times step by exactly the target interval
// regardless of when input frames land, so jitter never accumulates into the
// downstream timeline. Not goroutine-safe; the Registry serializes access.
type Converter struct {
	sourceID string
	interval time.Duration

	started    bool
	lastOutput time.Duration
	lastInput  time.Duration
	gaps       []time.Duration

	seq       uint64
	lastImage image.Image
}

func NewConverter(sourceID string, interval time.Duration) *Converter {
	return &Converter{
		sourceID: sourceID,
		interval: interval,
		gaps:     make([]time.Duration, 0, historyCap),
	}
}

func (c *Converter) setInterval(interval time.Duration) {
	c.interval = interval
}

// threshold is how early an input frame may claim the next grid slot.
// With enough history it adapts to the source's observed jitter, bounded
// below so a perfectly steady source still matches its slot.
func (c *Converter) threshold() time.Duration {
	if len(c.gaps) < minSamples {
		return c.interval / 10
	}
	tail := c.gaps
	if len(tail) > varianceTail {
		tail = tail[len(tail)-varianceTail:]
	}
	var mean float64
	for _, g := range tail {
		mean += g.Seconds()
	}
	mean /= float64(len(tail))
	var variance float64
	for _, g := range tail {
		d := g.Seconds() - mean
		variance += d * d
	}
	variance /= float64(len(tail))

	t := time.Duration(2 * variance * float64(time.Second))
	if t < minThreshold {
		t = minThreshold
	}
	return t
}

// Submit observes a captured frame and returns a stamped frame when its grid
// slot is due, or nil when the frame arrived too early for the next slot.
func (c *Converter) Submit(payload image.Image, capture time.Duration) *av.Frame {
	if c.started {
		c.gaps = append(c.gaps, capture-c.lastInput)
		if len(c.gaps) > historyCap {
			c.gaps = c.gaps[1:]
		}
	}
	c.lastInput = capture
	c.lastImage = payload

	if !c.started {
		// first frame anchors the grid
		c.started = true
		c.lastOutput = capture
		return c.emit(payload, capture, capture, false)
	}

	expected := c.lastOutput + c.interval
	if capture >= expected-c.threshold() {
		c.lastOutput = expected
		return c.emit(payload, capture, expected, false)
	}
	return nil
}

// synthesize duplicates the cached frame into the next grid slot. Returns nil
// until a real frame has been seen.
func (c *Converter) synthesize(now time.Duration) *av.Frame {
	if !c.started || c.lastImage == nil {
		return nil
	}
	if now-c.lastOutput <= c.interval*3/2 {
		return nil
	}
	target := c.lastOutput + c.interval
	c.lastOutput = target
	return c.emit(c.lastImage, now, target, true)
}

func (c *Converter) emit(payload image.Image, capture, target time.Duration, dup bool) *av.Frame {
	c.seq++
	return &av.Frame{
		Payload:   payload,
		Capture:   capture,
		Target:    target,
		Seq:       c.seq,
		SourceID:  c.sourceID,
		Duplicate: dup,
	}
}
