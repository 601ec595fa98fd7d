package ratecvt

import (
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/stagecast/stagecast/av"

	log "github.com/sirupsen/logrus"
)

const maxFPS = 240

// Registry owns the global target rate and the per-source converters. It is
// an explicit service object: constructed once at application start and
// handed to whichever components submit or consume frames.
type Registry struct {
	mu       sync.Mutex
	interval time.Duration
	sources  map[string]*Converter
	sink     func(*av.Frame)
}

func NewRegistry(fps int) *Registry {
	if fps <= 0 {
		fps = 30
	}
	return &Registry{
		interval: intervalFor(fps),
		sources:  make(map[string]*Converter),
	}
}

func intervalFor(fps int) time.Duration {
	return time.Duration(float64(time.Second) / float64(fps))
}

// SetSink installs the consumer for emitted frames. Heartbeat duplicates are
// only visible through the sink; Submit additionally returns its frame.
func (r *Registry) SetSink(fn func(*av.Frame)) {
	r.mu.Lock()
	r.sink = fn
	r.mu.Unlock()
}

// Register creates converter state for a source. Idempotent.
func (r *Registry) Register(sourceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sources[sourceID]; ok {
		return
	}
	r.sources[sourceID] = NewConverter(sourceID, r.interval)
	log.Debug("ratecvt: registered source ", sourceID)
}

func (r *Registry) Unregister(sourceID string) {
	r.mu.Lock()
	delete(r.sources, sourceID)
	r.mu.Unlock()
}

// Submit feeds a captured frame through the source's converter. The source is
// registered on first use.
func (r *Registry) Submit(sourceID string, payload image.Image, capture time.Duration) *av.Frame {
	r.mu.Lock()
	c, ok := r.sources[sourceID]
	if !ok {
		c = NewConverter(sourceID, r.interval)
		r.sources[sourceID] = c
	}
	f := c.Submit(payload, capture)
	sink := r.sink
	r.mu.Unlock()

	if f != nil && sink != nil {
		sink(f)
	}
	return f
}

// SetTargetFPS updates the shared interval and propagates it to every
// registered source. Non-positive rates are rejected; absurd ones clamped.
func (r *Registry) SetTargetFPS(fps int) error {
	if fps <= 0 {
		return fmt.Errorf("ratecvt: non-positive fps %d", fps)
	}
	if fps > maxFPS {
		log.Warnf("ratecvt: clamping fps %d to %d", fps, maxFPS)
		fps = maxFPS
	}
	r.mu.Lock()
	r.interval = intervalFor(fps)
	for _, c := range r.sources {
		c.setInterval(r.interval)
	}
	r.mu.Unlock()
	log.Info("ratecvt: target fps set to ", fps)
	return nil
}

// Interval returns the current target output interval.
func (r *Registry) Interval() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.interval
}

// Tick is the heartbeat: sources that have stalled past 1.5 intervals get one
// duplicate of their cached frame per missed slot, keeping downstream cadence
// alive. Driven by the shared scheduler.
func (r *Registry) Tick(now time.Duration) {
	r.mu.Lock()
	var dups []*av.Frame
	for _, c := range r.sources {
		if f := c.synthesize(now); f != nil {
			dups = append(dups, f)
		}
	}
	sink := r.sink
	r.mu.Unlock()

	if sink == nil {
		return
	}
	for _, f := range dups {
		sink(f)
	}
}
