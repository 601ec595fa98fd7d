// Package stream is the process-supervised push path: rendered frames are
// piped into an external encoder process that owns encoding, muxing, and the
// network leg. The controller supervises that process: backpressure-aware
// frame delivery, encoder fallback, and automatic reconnects with the last
// settings that worked.
package stream

import (
	"fmt"
	"image"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stagecast/stagecast/av"
	"github.com/stagecast/stagecast/configure"
	"github.com/stagecast/stagecast/encoder"
	"github.com/stagecast/stagecast/ratecvt"
	"github.com/stagecast/stagecast/schedule"
	"github.com/stagecast/stagecast/utils/pool"

	log "github.com/sirupsen/logrus"
	"golang.org/x/image/draw"
)

type state int

const (
	stateStopped state = iota
	stateStarting
	stateRunning
	stateReconnecting
)

const (
	tickName = "stream.frames"
	// writes queued beyond this many raw frames get shed instead of queued
	backpressureFrames = 2
)

// Controller drives one push stream. Explicit service object, constructed
// once and handed around by reference.
type Controller struct {
	sel      *encoder.Selector
	provider av.FrameProvider
	sched    *schedule.Scheduler
	registry *ratecvt.Registry

	mu            sync.Mutex
	st            state
	settings      configure.SessionSettings // last-good start parameters
	handle        *procHandle
	gen           uint64
	forceSoftware bool
	reconnectTmr  *time.Timer
	backoff       time.Duration

	pendingBytes  int64
	framesDropped uint64
	reconnects    uint64

	status chan av.Status
	buf    *pool.Pool
	rgba   *image.RGBA

	// test seam
	launch func(configure.SessionSettings, encoder.Kind) (*procHandle, error)
}

func NewController(sel *encoder.Selector, provider av.FrameProvider, sched *schedule.Scheduler, registry *ratecvt.Registry) *Controller {
	c := &Controller{
		sel:      sel,
		provider: provider,
		sched:    sched,
		registry: registry,
		backoff:  time.Duration(configure.Config.GetInt("reconnect_backoff_ms")) * time.Millisecond,
		status:   make(chan av.Status, 16),
		buf:      pool.NewPool(),
	}
	if c.backoff <= 0 {
		c.backoff = 2 * time.Second
	}
	c.launch = c.launchProcess
	return c
}

func (c *Controller) Status() <-chan av.Status {
	return c.status
}

func (c *Controller) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st == stateRunning || c.st == stateReconnecting
}

// FramesDropped counts frames shed to backpressure since Start.
func (c *Controller) FramesDropped() uint64 {
	return atomic.LoadUint64(&c.framesDropped)
}

func (c *Controller) Reconnects() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnects
}

// Start validates, selects an encoder, launches the process, and begins
// frame delivery. Misconfiguration fails fast with no retry.
func (c *Controller) Start(cfg configure.SessionSettings) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if _, err := exec.LookPath(c.sel.Bin()); err != nil {
		return av.NewError(av.Misconfiguration, "start", fmt.Errorf("encoder binary %q not found", c.sel.Bin()))
	}

	c.mu.Lock()
	if c.st != stateStopped {
		c.mu.Unlock()
		return fmt.Errorf("stream already running")
	}
	c.st = stateStarting
	c.mu.Unlock()

	kind, err := c.selectKind(cfg.Codec)
	if err != nil {
		c.setState(stateStopped)
		return av.NewError(av.Misconfiguration, "start", err)
	}
	cfg.BitrateKbps = encoder.EffectiveBitrate(cfg.BitrateKbps, cfg.Width, cfg.Height, cfg.FPS)

	h, err := c.launch(cfg, kind)
	if err != nil {
		c.setState(stateStopped)
		return av.NewError(av.TransportFailure, "start", err)
	}

	c.mu.Lock()
	c.settings = cfg
	c.handle = h
	c.gen++
	gen := c.gen
	c.st = stateRunning
	c.rgba = image.NewRGBA(image.Rect(0, 0, cfg.Width, cfg.Height))
	c.mu.Unlock()

	go c.monitor(h, gen)

	period := time.Duration(float64(time.Second) / float64(cfg.FPS))
	c.sched.Register(tickName, period, c.tick)

	av.PushStatus(c.status, av.Status{State: av.StateStarted})
	log.Infof("stream started: %s %dx%d@%d %dkbps via %s", cfg.URL, cfg.Width, cfg.Height, cfg.FPS, cfg.BitrateKbps, kind)
	return nil
}

func (c *Controller) selectKind(preference string) (encoder.Kind, error) {
	c.mu.Lock()
	forced := c.forceSoftware
	c.mu.Unlock()
	if forced {
		return c.sel.ForceSoftware(), nil
	}
	return c.sel.Select(preference)
}

func (c *Controller) setState(st state) {
	c.mu.Lock()
	c.st = st
	c.mu.Unlock()
}

// Stop cancels any pending reconnect, stops frame delivery, and tears the
// process down. Idempotent and callable from any goroutine.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.st == stateStopped {
		c.mu.Unlock()
		return
	}
	c.st = stateStopped
	if c.reconnectTmr != nil {
		c.reconnectTmr.Stop()
		c.reconnectTmr = nil
	}
	h := c.handle
	c.handle = nil
	c.mu.Unlock()

	c.sched.Unregister(tickName)
	if h != nil {
		h.shutdown()
	}
	atomic.StoreInt64(&c.pendingBytes, 0)
	av.PushStatus(c.status, av.Status{State: av.StateStopped})
	log.Info("stream stopped")
}

// SetTargetFPS propagates the new rate to the shared registry and restarts
// the process with the updated cadence when one is running.
func (c *Controller) SetTargetFPS(fps int) error {
	if err := c.registry.SetTargetFPS(fps); err != nil {
		return err
	}
	c.mu.Lock()
	running := c.st == stateRunning
	cfg := c.settings
	c.mu.Unlock()
	if !running {
		return nil
	}
	cfg.FPS = fps
	return c.fastRestart(cfg)
}

// ResyncToMedia realigns file-backed audio by restarting the process with a
// new seek offset. This path has no live session object to adjust buffers
// on, so a fast full restart is the resync mechanism.
func (c *Controller) ResyncToMedia(path string, startMs int) error {
	c.mu.Lock()
	if c.st != stateRunning && c.st != stateReconnecting {
		c.mu.Unlock()
		return fmt.Errorf("stream not running")
	}
	cfg := c.settings
	c.mu.Unlock()
	cfg.AudioFile = path
	cfg.AudioOffsetMs = startMs
	return c.fastRestart(cfg)
}

// fastRestart swaps the process immediately, keeping delivery registered.
func (c *Controller) fastRestart(cfg configure.SessionSettings) error {
	kind, err := c.selectKind(cfg.Codec)
	if err != nil {
		return err
	}

	c.mu.Lock()
	old := c.handle
	c.handle = nil
	c.mu.Unlock()
	if old != nil {
		old.shutdown()
	}
	atomic.StoreInt64(&c.pendingBytes, 0)

	h, err := c.launch(cfg, kind)
	if err != nil {
		c.mu.Lock()
		if c.st == stateStopped {
			c.mu.Unlock()
			return err
		}
		c.st = stateReconnecting
		c.mu.Unlock()
		c.scheduleReconnect(av.NewError(av.TransportFailure, "restart", err))
		return err
	}

	c.mu.Lock()
	if c.st == stateStopped {
		// Stop won the race during the relaunch; do not resurrect
		c.mu.Unlock()
		h.shutdown()
		return fmt.Errorf("stream stopped")
	}
	c.settings = cfg
	c.handle = h
	c.gen++
	gen := c.gen
	c.st = stateRunning
	if c.rgba == nil || c.rgba.Bounds().Dx() != cfg.Width || c.rgba.Bounds().Dy() != cfg.Height {
		c.rgba = image.NewRGBA(image.Rect(0, 0, cfg.Width, cfg.Height))
	}
	c.mu.Unlock()

	go c.monitor(h, gen)

	period := time.Duration(float64(time.Second) / float64(cfg.FPS))
	c.sched.Register(tickName, period, c.tick)
	log.Info("stream process restarted")
	return nil
}

// tick delivers one frame per period. Writes are shed, not blocked on: if
// the process has more than two frames' worth of bytes still queued, the
// current frame is dropped so the scheduler never stalls.
func (c *Controller) tick(now time.Duration) {
	c.mu.Lock()
	if c.st != stateRunning || c.handle == nil {
		c.mu.Unlock()
		return
	}
	h := c.handle
	cfg := c.settings
	rgba := c.rgba
	c.mu.Unlock()

	img, err := c.provider.Provide(cfg.Width, cfg.Height, false)
	if err != nil || img == nil {
		return
	}

	frameBytes := int64(cfg.Width * cfg.Height * 4)
	if atomic.LoadInt64(&c.pendingBytes) > backpressureFrames*frameBytes {
		atomic.AddUint64(&c.framesDropped, 1)
		return
	}

	buf := c.buf.Get(int(frameBytes))
	copy(buf, c.rawBytes(img, rgba, cfg.Width))
	atomic.AddInt64(&c.pendingBytes, frameBytes)
	if !h.enqueue(buf) {
		atomic.AddInt64(&c.pendingBytes, -frameBytes)
		atomic.AddUint64(&c.framesDropped, 1)
	}
}

// rawBytes converts the provided bitmap to tightly packed RGBA at the exact
// target size.
func (c *Controller) rawBytes(img image.Image, dst *image.RGBA, width int) []byte {
	if r, ok := img.(*image.RGBA); ok && r.Bounds() == dst.Bounds() && r.Stride == 4*width {
		return r.Pix
	}
	if img.Bounds().Dx() != dst.Bounds().Dx() || img.Bounds().Dy() != dst.Bounds().Dy() {
		draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	} else {
		draw.Draw(dst, dst.Bounds(), img, img.Bounds().Min, draw.Src)
	}
	return dst.Pix
}
