package stream

import (
	"fmt"
	"image"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stagecast/stagecast/av"
	"github.com/stagecast/stagecast/configure"
	"github.com/stagecast/stagecast/encoder"
	"github.com/stagecast/stagecast/ratecvt"
	"github.com/stagecast/stagecast/schedule"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProc struct {
	h    *procHandle
	once sync.Once
}

func (f *fakeProc) exit(err error) {
	f.once.Do(func() {
		f.h.exitErr = err
		close(f.h.exited)
	})
}

func newFakeProc(kind encoder.Kind, stderr string) *fakeProc {
	f := &fakeProc{}
	f.h = &procHandle{
		kind:   kind,
		writeq: make(chan []byte, 32),
		exited: make(chan struct{}),
		stderr: strings.NewReader(stderr),
		kill:   func() {},
	}
	f.h.closeIn = func() error {
		f.exit(nil)
		return nil
	}
	return f
}

type launchRecord struct {
	cfg  configure.SessionSettings
	kind encoder.Kind
	proc *fakeProc
}

// launchGate makes the next launch block until released, so tests can land
// other calls in the middle of a restart.
type launchGate struct {
	entered chan struct{}
	release chan struct{}
}

func newLaunchGate() *launchGate {
	return &launchGate{entered: make(chan struct{}), release: make(chan struct{})}
}

type fakeLauncher struct {
	mu      sync.Mutex
	stderr  string
	records []launchRecord
	fail    error
	gate    *launchGate
}

func (l *fakeLauncher) launch(cfg configure.SessionSettings, kind encoder.Kind) (*procHandle, error) {
	l.mu.Lock()
	gate := l.gate
	l.gate = nil
	l.mu.Unlock()
	if gate != nil {
		close(gate.entered)
		<-gate.release
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail != nil {
		return nil, l.fail
	}
	// diagnostic output is attached to the first process only
	p := newFakeProc(kind, l.stderr)
	l.stderr = ""
	l.records = append(l.records, launchRecord{cfg: cfg, kind: kind, proc: p})
	return p.h, nil
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

func (l *fakeLauncher) record(i int) launchRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.records[i]
}

func streamSettings() configure.SessionSettings {
	return configure.SessionSettings{
		URL:    "rtmp://ingest.example.com/live/key",
		Width:  64,
		Height: 36,
		FPS:    30,
	}
}

func allEncoders() map[string]bool {
	avail := map[string]bool{"libx264": true}
	for _, k := range priorityKinds() {
		avail[k.FFName()] = true
	}
	return avail
}

// priorityKinds mirrors the selector's platform order through the public
// surface: probe everything, pick repeatedly.
func priorityKinds() []encoder.Kind {
	return []encoder.Kind{
		encoder.KindH264VideoToolbox, encoder.KindH264NVENC, encoder.KindH264QSV,
		encoder.KindH264VAAPI, encoder.KindH264AMF, encoder.KindH264Software,
	}
}

func newTestController(t *testing.T, avail map[string]bool) (*Controller, *fakeLauncher) {
	t.Helper()
	// the test binary itself stands in for the encoder binary so the
	// LookPath guard passes
	sel := encoder.NewSelector(os.Args[0])
	sel.SetProbeResult(avail)

	img := image.NewRGBA(image.Rect(0, 0, 64, 36))
	provider := av.FrameProviderFunc(func(width, height int, passthrough bool) (image.Image, error) {
		return img, nil
	})

	c := NewController(sel, provider, schedule.NewScheduler(time.Millisecond), ratecvt.NewRegistry(30))
	c.backoff = 10 * time.Millisecond

	l := &fakeLauncher{}
	c.launch = l.launch
	return c, l
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("timed out waiting: ", msg)
}

func TestControllerStartStop(t *testing.T) {
	c, l := newTestController(t, map[string]bool{"libx264": true})

	require.NoError(t, c.Start(streamSettings()))
	assert.True(t, c.IsRunning())
	assert.Equal(t, 1, l.count())
	assert.Equal(t, encoder.KindH264Software, l.record(0).kind)

	c.Stop()
	assert.False(t, c.IsRunning())
	// a second Stop is a no-op
	c.Stop()
	assert.Equal(t, 1, l.count())
}

func TestControllerStartValidates(t *testing.T) {
	c, l := newTestController(t, map[string]bool{"libx264": true})

	bad := streamSettings()
	bad.Width = 0
	err := c.Start(bad)
	require.Error(t, err)
	assert.Equal(t, av.Misconfiguration, av.KindOf(err))
	assert.Zero(t, l.count())
	assert.False(t, c.IsRunning())
}

func TestControllerStartAppliesBitrateFloor(t *testing.T) {
	c, l := newTestController(t, map[string]bool{"libx264": true})

	cfg := streamSettings()
	cfg.Width, cfg.Height, cfg.FPS = 1920, 1080, 30
	require.NoError(t, c.Start(cfg))
	assert.Equal(t, 6000, l.record(0).cfg.BitrateKbps)
	c.Stop()
}

func TestControllerTickShedsOnBackpressure(t *testing.T) {
	c, _ := newTestController(t, map[string]bool{"libx264": true})
	require.NoError(t, c.Start(streamSettings()))
	defer c.Stop()

	// no writer drains the fake handle, so every queued frame stays in
	// the gauge
	frameBytes := int64(64 * 36 * 4)
	for i := 0; i < 3; i++ {
		c.tick(0)
	}
	assert.Equal(t, 3*frameBytes, atomic.LoadInt64(&c.pendingBytes))
	assert.Zero(t, c.FramesDropped())

	c.tick(0)
	assert.Equal(t, uint64(1), c.FramesDropped())
	c.tick(0)
	assert.Equal(t, uint64(2), c.FramesDropped())
	// the gauge is unchanged by shed frames
	assert.Equal(t, 3*frameBytes, atomic.LoadInt64(&c.pendingBytes))
}

func TestControllerReconnectsWithLastGoodSettings(t *testing.T) {
	c, l := newTestController(t, map[string]bool{"libx264": true})

	cfg := streamSettings()
	require.NoError(t, c.Start(cfg))
	started := l.record(0).cfg

	atomic.StoreInt64(&c.pendingBytes, 12345)
	l.record(0).proc.exit(fmt.Errorf("connection reset"))

	waitFor(t, func() bool { return l.count() == 2 }, "relaunch")
	waitFor(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.st == stateRunning
	}, "running again")

	assert.Equal(t, started, l.record(1).cfg)
	assert.Equal(t, uint64(1), c.Reconnects())
	assert.Zero(t, atomic.LoadInt64(&c.pendingBytes))
	c.Stop()
}

func TestControllerStopCancelsPendingReconnect(t *testing.T) {
	c, l := newTestController(t, map[string]bool{"libx264": true})
	c.backoff = time.Hour

	require.NoError(t, c.Start(streamSettings()))
	l.record(0).proc.exit(fmt.Errorf("connection reset"))

	waitFor(t, func() bool { return c.Reconnects() == 1 }, "reconnect scheduled")
	c.Stop()
	assert.False(t, c.IsRunning())

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, l.count())
}

func TestControllerEncoderRejectionForcesSoftware(t *testing.T) {
	c, l := newTestController(t, allEncoders())
	l.stderr = "Unknown encoder 'h264_something'\n"

	require.NoError(t, c.Start(streamSettings()))
	require.NotEqual(t, encoder.KindH264Software, l.record(0).kind)

	waitFor(t, func() bool { return l.count() == 2 }, "software restart")
	assert.Equal(t, encoder.KindH264Software, l.record(1).kind)

	c.mu.Lock()
	forced := c.forceSoftware
	c.mu.Unlock()
	assert.True(t, forced)
	c.Stop()
}

func TestControllerSetTargetFPSWhenStopped(t *testing.T) {
	c, l := newTestController(t, map[string]bool{"libx264": true})

	assert.Error(t, c.SetTargetFPS(0))
	require.NoError(t, c.SetTargetFPS(60))
	assert.Zero(t, l.count())
}

func TestControllerSetTargetFPSRestartsRunningStream(t *testing.T) {
	c, l := newTestController(t, map[string]bool{"libx264": true})
	require.NoError(t, c.Start(streamSettings()))

	require.NoError(t, c.SetTargetFPS(60))
	waitFor(t, func() bool { return l.count() == 2 }, "restart")
	assert.Equal(t, 60, l.record(1).cfg.FPS)
	c.Stop()
}

func TestControllerStopDuringRestartWins(t *testing.T) {
	c, l := newTestController(t, map[string]bool{"libx264": true})
	require.NoError(t, c.Start(streamSettings()))

	gate := newLaunchGate()
	l.mu.Lock()
	l.gate = gate
	l.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- c.SetTargetFPS(60) }()

	<-gate.entered
	c.Stop()
	close(gate.release)
	assert.Error(t, <-done)

	assert.False(t, c.IsRunning())
	c.mu.Lock()
	handle := c.handle
	st := c.st
	c.mu.Unlock()
	assert.Nil(t, handle)
	assert.Equal(t, stateStopped, st)

	// the replacement process was torn down again, not left pushing
	require.Equal(t, 2, l.count())
	select {
	case <-l.record(1).proc.h.exited:
	default:
		t.Fatal("replacement process left running")
	}
}

func TestControllerResyncToMedia(t *testing.T) {
	c, l := newTestController(t, map[string]bool{"libx264": true})

	assert.Error(t, c.ResyncToMedia("track.mp3", 5000))

	require.NoError(t, c.Start(streamSettings()))
	require.NoError(t, c.ResyncToMedia("track.mp3", 5000))

	waitFor(t, func() bool { return l.count() == 2 }, "restart")
	assert.Equal(t, "track.mp3", l.record(1).cfg.AudioFile)
	assert.Equal(t, 5000, l.record(1).cfg.AudioOffsetMs)
	c.Stop()
}

func TestIsEncoderRejection(t *testing.T) {
	assert.True(t, isEncoderRejection("Unknown encoder 'h264_nvenc'"))
	assert.True(t, isEncoderRejection("[h264_qsv] Error initializing encoder"))
	assert.True(t, isEncoderRejection("h264_videotoolbox not supported by this build"))
	assert.False(t, isEncoderRejection("frame= 120 fps= 30 q=23.0"))
	assert.False(t, isEncoderRejection("Connection timed out"))
}
