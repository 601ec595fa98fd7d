package session

import (
	"context"
	"image"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stagecast/stagecast/av"
	"github.com/stagecast/stagecast/configure"
	"github.com/stagecast/stagecast/encoder"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubMuxer struct {
	mu     sync.Mutex
	pkts   []*av.Packet
	closes int
}

func (m *stubMuxer) WritePacket(p *av.Packet) error {
	m.mu.Lock()
	m.pkts = append(m.pkts, p)
	m.mu.Unlock()
	return nil
}

func (m *stubMuxer) Close() error {
	m.mu.Lock()
	m.closes++
	m.mu.Unlock()
	return nil
}

func (m *stubMuxer) packets() []*av.Packet {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*av.Packet(nil), m.pkts...)
}

type stubVideoEnc struct{}

func (stubVideoEnc) Encode(frame *av.Frame, timestampMs uint32) ([]*av.Packet, error) {
	return []*av.Packet{{IsVideo: true, TimeStamp: timestampMs, Data: []byte{0x17}}}, nil
}
func (stubVideoEnc) Flush() ([]*av.Packet, error) { return nil, nil }
func (stubVideoEnc) Close() error                 { return nil }

type stubAudioEnc struct {
	mu sync.Mutex
	ts []uint32
}

func (e *stubAudioEnc) Encode(block *av.PCMBlock, timestampMs uint32) ([]*av.Packet, error) {
	e.mu.Lock()
	e.ts = append(e.ts, timestampMs)
	e.mu.Unlock()
	return []*av.Packet{{IsAudio: true, TimeStamp: timestampMs, Data: []byte{0xaf}}}, nil
}
func (e *stubAudioEnc) Flush() ([]*av.Packet, error) { return nil, nil }
func (e *stubAudioEnc) Close() error                 { return nil }

// pacedStub delivers silence blocks at real-time rate, like the process
// sources do.
type pacedStub struct {
	blockDur time.Duration
	samples  int
}

func (p *pacedStub) ReadBlock(ctx context.Context) (*av.PCMBlock, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(p.blockDur):
		return silenceBlock(p.samples), nil
	}
}
func (p *pacedStub) Close() error { return nil }

// failingSource reports an unavailable device on every read, like a capture
// process whose pipe has closed.
type failingSource struct{}

func (failingSource) ReadBlock(ctx context.Context) (*av.PCMBlock, error) {
	return nil, av.NewError(av.DeviceUnavailable, "audio source", io.EOF)
}
func (failingSource) Close() error { return nil }

func frameProvider() av.FrameProvider {
	img := image.NewRGBA(image.Rect(0, 0, 64, 36))
	return av.FrameProviderFunc(func(width, height int, passthrough bool) (image.Image, error) {
		return img, nil
	})
}

func testSettings() configure.SessionSettings {
	return configure.SessionSettings{
		URL:    "out.flv",
		Width:  64,
		Height: 36,
		FPS:    30,
	}
}

func newTestSession(provider av.FrameProvider) (*Session, *stubMuxer, *stubAudioEnc) {
	mux := &stubMuxer{}
	aenc := &stubAudioEnc{}
	s := NewSession(av.NewClock(), provider, encoder.NewSelector("ffmpeg"))
	s.openMuxer = func(configure.SessionSettings) (av.Muxer, error) { return mux, nil }
	s.openVideoEnc = func(configure.SessionSettings, int) (av.VideoEncoder, error) { return stubVideoEnc{}, nil }
	s.openAudioEnc = func(configure.SessionSettings) (av.AudioEncoder, error) { return aenc, nil }
	s.openAudio = func(configure.SessionSettings) (av.AudioSource, error) {
		return &pacedStub{blockDur: 20 * time.Millisecond, samples: 960}, nil
	}
	return s, mux, aenc
}

func TestSessionStartStop(t *testing.T) {
	s, mux, _ := newTestSession(frameProvider())

	require.NoError(t, s.Start(testSettings()))
	assert.True(t, s.IsRunning())

	time.Sleep(200 * time.Millisecond)
	s.Stop()
	assert.False(t, s.IsRunning())
	// a second Stop is a no-op
	s.Stop()

	assert.True(t, s.VideoFrames() > 0)
	assert.True(t, s.AudioSamples() > 0)

	pkts := mux.packets()
	require.NotEmpty(t, pkts)
	assert.True(t, pkts[0].IsMetadata)
	assert.Equal(t, 1, mux.closes)
}

func TestSessionStartTwice(t *testing.T) {
	s, _, _ := newTestSession(frameProvider())
	require.NoError(t, s.Start(testSettings()))
	assert.Error(t, s.Start(testSettings()))
	s.Stop()
}

func TestSessionStartValidates(t *testing.T) {
	s, _, _ := newTestSession(frameProvider())

	bad := testSettings()
	bad.URL = ""
	err := s.Start(bad)
	require.Error(t, err)
	assert.Equal(t, av.Misconfiguration, av.KindOf(err))
	assert.False(t, s.IsRunning())
}

func TestSessionStopWithoutStart(t *testing.T) {
	s, _, _ := newTestSession(frameProvider())
	s.Stop()
}

func TestSessionStatusTransitions(t *testing.T) {
	s, _, _ := newTestSession(frameProvider())
	require.NoError(t, s.Start(testSettings()))
	time.Sleep(50 * time.Millisecond)
	s.Stop()

	var states []av.StreamState
	for {
		select {
		case st := <-s.Status():
			states = append(states, st.State)
			continue
		default:
		}
		break
	}
	require.NotEmpty(t, states)
	assert.Equal(t, av.StateStarted, states[0])
	assert.Equal(t, av.StateStopped, states[len(states)-1])
}

func TestSessionDriftStaysBounded(t *testing.T) {
	s, _, _ := newTestSession(frameProvider())
	require.NoError(t, s.Start(testSettings()))
	time.Sleep(400 * time.Millisecond)

	drift := s.Drift()
	s.Stop()
	assert.InDelta(t, 0, drift, 0.3, "drift was %.3fs", drift)
}

func TestSessionVideoCounterHoldsWithoutFrames(t *testing.T) {
	empty := av.FrameProviderFunc(func(width, height int, passthrough bool) (image.Image, error) {
		return nil, nil
	})
	s, _, _ := newTestSession(empty)
	require.NoError(t, s.Start(testSettings()))
	time.Sleep(100 * time.Millisecond)

	assert.True(t, s.IsRunning())
	assert.Zero(t, s.VideoFrames())
	s.Stop()
}

func TestSessionSyncDelayHoldsAudio(t *testing.T) {
	s, _, _ := newTestSession(frameProvider())
	cfg := testSettings()
	cfg.SyncDelayMs = 200
	require.NoError(t, s.Start(cfg))
	time.Sleep(100 * time.Millisecond)

	// less than 200ms of audio has been buffered, so nothing may be out
	assert.Zero(t, s.AudioSamples())
	assert.True(t, s.VideoFrames() > 0)
	s.Stop()
}

func TestOnSourceSwitch(t *testing.T) {
	s, _, _ := newTestSession(frameProvider())

	s.delayMu.Lock()
	s.delayBuf = []*av.PCMBlock{silenceBlock(960), silenceBlock(960)}
	s.delayMu.Unlock()
	atomic.StoreInt64(&s.audioBuffered, 1920)

	s.OnSourceSwitch(150)

	s.delayMu.Lock()
	assert.Empty(t, s.delayBuf)
	s.delayMu.Unlock()
	assert.Zero(t, atomic.LoadInt64(&s.audioBuffered))
	assert.Equal(t, int64(150*av.AudioSampleRate/1000), atomic.LoadInt64(&s.pendingDelay))
}

func TestOnSourceSwitchNeverLowersPendingDelay(t *testing.T) {
	s, _, _ := newTestSession(frameProvider())
	atomic.StoreInt64(&s.pendingDelay, 20000)
	s.OnSourceSwitch(150)
	assert.Equal(t, int64(20000), atomic.LoadInt64(&s.pendingDelay))
}

func TestCorrectBlockDropsWhenBehindClock(t *testing.T) {
	s, _, _ := newTestSession(frameProvider())
	s.clock.Reset()
	time.Sleep(50 * time.Millisecond)

	block := silenceBlock(960)
	out := s.correctBlock(block)

	// clamped to a quarter of the block no matter how far behind
	assert.Equal(t, 960-960/4, out.Samples)
	assert.Equal(t, (960-960/4)*4, len(out.Data))
	assert.Equal(t, int64(960/4), atomic.LoadInt64(&s.samplesDropped))
}

func TestCorrectBlockPadsWhenAheadOfClock(t *testing.T) {
	s, _, _ := newTestSession(frameProvider())
	s.clock.Reset()
	// one second of audio already accounted for against a fresh clock
	atomic.StoreInt64(&s.audioEmitted, av.AudioSampleRate)

	block := silenceBlock(960)
	out := s.correctBlock(block)

	pad := s.tuning.PadMaxMs * av.AudioSampleRate / 1000
	assert.Equal(t, 960+pad, out.Samples)
	assert.Equal(t, (960+pad)*4, len(out.Data))
	assert.Equal(t, int64(pad), atomic.LoadInt64(&s.samplesPadded))
}

func TestCorrectBlockLeavesSmallErrorAlone(t *testing.T) {
	s, _, _ := newTestSession(frameProvider())
	s.clock.Reset()
	// account for exactly the clock position: nothing to correct
	atomic.StoreInt64(&s.audioEmitted, 0)
	atomic.StoreInt64(&s.audioBuffered, 0)

	block := silenceBlock(960)
	out := s.correctBlock(block)
	assert.Equal(t, 960, out.Samples)
}

func TestCheckLeadRaisesPendingDelay(t *testing.T) {
	s, _, _ := newTestSession(frameProvider())
	s.settings = testSettings()

	// one second of audio out, zero video frames: a full second of lead
	atomic.StoreInt64(&s.audioEmitted, av.AudioSampleRate)
	s.checkLead(30)

	assert.Equal(t, int64(av.AudioSampleRate), atomic.LoadInt64(&s.pendingDelay))
}

func TestDrainDelayBufferTimestamps(t *testing.T) {
	s, mux, aenc := newTestSession(frameProvider())
	s.muxer = mux
	s.aenc = aenc

	s.delayMu.Lock()
	s.delayBuf = []*av.PCMBlock{silenceBlock(960), silenceBlock(960), silenceBlock(960)}
	s.delayMu.Unlock()
	atomic.StoreInt64(&s.audioBuffered, 2880)

	s.drainDelayBuffer()

	assert.Equal(t, []uint32{0, 20, 40}, aenc.ts)
	assert.Equal(t, int64(2880), s.AudioSamples())
	assert.Zero(t, atomic.LoadInt64(&s.audioBuffered))
	assert.Len(t, mux.packets(), 3)
}

func TestDrainDelayBufferRespectsPendingDelay(t *testing.T) {
	s, _, aenc := newTestSession(frameProvider())
	s.muxer = &stubMuxer{}

	s.delayMu.Lock()
	s.delayBuf = []*av.PCMBlock{silenceBlock(960), silenceBlock(960)}
	s.delayMu.Unlock()
	atomic.StoreInt64(&s.audioBuffered, 1920)
	atomic.StoreInt64(&s.pendingDelay, 1920)

	s.drainDelayBuffer()
	// emitting would leave less than the pending delay buffered
	assert.Empty(t, aenc.ts)
	assert.Zero(t, s.AudioSamples())
}

func TestSessionDeadSourceKeepsRealTimeCadence(t *testing.T) {
	s, _, _ := newTestSession(frameProvider())
	s.openAudio = func(configure.SessionSettings) (av.AudioSource, error) {
		return failingSource{}, nil
	}
	require.NoError(t, s.Start(testSettings()))
	time.Sleep(200 * time.Millisecond)

	elapsed := int64(s.clock.ElapsedSeconds() * av.AudioSampleRate)
	total := s.AudioSamples() + atomic.LoadInt64(&s.audioBuffered)
	s.Stop()

	// the silence substitute stays paced: the audio position has to track
	// the wall clock instead of free-running
	assert.InDelta(t, float64(elapsed), float64(total), 0.1*av.AudioSampleRate,
		"emitted+buffered=%d elapsed=%d", total, elapsed)
	assert.InDelta(t, 0, s.Drift(), 0.3)
}

func TestNewSessionReadsJoinTimeout(t *testing.T) {
	configure.Config.Set("join_timeout_ms", 150)
	defer configure.Config.Set("join_timeout_ms", 2000)

	s := NewSession(av.NewClock(), frameProvider(), encoder.NewSelector("ffmpeg"))
	assert.Equal(t, 150*time.Millisecond, s.joinTimeout)
}

func TestSetTuningRejectsZeroDenominator(t *testing.T) {
	s, _, _ := newTestSession(frameProvider())
	s.SetTuning(Tuning{})
	assert.Equal(t, DefaultTuning(), s.tuning)
}
