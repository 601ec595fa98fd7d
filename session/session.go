// Package session runs the A/V master-clock streaming session: two
// independent loops share one anchored timeline, the video loop holding a
// strict output grid and the audio loop correcting drift against it in the
// 48 kHz sample domain. Both mux into one container under a single lock.
package session

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stagecast/stagecast/av"
	"github.com/stagecast/stagecast/configure"
	"github.com/stagecast/stagecast/container/flv"
	"github.com/stagecast/stagecast/encoder"

	log "github.com/sirupsen/logrus"
)

type state int

const (
	stateIdle state = iota
	stateRunning
	stateStopping
)

// Tuning holds the empirically tuned sync constants. They are parameters
// rather than fixed behavior; the zero value is replaced by DefaultTuning.
type Tuning struct {
	// MaxLeadMs: audio running ahead of video beyond this raises the
	// pending delay so emission stalls until backlog rebuilds.
	MaxLeadMs int
	// DropTriggerMs: per-block clock excess that starts sample dropping.
	DropTriggerMs int
	// DropDenom: at most 1/DropDenom of a block is dropped at once.
	DropDenom int
	// PadMaxMs: at most this much silence is padded into one block.
	PadMaxMs int
	// BlockMs: audio block duration requested from sources.
	BlockMs int
}

func DefaultTuning() Tuning {
	return Tuning{
		MaxLeadMs:     200,
		DropTriggerMs: 5,
		DropDenom:     4,
		PadMaxMs:      10,
		BlockMs:       20,
	}
}

// Session drives one streaming run. Construct with NewSession, then Start.
// The zero Session is not usable.
type Session struct {
	clock    *av.Clock
	provider av.FrameProvider
	selector *encoder.Selector
	tuning   Tuning

	mu       sync.Mutex
	st       state
	settings configure.SessionSettings

	outMu sync.Mutex // the output lock: sole guard of the muxer
	muxer av.Muxer

	venc av.VideoEncoder
	aenc av.AudioEncoder
	asrc av.AudioSource

	stopCh    chan struct{}
	videoDone chan struct{}
	audioDone chan struct{}

	videoFrames   uint64 // canonical video timeline, 1/fps units
	audioEmitted  int64  // samples muxed
	audioBuffered int64  // samples sitting in the delay buffer
	pendingDelay  int64  // samples that must stay buffered before emission

	delayMu  sync.Mutex
	delayBuf []*av.PCMBlock

	samplesDropped int64
	samplesPadded  int64

	status      chan av.Status
	joinTimeout time.Duration

	// test seams; replaced wholesale by _test files
	openMuxer    func(configure.SessionSettings) (av.Muxer, error)
	openAudio    func(configure.SessionSettings) (av.AudioSource, error)
	openVideoEnc func(configure.SessionSettings, int) (av.VideoEncoder, error)
	openAudioEnc func(configure.SessionSettings) (av.AudioEncoder, error)
	sleep        func(time.Duration)
}

func NewSession(clock *av.Clock, provider av.FrameProvider, sel *encoder.Selector) *Session {
	joinTimeout := time.Duration(configure.Config.GetInt("join_timeout_ms")) * time.Millisecond
	if joinTimeout <= 0 {
		joinTimeout = 2 * time.Second
	}
	s := &Session{
		clock:       clock,
		provider:    provider,
		selector:    sel,
		tuning:      DefaultTuning(),
		status:      make(chan av.Status, 16),
		joinTimeout: joinTimeout,
		sleep:       time.Sleep,
	}
	s.openMuxer = s.defaultMuxer
	s.openAudio = s.defaultAudio
	s.openVideoEnc = s.defaultVideoEnc
	s.openAudioEnc = s.defaultAudioEnc
	return s
}

// SetTuning replaces the sync constants. Only effective before Start.
func (s *Session) SetTuning(t Tuning) {
	if t.DropDenom <= 0 {
		t = DefaultTuning()
	}
	s.tuning = t
}

func (s *Session) Status() <-chan av.Status {
	return s.status
}

func (s *Session) defaultMuxer(cfg configure.SessionSettings) (av.Muxer, error) {
	if cfg.IsLive() {
		sink, err := newRemuxSink(s.selector.Bin(), cfg.URL)
		if err != nil {
			return nil, av.NewError(av.TransportFailure, "open remux", err)
		}
		return flv.NewWriter(cfg.URL, sink)
	}
	return flv.OpenFile(cfg.URL, configure.Config.GetString("flv_dir"))
}

func (s *Session) defaultAudio(cfg configure.SessionSettings) (av.AudioSource, error) {
	blockDur := time.Duration(s.tuning.BlockMs) * time.Millisecond
	if cfg.AudioFile != "" {
		return newFileSource(s.selector.Bin(), cfg.AudioFile, cfg.AudioOffsetMs, blockDur)
	}
	if cfg.AudioDevice != "" {
		src, err := newDeviceSource(s.selector.Bin(), cfg.AudioDevice, blockDur)
		if err == nil {
			return src, nil
		}
		// non-fatal per the error taxonomy
		log.Warnf("audio device %q unavailable, substituting silence: %v", cfg.AudioDevice, err)
	}
	return newSilenceSource(blockDur), nil
}

func (s *Session) defaultVideoEnc(cfg configure.SessionSettings, bitrateKbps int) (av.VideoEncoder, error) {
	kind, err := s.selector.Select(cfg.Codec)
	if err != nil {
		return nil, av.NewError(av.Misconfiguration, "select encoder", err)
	}
	return encoder.NewVideoProc(s.selector.Bin(), kind, cfg.Width, cfg.Height, cfg.FPS, bitrateKbps)
}

func (s *Session) defaultAudioEnc(cfg configure.SessionSettings) (av.AudioEncoder, error) {
	return encoder.NewAudioProc(s.selector.Bin(), 160)
}

// Start validates settings, opens the container and both media paths,
// re-anchors the master clock, and launches the two loops.
func (s *Session) Start(cfg configure.SessionSettings) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.st != stateIdle {
		s.mu.Unlock()
		return fmt.Errorf("session already running")
	}
	s.st = stateRunning
	s.settings = cfg
	s.mu.Unlock()

	bitrate := encoder.EffectiveBitrate(cfg.BitrateKbps, cfg.Width, cfg.Height, cfg.FPS)

	muxer, err := s.openMuxer(cfg)
	if err != nil {
		s.reset()
		return err
	}
	venc, err := s.openVideoEnc(cfg, bitrate)
	if err != nil {
		muxer.Close()
		s.reset()
		return err
	}
	aenc, err := s.openAudioEnc(cfg)
	if err != nil {
		venc.Close()
		muxer.Close()
		s.reset()
		return err
	}
	asrc, err := s.openAudio(cfg)
	if err != nil {
		// openAudio already degrades to silence; an error here is terminal
		aenc.Close()
		venc.Close()
		muxer.Close()
		s.reset()
		return err
	}

	s.muxer = muxer
	s.venc = venc
	s.aenc = aenc
	s.asrc = asrc

	atomic.StoreUint64(&s.videoFrames, 0)
	atomic.StoreInt64(&s.audioEmitted, 0)
	atomic.StoreInt64(&s.audioBuffered, 0)
	atomic.StoreInt64(&s.pendingDelay, int64(cfg.SyncDelayMs)*av.AudioSampleRate/1000)
	s.delayMu.Lock()
	s.delayBuf = nil
	s.delayMu.Unlock()

	s.stopCh = make(chan struct{})
	s.videoDone = make(chan struct{})
	s.audioDone = make(chan struct{})

	s.clock.Reset()

	s.outMu.Lock()
	err = s.muxer.WritePacket(flv.PackMetadata(cfg.Width, cfg.Height, cfg.FPS, bitrate))
	s.outMu.Unlock()
	if err != nil {
		s.teardown()
		s.reset()
		return av.NewError(av.TransportFailure, "write metadata", err)
	}

	go s.videoLoop()
	go s.audioLoop()

	av.PushStatus(s.status, av.Status{State: av.StateStarted})
	log.Infof("session started: %s %dx%d@%d %dkbps", cfg.URL, cfg.Width, cfg.Height, cfg.FPS, bitrate)
	return nil
}

func (s *Session) reset() {
	s.mu.Lock()
	s.st = stateIdle
	s.mu.Unlock()
}

func (s *Session) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st == stateRunning
}

// Stop is idempotent and callable from any goroutine. Both loops are joined
// (bounded) before the shared output is flushed and closed.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.st != stateRunning {
		s.mu.Unlock()
		return
	}
	s.st = stateStopping
	s.mu.Unlock()

	close(s.stopCh)
	s.join(s.videoDone)
	s.join(s.audioDone)

	if pkts, err := s.venc.Flush(); err == nil {
		s.muxPackets(pkts)
	} else {
		log.Warn("video flush: ", err)
	}
	if pkts, err := s.aenc.Flush(); err == nil {
		s.muxPackets(pkts)
	} else {
		log.Warn("audio flush: ", err)
	}

	s.teardown()

	s.mu.Lock()
	s.st = stateIdle
	s.mu.Unlock()

	av.PushStatus(s.status, av.Status{State: av.StateStopped})
	log.Info("session stopped")
}

func (s *Session) teardown() {
	if s.asrc != nil {
		s.asrc.Close()
	}
	if s.venc != nil {
		s.venc.Close()
	}
	if s.aenc != nil {
		s.aenc.Close()
	}
	s.outMu.Lock()
	if s.muxer != nil {
		s.muxer.Close()
	}
	s.outMu.Unlock()
}

func (s *Session) join(done chan struct{}) {
	select {
	case <-done:
	case <-time.After(s.joinTimeout):
		log.Warn("session loop join timed out")
	}
}

func (s *Session) muxPackets(pkts []*av.Packet) {
	if len(pkts) == 0 {
		return
	}
	s.outMu.Lock()
	defer s.outMu.Unlock()
	for _, p := range pkts {
		if err := s.muxer.WritePacket(p); err != nil {
			log.Error("mux write: ", err)
			av.PushStatus(s.status, av.Status{State: av.StateError, Err: av.NewError(av.TransportFailure, "mux", err)})
			return
		}
	}
}

// OnSourceSwitch discards buffered audio from the previous program source and
// withholds new audio until delayMs worth of samples has rebuilt. The video
// counter is untouched; the timeline stays continuous across switches.
func (s *Session) OnSourceSwitch(delayMs int) {
	s.delayMu.Lock()
	s.delayBuf = nil
	atomic.StoreInt64(&s.audioBuffered, 0)
	s.delayMu.Unlock()

	want := int64(delayMs) * av.AudioSampleRate / 1000
	for {
		cur := atomic.LoadInt64(&s.pendingDelay)
		if cur >= want {
			break
		}
		if atomic.CompareAndSwapInt64(&s.pendingDelay, cur, want) {
			break
		}
	}
	log.Debugf("source switch: delay buffer cleared, pending=%d samples", atomic.LoadInt64(&s.pendingDelay))
}

// VideoFrames returns the canonical video timeline position.
func (s *Session) VideoFrames() uint64 {
	return atomic.LoadUint64(&s.videoFrames)
}

// AudioSamples returns samples muxed so far.
func (s *Session) AudioSamples() int64 {
	return atomic.LoadInt64(&s.audioEmitted)
}

// Drift is audio position minus video position, in seconds. Positive means
// audio leads.
func (s *Session) Drift() float64 {
	fps := s.settings.FPS
	if fps <= 0 {
		return 0
	}
	a := float64(atomic.LoadInt64(&s.audioEmitted)) / av.AudioSampleRate
	v := float64(atomic.LoadUint64(&s.videoFrames)) / float64(fps)
	return a - v
}

func (s *Session) stopped() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}
