package session

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/stagecast/stagecast/av"

	log "github.com/sirupsen/logrus"
)

// audioLoop is opportunistic: it takes blocks as the source delivers them,
// applies the two independent corrections (lead gating against the video
// timeline, sample drop/pad against the wall clock), and emits through the
// delay buffer.
func (s *Session) audioLoop() {
	defer close(s.audioDone)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.stopCh
		cancel()
	}()

	cfg := s.settings
	blockDur := time.Duration(s.tuning.BlockMs) * time.Millisecond
	blockSamples := s.tuning.BlockMs * av.AudioSampleRate / 1000

	for !s.stopped() {
		block, err := s.asrc.ReadBlock(ctx)
		if err != nil || block == nil {
			if s.stopped() {
				return
			}
			// a stalled device never stalls the timeline
			block = s.substituteSilence(blockDur, blockSamples)
			if block == nil {
				return
			}
		}

		s.checkLead(cfg.FPS)
		block = s.correctBlock(block)

		s.delayMu.Lock()
		s.delayBuf = append(s.delayBuf, block)
		atomic.AddInt64(&s.audioBuffered, int64(block.Samples))
		s.delayMu.Unlock()

		s.drainDelayBuffer()
	}
}

// substituteSilence covers a degraded source. It holds the block cadence by
// waiting one block duration, then sizes the silence to the wall-clock hole,
// so a dead device neither floods the delay buffer nor starves the timeline.
// Returns nil when the session stops during the wait.
func (s *Session) substituteSilence(blockDur time.Duration, blockSamples int) *av.PCMBlock {
	select {
	case <-s.stopCh:
		return nil
	case <-time.After(blockDur):
	}
	need := int64(s.clock.ElapsedSeconds()*av.AudioSampleRate) -
		(atomic.LoadInt64(&s.audioEmitted) + atomic.LoadInt64(&s.audioBuffered))
	n := blockSamples
	if need > int64(n) {
		if need > av.AudioSampleRate {
			need = av.AudioSampleRate
		}
		n = int(need)
	}
	return silenceBlock(n)
}

// checkLead raises the pending delay when audio has run ahead of video past
// the tuned bound, so emission stalls until the backlog covers the lead.
func (s *Session) checkLead(fps int) {
	emitted := atomic.LoadInt64(&s.audioEmitted)
	vf := atomic.LoadUint64(&s.videoFrames)
	drift := float64(emitted)/av.AudioSampleRate - float64(vf)/float64(fps)
	if drift <= float64(s.tuning.MaxLeadMs)/1000 {
		return
	}
	want := int64(drift * av.AudioSampleRate)
	for {
		cur := atomic.LoadInt64(&s.pendingDelay)
		if cur >= want {
			return
		}
		if atomic.CompareAndSwapInt64(&s.pendingDelay, cur, want) {
			log.Debugf("audio leads video by %.0fms, pending delay -> %d samples", drift*1000, want)
			return
		}
	}
}

// correctBlock compares the session clock against the audio position and
// trims or pads the block within the tuned bounds. Corrections are small by
// construction; anything larger is the lead gate's job.
func (s *Session) correctBlock(block *av.PCMBlock) *av.PCMBlock {
	emitted := atomic.LoadInt64(&s.audioEmitted)
	buffered := atomic.LoadInt64(&s.audioBuffered)
	desired := int64(s.clock.ElapsedSeconds()*av.AudioSampleRate) - (emitted + buffered)

	trigger := int64(s.tuning.DropTriggerMs) * av.AudioSampleRate / 1000
	if desired > trigger {
		drop := desired
		if max := int64(block.Samples / s.tuning.DropDenom); drop > max {
			drop = max
		}
		if drop > 0 {
			block = &av.PCMBlock{
				Data:    block.Data[drop*4:],
				Samples: block.Samples - int(drop),
			}
			atomic.AddInt64(&s.samplesDropped, drop)
		}
	} else if desired < -trigger {
		pad := -desired
		if max := int64(s.tuning.PadMaxMs) * av.AudioSampleRate / 1000; pad > max {
			pad = max
		}
		if pad > 0 {
			padded := make([]byte, len(block.Data)+int(pad)*4)
			copy(padded, block.Data)
			block = &av.PCMBlock{
				Data:    padded,
				Samples: block.Samples + int(pad),
			}
			atomic.AddInt64(&s.samplesPadded, pad)
		}
	}
	return block
}

// drainDelayBuffer emits queued blocks while doing so keeps at least the
// pending delay's worth of samples buffered. A standing pending delay is how
// sync_delay and source switches hold audio back without touching video.
func (s *Session) drainDelayBuffer() {
	for {
		s.delayMu.Lock()
		if len(s.delayBuf) == 0 {
			s.delayMu.Unlock()
			return
		}
		head := s.delayBuf[0]
		pending := atomic.LoadInt64(&s.pendingDelay)
		buffered := atomic.LoadInt64(&s.audioBuffered)
		if pending > 0 && buffered-int64(head.Samples) < pending {
			s.delayMu.Unlock()
			return
		}
		s.delayBuf = s.delayBuf[1:]
		atomic.AddInt64(&s.audioBuffered, -int64(head.Samples))
		s.delayMu.Unlock()

		// timestamp from the emitted position, then advance it
		emitted := atomic.LoadInt64(&s.audioEmitted)
		tsMs := uint32(emitted * 1000 / av.AudioSampleRate)
		pkts, err := s.aenc.Encode(head, tsMs)
		if err != nil {
			log.Error("audio encode: ", err)
			av.PushStatus(s.status, av.Status{State: av.StateError, Err: err})
			return
		}
		atomic.AddInt64(&s.audioEmitted, int64(head.Samples))
		s.muxPackets(pkts)
	}
}

func silenceBlock(samples int) *av.PCMBlock {
	return &av.PCMBlock{
		Data:    make([]byte, samples*4),
		Samples: samples,
	}
}
