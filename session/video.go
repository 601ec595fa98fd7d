package session

import (
	"sync/atomic"
	"time"

	"github.com/stagecast/stagecast/av"

	log "github.com/sirupsen/logrus"
)

// shortSleep bounds how long the video loop naps while waiting for its slot.
const shortSleep = 2 * time.Millisecond

// videoLoop runs the anchored schedule: nextTick advances by exactly one
// period per emission, so timing error never accumulates no matter how
// irregular the provider or encoder are.
func (s *Session) videoLoop() {
	defer close(s.videoDone)

	cfg := s.settings
	period := time.Duration(float64(time.Second) / float64(cfg.FPS))
	nextTick := s.clock.Elapsed()

	for !s.stopped() {
		now := s.clock.Elapsed()
		if now < nextTick {
			d := nextTick - now
			if d > shortSleep {
				d = shortSleep
			}
			s.sleep(d)
			continue
		}

		img, err := s.provider.Provide(cfg.Width, cfg.Height, false)
		if err != nil || img == nil {
			// nothing composable this instant: the grid moves on, the
			// counter does not
			if err != nil {
				log.Debug("frame provider: ", err)
			}
			nextTick += period
			continue
		}

		n := atomic.LoadUint64(&s.videoFrames)
		tsMs := uint32(n * 1000 / uint64(cfg.FPS))
		frame := &av.Frame{
			Payload:  img,
			Capture:  now,
			Target:   nextTick,
			Seq:      n + 1,
			SourceID: "program",
		}

		pkts, err := s.venc.Encode(frame, tsMs)
		if err != nil {
			log.Error("video encode: ", err)
			av.PushStatus(s.status, av.Status{State: av.StateError, Err: err})
			return
		}

		// the counter advances once the frame is actually in the pipeline
		atomic.AddUint64(&s.videoFrames, 1)
		s.muxPackets(pkts)
		nextTick += period
	}
}
