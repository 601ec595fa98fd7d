// Package encoder selects and drives the external encoding process. Encoder
// kinds are a closed enum with an explicit per-platform priority order;
// availability is probed once per process and cached.
package encoder

import (
	"bufio"
	"fmt"
	"os/exec"
	"runtime"
	"strings"

	"github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"
)

type Kind int

const (
	KindNone Kind = iota
	KindH264VideoToolbox
	KindH264NVENC
	KindH264QSV
	KindH264VAAPI
	KindH264AMF
	KindH264Software
)

func (k Kind) String() string {
	return k.FFName()
}

// FFName is the encoder name the ffmpeg command line uses.
func (k Kind) FFName() string {
	switch k {
	case KindH264VideoToolbox:
		return "h264_videotoolbox"
	case KindH264NVENC:
		return "h264_nvenc"
	case KindH264QSV:
		return "h264_qsv"
	case KindH264VAAPI:
		return "h264_vaapi"
	case KindH264AMF:
		return "h264_amf"
	case KindH264Software:
		return "libx264"
	}
	return ""
}

func kindFromName(name string) Kind {
	switch name {
	case "h264_videotoolbox":
		return KindH264VideoToolbox
	case "h264_nvenc":
		return KindH264NVENC
	case "h264_qsv":
		return KindH264QSV
	case "h264_vaapi":
		return KindH264VAAPI
	case "h264_amf":
		return KindH264AMF
	case "libx264", "x264", "software":
		return KindH264Software
	}
	return KindNone
}

// priority returns the hardware-first candidate order for the platform.
// Software always closes the list.
func priority() []Kind {
	switch runtime.GOOS {
	case "darwin":
		return []Kind{KindH264VideoToolbox, KindH264Software}
	case "windows":
		return []Kind{KindH264NVENC, KindH264QSV, KindH264AMF, KindH264Software}
	default:
		return []Kind{KindH264NVENC, KindH264VAAPI, KindH264QSV, KindH264Software}
	}
}

const probeKey = "encoders"

// Selector probes the ffmpeg binary for usable encoders and picks the best
// one. The probe result lives in the cache for the rest of the process.
type Selector struct {
	bin   string
	cache *cache.Cache
	// probeFn is swapped out by tests
	probeFn func() (map[string]bool, error)
}

func NewSelector(ffmpegBin string) *Selector {
	s := &Selector{
		bin:   ffmpegBin,
		cache: cache.New(cache.NoExpiration, 0),
	}
	s.probeFn = s.probeProcess
	return s
}

func (s *Selector) probeProcess() (map[string]bool, error) {
	out, err := exec.Command(s.bin, "-hide_banner", "-encoders").Output()
	if err != nil {
		return nil, fmt.Errorf("encoder probe: %w", err)
	}
	avail := make(map[string]bool)
	sc := bufio.NewScanner(strings.NewReader(string(out)))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		// " V..... libx264  H.264 ..."
		if len(fields) >= 2 && strings.HasPrefix(fields[0], "V") {
			avail[fields[1]] = true
		}
	}
	return avail, nil
}

func (s *Selector) available() (map[string]bool, error) {
	if v, ok := s.cache.Get(probeKey); ok {
		return v.(map[string]bool), nil
	}
	avail, err := s.probeFn()
	if err != nil {
		return nil, err
	}
	s.cache.Set(probeKey, avail, cache.NoExpiration)
	log.Debugf("encoder probe found %d video encoders", len(avail))
	return avail, nil
}

// SetProbeResult pre-fills the probe cache, bypassing the process probe.
// For callers that already know the encoder set, and for tests.
func (s *Selector) SetProbeResult(avail map[string]bool) {
	s.cache.Set(probeKey, avail, cache.NoExpiration)
}

// Select returns the encoder to use. A non-empty preference that names a
// usable encoder wins; otherwise the platform priority order applies.
func (s *Selector) Select(preference string) (Kind, error) {
	avail, err := s.available()
	if err != nil {
		return KindNone, err
	}
	if preference != "" {
		if k := kindFromName(preference); k != KindNone && avail[k.FFName()] {
			return k, nil
		}
		log.Warnf("preferred encoder %q unavailable, falling back to probe order", preference)
	}
	for _, k := range priority() {
		if avail[k.FFName()] {
			return k, nil
		}
	}
	return KindNone, fmt.Errorf("no usable h264 encoder in %s", s.bin)
}

// ForceSoftware is the EncoderRejected fallback: the probe said a hardware
// encoder exists but the running process rejected it, so pin software.
func (s *Selector) ForceSoftware() Kind {
	log.Info("forcing software encoder fallback")
	return KindH264Software
}

// Bin returns the configured ffmpeg binary path.
func (s *Selector) Bin() string {
	return s.bin
}
