package configure

import (
	"fmt"
	"strings"

	"github.com/stagecast/stagecast/av"
)

// SessionSettings are the start parameters for one streaming run. A copy of
// the last successfully started settings is what the push controller
// relaunches from after a transport failure.
type SessionSettings struct {
	URL           string `mapstructure:"url"`
	Width         int    `mapstructure:"width"`
	Height        int    `mapstructure:"height"`
	FPS           int    `mapstructure:"target_fps"`
	AudioDevice   string `mapstructure:"audio_device"`
	AudioFile     string `mapstructure:"audio_file"`
	AudioOffsetMs int    `mapstructure:"audio_offset_ms"`
	Codec         string `mapstructure:"codec"`
	BitrateKbps   int    `mapstructure:"bitrate_kbps"`
	SyncDelayMs   int    `mapstructure:"sync_delay_ms"`
}

// SettingsFromConfig builds SessionSettings from the merged engine config.
func SettingsFromConfig() SessionSettings {
	s := SessionSettings{}
	Config.Unmarshal(&s)
	return s
}

func (s *SessionSettings) Validate() error {
	if strings.TrimSpace(s.URL) == "" {
		return av.NewError(av.Misconfiguration, "settings", fmt.Errorf("target url or file path is required"))
	}
	if s.Width <= 0 || s.Height <= 0 {
		return av.NewError(av.Misconfiguration, "settings", fmt.Errorf("bad output size %dx%d", s.Width, s.Height))
	}
	if s.FPS <= 0 {
		return av.NewError(av.Misconfiguration, "settings", fmt.Errorf("bad frame rate %d", s.FPS))
	}
	if s.AudioOffsetMs < 0 {
		return av.NewError(av.Misconfiguration, "settings", fmt.Errorf("negative audio offset"))
	}
	return nil
}

// IsLive reports whether URL names a streaming ingest rather than a file.
func (s *SessionSettings) IsLive() bool {
	return strings.HasPrefix(s.URL, "rtmp://") || strings.HasPrefix(s.URL, "rtmps://")
}
