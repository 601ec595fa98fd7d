package configure

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/kr/pretty"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

/*
{
  "level": "info",
  "ffmpeg_bin": "ffmpeg",
  "target_fps": 30,
  "heartbeat_ms": 10,
  "reconnect_backoff_ms": 2000
}
*/

type EngineCfg struct {
	Level              string `mapstructure:"level"`
	ConfigFile         string `mapstructure:"config_file"`
	FFmpegBin          string `mapstructure:"ffmpeg_bin"`
	TargetFPS          int    `mapstructure:"target_fps"`
	HeartbeatMs        int    `mapstructure:"heartbeat_ms"`
	ReconnectBackoffMs int    `mapstructure:"reconnect_backoff_ms"`
	JoinTimeoutMs      int    `mapstructure:"join_timeout_ms"`
	FLVDir             string `mapstructure:"flv_dir"`
}

// default config
var defaultConf = EngineCfg{
	Level:              "info",
	ConfigFile:         "stagecast.yaml",
	FFmpegBin:          "ffmpeg",
	TargetFPS:          30,
	HeartbeatMs:        10,
	ReconnectBackoffMs: 2000,
	JoinTimeoutMs:      2000,
	FLVDir:             "",
}

var (
	Config = viper.New()

	// BypassInit can be used to bypass the init() function by setting this
	// value to True at compile time.
	// go build -ldflags "-X 'github.com/stagecast/stagecast/configure.BypassInit=true'"
	BypassInit string = ""
)

func initLog() {
	if l, err := log.ParseLevel(Config.GetString("level")); err == nil {
		log.SetLevel(l)
		log.SetReportCaller(l == log.DebugLevel)
	}
}

func init() {
	if BypassInit == "" {
		initDefault()
	}
}

func initDefault() {
	// Default config
	b, _ := json.Marshal(defaultConf)
	defaultConfig := bytes.NewReader(b)
	viper.SetConfigType("json")
	viper.ReadConfig(defaultConfig)
	Config.MergeConfigMap(viper.AllSettings())

	// Flags
	pflag.String("url", "", "stream target: rtmp:// URL or local file path")
	pflag.Int("width", 1920, "output width")
	pflag.Int("height", 1080, "output height")
	pflag.Int("target_fps", 30, "output frame rate")
	pflag.String("audio_device", "", "audio capture device id, empty for silence")
	pflag.String("audio_file", "", "media file to mux audio from")
	pflag.Int("audio_offset_ms", 0, "start offset into the audio file")
	pflag.String("codec", "", "video encoder preference, empty for auto")
	pflag.Int("bitrate_kbps", 0, "target video bitrate, 0 to compute from resolution")
	pflag.Int("sync_delay_ms", 0, "extra a/v sync delay applied at start")
	pflag.String("config_file", "stagecast.yaml", "configure filename")
	pflag.String("level", "info", "Log level")
	pflag.String("ffmpeg_bin", "ffmpeg", "ffmpeg binary path")
	pflag.String("flv_dir", "", "output flv file at flvDir/NAME_TIME.flv when set")
	pflag.Int("heartbeat_ms", 10, "scheduler heartbeat period")
	pflag.Int("reconnect_backoff_ms", 2000, "push reconnect backoff")
	pflag.Int("join_timeout_ms", 2000, "session worker join timeout on stop")
	pflag.CommandLine.ParseErrorsWhitelist.UnknownFlags = true
	pflag.Parse()
	Config.BindPFlags(pflag.CommandLine)

	// File
	Config.SetConfigFile(Config.GetString("config_file"))
	Config.AddConfigPath(".")
	err := Config.ReadInConfig()
	if err != nil {
		log.Warning(err)
		log.Info("Using default config")
	} else {
		Config.MergeInConfig()
	}

	// Environment
	replacer := strings.NewReplacer(".", "_")
	Config.SetEnvKeyReplacer(replacer)
	Config.AllowEmptyEnv(true)
	Config.AutomaticEnv()

	// Log
	initLog()

	// Print final config
	c := EngineCfg{}
	Config.Unmarshal(&c)
	log.Debugf("Current configurations: \n%# v", pretty.Formatter(c))
}
