package main

import (
	"context"
	"fmt"
	"image"
	"os"
	"os/signal"
	"path"
	"runtime"
	"syscall"
	"time"

	"github.com/stagecast/stagecast/av"
	"github.com/stagecast/stagecast/configure"
	"github.com/stagecast/stagecast/encoder"
	"github.com/stagecast/stagecast/ratecvt"
	"github.com/stagecast/stagecast/schedule"
	"github.com/stagecast/stagecast/stream"

	log "github.com/sirupsen/logrus"
)

var VERSION = "master"

func init() {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
		CallerPrettyfier: func(f *runtime.Frame) (string, string) {
			filename := path.Base(f.File)
			return fmt.Sprintf("%s()", f.Function), fmt.Sprintf(" %s:%d", filename, f.Line)
		},
	})
}

// blankProvider stands in until the compositor registers the real frame
// provider over the control surface.
func blankProvider(width, height int, passthrough bool) (image.Image, error) {
	return nil, nil
}

func main() {
	defer func() {
		if r := recover(); r != nil {
			log.Error("stagecast panic: ", r)
			time.Sleep(1 * time.Second)
		}
	}()

	log.Infof(`
     ____  _                            _
    / ___|| |_ __ _  __ _  ___  ___ __ _ ___| |_
    \___ \| __/ _' |/ _' |/ _ \/ __/ _' / __| __|
     ___) | || (_| | (_| |  __/ (_| (_| \__ \ |_
    |____/ \__\__,_|\__, |\___|\___\__,_|___/\__|
                    |___/
        version: %s
	`, VERSION)

	heartbeat := time.Duration(configure.Config.GetInt("heartbeat_ms")) * time.Millisecond
	fps := configure.Config.GetInt("target_fps")

	// explicit service objects, wired once here and passed by handle
	sched := schedule.NewScheduler(heartbeat)
	registry := ratecvt.NewRegistry(fps)
	selector := encoder.NewSelector(configure.Config.GetString("ffmpeg_bin"))

	interval := registry.Interval()
	sched.Register("ratecvt.heartbeat", interval/2, registry.Tick)

	provider := av.FrameProviderFunc(blankProvider)
	controller := stream.NewController(selector, provider, sched, registry)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	go func() {
		for st := range controller.Status() {
			log.Infof("stream status: %s err=%v", st.State, st.Err)
		}
	}()

	settings := configure.SettingsFromConfig()
	if settings.URL != "" {
		if err := controller.Start(settings); err != nil {
			log.Fatal("start: ", err)
		}
	} else {
		log.Info("no target url configured, waiting for control surface")
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	controller.Stop()
	cancel()
}
