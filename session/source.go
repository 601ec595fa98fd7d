package session

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"time"

	"github.com/stagecast/stagecast/av"

	log "github.com/sirupsen/logrus"
)

// Audio sources. All of them deliver s16le stereo 48 kHz blocks and pace
// themselves at real time, so the audio loop's corrections only ever deal
// with small residual offsets.

// silenceSource synthesizes zero blocks at real-time pace. Used when no
// device is configured or a device could not be opened.
type silenceSource struct {
	blockDur time.Duration
	samples  int
}

func newSilenceSource(blockDur time.Duration) *silenceSource {
	return &silenceSource{
		blockDur: blockDur,
		samples:  int(blockDur.Seconds() * av.AudioSampleRate),
	}
}

func (s *silenceSource) ReadBlock(ctx context.Context) (*av.PCMBlock, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(s.blockDur):
	}
	return silenceBlock(s.samples), nil
}

func (s *silenceSource) Close() error { return nil }

// procSource reads PCM from an ffmpeg child decoding a device or a media
// file. A reader goroutine cuts the stream into blocks and feeds a small
// channel; ReadBlock waits briefly and lets the caller fall back to silence
// instead of stalling.
type procSource struct {
	cmd    *exec.Cmd
	blocks chan *av.PCMBlock
	done   chan struct{}
}

const sourceReadTimeout = 60 * time.Millisecond

func startProcSource(bin string, args []string, blockDur time.Duration, paced bool) (*procSource, error) {
	cmd := exec.Command(bin, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	src := &procSource{
		cmd:    cmd,
		blocks: make(chan *av.PCMBlock, 8),
		done:   make(chan struct{}),
	}
	go src.reader(stdout, blockDur, paced)
	return src, nil
}

func (s *procSource) reader(r io.Reader, blockDur time.Duration, paced bool) {
	defer close(s.blocks)
	blockBytes := int(blockDur.Seconds()*av.AudioSampleRate) * 4
	start := time.Now()
	var n int64
	for {
		buf := make([]byte, blockBytes)
		if _, err := io.ReadFull(r, buf); err != nil {
			if err != io.EOF && err != io.ErrUnexpectedEOF {
				log.Debug("audio source read: ", err)
			}
			return
		}
		if paced {
			// file decode outruns real time; hold each block to its slot
			due := start.Add(time.Duration(n) * blockDur)
			if d := time.Until(due); d > 0 {
				time.Sleep(d)
			}
		}
		n++
		select {
		case s.blocks <- &av.PCMBlock{Data: buf, Samples: blockBytes / 4}:
		case <-s.done:
			return
		}
	}
}

func (s *procSource) ReadBlock(ctx context.Context) (*av.PCMBlock, error) {
	select {
	case b, ok := <-s.blocks:
		if !ok {
			return nil, av.NewError(av.DeviceUnavailable, "audio source", io.EOF)
		}
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(sourceReadTimeout):
		return nil, av.NewError(av.DeviceUnavailable, "audio source", fmt.Errorf("read timeout"))
	}
}

func (s *procSource) Close() error {
	close(s.done)
	if s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
	return s.cmd.Wait()
}

// newFileSource decodes a media file's audio track from the given offset.
func newFileSource(bin, path string, offsetMs int, blockDur time.Duration) (av.AudioSource, error) {
	args := []string{"-hide_banner", "-loglevel", "error"}
	if offsetMs > 0 {
		args = append(args, "-ss", fmt.Sprintf("%.3f", float64(offsetMs)/1000))
	}
	args = append(args,
		"-i", path,
		"-vn",
		"-f", "s16le", "-ar", "48000", "-ac", "2",
		"pipe:1",
	)
	return startProcSource(bin, args, blockDur, true)
}

// newDeviceSource captures from an audio input device through the platform's
// capture backend.
func newDeviceSource(bin, device string, blockDur time.Duration) (av.AudioSource, error) {
	var inFmt string
	switch runtime.GOOS {
	case "darwin":
		inFmt = "avfoundation"
		device = ":" + device
	case "windows":
		inFmt = "dshow"
		device = "audio=" + device
	default:
		inFmt = "pulse"
	}
	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-f", inFmt,
		"-i", device,
		"-f", "s16le", "-ar", "48000", "-ac", "2",
		"pipe:1",
	}
	return startProcSource(bin, args, blockDur, false)
}
