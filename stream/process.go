package stream

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync/atomic"
	"time"

	"github.com/stagecast/stagecast/configure"
	"github.com/stagecast/stagecast/encoder"

	log "github.com/sirupsen/logrus"
)

// procHandle wraps one generation of the encoder process. It is replaced
// wholesale on every reconnect; nothing is reused across generations.
type procHandle struct {
	kind    encoder.Kind
	writeq  chan []byte
	exited  chan struct{} // closed once the process has exited
	exitErr error         // valid after exited is closed
	stderr  io.Reader
	closing atomic.Bool
	kill    func()
	closeIn func() error
}

// launchProcess starts the encoder child for the given settings. Raw RGBA
// frames go to stdin; the child encodes, muxes, and pushes to the target.
func (c *Controller) launchProcess(cfg configure.SessionSettings, kind encoder.Kind) (*procHandle, error) {
	args := encoder.BaseArgs()
	args = append(args, encoder.VideoInputArgs(cfg.Width, cfg.Height, cfg.FPS)...)

	if cfg.AudioFile != "" {
		if cfg.AudioOffsetMs > 0 {
			args = append(args, "-ss", fmt.Sprintf("%.3f", float64(cfg.AudioOffsetMs)/1000))
		}
		args = append(args, "-i", cfg.AudioFile)
	} else {
		args = append(args, "-f", "lavfi", "-i", "anullsrc=r=48000:cl=stereo")
	}

	args = append(args, encoder.VideoCodecArgs(kind, cfg.BitrateKbps, cfg.FPS)...)
	args = append(args, encoder.AudioCodecArgs(160)...)
	args = append(args, "-map", "0:v", "-map", "1:a", "-shortest")

	if cfg.IsLive() {
		args = append(args, "-f", "flv", cfg.URL)
	} else {
		args = append(args, "-y", cfg.URL)
	}

	cmd := exec.Command(c.sel.Bin(), args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	h := &procHandle{
		kind:    kind,
		writeq:  make(chan []byte, 32),
		exited:  make(chan struct{}),
		stderr:  stderr,
		kill:    func() { cmd.Process.Kill() },
		closeIn: stdin.Close,
	}
	go h.writer(stdin, &c.pendingBytes)
	go func() {
		h.exitErr = cmd.Wait()
		close(h.exited)
	}()
	log.Debugf("encoder process started: %s -> %s", kind, cfg.URL)
	return h, nil
}

// enqueue hands a frame to the writer goroutine. The controller already shed
// frames against pendingBytes, so a full queue here only happens while the
// process is dying; count those as drops too.
func (h *procHandle) enqueue(buf []byte) bool {
	select {
	case h.writeq <- buf:
		return true
	default:
		return false
	}
}

// writer serializes frame writes onto the process's stdin, keeping the
// queued-byte gauge honest.
func (h *procHandle) writer(w io.WriteCloser, pending *int64) {
	for buf := range h.writeq {
		_, err := w.Write(buf)
		atomic.AddInt64(pending, -int64(len(buf)))
		if err != nil {
			if !h.closing.Load() {
				log.Debug("encoder stdin write: ", err)
			}
			// drain remaining queued frames so the gauge returns to zero
			for {
				select {
				case b := <-h.writeq:
					atomic.AddInt64(pending, -int64(len(b)))
				default:
					return
				}
			}
		}
	}
}

// shutdown ends the process cooperatively, then forcefully.
func (h *procHandle) shutdown() {
	h.closing.Store(true)
	h.closeIn()
	select {
	case <-h.exited:
	case <-time.After(2 * time.Second):
		h.kill()
		<-h.exited
	}
}

// encoder rejection markers on the diagnostic stream. These mean the chosen
// encoder can never work in this process, not that the transport hiccuped.
var encoderRejectedMarkers = []string{
	"unknown encoder",
	"encoder not found",
	"no such encoder",
	"not supported by this build",
	"cannot load",
	"failed to initialise",
	"error initializing encoder",
}

func isEncoderRejection(line string) bool {
	l := strings.ToLower(line)
	for _, m := range encoderRejectedMarkers {
		if strings.Contains(l, m) {
			return true
		}
	}
	return false
}

// monitor follows one process generation: it relays the diagnostic stream,
// watches for encoder rejection, and turns an unexpected exit into the
// reconnect path. Stale generations are ignored.
func (c *Controller) monitor(h *procHandle, gen uint64) {
	rejected := make(chan struct{}, 1)
	go func() {
		sc := bufio.NewScanner(h.stderr)
		for sc.Scan() {
			line := sc.Text()
			if isEncoderRejection(line) {
				log.Warnf("encoder rejected by process: %s", line)
				select {
				case rejected <- struct{}{}:
				default:
				}
				continue
			}
			log.Info("encoder: ", line)
		}
	}()

	select {
	case <-rejected:
		if !c.isCurrent(gen) {
			return
		}
		// correctness fallback: pin software and restart immediately
		c.mu.Lock()
		c.forceSoftware = true
		cfg := c.settings
		c.mu.Unlock()
		log.Info("restarting with software encoder")
		c.fastRestart(cfg)
		return
	case <-h.exited:
		// deliberate teardown (Stop or a fast restart) is not a failure
		if h.closing.Load() || !c.isCurrent(gen) {
			return
		}
		c.onProcessExit(h.exitErr)
	}
}

func (c *Controller) isCurrent(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen && c.st != stateStopped
}
