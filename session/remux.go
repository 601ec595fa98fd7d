package session

import (
	"io"
	"os/exec"
	"time"

	log "github.com/sirupsen/logrus"
)

// remuxSink carries a muxed FLV byte stream to an RTMP-class URL through a
// copy-remux child. No re-encoding happens in the child; it owns only the
// network leg of the transport.
type remuxSink struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
}

func newRemuxSink(bin, url string) (io.WriteCloser, error) {
	cmd := exec.Command(bin,
		"-hide_banner", "-loglevel", "error",
		"-f", "flv", "-i", "pipe:0",
		"-c", "copy",
		"-f", "flv", url,
	)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	log.Debug("remux sink started: ", url)
	return &remuxSink{cmd: cmd, stdin: stdin}, nil
}

func (r *remuxSink) Write(p []byte) (int, error) {
	return r.stdin.Write(p)
}

func (r *remuxSink) Close() error {
	r.stdin.Close()
	done := make(chan error, 1)
	go func() { done <- r.cmd.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(3 * time.Second):
		r.cmd.Process.Kill()
		return <-done
	}
}
