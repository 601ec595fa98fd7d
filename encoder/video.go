package encoder

import (
	"fmt"
	"image"
	"image/draw"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/stagecast/stagecast/av"
	"github.com/stagecast/stagecast/container/flv"
	"github.com/stagecast/stagecast/parser/h264"

	log "github.com/sirupsen/logrus"
)

// VideoProc encodes raw frames through an ffmpeg child into FLV-ready H.264
// packets. Frames go in as RGBA on stdin; Annex B access units come back on
// stdout and are cut by the h264 parser. B-frames are disabled so output
// order matches input order and timestamps can be paired off a queue.
type VideoProc struct {
	width, height int
	cmd           *exec.Cmd
	stdin         io.WriteCloser

	mu      sync.Mutex
	parser  *h264.Parser
	units   [][]byte
	tsQueue []uint32
	seqSent bool
	pumpErr error
	done    chan struct{}

	rgba *image.RGBA
}

// NewVideoProc launches the encoding child. kind has already been selected
// and probed; a launch failure here is a transport-class error.
func NewVideoProc(bin string, kind Kind, width, height, fps, bitrateKbps int) (*VideoProc, error) {
	args := BaseArgs()
	args = append(args, VideoInputArgs(width, height, fps)...)
	args = append(args, VideoCodecArgs(kind, bitrateKbps, fps)...)
	args = append(args, ElementaryVideoOutputArgs()...)

	cmd := exec.Command(bin, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, av.NewError(av.TransportFailure, "video encoder start", err)
	}

	p := &VideoProc{
		width:  width,
		height: height,
		cmd:    cmd,
		stdin:  stdin,
		parser: h264.NewParser(),
		done:   make(chan struct{}),
		rgba:   image.NewRGBA(image.Rect(0, 0, width, height)),
	}
	go p.pump(stdout)
	log.Debugf("video encoder started: %s %dx%d@%d %dkbps", kind, width, height, fps, bitrateKbps)
	return p, nil
}

func (p *VideoProc) pump(r io.Reader) {
	defer close(p.done)
	buf := make([]byte, 64*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			p.mu.Lock()
			p.units = append(p.units, p.parser.Feed(buf[:n])...)
			p.mu.Unlock()
		}
		if err != nil {
			if err != io.EOF {
				p.mu.Lock()
				p.pumpErr = err
				p.mu.Unlock()
			}
			return
		}
	}
}

func (p *VideoProc) rawBytes(img image.Image) []byte {
	if r, ok := img.(*image.RGBA); ok && r.Bounds() == p.rgba.Bounds() && r.Stride == 4*p.width {
		return r.Pix
	}
	draw.Draw(p.rgba, p.rgba.Bounds(), img, img.Bounds().Min, draw.Src)
	return p.rgba.Pix
}

// Encode submits one frame and returns whatever packets the child has
// produced so far. The sequence header tag precedes the first data packet.
func (p *VideoProc) Encode(frame *av.Frame, timestampMs uint32) ([]*av.Packet, error) {
	if frame == nil || frame.Payload == nil {
		return nil, nil
	}
	p.mu.Lock()
	p.tsQueue = append(p.tsQueue, timestampMs)
	p.mu.Unlock()

	if _, err := p.stdin.Write(p.rawBytes(frame.Payload)); err != nil {
		return nil, av.NewError(av.TransportFailure, "video encoder write", err)
	}
	return p.collect()
}

func (p *VideoProc) collect() ([]*av.Packet, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pumpErr != nil {
		return nil, av.NewError(av.TransportFailure, "video encoder read", p.pumpErr)
	}
	var pkts []*av.Packet
	for _, au := range p.units {
		if len(p.tsQueue) == 0 {
			break
		}
		ts := p.tsQueue[0]
		p.tsQueue = p.tsQueue[1:]

		if !p.seqSent {
			sps, pps, err := p.parser.ParamSets()
			if err == nil {
				if seq, err := flv.PackAVCSeqHdr(sps, pps); err == nil {
					pkts = append(pkts, seq)
					p.seqSent = true
				}
			}
		}
		pkt, err := flv.PackAVC(mustAVCC(au), ts, h264.IsKeyUnit(au), 0)
		if err != nil {
			continue
		}
		pkts = append(pkts, pkt)
	}
	p.units = p.units[:0]
	return pkts, nil
}

func mustAVCC(au []byte) []byte {
	b, err := h264.ToAVCC(au)
	if err != nil {
		return nil
	}
	return b
}

// Flush closes the input side, waits for the child to drain, and returns the
// trailing packets plus the end-of-sequence tag.
func (p *VideoProc) Flush() ([]*av.Packet, error) {
	p.stdin.Close()
	select {
	case <-p.done:
	case <-time.After(3 * time.Second):
		log.Warn("video encoder flush timed out")
	}
	p.mu.Lock()
	if tail := p.parser.Drain(); tail != nil {
		p.units = append(p.units, tail)
	}
	// any leftover units pair with the remaining queued timestamps
	p.mu.Unlock()

	pkts, err := p.collect()
	if err != nil {
		return nil, err
	}
	var lastTs uint32
	if n := len(pkts); n > 0 {
		lastTs = pkts[n-1].TimeStamp
	}
	pkts = append(pkts, flv.PackAVCEndOfSequence(lastTs))
	return pkts, nil
}

func (p *VideoProc) Close() error {
	p.stdin.Close()
	if p.cmd.Process != nil {
		select {
		case <-p.done:
		case <-time.After(time.Second):
			p.cmd.Process.Kill()
		}
	}
	if err := p.cmd.Wait(); err != nil {
		return fmt.Errorf("video encoder exit: %w", err)
	}
	return nil
}
