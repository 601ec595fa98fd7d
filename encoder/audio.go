package encoder

import (
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/stagecast/stagecast/av"
	"github.com/stagecast/stagecast/container/flv"
	"github.com/stagecast/stagecast/parser/aac"

	log "github.com/sirupsen/logrus"
)

const aacSamplesPerFrame = 1024

// AudioProc encodes PCM through an ffmpeg child into FLV-ready AAC packets.
// s16le stereo at 48 kHz goes in on stdin, ADTS comes back on stdout and the
// aac parser cuts it into raw frames. Each output frame covers exactly 1024
// samples, so packet timestamps derive from a frame counter anchored at the
// first submitted block's timestamp.
type AudioProc struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser

	mu        sync.Mutex
	parser    *aac.Parser
	frames    [][]byte
	pumpErr   error
	done      chan struct{}
	seqSent   bool
	anchored  bool
	anchorMs  uint32
	framesOut uint64
}

func NewAudioProc(bin string, bitrateKbps int) (*AudioProc, error) {
	if bitrateKbps <= 0 {
		bitrateKbps = 160
	}
	args := BaseArgs()
	args = append(args, AudioInputArgs()...)
	args = append(args, AudioCodecArgs(bitrateKbps)...)
	args = append(args, ElementaryAudioOutputArgs()...)

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
		return nil, av.NewError(av.TransportFailure, "audio encoder start", err)
	}

	p := &AudioProc{
		cmd:    cmd,
		stdin:  stdin,
		parser: aac.NewParser(),
		done:   make(chan struct{}),
	}
	go p.pump(stdout)
	log.Debugf("audio encoder started: aac %dkbps", bitrateKbps)
	return p, nil
}

func (p *AudioProc) pump(r io.Reader) {
	defer close(p.done)
	buf := make([]byte, 16*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			frames, perr := p.parser.Feed(buf[:n])
			p.mu.Lock()
			p.frames = append(p.frames, frames...)
			if perr != nil {
				log.Debug("aac resync: ", perr)
			}
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

func (p *AudioProc) Encode(block *av.PCMBlock, timestampMs uint32) ([]*av.Packet, error) {
	if block == nil || len(block.Data) == 0 {
		return p.collect()
	}
	p.mu.Lock()
	if !p.anchored {
		p.anchored = true
		p.anchorMs = timestampMs
	}
	p.mu.Unlock()

	if _, err := p.stdin.Write(block.Data); err != nil {
		return nil, av.NewError(av.TransportFailure, "audio encoder write", err)
	}
	return p.collect()
}

func (p *AudioProc) collect() ([]*av.Packet, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pumpErr != nil {
		return nil, av.NewError(av.TransportFailure, "audio encoder read", p.pumpErr)
	}
	var pkts []*av.Packet
	for _, frame := range p.frames {
		if !p.seqSent {
			if asc, err := p.parser.SpecificConfig(); err == nil {
				if seq, err := flv.PackAACSeqHdr(asc); err == nil {
					pkts = append(pkts, seq)
					p.seqSent = true
				}
			}
		}
		ts := p.anchorMs + uint32(p.framesOut*aacSamplesPerFrame*1000/av.AudioSampleRate)
		pkt, err := flv.PackAAC(frame, ts)
		if err != nil {
			continue
		}
		pkts = append(pkts, pkt)
		p.framesOut++
	}
	p.frames = p.frames[:0]
	return pkts, nil
}

func (p *AudioProc) Flush() ([]*av.Packet, error) {
	p.stdin.Close()
	select {
	case <-p.done:
	case <-time.After(3 * time.Second):
		log.Warn("audio encoder flush timed out")
	}
	return p.collect()
}

func (p *AudioProc) Close() error {
	p.stdin.Close()
	if p.cmd.Process != nil {
		select {
		case <-p.done:
		case <-time.After(time.Second):
			p.cmd.Process.Kill()
		}
	}
	if err := p.cmd.Wait(); err != nil {
		return fmt.Errorf("audio encoder exit: %w", err)
	}
	return nil
}
