package aac

import (
	"bytes"
	"fmt"
)

// ADTS header fields carried along with every raw frame pulled out of the
// encoder process's output stream.
type mpegCfgInfo struct {
	objectType byte
	sampleRate byte
	channel    byte
}

var aacRates = []int{96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050, 16000, 12000, 11025, 8000, 7350}

var (
	errAdtsHeaderShort = fmt.Errorf("adts header truncated")
	errAdtsSync        = fmt.Errorf("adts sync word not found")
	errNoConfig        = fmt.Errorf("no adts frame parsed yet")
)

const adtsHeaderLen = 7

// Parser splits an ADTS byte stream into raw AAC frames and remembers the
// stream configuration for the container's sequence header.
type Parser struct {
	gotConfig bool
	cfgInfo   mpegCfgInfo
	buf       bytes.Buffer
}

func NewParser() *Parser {
	return &Parser{}
}

// Feed appends stream bytes and returns every complete raw AAC frame now
// available, ADTS headers stripped.
func (parser *Parser) Feed(data []byte) ([][]byte, error) {
	parser.buf.Write(data)
	var frames [][]byte
	for {
		b := parser.buf.Bytes()
		if len(b) < adtsHeaderLen {
			return frames, nil
		}
		if b[0] != 0xff || b[1]&0xf0 != 0xf0 {
			// resync to the next sync word
			i := bytes.IndexByte(b[1:], 0xff)
			if i < 0 {
				parser.buf.Reset()
				return frames, errAdtsSync
			}
			parser.buf.Next(i + 1)
			continue
		}
		frameLen := int(b[3]&0x03)<<11 | int(b[4])<<3 | int(b[5])>>5
		if frameLen < adtsHeaderLen {
			parser.buf.Next(1)
			continue
		}
		if len(b) < frameLen {
			return frames, nil
		}
		parser.cfgInfo.objectType = (b[2]>>6)&0x03 + 1
		parser.cfgInfo.sampleRate = (b[2] >> 2) & 0x0f
		parser.cfgInfo.channel = (b[2]&0x01)<<2 | (b[3]>>6)&0x03
		parser.gotConfig = true

		hdr := adtsHeaderLen
		if b[1]&0x01 == 0 {
			// CRC present
			hdr += 2
		}
		if frameLen > hdr {
			frame := make([]byte, frameLen-hdr)
			copy(frame, b[hdr:frameLen])
			frames = append(frames, frame)
		}
		parser.buf.Next(frameLen)
	}
}

// SpecificConfig returns the two-byte AudioSpecificConfig matching the
// parsed stream, as the container's AAC sequence header wants it.
func (parser *Parser) SpecificConfig() ([]byte, error) {
	if !parser.gotConfig {
		return nil, errNoConfig
	}
	cfg := make([]byte, 2)
	cfg[0] = parser.cfgInfo.objectType<<3 | (parser.cfgInfo.sampleRate>>1)&0x07
	cfg[1] = (parser.cfgInfo.sampleRate&0x01)<<7 | (parser.cfgInfo.channel&0x0f)<<3
	return cfg, nil
}

func (parser *Parser) SampleRate() int {
	rate := 44100
	if parser.cfgInfo.sampleRate <= byte(len(aacRates)-1) {
		rate = aacRates[parser.cfgInfo.sampleRate]
	}
	return rate
}
