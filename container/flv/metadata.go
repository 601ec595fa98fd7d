package flv

import (
	"bytes"
	"math"
	"sort"

	"github.com/stagecast/stagecast/av"
	"github.com/stagecast/stagecast/utils/pio"
)

// Minimal AMF0 script-data encoding, enough for the onMetaData tag players
// and ingests expect at the head of the stream.

const (
	amf0Number    = 0x00
	amf0String    = 0x02
	amf0EcmaArray = 0x08
	amf0ObjEnd    = 0x09
)

func amfWriteString(b *bytes.Buffer, s string) {
	l := make([]byte, 2)
	pio.PutU16BE(l, uint16(len(s)))
	b.Write(l)
	b.WriteString(s)
}

func amfWriteNumber(b *bytes.Buffer, v float64) {
	b.WriteByte(amf0Number)
	n := make([]byte, 8)
	pio.PutU64BE(n, math.Float64bits(v))
	b.Write(n)
}

// PackMetadata builds the onMetaData script tag from the session parameters.
func PackMetadata(width, height, fps, bitrateKbps int) *av.Packet {
	props := map[string]float64{
		"width":           float64(width),
		"height":          float64(height),
		"framerate":       float64(fps),
		"videodatarate":   float64(bitrateKbps),
		"videocodecid":    float64(av.VIDEO_H264),
		"audiocodecid":    float64(av.SOUND_AAC),
		"audiosamplerate": float64(av.AudioSampleRate),
	}

	var b bytes.Buffer
	b.WriteByte(amf0String)
	amfWriteString(&b, "onMetaData")
	b.WriteByte(amf0EcmaArray)
	n := make([]byte, 4)
	pio.PutU32BE(n, uint32(len(props)))
	b.Write(n)

	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		amfWriteString(&b, k)
		amfWriteNumber(&b, props[k])
	}
	amfWriteString(&b, "")
	b.WriteByte(amf0ObjEnd)

	return &av.Packet{
		IsMetadata: true,
		TimeStamp:  0,
		Data:       b.Bytes(),
	}
}
