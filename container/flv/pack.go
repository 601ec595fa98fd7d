package flv

import (
	"bytes"
	"fmt"

	"github.com/stagecast/stagecast/av"
	"github.com/stagecast/stagecast/utils/pio"
)

// Tag body packers. The demuxing direction strips these prefixes off; the
// session produces elementary streams and needs them put back on.

var errEmptyBody = fmt.Errorf("empty tag body")

type VideoTagHeader struct {
	KeyFrame bool
	Seq      bool
	CompTime int32
}

func (h VideoTagHeader) IsKeyFrame() bool       { return h.KeyFrame }
func (h VideoTagHeader) IsSeq() bool            { return h.Seq }
func (h VideoTagHeader) CodecID() uint8         { return av.VIDEO_H264 }
func (h VideoTagHeader) CompositionTime() int32 { return h.CompTime }

type AudioTagHeader struct {
	PacketType uint8
}

func (h AudioTagHeader) SoundFormat() uint8   { return av.SOUND_AAC }
func (h AudioTagHeader) AACPacketType() uint8 { return h.PacketType }

// PackAVCSeqHdr builds the video tag carrying the AVC decoder configuration
// record for the given SPS and PPS.
func PackAVCSeqHdr(sps, pps []byte) (*av.Packet, error) {
	if len(sps) < 4 || len(pps) == 0 {
		return nil, errEmptyBody
	}
	var b bytes.Buffer
	b.WriteByte(av.FRAME_KEY<<4 | av.VIDEO_H264)
	b.WriteByte(av.AVC_SEQHDR)
	b.Write([]byte{0x00, 0x00, 0x00}) // composition time

	// AVCDecoderConfigurationRecord
	b.WriteByte(0x01)
	b.WriteByte(sps[1])
	b.WriteByte(sps[2])
	b.WriteByte(sps[3])
	b.WriteByte(0xff)       // 4-byte NALU lengths
	b.WriteByte(0xe0 | 1)   // one SPS
	l2 := make([]byte, 2)
	pio.PutU16BE(l2, uint16(len(sps)))
	b.Write(l2)
	b.Write(sps)
	b.WriteByte(1) // one PPS
	pio.PutU16BE(l2, uint16(len(pps)))
	b.Write(l2)
	b.Write(pps)

	return &av.Packet{
		IsVideo:   true,
		TimeStamp: 0,
		Data:      b.Bytes(),
		Header:    VideoTagHeader{KeyFrame: true, Seq: true},
	}, nil
}

// PackAVC wraps an AVCC access unit into a video tag body.
func PackAVC(avcc []byte, timestampMs uint32, keyframe bool, compTime int32) (*av.Packet, error) {
	if len(avcc) == 0 {
		return nil, errEmptyBody
	}
	b := make([]byte, 5+len(avcc))
	frameType := byte(av.FRAME_INTER)
	if keyframe {
		frameType = av.FRAME_KEY
	}
	b[0] = frameType<<4 | av.VIDEO_H264
	b[1] = av.AVC_NALU
	pio.PutI24BE(b[2:5], compTime)
	copy(b[5:], avcc)
	return &av.Packet{
		IsVideo:   true,
		TimeStamp: timestampMs,
		Data:      b,
		Header:    VideoTagHeader{KeyFrame: keyframe, CompTime: compTime},
	}, nil
}

// PackAVCEndOfSequence builds the trailing AVC_EOS tag written at flush.
func PackAVCEndOfSequence(timestampMs uint32) *av.Packet {
	b := []byte{av.FRAME_KEY<<4 | av.VIDEO_H264, av.AVC_EOS, 0x00, 0x00, 0x00}
	return &av.Packet{
		IsVideo:   true,
		TimeStamp: timestampMs,
		Data:      b,
		Header:    VideoTagHeader{KeyFrame: true},
	}
}

func audioTagByte() byte {
	return av.SOUND_AAC<<4 | av.SOUND_44Khz<<2 | av.SOUND_16BIT<<1 | av.SOUND_STEREO
}

// PackAACSeqHdr builds the audio tag carrying the AudioSpecificConfig.
func PackAACSeqHdr(asc []byte) (*av.Packet, error) {
	if len(asc) == 0 {
		return nil, errEmptyBody
	}
	b := make([]byte, 2+len(asc))
	b[0] = audioTagByte()
	b[1] = av.AAC_SEQHDR
	copy(b[2:], asc)
	return &av.Packet{
		IsAudio:   true,
		TimeStamp: 0,
		Data:      b,
		Header:    AudioTagHeader{PacketType: av.AAC_SEQHDR},
	}, nil
}

// PackAAC wraps one raw AAC frame into an audio tag body.
func PackAAC(raw []byte, timestampMs uint32) (*av.Packet, error) {
	if len(raw) == 0 {
		return nil, errEmptyBody
	}
	b := make([]byte, 2+len(raw))
	b[0] = audioTagByte()
	b[1] = av.AAC_RAW
	copy(b[2:], raw)
	return &av.Packet{
		IsAudio:   true,
		TimeStamp: timestampMs,
		Data:      b,
		Header:    AudioTagHeader{PacketType: av.AAC_RAW},
	}, nil
}
