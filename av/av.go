package av

import (
	"context"
	"fmt"
	"image"
)

const (
	TAG_AUDIO          = 8
	TAG_VIDEO          = 9
	TAG_SCRIPTDATAAMF0 = 18
)

const (
	SOUND_AAC = 10

	SOUND_44Khz = 3

	SOUND_16BIT  = 1
	SOUND_STEREO = 1

	AAC_SEQHDR = 0
	AAC_RAW    = 1
)

const (
	AVC_SEQHDR = 0
	AVC_NALU   = 1
	AVC_EOS    = 2

	FRAME_KEY   = 1
	FRAME_INTER = 2

	VIDEO_H264 = 7
)

// AudioSampleRate is the sample domain every audio counter in the engine is
// tracked in. Sources that deliver anything else are resampled before they
// reach a session.
const AudioSampleRate = 48000

// AudioChannels is fixed at stereo for the egress container.
const AudioChannels = 2

// Packet is one encoded media unit headed for the output container.
// TimeStamp is the presentation time in milliseconds within the session
// timeline; Header carries the codec-specific tag fields.
type Packet struct {
	IsAudio    bool
	IsVideo    bool
	IsMetadata bool
	TimeStamp  uint32
	Data       []byte
	Header     PacketHeader
}

type PacketHeader interface {
}

type AudioPacketHeader interface {
	PacketHeader
	SoundFormat() uint8
	AACPacketType() uint8
}

type VideoPacketHeader interface {
	PacketHeader
	IsKeyFrame() bool
	IsSeq() bool
	CodecID() uint8
	CompositionTime() int32
}

// Muxer writes packets into the transport container. Implementations are not
// goroutine-safe; callers serialize access (the session holds its output lock
// across every WritePacket).
type Muxer interface {
	WritePacket(*Packet) error
	Close() error
}

// FrameProvider is the narrow contract to the compositor. Provide returns a
// bitmap of exactly the requested size, or nil when nothing is composable at
// this instant. It is called only from the video loop and must not block for
// longer than roughly one frame period.
type FrameProvider interface {
	Provide(width, height int, passthrough bool) (image.Image, error)
}

// FrameProviderFunc adapts a closure to FrameProvider.
type FrameProviderFunc func(width, height int, passthrough bool) (image.Image, error)

func (f FrameProviderFunc) Provide(width, height int, passthrough bool) (image.Image, error) {
	return f(width, height, passthrough)
}

// PCMBlock is a block of signed 16-bit little-endian stereo samples at
// AudioSampleRate. Samples counts sample frames, so len(Data) is 4*Samples.
type PCMBlock struct {
	Data    []byte
	Samples int
}

// AudioSource delivers PCM blocks to the audio loop. ReadBlock blocks at most
// briefly; a source that has nothing ready returns a silence block rather
// than stalling the loop.
type AudioSource interface {
	ReadBlock(ctx context.Context) (*PCMBlock, error)
	Close() error
}

// VideoEncoder turns timestamped frames into container-ready packets.
// Encode may return zero packets while the encoder is still priming. Flush
// signals end-of-stream and drains the trailing packets.
type VideoEncoder interface {
	Encode(frame *Frame, timestampMs uint32) ([]*Packet, error)
	Flush() ([]*Packet, error)
	Close() error
}

type AudioEncoder interface {
	Encode(block *PCMBlock, timestampMs uint32) ([]*Packet, error)
	Flush() ([]*Packet, error)
	Close() error
}

func (p *Packet) String() string {
	kind := "metadata"
	if p.IsVideo {
		kind = "video"
	} else if p.IsAudio {
		kind = "audio"
	}
	return fmt.Sprintf("<%s ts=%d len=%d>", kind, p.TimeStamp, len(p.Data))
}
