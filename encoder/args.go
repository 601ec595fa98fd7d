package encoder

import (
	"fmt"
)

// ffmpeg argument builders shared between the session's elementary-stream
// encoders and the push controller's all-in-one process.

// VideoInputArgs describe a raw RGBA frame stream on stdin.
func VideoInputArgs(width, height, fps int) []string {
	return []string{
		"-f", "rawvideo",
		"-pixel_format", "rgba",
		"-video_size", fmt.Sprintf("%dx%d", width, height),
		"-framerate", fmt.Sprintf("%d", fps),
		"-i", "pipe:0",
	}
}

// VideoCodecArgs configure the chosen encoder for low-latency streaming.
func VideoCodecArgs(kind Kind, bitrateKbps, fps int) []string {
	args := []string{
		"-c:v", kind.FFName(),
		"-b:v", fmt.Sprintf("%dk", bitrateKbps),
		"-g", fmt.Sprintf("%d", 2*fps),
		"-bf", "0",
		"-pix_fmt", "yuv420p",
	}
	if kind == KindH264Software {
		args = append(args, "-preset", "veryfast", "-tune", "zerolatency")
	}
	return args
}

// ElementaryVideoOutputArgs emit Annex B H.264 with access unit delimiters
// on stdout so the receiving parser can cut frame boundaries.
func ElementaryVideoOutputArgs() []string {
	return []string{
		"-bsf:v", "h264_metadata=aud=insert",
		"-f", "h264",
		"pipe:1",
	}
}

// AudioInputArgs describe a raw PCM stream on stdin.
func AudioInputArgs() []string {
	return []string{
		"-f", "s16le",
		"-ar", "48000",
		"-ac", "2",
		"-i", "pipe:0",
	}
}

// AudioCodecArgs configure AAC encoding at the egress sample rate.
func AudioCodecArgs(bitrateKbps int) []string {
	return []string{
		"-c:a", "aac",
		"-b:a", fmt.Sprintf("%dk", bitrateKbps),
		"-ar", "48000",
		"-ac", "2",
	}
}

// ElementaryAudioOutputArgs emit ADTS on stdout.
func ElementaryAudioOutputArgs() []string {
	return []string{"-f", "adts", "pipe:1"}
}

// BaseArgs are common to every child process. stdin stays usable as pipe:0.
func BaseArgs() []string {
	return []string{"-hide_banner", "-loglevel", "error"}
}
