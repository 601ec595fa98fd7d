package encoder

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBitrateFor(t *testing.T) {
	tests := []struct {
		w, h, fps int
		want      int
	}{
		{3840, 2160, 30, 45000},
		{3840, 2160, 60, 51000},
		{2560, 1440, 30, 16000},
		{2560, 1440, 60, 24000},
		{1920, 1080, 30, 6000},
		{1920, 1080, 60, 9000},
		{1280, 720, 30, 4500},
		{1280, 720, 60, 6000},
		{640, 360, 30, 2500},
		{640, 360, 60, 4000},
	}
	for _, tt := range tests {
		got := BitrateFor(tt.w, tt.h, tt.fps)
		assert.Equal(t, tt.want, got, "%dx%d@%d", tt.w, tt.h, tt.fps)
	}
}

func TestEffectiveBitrate(t *testing.T) {
	// explicit wins even below the floor
	assert.Equal(t, 1200, EffectiveBitrate(1200, 1920, 1080, 30))
	// unset falls to the resolution floor
	assert.Equal(t, 6000, EffectiveBitrate(0, 1920, 1080, 30))
	assert.Equal(t, 9000, EffectiveBitrate(0, 1920, 1080, 60))
}
