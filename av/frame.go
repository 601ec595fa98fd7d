package av

import (
	"image"
	"time"
)

// Frame is a raw frame stamped by the rate converter. Capture is when the
// frame actually arrived; Target is the slot on the output grid it was
// scheduled into and is what downstream consumers key on, so jittery arrival
// times never accumulate into the timeline. Frames are never mutated after
// creation.
type Frame struct {
	Payload   image.Image
	Capture   time.Duration
	Target    time.Duration
	Seq       uint64
	SourceID  string
	Duplicate bool
}
