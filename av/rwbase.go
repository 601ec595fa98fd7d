package av

// RWBaser carries the timestamp state of a container writer: a base added to
// every outgoing timestamp and the last position written on each track.
type RWBaser struct {
	BaseTimestamp      uint32
	LastVideoTimestamp uint32
	LastAudioTimestamp uint32
}

func NewRWBaser(base uint32) RWBaser {
	return RWBaser{BaseTimestamp: base}
}

func (rw *RWBaser) BaseTimeStamp() uint32 {
	return rw.BaseTimestamp
}

func (rw *RWBaser) RecTimeStamp(timestamp, typeID uint32) {
	if typeID == TAG_VIDEO {
		rw.LastVideoTimestamp = timestamp
	} else if typeID == TAG_AUDIO {
		rw.LastAudioTimestamp = timestamp
	}
}

// LastTimeStamp is the furthest position written on either track.
func (rw *RWBaser) LastTimeStamp() uint32 {
	if rw.LastAudioTimestamp > rw.LastVideoTimestamp {
		return rw.LastAudioTimestamp
	}
	return rw.LastVideoTimestamp
}
