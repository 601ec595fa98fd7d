package av

// StreamState is what the engine tells its collaborators about a running
// stream. Reconnecting means temporarily degraded and recovering; Error
// means fatal and needs reconfiguration.
type StreamState int

const (
	StateStarted StreamState = iota
	StateReconnecting
	StateError
	StateStopped
)

func (s StreamState) String() string {
	switch s {
	case StateStarted:
		return "Started"
	case StateReconnecting:
		return "Reconnecting"
	case StateError:
		return "Error"
	case StateStopped:
		return "Stopped"
	}
	return "Unknown"
}

type Status struct {
	State StreamState
	Err   error
}

// PushStatus sends onto a buffered status channel without ever blocking the
// loop that produced the event. A full channel drops the oldest semantics is
// not needed; slow consumers just miss intermediate states.
func PushStatus(ch chan Status, st Status) {
	select {
	case ch <- st:
	default:
	}
}
