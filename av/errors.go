package av

import "fmt"

// ErrorKind classifies engine failures by how the caller should react.
type ErrorKind int

const (
	// DeviceUnavailable: an audio input could not be opened. Non-fatal,
	// the session substitutes silence.
	DeviceUnavailable ErrorKind = iota
	// EncoderRejected: the selected codec is unsupported at runtime.
	// Triggers the forced software fallback and an immediate restart.
	EncoderRejected
	// TransportFailure: process died, pipe broke, or the ingest connection
	// dropped. Retried internally with backoff.
	TransportFailure
	// Misconfiguration: bad settings, missing URL, no encoder binary.
	// Fails fast from Start with no retry.
	Misconfiguration
)

func (k ErrorKind) String() string {
	switch k {
	case DeviceUnavailable:
		return "device unavailable"
	case EncoderRejected:
		return "encoder rejected"
	case TransportFailure:
		return "transport failure"
	case Misconfiguration:
		return "misconfiguration"
	}
	return "unknown"
}

type EngineError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *EngineError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

func NewError(kind ErrorKind, op string, err error) *EngineError {
	return &EngineError{Kind: kind, Op: op, Err: err}
}

// IsTransient reports whether err should be retried internally instead of
// being surfaced as a terminal failure.
func IsTransient(err error) bool {
	if ee, ok := err.(*EngineError); ok {
		return ee.Kind == TransportFailure || ee.Kind == DeviceUnavailable
	}
	return false
}

// KindOf returns the classification of err, or Misconfiguration for errors
// that never passed through the engine taxonomy.
func KindOf(err error) ErrorKind {
	if ee, ok := err.(*EngineError); ok {
		return ee.Kind
	}
	return Misconfiguration
}
