package capture

import "errors"

// ErrUnsupported means no speech-capture capability is available on this
// device. There is no degraded mode; the caller surfaces it to the user.
var ErrUnsupported = errors.New("speech capture not supported on this device")

// Alternative is one recognition hypothesis for a segment.
type Alternative struct {
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence,omitempty"`
}

// Segment is one recognized span. Non-final segments are provisional and
// will be re-emitted until the engine finalizes them.
type Segment struct {
	Alternatives []Alternative `json:"alternatives"`
	IsFinal      bool          `json:"is_final"`
}

// Event is one recognition result set. ResultIndex is a monotonically
// advancing watermark: only segments at or beyond it are new in this
// event, earlier ones were already delivered.
type Event struct {
	ResultIndex int       `json:"result_index"`
	Segments    []Segment `json:"segments"`
}

// Engine abstracts the underlying speech recognizer. It may terminate on
// its own at any time; each termination, expected or not, is reported on
// Done. Events stays valid across restarts of the same Engine.
type Engine interface {
	// Start begins (or resumes) continuous recognition.
	Start() error
	// Stop requests termination; completion is signaled via Done.
	Stop()
	// Events delivers recognition result sets while running.
	Events() <-chan Event
	// Done delivers one value per engine termination.
	Done() <-chan error
}
