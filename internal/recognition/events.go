package recognition

// Kind discriminates recognition events.
type Kind int

const (
	// KindOpened is emitted once the stream to the service is established.
	KindOpened Kind = iota
	// KindClosed is emitted when the stream ends; it is always the last event.
	KindClosed
	// KindError reports a service-side error. Not fatal on its own.
	KindError
	// KindTranscript carries an interim or final transcript update.
	KindTranscript
	// KindUtteranceEnd marks the end of a detected utterance.
	KindUtteranceEnd
)

// String returns the event kind name for logging.
func (k Kind) String() string {
	switch k {
	case KindOpened:
		return "opened"
	case KindClosed:
		return "closed"
	case KindError:
		return "error"
	case KindTranscript:
		return "transcript"
	case KindUtteranceEnd:
		return "utterance_end"
	default:
		return "unknown"
	}
}

// TranscriptUpdate is one incremental recognition result. Offsets are in
// seconds from the start of the audio stream. Translation is empty when the
// service produced none for this segment; that is not an error.
type TranscriptUpdate struct {
	Text        string
	IsFinal     bool
	Start       float64
	End         float64
	Translation string
}

// Event is the single inbound variant consumed by the session engine.
// Update is valid for KindTranscript, Offset for KindUtteranceEnd and
// Err for KindError.
type Event struct {
	Kind   Kind
	Update TranscriptUpdate
	Offset float64
	Err    error
}
