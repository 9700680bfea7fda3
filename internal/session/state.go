package session

// State is the engine lifecycle state.
type State int

const (
	Idle State = iota
	Connecting
	Streaming
	Paused
	Stopping
	Completed
	Failed
)

// String returns the state name for logging.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Streaming:
		return "streaming"
	case Paused:
		return "paused"
	case Stopping:
		return "stopping"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}
