package tracker

// State is a tracker lifecycle phase. Transitions only move forward:
// Idle -> Running -> Stopping -> Stopped.
type State int32

// Tracker states.
const (
	StateIdle State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
