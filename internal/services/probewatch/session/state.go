package session

// State is a session's position in its lifecycle.
//
//	Idle -> Registered -> Streaming -> Terminated
//	Registered|Streaming -> Cancelling -> Terminated
//
// Terminated is absorbing.
type State int32

const (
	StateIdle State = iota
	StateRegistered
	StateStreaming
	StateCancelling
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRegistered:
		return "registered"
	case StateStreaming:
		return "streaming"
	case StateCancelling:
		return "cancelling"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// cancellable reports whether Cancel has work to do from s.
func (s State) cancellable() bool {
	return s == StateRegistered || s == StateStreaming
}
