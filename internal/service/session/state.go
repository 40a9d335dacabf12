package session

// State is the lifecycle position of a live session.
type State int32

const (
	StateConnected State = iota
	StateAwaitingInput
	StateStreaming
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateAwaitingInput:
		return "awaiting_input"
	case StateStreaming:
		return "streaming"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}
