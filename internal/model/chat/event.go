package chat

// EventType tags outbound stream events.
type EventType string

const (
	EventSessionID       EventType = "session_id"
	EventInitialMessage  EventType = "initial_message"
	EventMessageReceived EventType = "message_received"
	EventStream          EventType = "stream"
	EventStreamEnd       EventType = "stream_end"
	EventError           EventType = "error"
)

// Event is the JSON frame delivered to clients over WebSocket or SSE.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	Content   string    `json:"content,omitempty"`
	Status    string    `json:"status,omitempty"`
	Message   string    `json:"message,omitempty"`
}

// FragmentEvent wraps one streamed reply fragment.
func FragmentEvent(sessionID, fragment string) Event {
	return Event{Type: EventStream, SessionID: sessionID, Content: fragment}
}

// StreamEndEvent marks the end of one streamed turn.
func StreamEndEvent(sessionID string) Event {
	return Event{Type: EventStreamEnd, SessionID: sessionID}
}

// ErrorEvent reports a session-scoped failure.
func ErrorEvent(sessionID, message string) Event {
	return Event{Type: EventError, SessionID: sessionID, Message: message}
}
