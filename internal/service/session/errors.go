package session

import (
	"errors"
	"fmt"

	chatservice "github.com/zhouzirui/z-relay/backend/internal/service/chat"
)

var (
	// ErrSessionNotFound is returned for ids with no stored transcript.
	ErrSessionNotFound = chatservice.ErrSessionNotFound
	ErrSessionClosed   = errors.New("session closed")
	ErrEmptyMessage    = errors.New("message is empty")
)

// ConnectionFault reports that delivering an event to the session's
// connection failed. The session is disconnected when this is returned.
type ConnectionFault struct {
	SessionID string
	Err       error
}

func (f *ConnectionFault) Error() string {
	return fmt.Sprintf("session %s: connection fault: %v", f.SessionID, f.Err)
}

func (f *ConnectionFault) Unwrap() error { return f.Err }

// TurnFault reports an unexpected panic while handling one turn.
type TurnFault struct {
	SessionID string
	Value     any
}

func (f *TurnFault) Error() string {
	return fmt.Sprintf("session %s: turn aborted: %v", f.SessionID, f.Value)
}
