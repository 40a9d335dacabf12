package chat

import "time"

// Transcript is a snapshot of one chat session's ordered history.
type Transcript struct {
	ID        string    `json:"id"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
