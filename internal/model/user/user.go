package user

import (
	"time"

	"github.com/zhouzirui/z-relay/backend/internal/model/chat"
)

// User is a registered account. History keeps one transcript snapshot per
// HTTP chat turn.
type User struct {
	Email        string           `json:"email"`
	PasswordHash []byte           `json:"-"`
	History      [][]chat.Message `json:"history"`
	CreatedAt    time.Time        `json:"createdAt"`
}
