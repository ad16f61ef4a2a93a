// Package chat defines the chat message exchanged across the mesh.
package chat

import (
	"errors"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// GlobalChatID is the reserved chat id of the room every device shares.
const GlobalChatID = ""

// Message times must fit in int64 Unix nanoseconds.
var (
	minCreatedAt = time.Unix(0, math.MinInt64).UTC()
	maxCreatedAt = time.Unix(0, math.MaxInt64).UTC()
)

// MaxUsernameLength is the exclusive upper bound on a display name's length.
const MaxUsernameLength = 20

var (
	ErrEmptyID          = errors.New("message id is empty")
	ErrEmptyContent     = errors.New("message content is empty")
	ErrInvalidTime      = errors.New("message time is missing or out of range")
	ErrUsernameTooLong  = errors.New("username is too long (max 19 characters)")
	ErrUsernameRequired = errors.New("username is required")
)

// Message is an immutable chat message. Identity is ID alone.
type Message struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	UserID    string    `json:"userId"`
	ChatID    string    `json:"chatId"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewMessage builds a message with a fresh id stamped at now.
func NewMessage(content, userID, chatID string, now time.Time) Message {
	return Message{
		ID:        uuid.NewString(),
		Content:   content,
		UserID:    userID,
		ChatID:    chatID,
		CreatedAt: now.UTC(),
	}
}

// Validate checks the fields every stored message must carry.
func (m Message) Validate() error {
	if m.ID == "" {
		return ErrEmptyID
	}
	if strings.TrimSpace(m.Content) == "" {
		return ErrEmptyContent
	}
	if m.CreatedAt.IsZero() || m.CreatedAt.Before(minCreatedAt) || m.CreatedAt.After(maxCreatedAt) {
		return ErrInvalidTime
	}
	return nil
}

// Before reports whether m sorts before o within a chat: by CreatedAt, then ID.
func (m Message) Before(o Message) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.ID < o.ID
}

// ValidateUsername enforces the display-name rules used for the local identity.
func ValidateUsername(name string) error {
	if strings.TrimSpace(name) == "" {
		return ErrUsernameRequired
	}
	if len(name) >= MaxUsernameLength {
		return ErrUsernameTooLong
	}
	return nil
}
