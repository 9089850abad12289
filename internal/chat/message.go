// Package chat holds the canonical chat message model and the stores that
// persist it. A store is the single source of truth for chat state: nothing
// is broadcast that a store did not commit first.
package chat

import (
	"errors"
	"time"
)

// Errors returned by stores. Callers match them with errors.Is.
var (
	ErrValidation        = errors.New("chat: invalid message")
	ErrNotFound          = errors.New("chat: message not found")
	ErrForbidden         = errors.New("chat: operation not permitted")
	ErrEditWindowExpired = errors.New("chat: edit window expired")
)

// Message is a persisted chat message. SenderName is captured when the
// message is sent and is never re-derived from the user afterwards.
type Message struct {
	ID         string    `json:"id"`
	SenderID   string    `json:"sender_id"`
	SenderName string    `json:"sender"`
	Text       string    `json:"text"`
	CreatedAt  time.Time `json:"timestamp"`
}

// Clock returns the current time. Stores use one clock for both creation
// timestamps and edit-window checks.
type Clock func() time.Time

// UTCClock is the default wall clock.
func UTCClock() time.Time {
	return time.Now().UTC()
}
