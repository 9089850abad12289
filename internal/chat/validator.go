package chat

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096 // 4KB max frame size
	MaxTextChars    = 2000 // max character count

	// EditWindow is how long after creation a sender may still edit a
	// message. The boundary itself is inside the window.
	EditWindow = 60 * time.Second
)

// NormalizeText trims surrounding whitespace and checks that the result
// meets content requirements.
func NormalizeText(text string) (string, error) {
	text = strings.TrimSpace(text)
	if len(text) == 0 {
		return "", fmt.Errorf("%w: message text is empty", ErrValidation)
	}
	if len(text) > MaxMessageBytes {
		return "", fmt.Errorf("%w: message exceeds %d byte limit", ErrValidation, MaxMessageBytes)
	}
	if !utf8.ValidString(text) {
		return "", fmt.Errorf("%w: message contains invalid UTF-8", ErrValidation)
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return "", fmt.Errorf("%w: message exceeds %d character limit", ErrValidation, MaxTextChars)
	}
	return text, nil
}

// CheckEditable reports whether requesterID may replace the text of msg at
// time now.
func CheckEditable(msg *Message, requesterID string, now time.Time) error {
	if msg.SenderID != requesterID {
		return fmt.Errorf("%w: only the sender can edit a message", ErrForbidden)
	}
	if now.Sub(msg.CreatedAt) > EditWindow {
		return ErrEditWindowExpired
	}
	return nil
}

// CheckDeletable reports whether the requester may delete msg.
func CheckDeletable(msg *Message, requesterID string, requesterIsAdmin bool) error {
	if msg.SenderID != requesterID && !requesterIsAdmin {
		return fmt.Errorf("%w: only the sender or an admin can delete a message", ErrForbidden)
	}
	return nil
}

// CheckClearable reports whether the requester may clear the whole history.
func CheckClearable(requesterIsAdmin bool) error {
	if !requesterIsAdmin {
		return fmt.Errorf("%w: only admins can clear all messages", ErrForbidden)
	}
	return nil
}
