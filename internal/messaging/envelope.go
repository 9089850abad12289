package messaging

import (
	"encoding/json"
	"fmt"

	"github.com/acces/alumni-chat/internal/chat"
)

// EventKind names a structural change published on ChannelEvents.
type EventKind string

const (
	EventMessageUpdated  EventKind = "message_updated"
	EventMessageDeleted  EventKind = "message_deleted"
	EventMessagesCleared EventKind = "messages_cleared"
)

// Valid reports whether k is a known event kind.
func (k EventKind) Valid() bool {
	switch k {
	case EventMessageUpdated, EventMessageDeleted, EventMessagesCleared:
		return true
	}
	return false
}

// MessageEvent is the envelope carried on ChannelEvents:
//
//	{"event": "message_deleted", "data": {"id": "..."}}
type MessageEvent struct {
	Event EventKind       `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// UpdatedData is the data of a message_updated event.
type UpdatedData struct {
	chat.Message
	Edited bool `json:"edited"`
}

// DeletedData is the data of a message_deleted event.
type DeletedData struct {
	ID string `json:"id"`
}

// EncodeNewMessage builds the payload published on ChannelMessages.
func EncodeNewMessage(msg *chat.Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("messaging: marshal new message: %w", err)
	}
	return data, nil
}

// EncodeEvent builds the payload published on ChannelEvents.
func EncodeEvent(kind EventKind, data interface{}) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("messaging: marshal %s data: %w", kind, err)
	}
	out, err := json.Marshal(MessageEvent{Event: kind, Data: raw})
	if err != nil {
		return nil, fmt.Errorf("messaging: marshal %s event: %w", kind, err)
	}
	return out, nil
}

// DecodeNewMessage parses a ChannelMessages payload.
func DecodeNewMessage(payload []byte) (*chat.Message, error) {
	var msg chat.Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("messaging: decode new message: %w", err)
	}
	if msg.ID == "" {
		return nil, fmt.Errorf("messaging: new message without id")
	}
	return &msg, nil
}

// DecodeEvent parses a ChannelEvents payload. Missing data decodes as {}.
func DecodeEvent(payload []byte) (*MessageEvent, error) {
	var ev MessageEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("messaging: decode event: %w", err)
	}
	if !ev.Event.Valid() {
		return nil, fmt.Errorf("messaging: unknown event %q", ev.Event)
	}
	if len(ev.Data) == 0 || string(ev.Data) == "null" {
		ev.Data = json.RawMessage(`{}`)
	}
	return &ev, nil
}
