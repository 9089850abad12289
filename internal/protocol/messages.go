// Package protocol defines the WebSocket frames exchanged between chat
// clients and the relay. All frames are JSON objects carrying a "type"
// discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Client -> Server frame types.
const (
	TypeMessage = "message"
	TypePing    = "ping"
)

// Server -> Client frame types. TypeMessage is shared with the client side.
const (
	TypeConnected       = "connected"
	TypeMessageUpdated  = "message_updated"
	TypeMessageDeleted  = "message_deleted"
	TypeMessagesCleared = "messages_cleared"
	TypeRateLimited     = "rate_limited"
	TypeError           = "error"
	TypePong            = "pong"
)

// SystemSender is the sender shown on frames generated by the relay itself.
const SystemSender = "System"

// Envelope holds the frame type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ChatMsg is a chat message sent by the client. Older clients put the body
// in "message" instead of "text"; both are accepted.
type ChatMsg struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	Message string `json:"message"`
}

// Body returns the message body, preferring "text" over "message". The
// result is trimmed.
func (m ChatMsg) Body() string {
	if strings.TrimSpace(m.Text) != "" {
		return strings.TrimSpace(m.Text)
	}
	return strings.TrimSpace(m.Message)
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ConnectedMsg acknowledges a successful handshake. It is sent only to the
// connection that completed it.
type ConnectedMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Sender  string `json:"sender"`
	UserID  string `json:"user_id"`
}

// RateLimitedMsg is sent when the client exceeded its message allowance.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// Error codes carried by ErrorMsg.
const (
	CodeBadFrame      = "bad_frame"
	CodeInvalid       = "invalid_message"
	CodeNotActive     = "not_authenticated"
	CodeSendFailed    = "send_failed"
	CodeInternalError = "internal_error"
)

// ParseClientMessage decodes one client frame. It returns the frame type
// and a ChatMsg or PingMsg value; unknown and server-only types are errors.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: parse frame: %w", err)
	}

	decode := func(v interface{}) error {
		if err := json.Unmarshal(env.Raw, v); err != nil {
			return fmt.Errorf("protocol: decode %q: %w", env.Type, err)
		}
		return nil
	}

	switch env.Type {
	case TypeMessage:
		var m ChatMsg
		if err := decode(&m); err != nil {
			return env.Type, nil, err
		}
		return env.Type, m, nil
	case TypePing:
		var m PingMsg
		if err := decode(&m); err != nil {
			return env.Type, nil, err
		}
		return env.Type, m, nil
	}
	return env.Type, nil, fmt.Errorf("protocol: unknown client frame type %q", env.Type)
}

// NewServerMessage creates the JSON bytes of a server frame. payload must
// marshal to a JSON object (a struct, a map, or a json.RawMessage holding
// an object); msgType is injected under the "type" key.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}
	if m == nil {
		m = make(map[string]interface{}, 1)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// NewErrorMessage is a shorthand for an ErrorMsg frame.
func NewErrorMessage(code, message string) []byte {
	data, err := NewServerMessage(TypeError, ErrorMsg{Code: code, Message: message})
	if err != nil {
		return []byte(`{"type":"error","message":"internal error"}`)
	}
	return data
}
