package protocol

import (
	"encoding/json"
	"testing"
)

// ---------------------------------------------------------------------------
// Test: Parsing a chat message in either field
// ---------------------------------------------------------------------------

func TestParseClientMessage_ChatMsg(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  string
	}{
		{"text field", `{"type":"message","text":"Hello!"}`, "Hello!"},
		{"message field", `{"type":"message","message":"Hello!"}`, "Hello!"},
		{"text wins", `{"type":"message","text":"first","message":"second"}`, "first"},
		{"blank text falls back", `{"type":"message","text":"   ","message":"second"}`, "second"},
		{"trimmed", `{"type":"message","text":"  padded \n"}`, "padded"},
		{"neither", `{"type":"message"}`, ""},
		{"whitespace only", `{"type":"message","text":" \t ","message":"\n"}`, ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msgType, msg, err := ParseClientMessage([]byte(tc.input))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if msgType != TypeMessage {
				t.Fatalf("expected type %q, got %q", TypeMessage, msgType)
			}
			cm, ok := msg.(ChatMsg)
			if !ok {
				t.Fatalf("expected ChatMsg, got %T", msg)
			}
			if got := cm.Body(); got != tc.want {
				t.Errorf("Body() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestParseClientMessage_Ping(t *testing.T) {
	msgType, msg, err := ParseClientMessage([]byte(`{"type":"ping"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypePing {
		t.Fatalf("expected type %q, got %q", TypePing, msgType)
	}
	if _, ok := msg.(PingMsg); !ok {
		t.Fatalf("expected PingMsg, got %T", msg)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing an unknown or server-only type returns an error
// ---------------------------------------------------------------------------

func TestParseClientMessage_UnknownType(t *testing.T) {
	for _, typ := range []string{"unknown_type", TypeConnected, TypeMessageDeleted, TypePong} {
		input := []byte(`{"type":"` + typ + `","data":"something"}`)

		msgType, msg, err := ParseClientMessage(input)
		if err == nil {
			t.Fatalf("%s: expected an error, got nil", typ)
		}
		if msg != nil {
			t.Errorf("%s: expected nil message, got %v", typ, msg)
		}
		if msgType != typ {
			t.Errorf("expected returned type %q, got %q", typ, msgType)
		}
	}
}

func TestParseClientMessage_WrongFieldType(t *testing.T) {
	_, _, err := ParseClientMessage([]byte(`{"type":"message","text":42}`))
	if err == nil {
		t.Fatal("expected decode error for numeric text")
	}
}

// ---------------------------------------------------------------------------
// Test: Server frames
// ---------------------------------------------------------------------------

func TestNewServerMessage_Connected(t *testing.T) {
	data, err := NewServerMessage(TypeConnected, ConnectedMsg{
		Message: "Connected to chat",
		Sender:  SystemSender,
		UserID:  "u-alice",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if result["type"] != TypeConnected {
		t.Errorf("expected type %q, got %v", TypeConnected, result["type"])
	}
	if result["sender"] != "System" {
		t.Errorf("expected sender System, got %v", result["sender"])
	}
	if result["user_id"] != "u-alice" {
		t.Errorf("expected user_id u-alice, got %v", result["user_id"])
	}
}

func TestNewServerMessage_RawPayload(t *testing.T) {
	raw := json.RawMessage(`{"id":"m-1","text":"hi","edited":true}`)

	data, err := NewServerMessage(TypeMessageUpdated, raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if result["type"] != TypeMessageUpdated {
		t.Errorf("expected type %q, got %v", TypeMessageUpdated, result["type"])
	}
	if result["id"] != "m-1" || result["edited"] != true {
		t.Errorf("payload fields lost: %v", result)
	}
}

func TestNewServerMessage_EmptyObject(t *testing.T) {
	data, err := NewServerMessage(TypeMessagesCleared, json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != `{"type":"messages_cleared"}` {
		t.Errorf("unexpected frame %s", data)
	}

	data, err = NewServerMessage(TypeMessagesCleared, json.RawMessage(`null`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != `{"type":"messages_cleared"}` {
		t.Errorf("unexpected frame for null payload %s", data)
	}
}

func TestNewServerMessage_NonObject(t *testing.T) {
	if _, err := NewServerMessage(TypeMessage, []string{"a"}); err == nil {
		t.Fatal("expected error for array payload")
	}
}

func TestNewErrorMessage(t *testing.T) {
	var decoded ErrorMsg
	if err := json.Unmarshal(NewErrorMessage(CodeSendFailed, "Failed to send message"), &decoded); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if decoded.Type != TypeError || decoded.Code != CodeSendFailed || decoded.Message != "Failed to send message" {
		t.Errorf("unexpected error frame %+v", decoded)
	}
}

// ---------------------------------------------------------------------------
// Test: Envelope UnmarshalJSON edge cases
// ---------------------------------------------------------------------------

func TestEnvelope_MissingType(t *testing.T) {
	input := []byte(`{"text":"no type field"}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for missing type field, got nil")
	}
}

func TestEnvelope_InvalidJSON(t *testing.T) {
	input := []byte(`{invalid json}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}
