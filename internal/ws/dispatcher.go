package ws

import (
	"log"
	"runtime/debug"

	"github.com/acces/alumni-chat/internal/protocol"
)

// MessageHandler handles one parsed client frame. msg is the concrete struct
// returned by protocol.ParseClientMessage (e.g. protocol.ChatMsg).
type MessageHandler func(c *Connection, msg interface{})

// MessageDispatcher routes incoming frames to handlers by type. It answers
// pings itself and is the per-frame error boundary: a malformed frame or a
// panicking handler produces an error frame for that connection only.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
}

// NewMessageDispatcher creates an empty MessageDispatcher.
func NewMessageDispatcher() *MessageDispatcher {
	return &MessageDispatcher{handlers: make(map[string]MessageHandler)}
}

// Register associates a handler with a frame type, replacing any previous one.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch has the Callbacks.OnMessage signature.
func (d *MessageDispatcher) Dispatch(c *Connection, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("ws: panic handling frame conn=%s: %v\n%s", c.ID, r, debug.Stack())
			d.sendError(c, protocol.CodeInternalError, "Failed to process message")
		}
	}()

	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Printf("ws: dispatch parse error conn=%s: %v", c.ID, err)
		d.sendError(c, protocol.CodeBadFrame, "invalid message format")
		return
	}

	if msgType == protocol.TypePing {
		d.sendPong(c)
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		log.Printf("ws: unsupported message type=%q conn=%s", msgType, c.ID)
		d.sendError(c, protocol.CodeBadFrame, "unsupported message type")
		return
	}

	handler(c, msg)
}

func (d *MessageDispatcher) sendError(c *Connection, code, message string) {
	if err := c.WriteMessage(protocol.NewErrorMessage(code, message)); err != nil {
		log.Printf("ws: failed to send error frame conn=%s: %v", c.ID, err)
	}
}

func (d *MessageDispatcher) sendPong(c *Connection) {
	c.markSeen()

	data, err := protocol.NewServerMessage(protocol.TypePong, protocol.PongMsg{})
	if err != nil {
		log.Printf("ws: failed to build pong frame conn=%s: %v", c.ID, err)
		return
	}
	if err := c.WriteMessage(data); err != nil {
		log.Printf("ws: failed to send pong frame conn=%s: %v", c.ID, err)
	}
}
