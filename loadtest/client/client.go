// Package client is a websocket load test client for the alumni chat relay.
// It connects with gobwas/ws (the same library the server uses), waits for
// the "connected" acknowledgement and tracks per-connection counters.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	neturl "net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Client -> Server frame types.
const (
	TypeMessage = "message"
	TypePing    = "ping"
)

// Server -> Client frame types.
const (
	TypeConnected       = "connected"
	TypeMessageUpdated  = "message_updated"
	TypeMessageDeleted  = "message_deleted"
	TypeMessagesCleared = "messages_cleared"
	TypeRateLimited     = "rate_limited"
	TypeError           = "error"
	TypePong            = "pong"
)

// Metrics is a snapshot of per-connection counters.
type Metrics struct {
	ConnectLatency   time.Duration
	AckLatency       time.Duration
	MessagesReceived int64
	MessagesSent     int64
	RateLimited      int64
	Errors           int64
}

// Client is one simulated chat participant.
type Client struct {
	conn   net.Conn
	reader io.Reader
	userID string

	writeMu   sync.Mutex
	handlerMu sync.RWMutex
	handlers  map[string]func(json.RawMessage)

	connected chan struct{}
	ackOnce   sync.Once
	done      chan struct{}
	closeOnce sync.Once

	dialedAt    time.Time
	connectLat  time.Duration
	ackLat      atomic.Int64
	received    atomic.Int64
	sent        atomic.Int64
	rateLimited atomic.Int64
	errors      atomic.Int64
}

// New dials baseURL as userID and starts the read loop. The identity is
// passed in the user_id query parameter.
func New(ctx context.Context, baseURL, userID string) (*Client, error) {
	u, err := neturl.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	q.Set("user_id", userID)
	u.RawQuery = q.Encode()

	start := time.Now()
	conn, br, _, err := ws.Dial(ctx, u.String())
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:      conn,
		reader:    conn,
		userID:    userID,
		handlers:  make(map[string]func(json.RawMessage)),
		connected: make(chan struct{}),
		done:      make(chan struct{}),
		dialedAt:  start,
	}
	if br != nil {
		c.reader = br
	}
	c.connectLat = time.Since(start)

	go c.readLoop()
	return c, nil
}

// UserID returns the identity the client connected as.
func (c *Client) UserID() string {
	return c.userID
}

// SendChat sends a chat message frame.
func (c *Client) SendChat(text string) error {
	return c.Send(map[string]string{"type": TypeMessage, "text": text})
}

// Send writes a JSON frame. It is goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wsutil.WriteClientMessage(c.conn, ws.OpText, data); err != nil {
		c.errors.Add(1)
		return err
	}
	c.sent.Add(1)
	return nil
}

// On registers the handler for a server frame type, replacing any previous
// one. Handlers run on the read loop goroutine.
func (c *Client) On(frameType string, handler func(json.RawMessage)) {
	c.handlerMu.Lock()
	c.handlers[frameType] = handler
	c.handlerMu.Unlock()
}

// WaitConnected blocks until the server acknowledged the connection.
func (c *Client) WaitConnected(ctx context.Context) error {
	select {
	case <-c.connected:
		return nil
	case <-c.done:
		return fmt.Errorf("connection closed before acknowledgement")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Alive reports whether the read loop is still running.
func (c *Client) Alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Close closes the connection. It is safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// GetMetrics returns a snapshot of the client's counters.
func (c *Client) GetMetrics() Metrics {
	return Metrics{
		ConnectLatency:   c.connectLat,
		AckLatency:       time.Duration(c.ackLat.Load()),
		MessagesReceived: c.received.Load(),
		MessagesSent:     c.sent.Load(),
		RateLimited:      c.rateLimited.Load(),
		Errors:           c.errors.Load(),
	}
}

func (c *Client) readLoop() {
	defer c.Close()

	for {
		data, err := wsutil.ReadServerText(struct {
			io.Reader
			io.Writer
		}{c.reader, c.conn})
		if err != nil {
			select {
			case <-c.done:
			default:
				c.errors.Add(1)
			}
			return
		}

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			c.errors.Add(1)
			continue
		}

		switch envelope.Type {
		case TypeConnected:
			c.ackOnce.Do(func() {
				c.ackLat.Store(int64(time.Since(c.dialedAt)))
				close(c.connected)
			})
		case TypeMessage:
			c.received.Add(1)
		case TypeRateLimited:
			c.rateLimited.Add(1)
		case TypeError:
			c.errors.Add(1)
		}

		c.handlerMu.RLock()
		handler, ok := c.handlers[envelope.Type]
		c.handlerMu.RUnlock()
		if ok {
			handler(json.RawMessage(data))
		}
	}
}
