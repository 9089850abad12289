// Package relay connects live sockets to the chat store and the broadcast
// bus. The Gateway runs each connection's lifecycle; the Fanout is the bus
// subscriber that delivers every committed mutation to the local room.
//
// The Gateway never writes a chat message to another connection itself. A
// stored message is published on the bus and reaches local and remote
// clients alike through their instance's Fanout, which is also the path
// taken by mutations made over HTTP.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/acces/alumni-chat/internal/chat"
	"github.com/acces/alumni-chat/internal/identity"
	"github.com/acces/alumni-chat/internal/messaging"
	"github.com/acces/alumni-chat/internal/metrics"
	"github.com/acces/alumni-chat/internal/presence"
	"github.com/acces/alumni-chat/internal/protocol"
	"github.com/acces/alumni-chat/internal/ratelimit"
	"github.com/acces/alumni-chat/internal/session"
	"github.com/acces/alumni-chat/internal/ws"
)

// RoomChat is the shared room every connection joins.
const RoomChat = "chat_room"

// UserRoom returns the personal room of userID.
func UserRoom(userID string) string {
	return "user_" + userID
}

// State is a connection's position in the gateway lifecycle.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Transport delivers frames to local connections.
type Transport interface {
	Send(connID string, data []byte) error
	Join(connID, room string) error
	BroadcastRoom(room string, data []byte) int
}

// GatewayConfig holds gateway tuning parameters.
type GatewayConfig struct {
	ServerName     string         // recorded in presence entries
	MessageRule    ratelimit.Rule // per-user send allowance
	ConnectRule    ratelimit.Rule // per-IP handshake allowance
	RequestTimeout time.Duration  // bound on store and identity calls per frame
}

// DefaultGatewayConfig returns sensible defaults.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		ServerName:     "chat-1",
		MessageRule:    ratelimit.RuleMessage,
		ConnectRule:    ratelimit.RuleConnect,
		RequestTimeout: 5 * time.Second,
	}
}

// Deps are the collaborators of a Gateway. Limiter and Presence are optional.
type Deps struct {
	Auth      *identity.Authenticator
	Registry  *session.Registry
	Store     chat.Store
	Publisher *messaging.Publisher
	Limiter   ratelimit.Limiter
	Presence  presence.Tracker
}

// Gateway runs the per-connection state machine
// Connecting -> Authenticated -> Active -> Closed.
type Gateway struct {
	config    GatewayConfig
	deps      Deps
	transport Transport

	mu     sync.Mutex
	states map[string]State
}

// NewGateway creates a Gateway. SetTransport must be called before the
// first connection is opened.
func NewGateway(config GatewayConfig, deps Deps) *Gateway {
	if deps.Registry == nil {
		deps.Registry = session.NewRegistry()
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 5 * time.Second
	}
	return &Gateway{
		config: config,
		deps:   deps,
		states: make(map[string]State),
	}
}

// SetTransport assigns the frame transport. The ws server is built from the
// gateway's callbacks, so it can only be attached afterwards.
func (g *Gateway) SetTransport(t Transport) {
	g.transport = t
}

// Registry returns the session registry owned by this gateway.
func (g *Gateway) Registry() *session.Registry {
	return g.deps.Registry
}

// Callbacks returns the reactor hooks for this gateway. Frames go through
// d, which must already have the gateway bound.
func (g *Gateway) Callbacks(d *ws.MessageDispatcher) ws.Callbacks {
	return ws.Callbacks{
		Authenticate: g.Authenticate,
		OnOpen: func(c *ws.Connection) error {
			return g.Open(c.ID, c.User)
		},
		OnMessage: d.Dispatch,
		OnClose: func(c *ws.Connection) {
			g.Close(c.ID)
		},
	}
}

// Bind registers the gateway's frame handlers on d.
func (g *Gateway) Bind(d *ws.MessageDispatcher) {
	d.Register(protocol.TypeMessage, func(c *ws.Connection, msg interface{}) {
		chatMsg, _ := msg.(protocol.ChatMsg)
		ctx, cancel := context.WithTimeout(context.Background(), g.config.RequestTimeout)
		defer cancel()
		g.HandleChat(ctx, c.ID, chatMsg)
	})
}

// State returns the lifecycle state of connID. Unknown connections are
// reported as closed.
func (g *Gateway) State(connID string) State {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s, ok := g.states[connID]; ok {
		return s
	}
	return StateClosed
}

func (g *Gateway) setState(connID string, s State) {
	g.mu.Lock()
	g.states[connID] = s
	g.mu.Unlock()
}

// Authenticate resolves the identity presented on a handshake request. It
// accepts a bearer token in the "token" query parameter or the
// Authorization header, or a raw "user_id" query parameter. Any failure
// wraps identity.ErrAuthRejected.
func (g *Gateway) Authenticate(r *http.Request) (*identity.User, error) {
	ctx, cancel := context.WithTimeout(r.Context(), g.config.RequestTimeout)
	defer cancel()

	if g.deps.Limiter != nil {
		ip := clientIP(r)
		allowed, _, err := g.deps.Limiter.Allow(ctx, ip, g.config.ConnectRule)
		if err != nil {
			log.Printf("[gateway] connect limiter error ip=%s: %v", ip, err)
		}
		if !allowed {
			return nil, fmt.Errorf("%w: too many handshakes from %s", identity.ErrAuthRejected, ip)
		}
	}

	q := r.URL.Query()
	if token := q.Get("token"); token != "" {
		return g.deps.Auth.ResolveToken(ctx, token)
	}
	if token := identity.BearerToken(r); token != "" {
		return g.deps.Auth.ResolveToken(ctx, token)
	}
	if userID := strings.TrimSpace(q.Get("user_id")); userID != "" {
		return g.deps.Auth.ResolveUserID(ctx, userID)
	}
	return nil, fmt.Errorf("%w: no user identity on handshake", identity.ErrAuthRejected)
}

// Open completes the handshake of an authenticated connection: it registers
// the session, joins the shared and personal rooms, and acknowledges to
// that connection alone. On error nothing stays registered.
func (g *Gateway) Open(connID string, user *identity.User) error {
	if user == nil {
		return fmt.Errorf("%w: no user identity on connection %s", identity.ErrAuthRejected, connID)
	}
	if g.transport == nil {
		return errors.New("relay: gateway has no transport")
	}
	g.setState(connID, StateAuthenticated)

	sess := g.deps.Registry.Register(connID, user.ID, user.DisplayName(), user.Role)

	for _, room := range []string{RoomChat, UserRoom(user.ID)} {
		if err := g.transport.Join(connID, room); err != nil {
			g.deps.Registry.Unregister(connID)
			g.setState(connID, StateClosed)
			return fmt.Errorf("relay: join %s: %w", room, err)
		}
	}
	g.setState(connID, StateActive)

	ack, err := protocol.NewServerMessage(protocol.TypeConnected, protocol.ConnectedMsg{
		Message: "Connected to chat",
		Sender:  protocol.SystemSender,
		UserID:  user.ID,
	})
	if err == nil {
		err = g.transport.Send(connID, ack)
	}
	if err != nil {
		log.Printf("[gateway] connected ack failed conn=%s: %v", connID, err)
	}

	if g.deps.Presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), g.config.RequestTimeout)
		defer cancel()
		entry := presence.Entry{
			ConnID:      connID,
			UserID:      user.ID,
			Name:        sess.DisplayName,
			Server:      g.config.ServerName,
			ConnectedAt: sess.ConnectedAt.Unix(),
		}
		if err := g.deps.Presence.Add(ctx, entry); err != nil {
			log.Printf("[gateway] presence add failed conn=%s: %v", connID, err)
		}
	}

	log.Printf("[gateway] connected user=%s (%s) conn=%s", user.ID, sess.DisplayName, connID)
	return nil
}

// HandleChat stores a chat frame from an active connection and publishes
// it. Every failure is answered to the sending connection only.
func (g *Gateway) HandleChat(ctx context.Context, connID string, msg protocol.ChatMsg) {
	start := time.Now()

	sess, ok := g.deps.Registry.Resolve(connID)
	if !ok || g.State(connID) != StateActive {
		g.sendError(connID, protocol.CodeNotActive, "Not authenticated")
		return
	}

	text := msg.Body()
	if text == "" {
		metrics.MessagesTotal.WithLabelValues("dropped").Inc()
		return
	}

	if g.deps.Limiter != nil {
		allowed, retryAfter, err := g.deps.Limiter.Allow(ctx, sess.UserID, g.config.MessageRule)
		if err != nil {
			log.Printf("[gateway] message limiter error user=%s: %v", sess.UserID, err)
		}
		if !allowed {
			metrics.MessagesTotal.WithLabelValues("rate_limited").Inc()
			g.sendRateLimited(connID, retryAfter)
			return
		}
	}

	stored, err := g.deps.Store.Append(ctx, sess.UserID, sess.DisplayName, text)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("failed").Inc()
		if errors.Is(err, chat.ErrValidation) {
			g.sendError(connID, protocol.CodeInvalid, "Invalid message")
			return
		}
		log.Printf("[gateway] append failed user=%s conn=%s: %v", sess.UserID, connID, err)
		g.sendError(connID, protocol.CodeSendFailed, "Failed to send message")
		return
	}

	if err := g.deps.Publisher.PublishNewMessage(ctx, stored); err != nil {
		// The message is stored; clients see it on their next history fetch.
		metrics.MessagesTotal.WithLabelValues("failed").Inc()
		g.sendError(connID, protocol.CodeSendFailed, "Message saved but not delivered")
		return
	}

	metrics.MessagesTotal.WithLabelValues("stored").Inc()
	metrics.MessageLatency.Observe(time.Since(start).Seconds())

	if g.deps.Presence != nil {
		if err := g.deps.Presence.Touch(ctx, connID, sess.UserID); err != nil {
			log.Printf("[gateway] presence touch failed conn=%s: %v", connID, err)
		}
	}
}

// Close ends a connection's lifecycle. It is idempotent.
func (g *Gateway) Close(connID string) {
	g.mu.Lock()
	_, tracked := g.states[connID]
	delete(g.states, connID)
	g.mu.Unlock()

	sess, registered := g.deps.Registry.Resolve(connID)
	g.deps.Registry.Unregister(connID)
	if !tracked && !registered {
		return
	}

	if registered && g.deps.Presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), g.config.RequestTimeout)
		defer cancel()
		if err := g.deps.Presence.Remove(ctx, connID, sess.UserID); err != nil {
			log.Printf("[gateway] presence remove failed conn=%s: %v", connID, err)
		}
	}
	if registered {
		log.Printf("[gateway] disconnected user=%s conn=%s", sess.UserID, connID)
	}
}

// SendToUser writes data to every local connection of userID and returns
// how many received it.
func (g *Gateway) SendToUser(userID string, data []byte) int {
	if g.transport == nil {
		return 0
	}
	return g.transport.BroadcastRoom(UserRoom(userID), data)
}

func (g *Gateway) sendError(connID, code, message string) {
	if g.transport == nil {
		return
	}
	if err := g.transport.Send(connID, protocol.NewErrorMessage(code, message)); err != nil {
		log.Printf("[gateway] error frame failed conn=%s: %v", connID, err)
	}
}

func (g *Gateway) sendRateLimited(connID string, retryAfter time.Duration) {
	data, err := protocol.NewServerMessage(protocol.TypeRateLimited, protocol.RateLimitedMsg{
		RetryAfter: int(math.Ceil(retryAfter.Seconds())),
	})
	if err != nil {
		log.Printf("[gateway] build rate_limited failed conn=%s: %v", connID, err)
		return
	}
	if err := g.transport.Send(connID, data); err != nil {
		log.Printf("[gateway] rate_limited frame failed conn=%s: %v", connID, err)
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// KeepPresence refreshes the presence entry of every local session each
// interval so idle connections stay listed as online. It returns when ctx
// is done.
func (g *Gateway) KeepPresence(ctx context.Context, interval time.Duration) {
	if g.deps.Presence == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, s := range g.deps.Registry.Sessions() {
				if err := g.deps.Presence.Touch(ctx, s.ConnID, s.UserID); err != nil {
					log.Printf("[gateway] presence refresh failed conn=%s: %v", s.ConnID, err)
				}
			}
		}
	}
}
