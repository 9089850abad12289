// Package ws is the connection reactor of the chat relay. It authenticates
// and upgrades HTTP requests to WebSocket, multiplexes reads over epoll with
// a bounded worker pool, keeps connections alive with protocol pings, and
// groups connections into named rooms for delivery.
package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/acces/alumni-chat/internal/identity"
	"github.com/acces/alumni-chat/internal/metrics"
)

// ErrConnectionNotFound is returned when addressing an unknown connection.
var ErrConnectionNotFound = errors.New("ws: connection not found")

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	WorkerPoolSize int             // max concurrent read-worker goroutines
	MaxConnections int             // hard cap on total connections
	MaxFrameBytes  int64           // larger data frames close the connection
	ReadTimeout    time.Duration   // timeout for reading one ready frame
	WriteTimeout   time.Duration   // timeout for writing one frame
	PollTimeout    time.Duration   // upper bound of one poller wait
	Heartbeat      HeartbeatConfig // protocol-level keepalive
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		MaxFrameBytes:  16 << 10,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		PollTimeout:    500 * time.Millisecond,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Callbacks connect the reactor to the application.
type Callbacks struct {
	// Authenticate resolves the caller before the upgrade. An error refuses
	// the handshake with 401 and no connection is created.
	Authenticate func(r *http.Request) (*identity.User, error)

	// OnOpen runs after the upgrade and before the first frame is read. An
	// error closes the connection.
	OnOpen func(c *Connection) error

	// OnMessage receives each complete data frame, never concurrently for
	// the same connection.
	OnMessage func(c *Connection, data []byte)

	// OnClose runs once per opened connection, however it ended.
	OnClose func(c *Connection)
}

// Server upgrades authenticated HTTP requests and serves the resulting
// connections from a single poller goroutine plus a bounded worker pool.
type Server struct {
	config     ServerConfig
	callbacks  Callbacks
	epoll      *Epoll
	conns      *ConnectionManager
	workerPool chan struct{} // semaphore limiting concurrent read workers
	done       chan struct{}
	stopOnce   sync.Once
	started    atomic.Bool
}

// NewServer creates a Server. Start must be called before serving upgrades.
func NewServer(config ServerConfig, callbacks Callbacks) *Server {
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 1
	}
	if config.PollTimeout <= 0 {
		config.PollTimeout = 500 * time.Millisecond
	}
	return &Server{
		config:     config,
		callbacks:  callbacks,
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		done:       make(chan struct{}),
	}
}

// Start creates the poller and launches the event loop and heartbeat.
func (s *Server) Start() error {
	epoll, err := NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}
	s.epoll = epoll
	s.started.Store(true)

	go s.eventLoop()
	go s.heartbeat(s.config.Heartbeat)

	log.Printf("ws: reactor started (workers=%d, max_conns=%d)",
		s.config.WorkerPoolSize, s.config.MaxConnections)
	return nil
}

// ServeHTTP handles the upgrade request.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.started.Load() {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	var user *identity.User
	if s.callbacks.Authenticate != nil {
		u, err := s.callbacks.Authenticate(r)
		if err != nil {
			metrics.HandshakesTotal.WithLabelValues("rejected").Inc()
			log.Printf("ws: handshake rejected remote=%s: %v", r.RemoteAddr, err)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		user = u
	}

	netConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		metrics.HandshakesTotal.WithLabelValues("rejected").Inc()
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	c := newConnection(uuid.New().String(), netConn, user, s.config.WriteTimeout)
	s.conns.Add(c)
	metrics.ConnectionsTotal.Inc()

	if s.callbacks.OnOpen != nil {
		if err := s.callbacks.OnOpen(c); err != nil {
			log.Printf("ws: open refused conn=%s: %v", c.ID, err)
			s.RemoveConnection(c)
			return
		}
	}

	// Registered last so that no frame is read before OnOpen completes.
	if err := s.epoll.Add(c); err != nil {
		log.Printf("ws: epoll add failed conn=%s: %v", c.ID, err)
		s.RemoveConnection(c)
		return
	}

	metrics.HandshakesTotal.WithLabelValues("accepted").Inc()
	log.Printf("ws: new connection conn=%s fd=%d (total=%d)", c.ID, c.Fd, s.conns.Count())
}

func (s *Server) eventLoop() {
	timeoutMs := int(s.config.PollTimeout / time.Millisecond)
	for {
		select {
		case <-s.done:
			return
		default:
		}

		ready, err := s.epoll.Wait(timeoutMs)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if isEINTR(err) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("ws: epoll wait error: %v", err)
			continue
		}

		for _, c := range ready {
			c := c

			select {
			case s.workerPool <- struct{}{}:
			case <-s.done:
				return
			}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(c)
				s.epoll.Resume(c)
			}()
		}
	}
}

// handleConn reads one frame from a ready connection. Control frames are
// answered here; data frames go to OnMessage.
func (s *Server) handleConn(c *Connection) {
	if s.conns.Get(c.ID) != c {
		return
	}

	// Level-triggered epoll may report the same connection again while a
	// worker is still reading it.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(c.reader, ws.StateServerSide)
	if err != nil {
		// A timeout means the readiness report was stale; the heartbeat
		// takes care of connections that are really gone.
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}
	_ = c.Conn.SetReadDeadline(time.Time{})
	c.markSeen()

	if s.config.MaxFrameBytes > 0 && header.Length > s.config.MaxFrameBytes {
		log.Printf("ws: frame too large conn=%s len=%d", c.ID, header.Length)
		s.closeWith(c, ws.StatusMessageTooBig, "frame too large")
		return
	}

	payload := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, payload); err != nil {
			s.RemoveConnection(c)
			return
		}
	}

	switch header.OpCode {
	case ws.OpClose:
		s.closeWith(c, ws.StatusNormalClosure, "")
		return
	case ws.OpPing:
		c.writeMu.Lock()
		_ = ws.WriteFrame(c.Conn, ws.NewPongFrame(payload))
		c.writeMu.Unlock()
		return
	case ws.OpPong:
		return
	}

	if len(payload) == 0 || s.callbacks.OnMessage == nil {
		return
	}
	s.callbacks.OnMessage(c, payload)
}

func (s *Server) closeWith(c *Connection, code ws.StatusCode, reason string) {
	c.writeMu.Lock()
	_ = ws.WriteFrame(c.Conn, ws.NewCloseFrame(ws.NewCloseFrameBody(code, reason)))
	c.writeMu.Unlock()
	s.RemoveConnection(c)
}

// RemoveConnection unregisters and closes c, then runs OnClose. Concurrent
// calls for the same connection run OnClose only once.
func (s *Server) RemoveConnection(c *Connection) {
	if s.epoll != nil {
		_ = s.epoll.Remove(c)
	}
	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Dec()

	if s.callbacks.OnClose != nil {
		s.callbacks.OnClose(c)
	}
	log.Printf("ws: connection closed conn=%s (total=%d)", c.ID, s.conns.Count())
}

// Send writes a text frame to one connection.
func (s *Server) Send(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("%w: %s", ErrConnectionNotFound, connID)
	}
	return c.WriteMessage(data)
}

// Join adds a connection to a room.
func (s *Server) Join(connID, room string) error {
	if !s.conns.Join(connID, room) {
		return fmt.Errorf("%w: %s", ErrConnectionNotFound, connID)
	}
	return nil
}

// BroadcastRoom writes data to every member of room and returns how many
// writes succeeded. Failed members are left to the read path and heartbeat.
func (s *Server) BroadcastRoom(room string, data []byte) int {
	delivered := 0
	for _, c := range s.conns.Members(room) {
		if err := c.WriteMessage(data); err != nil {
			log.Printf("ws: room %s write failed conn=%s: %v", room, c.ID, err)
			continue
		}
		delivered++
	}
	return delivered
}

// Connections exposes the connection manager.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the event loop and closes every connection, running
// OnClose for each.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.done) })
	log.Println("ws: shutting down reactor...")

	for _, c := range s.conns.All() {
		if ctx.Err() != nil {
			break
		}
		s.closeWith(c, ws.StatusGoingAway, "server shutdown")
	}

	if s.epoll != nil {
		_ = s.epoll.Close()
	}
	log.Printf("ws: reactor stopped (remaining=%d)", s.conns.Count())
	return ctx.Err()
}
