package ws

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/acces/alumni-chat/internal/identity"
)

// Connection is one upgraded WebSocket client. User is set before the
// connection is handed to the application and never changes afterwards.
type Connection struct {
	ID         string         // connection id (UUID)
	User       *identity.User // identity resolved during the handshake
	Conn       net.Conn       // underlying TCP connection
	Fd         int            // file descriptor for epoll lookups, -1 if unknown
	RemoteAddr string
	CreatedAt  time.Time

	reader       io.Reader // frame source; differs from Conn on the fallback poller
	writeTimeout time.Duration
	lastSeen     atomic.Int64 // unix nanos of the last frame read
	writeMu      sync.Mutex   // serializes writes to this connection
	processing   int32        // atomic flag: 0 = idle, 1 = a worker is reading
}

func newConnection(id string, conn net.Conn, user *identity.User, writeTimeout time.Duration) *Connection {
	c := &Connection{
		ID:           id,
		User:         user,
		Conn:         conn,
		Fd:           socketFD(conn),
		RemoteAddr:   conn.RemoteAddr().String(),
		CreatedAt:    time.Now(),
		reader:       conn,
		writeTimeout: writeTimeout,
	}
	c.markSeen()
	return c
}

func (c *Connection) markSeen() {
	c.lastSeen.Store(time.Now().UnixNano())
}

// LastSeen returns when a frame was last read from the client.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// WriteMessage sends a WebSocket text frame. Writes are serialized and
// bounded by the server's write timeout.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ConnectionManager indexes live connections by id and tracks room
// membership. Rooms are created on first join and dropped when empty.
type ConnectionManager struct {
	mu    sync.RWMutex
	byID  map[string]*Connection
	rooms map[string]map[string]*Connection // room -> conn id -> conn
	joins map[string][]string               // conn id -> rooms
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:  make(map[string]*Connection),
		rooms: make(map[string]map[string]*Connection),
		joins: make(map[string][]string),
	}
}

// Add registers a new connection.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.mu.Unlock()
}

// Remove drops a connection and its room memberships and closes it. It
// reports whether the connection was still registered.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		for _, room := range cm.joins[id] {
			members := cm.rooms[room]
			delete(members, id)
			if len(members) == 0 {
				delete(cm.rooms, room)
			}
		}
		delete(cm.joins, id)
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Join adds a registered connection to room. Joining twice is a no-op.
func (cm *ConnectionManager) Join(id, room string) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	conn, ok := cm.byID[id]
	if !ok {
		return false
	}
	members, ok := cm.rooms[room]
	if !ok {
		members = make(map[string]*Connection)
		cm.rooms[room] = members
	}
	if _, joined := members[id]; !joined {
		members[id] = conn
		cm.joins[id] = append(cm.joins[id], room)
	}
	return true
}

// Members returns a snapshot of the connections in room.
func (cm *ConnectionManager) Members(room string) []*Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	members := cm.rooms[room]
	out := make([]*Connection, 0, len(members))
	for _, c := range members {
		out = append(out, c)
	}
	return out
}

// Get returns the connection for the given id, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
