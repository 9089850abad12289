// Package session tracks the authenticated users behind this process's live
// connections. The registry is ephemeral: it lives only as long as the
// process and is rebuilt from scratch as clients reconnect.
package session

import (
	"sync"
	"time"

	"github.com/acces/alumni-chat/internal/identity"
)

// Session is the identity snapshot taken when a connection completed its
// handshake.
type Session struct {
	ConnID      string
	UserID      string
	DisplayName string
	Role        identity.Role
	ConnectedAt time.Time
}

// IsAdmin reports whether the session belongs to an administrator.
func (s Session) IsAdmin() bool {
	return s.Role == identity.RoleAdmin
}

// Registry maps connection handles to sessions and users to their set of
// connections. It is safe for concurrent use. A Registry is owned by one
// gateway; there is no package-level instance.
type Registry struct {
	mu     sync.RWMutex
	byConn map[string]Session
	byUser map[string]map[string]struct{}
	now    func() time.Time
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byConn: make(map[string]Session),
		byUser: make(map[string]map[string]struct{}),
		now:    time.Now,
	}
}

// Register records the session for connID, replacing any previous mapping
// for the same connection.
func (r *Registry) Register(connID, userID, displayName string, role identity.Role) Session {
	s := Session{
		ConnID:      connID,
		UserID:      userID,
		DisplayName: displayName,
		Role:        role,
		ConnectedAt: r.now().UTC(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.byConn[connID]; ok {
		r.dropUserConnLocked(prev.UserID, connID)
	}
	r.byConn[connID] = s

	conns, ok := r.byUser[userID]
	if !ok {
		conns = make(map[string]struct{})
		r.byUser[userID] = conns
	}
	conns[connID] = struct{}{}
	return s
}

// Unregister removes the mapping for connID. It reports whether a mapping
// existed; calling it for an unknown connection is a no-op.
func (r *Registry) Unregister(connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byConn[connID]
	if !ok {
		return false
	}
	delete(r.byConn, connID)
	r.dropUserConnLocked(s.UserID, connID)
	return true
}

func (r *Registry) dropUserConnLocked(userID, connID string) {
	conns := r.byUser[userID]
	delete(conns, connID)
	if len(conns) == 0 {
		delete(r.byUser, userID)
	}
}

// Resolve returns the session registered for connID.
func (r *Registry) Resolve(connID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byConn[connID]
	return s, ok
}

// Connections returns the connection ids currently held by userID.
func (r *Registry) Connections(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := r.byUser[userID]
	out := make([]string, 0, len(conns))
	for id := range conns {
		out = append(out, id)
	}
	return out
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}

// Users returns the number of distinct registered users.
func (r *Registry) Users() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

// Sessions returns a snapshot of every registered session.
func (r *Registry) Sessions() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Session, 0, len(r.byConn))
	for _, s := range r.byConn {
		out = append(out, s)
	}
	return out
}
