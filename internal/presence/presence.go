// Package presence records which users hold live chat connections across
// all relay instances. Entries carry a TTL and are refreshed while the
// connection is active, so a crashed instance's users age out on their own.
package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
)

// EntryTTL is the time-to-live of a presence entry without a refresh.
const EntryTTL = 2 * time.Minute

// Entry describes one live connection.
type Entry struct {
	ConnID      string `redis:"conn_id"`
	UserID      string `redis:"user_id"`
	Name        string `redis:"name"`
	Server      string `redis:"server"`       // which relay instance holds the socket
	ConnectedAt int64  `redis:"connected_at"` // unix timestamp
	LastActive  int64  `redis:"last_active"`  // unix timestamp
}

// Tracker is implemented by presence backends.
type Tracker interface {
	Add(ctx context.Context, e Entry) error
	Touch(ctx context.Context, connID, userID string) error
	Remove(ctx context.Context, connID, userID string) error
	Online(ctx context.Context) ([]string, error)
}

// Local is an in-process Tracker for single-node deployments.
type Local struct {
	mu    sync.Mutex
	conns map[string]Entry
}

// NewLocal returns an empty Local tracker.
func NewLocal() *Local {
	return &Local{conns: make(map[string]Entry)}
}

func (l *Local) Add(_ context.Context, e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.conns[e.ConnID] = e
	return nil
}

func (l *Local) Touch(_ context.Context, connID, _ string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.conns[connID]; ok {
		e.LastActive = time.Now().Unix()
		l.conns[connID] = e
	}
	return nil
}

func (l *Local) Remove(_ context.Context, connID, _ string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.conns, connID)
	return nil
}

// Online returns the sorted distinct user ids with at least one connection.
func (l *Local) Online(_ context.Context) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	users := lo.Uniq(lo.MapToSlice(l.conns, func(_ string, e Entry) string { return e.UserID }))
	sort.Strings(users)
	return users, nil
}
