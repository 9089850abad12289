package presence

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/samber/lo"
)

const (
	// ConnPrefix is the Redis key prefix for per-connection hashes.
	ConnPrefix = "presence:conn:"

	// UserPrefix is the Redis key prefix for the set of a user's connections.
	UserPrefix = "presence:user:"
)

// Store keeps presence entries in Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this relay instance
	ttl        time.Duration
}

// NewStore creates a presence store on an existing Redis client.
func NewStore(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName, ttl: EntryTTL}
}

// Add stores the entry and links it to its user. Server and timestamps are
// filled in when empty.
func (s *Store) Add(ctx context.Context, e Entry) error {
	now := time.Now().Unix()
	if e.Server == "" {
		e.Server = s.serverName
	}
	if e.ConnectedAt == 0 {
		e.ConnectedAt = now
	}
	e.LastActive = now

	connKey := ConnPrefix + e.ConnID
	userKey := UserPrefix + e.UserID

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, connKey, e)
	pipe.Expire(ctx, connKey, s.ttl)
	pipe.SAdd(ctx, userKey, e.ConnID)
	pipe.Expire(ctx, userKey, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: add %s: %w", e.ConnID, err)
	}
	return nil
}

// Touch refreshes the entry's activity time and TTLs.
func (s *Store) Touch(ctx context.Context, connID, userID string) error {
	connKey := ConnPrefix + connID
	userKey := UserPrefix + userID

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, connKey, "last_active", time.Now().Unix())
	pipe.Expire(ctx, connKey, s.ttl)
	pipe.Expire(ctx, userKey, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: touch %s: %w", connID, err)
	}
	return nil
}

// Remove deletes the entry and unlinks it from its user.
func (s *Store) Remove(ctx context.Context, connID, userID string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, ConnPrefix+connID)
	pipe.SRem(ctx, UserPrefix+userID, connID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: remove %s: %w", connID, err)
	}
	return nil
}

// Online returns the sorted ids of users with at least one live connection
// on any instance.
func (s *Store) Online(ctx context.Context) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, UserPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("presence: scan: %w", err)
	}
	if len(keys) == 0 {
		return []string{}, nil
	}

	pipe := s.client.Pipeline()
	cards := lo.Map(keys, func(k string, _ int) *redis.IntCmd { return pipe.SCard(ctx, k) })
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("presence: count connections: %w", err)
	}

	live := lo.Filter(keys, func(_ string, i int) bool { return cards[i].Val() > 0 })
	users := lo.Map(live, func(k string, _ int) string { return strings.TrimPrefix(k, UserPrefix) })
	sort.Strings(users)
	return users, nil
}
