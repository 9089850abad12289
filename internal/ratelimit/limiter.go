// Package ratelimit provides fixed-window rate limiting for chat senders and
// handshakes. The Redis limiter uses INCR + EXPIRE so the window is shared by
// every relay instance; the memory limiter serves single-node deployments.
package ratelimit

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule defines a rate limiting policy: the key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // key prefix (e.g., "rl:chat:msg:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

var (
	// RuleMessage allows 5 chat messages per 10 seconds per user.
	RuleMessage = Rule{Key: "rl:chat:msg:", Limit: 5, Window: 10 * time.Second}

	// RuleConnect allows 20 WebSocket handshakes per minute per remote IP.
	RuleConnect = Rule{Key: "rl:chat:conn:", Limit: 20, Window: 1 * time.Minute}
)

// Limiter decides whether identifier may perform one more action under rule.
// When the action is refused, retryAfter is the time until the window resets.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule Rule) (allowed bool, retryAfter time.Duration, err error)
}

// RedisLimiter performs rate limiting checks against Redis.
type RedisLimiter struct {
	client *redis.Client
}

// NewRedisLimiter creates a limiter backed by the given Redis client.
func NewRedisLimiter(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{client: client}
}

// Allow increments the counter for identifier and sets the expiry on first
// access. On Redis errors it fails open (allowed = true) so that a Redis
// outage does not block legitimate traffic.
func (l *RedisLimiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, time.Duration, error) {
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		log.Printf("[ratelimit] redis INCR error key=%s: %v (failing open)", key, err)
		return true, 0, err
	}

	// On the first increment, set the expiry to define the window boundary.
	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			log.Printf("[ratelimit] redis EXPIRE error key=%s: %v (failing open)", key, err)
			// A key without TTL would block the identifier forever.
			l.client.Del(ctx, key)
			return true, 0, err
		}
	}

	if int(count) <= rule.Limit {
		return true, 0, nil
	}

	ttl, err := l.client.PTTL(ctx, key).Result()
	if err != nil || ttl <= 0 {
		ttl = rule.Window
	}
	return false, ttl, nil
}

// MemoryLimiter is an in-process fixed-window limiter.
type MemoryLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

type window struct {
	count   int
	resetAt time.Time
}

// NewMemoryLimiter returns an empty MemoryLimiter.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{windows: make(map[string]*window), now: time.Now}
}

// WithClock replaces the limiter's time source.
func (l *MemoryLimiter) WithClock(now func() time.Time) *MemoryLimiter {
	l.now = now
	return l
}

func (l *MemoryLimiter) Allow(_ context.Context, identifier string, rule Rule) (bool, time.Duration, error) {
	key := rule.Key + identifier
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(rule.Window)}
		l.windows[key] = w
	}
	w.count++
	if w.count <= rule.Limit {
		return true, 0, nil
	}
	return false, w.resetAt.Sub(now), nil
}

// Sweep drops expired windows.
func (l *MemoryLimiter) Sweep() {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, w := range l.windows {
		if !now.Before(w.resetAt) {
			delete(l.windows, k)
		}
	}
}
