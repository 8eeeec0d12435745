// Package ratelimit throttles per-actor actions. The spam protection
// lives at the adapter boundary: a denied request never reaches the
// reservation engine.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var fixedWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// ActorLimiter limits actions per actor in a fixed time window, backed
// by Redis so the limit holds across service instances.
type ActorLimiter struct {
	limit  int
	window time.Duration

	client *redis.Client
	prefix string
}

// NewActorLimiter creates a Redis-backed distributed limiter.
func NewActorLimiter(addr, password string, limit int, window time.Duration) (*ActorLimiter, error) {
	if limit <= 0 || window <= 0 {
		return nil, errors.New("rate limiter requires positive limit and window")
	}
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("rate limiter redis addr is required")
	}
	return &ActorLimiter{
		limit:  limit,
		window: window,
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
		prefix: "khetma:ratelimit",
	}, nil
}

// Allow returns true when the actor is within quota. A nil limiter
// allows everything (rate limiting disabled by config).
// On Redis failures, it fails closed and returns false.
func (l *ActorLimiter) Allow(actorID int64) bool {
	if l == nil {
		return true
	}
	windowMs := l.window.Milliseconds()
	windowSlot := time.Now().UTC().UnixMilli() / windowMs
	key := fmt.Sprintf("%s:%d:%d", l.prefix, actorID, windowSlot)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	count, err := fixedWindowScript.Run(ctx, l.client, []string{key}, windowMs).Int64()
	if err != nil {
		return false
	}
	return count <= int64(l.limit)
}

// Close releases the redis connection.
func (l *ActorLimiter) Close() error {
	if l == nil {
		return nil
	}
	return l.client.Close()
}
