// Package events fans khetma transitions out to the messaging adapter
// over a Redis stream, so the bot can refresh the pinned khetma message
// without polling the database.
package events

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"context"

	"github.com/redis/go-redis/v9"

	"khetmabot/pkg/domain"
)

const defaultMaxLen = 10000

// RedisConfig wires the publisher to a stream.
type RedisConfig struct {
	Addr     string
	Password string
	Stream   string
	MaxLen   int64
}

// RedisPublisher appends transition events to a capped Redis stream.
type RedisPublisher struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisPublisher validates the config and connects the client.
func NewRedisPublisher(cfg RedisConfig) (*RedisPublisher, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		return nil, errors.New("event stream required")
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = defaultMaxLen
	}
	return &RedisPublisher{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: cfg.Password,
		}),
		stream: stream,
		maxLen: maxLen,
	}, nil
}

// Publish appends one event to the stream. The stream is trimmed
// approximately so a slow consumer cannot grow it without bound.
func (p *RedisPublisher) Publish(ctx context.Context, ev domain.Event) error {
	return p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: encodeEvent(ev),
	}).Err()
}

// Close releases the redis connection.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

func encodeEvent(ev domain.Event) map[string]any {
	return map[string]any{
		"event_id":   ev.ID,
		"khetma_id":  strconv.FormatInt(ev.KhetmaID, 10),
		"chapter":    strconv.Itoa(ev.ChapterNumber),
		"kind":       string(ev.Kind),
		"actor_id":   strconv.FormatInt(ev.Actor.ID, 10),
		"actor_name": ev.Actor.DisplayName,
		"created_at": ev.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// DecodeEvent rebuilds an event from stream entry values. Consumers
// (the messaging adapter) use it to read the stream back.
func DecodeEvent(values map[string]any) (domain.Event, error) {
	get := func(key string) string {
		if v, ok := values[key].(string); ok {
			return v
		}
		return ""
	}
	khetmaID, err := strconv.ParseInt(get("khetma_id"), 10, 64)
	if err != nil {
		return domain.Event{}, fmt.Errorf("decode khetma_id: %w", err)
	}
	chapter, err := strconv.Atoi(get("chapter"))
	if err != nil {
		return domain.Event{}, fmt.Errorf("decode chapter: %w", err)
	}
	actorID, err := strconv.ParseInt(get("actor_id"), 10, 64)
	if err != nil {
		return domain.Event{}, fmt.Errorf("decode actor_id: %w", err)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, get("created_at"))
	if err != nil {
		return domain.Event{}, fmt.Errorf("decode created_at: %w", err)
	}
	return domain.Event{
		ID:            get("event_id"),
		KhetmaID:      khetmaID,
		ChapterNumber: chapter,
		Kind:          domain.EventKind(get("kind")),
		Actor:         domain.Actor{ID: actorID, DisplayName: get("actor_name")},
		CreatedAt:     createdAt,
	}, nil
}
