package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// EventType names a realtime event delivered to user channels.
type EventType string

// Envelope is the wire shape written to a user channel.
type Envelope struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ErrNoReceiver reports that at least one target user had no live channel.
// Callers decide whether that is fatal (initial ring, signaling) or advisory
// (decline/missed/ended announcements).
var ErrNoReceiver = errors.New("notify: no receiver on channel")

// Publisher delivers a typed event to specific user channels.
//
// Delivery is per-call fire-and-forget: failure is reported synchronously and
// no retry is built in. Retry policy, if any, belongs to the caller.
type Publisher interface {
	Publish(ctx context.Context, event EventType, targetUserIDs []string, payload any) error
}

// ChannelFor returns the Redis pub/sub channel carrying a user's events.
// The websocket gateway subscribes to the same name.
func ChannelFor(userID string) string {
	return fmt.Sprintf("user:%s:events", userID)
}

// RedisPublisher fans out events over Redis pub/sub, one channel per user.
type RedisPublisher struct {
	rdb *redis.Client
}

func NewRedisPublisher(rdb *redis.Client) *RedisPublisher {
	return &RedisPublisher{rdb: rdb}
}

func (p *RedisPublisher) Publish(ctx context.Context, event EventType, targetUserIDs []string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("notify: marshal payload: %w", err)
	}
	data, err := json.Marshal(Envelope{Type: event, Payload: raw})
	if err != nil {
		return fmt.Errorf("notify: marshal envelope: %w", err)
	}

	for _, uid := range targetUserIDs {
		receivers, err := p.rdb.Publish(ctx, ChannelFor(uid), data).Result()
		if err != nil {
			return fmt.Errorf("notify: publish to %s: %w", uid, err)
		}
		if receivers == 0 {
			return fmt.Errorf("notify: user %s: %w", uid, ErrNoReceiver)
		}
	}
	return nil
}
