package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Status is the visible presence of a user.
type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusOffline Status = "offline"
)

var ErrInvalidArgument = errors.New("presence: invalid argument")

// Service tracks user presence in Redis.
//
// A heartbeat writes the user's status under a TTL key; an absent key means
// offline. The appear-offline preference is a separate durable flag that
// makes the user unreachable for call admission while they keep receiving
// their own traffic.
//
// State lives entirely in Redis so any number of API instances agree on
// presence without in-process registries.
type Service struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewService(rdb *redis.Client, heartbeatTTL time.Duration) *Service {
	if heartbeatTTL <= 0 {
		heartbeatTTL = 60 * time.Second
	}
	return &Service{rdb: rdb, ttl: heartbeatTTL}
}

func statusKey(userID string) string        { return fmt.Sprintf("presence:user:%s", userID) }
func appearOfflineKey(userID string) string { return fmt.Sprintf("presence:appear_offline:%s", userID) }

// Heartbeat refreshes the user's presence key.
func (s *Service) Heartbeat(ctx context.Context, userID string, status Status) error {
	if userID == "" {
		return ErrInvalidArgument
	}
	if status != StatusOnline && status != StatusAway {
		return ErrInvalidArgument
	}
	return s.rdb.Set(ctx, statusKey(userID), string(status), s.ttl).Err()
}

// Clear removes the presence key, marking the user offline immediately.
func (s *Service) Clear(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrInvalidArgument
	}
	return s.rdb.Del(ctx, statusKey(userID)).Err()
}

// SetAppearOffline toggles the appear-offline preference.
func (s *Service) SetAppearOffline(ctx context.Context, userID string, on bool) error {
	if userID == "" {
		return ErrInvalidArgument
	}
	if on {
		return s.rdb.Set(ctx, appearOfflineKey(userID), "1", 0).Err()
	}
	return s.rdb.Del(ctx, appearOfflineKey(userID)).Err()
}

// Status returns the user's effective presence. Appear-offline reports
// offline regardless of heartbeats.
func (s *Service) Status(ctx context.Context, userID string) (Status, error) {
	if userID == "" {
		return "", ErrInvalidArgument
	}

	hidden, err := s.rdb.Exists(ctx, appearOfflineKey(userID)).Result()
	if err != nil {
		return "", err
	}
	if hidden > 0 {
		return StatusOffline, nil
	}

	v, err := s.rdb.Get(ctx, statusKey(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return StatusOffline, nil
		}
		return "", err
	}
	return Status(v), nil
}

// Reachable reports whether the user can be offered a call right now.
func (s *Service) Reachable(ctx context.Context, userID string) (bool, error) {
	st, err := s.Status(ctx, userID)
	if err != nil {
		return false, err
	}
	return st != StatusOffline, nil
}
