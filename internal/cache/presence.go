// Package cache keeps a Redis mirror of user presence so presence lookups do
// not hit Postgres. Postgres stays the system of record.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// presenceTTL bounds how long an entry outlives its last update.
const presenceTTL = 30 * 24 * time.Hour

func presenceKey(userID uuid.UUID) string {
	return "presence:user:" + userID.String()
}

type Presence struct {
	Online   bool      `json:"isOnline"`
	LastSeen time.Time `json:"lastSeen"`
}

type PresenceCache struct {
	client *redis.Client
}

// NewPresenceCache connects using a redis:// URL.
func NewPresenceCache(redisURL string) (*PresenceCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewPresenceCacheFromClient(redis.NewClient(opts)), nil
}

func NewPresenceCacheFromClient(client *redis.Client) *PresenceCache {
	return &PresenceCache{client: client}
}

// SetPresence writes both fields in one pipeline and refreshes the TTL.
func (c *PresenceCache) SetPresence(ctx context.Context, userID uuid.UUID, online bool, lastSeen time.Time) error {
	key := presenceKey(userID)
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"online", strconv.FormatBool(online),
			"last_seen", strconv.FormatInt(lastSeen.UnixMilli(), 10),
		)
		pipe.Expire(ctx, key, presenceTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("set presence: %w", err)
	}
	return nil
}

// GetPresence returns found=false when the user has no mirrored entry.
func (c *PresenceCache) GetPresence(ctx context.Context, userID uuid.UUID) (p Presence, found bool, err error) {
	fields, err := c.client.HGetAll(ctx, presenceKey(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Presence{}, false, nil
		}
		return Presence{}, false, fmt.Errorf("get presence: %w", err)
	}
	if len(fields) == 0 {
		return Presence{}, false, nil
	}

	p.Online, err = strconv.ParseBool(fields["online"])
	if err != nil {
		return Presence{}, false, fmt.Errorf("decode presence online: %w", err)
	}
	ms, err := strconv.ParseInt(fields["last_seen"], 10, 64)
	if err != nil {
		return Presence{}, false, fmt.Errorf("decode presence last_seen: %w", err)
	}
	p.LastSeen = time.UnixMilli(ms).UTC()
	return p, true, nil
}

func (c *PresenceCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *PresenceCache) Close() error {
	return c.client.Close()
}
