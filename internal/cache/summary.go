// Package cache implements a Redis cache for reconciliation summaries.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/go-redis/redis/v8"

	"example.com/coaching/internal/domain"
)

const summaryKeyPrefix = "coaching:reconcile:summary:"

// RedisCache stores JSON values in Redis with an optional expiry.
type RedisCache struct {
	conn *redis.Client
	ttl  time.Duration
}

// NewRedisCache connects to the Redis instance at addr (a redis:// URL) and
// verifies the connection. A zero ttl keeps entries forever.
func NewRedisCache(ctx context.Context, addr string, ttl time.Duration) (*RedisCache, error) {
	opt, err := redis.ParseURL(addr)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	client := redis.NewClient(opt)

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return &RedisCache{conn: client, ttl: ttl}, nil
}

// Close releases the connection pool.
func (rc *RedisCache) Close() error {
	return rc.conn.Close()
}

// SetJSON stores value as a JSON string.
func (rc *RedisCache) SetJSON(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshaling JSON for cache key %q: %w", key, err)
	}
	return rc.conn.Set(ctx, key, string(data), rc.ttl).Err()
}

// GetJSON loads the JSON string at key into value and reports whether the
// key existed.
func (rc *RedisCache) GetJSON(ctx context.Context, key string, value any) (bool, error) {
	data, err := rc.conn.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, value); err != nil {
		return false, fmt.Errorf("unmarshaling cached JSON for %q: %w", key, err)
	}
	return true, nil
}

// SaveSummary implements domain.SummaryStore.
func (rc *RedisCache) SaveSummary(ctx context.Context, trainerID string, summary domain.ReconcileSummary) error {
	return rc.SetJSON(ctx, summaryKeyPrefix+trainerID, summary)
}

// LoadSummary implements domain.SummaryStore.
func (rc *RedisCache) LoadSummary(ctx context.Context, trainerID string) (*domain.ReconcileSummary, error) {
	var summary domain.ReconcileSummary
	found, err := rc.GetJSON(ctx, summaryKeyPrefix+trainerID, &summary)
	if err != nil || !found {
		return nil, err
	}
	return &summary, nil
}
