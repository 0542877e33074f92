// Package counters provides the shared TTL stores behind fraud screening.
// Both implementations keep their state outside the process so every redeemd
// instance observes the same velocity windows and in-flight claims.
package counters

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisStore implements sliding windows with sorted sets scored by event time.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore wraps a Redis client. Keys are namespaced with prefix.
func NewRedisStore(client redis.UniversalClient, prefix string) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("counters: redis client required")
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

// Hit adds an event at now and returns the number of events in the trailing
// window. The trim, add, count and expiry run in one MULTI block.
func (s *RedisStore) Hit(ctx context.Context, key string, now time.Time, window time.Duration) (int64, error) {
	if window <= 0 {
		return 0, fmt.Errorf("counters: window must be positive")
	}
	k := s.prefix + key
	score := now.UnixMicro()
	cutoff := now.Add(-window).UnixMicro()

	var card *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, k, "-inf", strconv.FormatInt(cutoff, 10))
		pipe.ZAdd(ctx, k, redis.Z{Score: float64(score), Member: strconv.FormatInt(score, 10) + ":" + uuid.NewString()})
		card = pipe.ZCard(ctx, k)
		pipe.PExpire(ctx, k, window)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("counters: redis hit %s: %w", key, err)
	}
	return card.Val(), nil
}

// Claim sets key with SET NX PX.
func (s *RedisStore) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.prefix+key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("counters: redis claim %s: %w", key, err)
	}
	return ok, nil
}

// Release deletes key.
func (s *RedisStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("counters: redis release %s: %w", key, err)
	}
	return nil
}

// Ping checks connectivity for health reporting.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
