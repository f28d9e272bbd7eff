package presence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

const keyPrefix = "presence:"

// RedisStore keeps one hash per user, mapping each live session to the
// time it was last seen. The hash expires unless refreshed.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// DialRedis parses a redis:// URL and pings the server. When the ping fails
// the client is still returned together with an ErrStoreUnavailable error:
// go-redis dials on demand, so the store recovers once the server is up.
// Only a malformed URL yields a nil client.
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return client, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return client, nil
}

func (s *RedisStore) Add(ctx context.Context, userID, sessionRef string, ttl time.Duration) error {
	key := keyPrefix + userID
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, sessionRef, time.Now().UnixMilli())
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *RedisStore) Remove(ctx context.Context, userID string) error {
	if err := s.client.Del(ctx, keyPrefix+userID).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *RedisStore) Exists(ctx context.Context, userID string) (bool, error) {
	n, err := s.client.Exists(ctx, keyPrefix+userID).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return n > 0, nil
}

func (s *RedisStore) LastSeen(ctx context.Context, userID string) (time.Time, bool, error) {
	vals, err := s.client.HVals(ctx, keyPrefix+userID).Result()
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	var latest int64
	for _, v := range vals {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil && ms > latest {
			latest = ms
		}
	}
	if latest == 0 {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(latest), true, nil
}
