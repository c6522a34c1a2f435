package lastseen

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is the hash holding userId -> last seen timestamp.
const DefaultRedisKey = "presence:last_seen"

// RedisStore mirrors last-seen timestamps into a Redis hash.
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore creates a store writing to key. An empty key selects
// DefaultRedisKey.
func NewRedisStore(client *redis.Client, key string) *RedisStore {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisStore{client: client, key: key}
}

// NewRedisStoreFromURL parses a redis:// URL and creates a store for it.
func NewRedisStoreFromURL(rawURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisStore(redis.NewClient(opts), ""), nil
}

// UpdateLastSeen records at for userID.
func (s *RedisStore) UpdateLastSeen(ctx context.Context, userID string, at time.Time) error {
	if err := s.client.HSet(ctx, s.key, userID, at.UTC().Format(time.RFC3339Nano)).Err(); err != nil {
		return fmt.Errorf("failed to store last seen: %w", err)
	}
	return nil
}

// LastSeen returns the stored timestamp for userID. The boolean is false when
// the user has never been recorded.
func (s *RedisStore) LastSeen(ctx context.Context, userID string) (time.Time, bool, error) {
	raw, err := s.client.HGet(ctx, s.key, userID).Result()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read last seen: %w", err)
	}
	at, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("invalid last seen value %q: %w", raw, err)
	}
	return at, true, nil
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
