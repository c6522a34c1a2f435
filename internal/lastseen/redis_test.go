package lastseen_test

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/Tyrowin/presence-relay/internal/lastseen"
)

// startRedis runs a throwaway Redis container and returns its redis:// URL.
func startRedis(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping Redis container test in short mode")
	}
	tc.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("failed to start redis container: %v", err)
	}
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	url, err := container.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("failed to get redis connection string: %v", err)
	}
	return url
}

func rawClient(t *testing.T, url string) *redis.Client {
	t.Helper()
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisStoreRoundTrip(t *testing.T) {
	url := startRedis(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := lastseen.NewRedisStoreFromURL(url)
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.Ping(ctx))

	_, ok, err := store.LastSeen(ctx, "ghost")
	require.NoError(t, err)
	assert.False(t, ok, "a user never recorded is reported as absent")

	at := time.Date(2025, 3, 1, 13, 4, 5, 123456789, time.FixedZone("CET", 3600))
	require.NoError(t, store.UpdateLastSeen(ctx, "alice", at))

	raw, err := rawClient(t, url).HGet(ctx, lastseen.DefaultRedisKey, "alice").Result()
	require.NoError(t, err)
	assert.Equal(t, "2025-03-01T12:04:05.123456789Z", raw)

	got, ok, err := store.LastSeen(ctx, "alice")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, at.Equal(got))
	assert.Equal(t, time.UTC, got.Location())

	later := at.Add(time.Minute)
	require.NoError(t, store.UpdateLastSeen(ctx, "alice", later))
	got, _, err = store.LastSeen(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, later.Equal(got), "a newer update replaces the stored value")
}

func TestRedisStoreCustomKeyAndCorruptValue(t *testing.T) {
	url := startRedis(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := rawClient(t, url)
	store := lastseen.NewRedisStore(client, "test:last_seen")

	require.NoError(t, store.UpdateLastSeen(ctx, "bob", time.Now()))
	exists, err := client.HExists(ctx, "test:last_seen", "bob").Result()
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = client.HExists(ctx, lastseen.DefaultRedisKey, "bob").Result()
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, client.HSet(ctx, "test:last_seen", "carol", "yesterday").Err())
	_, ok, err := store.LastSeen(ctx, "carol")
	require.Error(t, err)
	assert.False(t, ok)
	assert.Contains(t, err.Error(), "invalid last seen value")
}
