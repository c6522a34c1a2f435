package lastseen_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/presence-relay/internal/lastseen"
)

func TestHTTPClientSendsPatch(t *testing.T) {
	var (
		mu     sync.Mutex
		method string
		path   string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		method = r.Method
		path = r.URL.EscapedPath()
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := lastseen.NewHTTPClient(srv.URL+"/", time.Second)
	require.NoError(t, client.UpdateLastSeen(context.Background(), "alice smith/1", time.Now()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, http.MethodPatch, method)
	assert.Equal(t, "/api/updateLastSeen/alice%20smith%2F1", path)
}

func TestHTTPClientReportsServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "user not found", http.StatusNotFound)
	}))
	defer srv.Close()

	client := lastseen.NewHTTPClient(srv.URL, time.Second)
	err := client.UpdateLastSeen(context.Background(), "ghost", time.Now())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "status=404")
	assert.Contains(t, err.Error(), "user not found")
}

func TestHTTPClientHonoursContext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	client := lastseen.NewHTTPClient(srv.URL, 10*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := client.UpdateLastSeen(ctx, "alice", time.Now())
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestHTTPClientRejectsEmptyUser(t *testing.T) {
	client := lastseen.NewHTTPClient("http://127.0.0.1:1", time.Second)
	assert.Error(t, client.UpdateLastSeen(context.Background(), "", time.Now()))
}

type stubNotifier struct {
	err   error
	calls int
}

func (s *stubNotifier) UpdateLastSeen(context.Context, string, time.Time) error {
	s.calls++
	return s.err
}

func TestMultiCallsEveryNotifier(t *testing.T) {
	boom := errors.New("boom")
	first := &stubNotifier{err: boom}
	second := &stubNotifier{}

	err := lastseen.Multi{first, second}.UpdateLastSeen(context.Background(), "alice", time.Now())

	assert.True(t, errors.Is(err, boom))
	assert.Equal(t, 1, first.calls)
	assert.Equal(t, 1, second.calls, "a failing store must not stop the others")

	assert.NoError(t, lastseen.Multi{second}.UpdateLastSeen(context.Background(), "alice", time.Now()))
	assert.NoError(t, lastseen.Multi{}.UpdateLastSeen(context.Background(), "alice", time.Now()))
}

func TestRedisStoreFromURLRejectsBadURL(t *testing.T) {
	_, err := lastseen.NewRedisStoreFromURL("http://not-redis")
	assert.Error(t, err)
}

func TestRedisStoreReportsUnreachableServer(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	store := lastseen.NewRedisStore(client, "")
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := store.UpdateLastSeen(ctx, "alice", time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to store last seen")

	_, _, err = store.LastSeen(ctx, "alice")
	assert.Error(t, err)
}
