package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startRedis(t *testing.T, ctx context.Context) string {
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379/tcp")
	require.NoError(t, err)

	return fmt.Sprintf("redis://%s:%s/0", host, port.Port())
}

func TestRedisStore_Limiter(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	client, err := Connect(ctx, startRedis(t, ctx), 5, time.Second)
	require.NoError(t, err)
	defer client.Close()

	l, err := New(Config{
		Store:  NewRedisStore(client, "test"),
		Limits: map[string]Limits{"openai": {RequestsPerWindow: 3, TokensPerWindow: 100, Window: time.Minute}},
	})
	require.NoError(t, err)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	// Keys must outlive the test even though the fixed clock is in the past.
	l.store.(*RedisStore).grace = 24 * 365 * 10 * time.Hour

	key := Key{Service: "openai", OwnerID: "alice"}
	require.NoError(t, l.Record(ctx, key, 2, 60))
	require.NoError(t, l.Record(ctx, key, 1, 20))

	status, err := l.Status(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(3), status.Usage.Requests)
	assert.Equal(t, int64(80), status.Usage.Tokens)
	assert.False(t, status.Allowed(0))

	other := Key{Service: "openai", OwnerID: "bob"}
	var wg sync.WaitGroup
	var admitted atomic.Int32
	waitCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Acquire(waitCtx, other, 5) == nil {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(3), admitted.Load())

	status, err = l.Status(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, int64(3), status.Usage.Requests)
	assert.Equal(t, int64(15), status.Usage.Tokens)

	removed, err := l.Cleanup(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestConnect_InvalidURL(t *testing.T) {
	_, err := Connect(context.Background(), "not-a-url", 1, time.Millisecond)
	require.Error(t, err)
}
