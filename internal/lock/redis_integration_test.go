package lock

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// startRedis brings up a throwaway Redis container. Gated behind
// TRIAGE_INTEGRATION_TESTS so unit runs don't need Docker.
func startRedis(t *testing.T) *redis.Client {
	t.Helper()
	if os.Getenv("TRIAGE_INTEGRATION_TESTS") == "" {
		t.Skip("set TRIAGE_INTEGRATION_TESTS=1 to run Redis integration tests")
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(30 * time.Second),
			AutoRemove:   true,
		},
		Started: true,
	})
	require.NoError(t, err, "failed to start Redis container")
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: endpoint})
	require.NoError(t, client.Ping(ctx).Err())
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisLocker_MutualExclusion(t *testing.T) {
	client := startRedis(t)
	ctx := context.Background()
	locker := NewRedisLocker(client)

	held, err := locker.Acquire(ctx, "issues", time.Minute)
	require.NoError(t, err)

	_, err = locker.Acquire(ctx, "issues", time.Minute)
	assert.ErrorIs(t, err, ErrNotAcquired)

	require.NoError(t, held.Release(ctx))

	reheld, err := locker.Acquire(ctx, "issues", time.Minute)
	require.NoError(t, err)
	require.NoError(t, reheld.Release(ctx))
}

func TestRedisLocker_StaleHolderCannotRelease(t *testing.T) {
	client := startRedis(t)
	ctx := context.Background()
	locker := NewRedisLocker(client)

	stale, err := locker.Acquire(ctx, "issues", 250*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(400 * time.Millisecond)

	fresh, err := locker.Acquire(ctx, "issues", time.Minute)
	require.NoError(t, err, "the expired lease must be acquirable")

	// The stale holder's release must not evict the fresh holder's lease.
	require.NoError(t, stale.Release(ctx))
	_, err = locker.Acquire(ctx, "issues", time.Minute)
	assert.ErrorIs(t, err, ErrNotAcquired)

	require.NoError(t, fresh.Release(ctx))
}
