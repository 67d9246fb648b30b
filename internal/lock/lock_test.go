package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLocker_MutualExclusion(t *testing.T) {
	ctx := context.Background()
	locker := NewMemoryLocker()

	held, err := locker.Acquire(ctx, "issues", time.Minute)
	require.NoError(t, err)

	_, err = locker.Acquire(ctx, "issues", time.Minute)
	assert.ErrorIs(t, err, ErrNotAcquired)

	require.NoError(t, held.Release(ctx))

	_, err = locker.Acquire(ctx, "issues", time.Minute)
	assert.NoError(t, err, "released lock must be acquirable again")
}

func TestMemoryLocker_IndependentKeys(t *testing.T) {
	ctx := context.Background()
	locker := NewMemoryLocker()

	_, err := locker.Acquire(ctx, "a", time.Minute)
	require.NoError(t, err)
	_, err = locker.Acquire(ctx, "b", time.Minute)
	assert.NoError(t, err)
}

func TestMemoryLocker_LeaseExpires(t *testing.T) {
	ctx := context.Background()
	locker := NewMemoryLocker()
	now := time.Now()
	locker.now = func() time.Time { return now }

	stale, err := locker.Acquire(ctx, "issues", time.Second)
	require.NoError(t, err)

	now = now.Add(2 * time.Second)
	fresh, err := locker.Acquire(ctx, "issues", time.Minute)
	require.NoError(t, err, "an expired lease must not block acquisition")

	// The stale holder's release must not evict the new holder.
	require.NoError(t, stale.Release(ctx))
	_, err = locker.Acquire(ctx, "issues", time.Minute)
	assert.ErrorIs(t, err, ErrNotAcquired)

	require.NoError(t, fresh.Release(ctx))
}

func TestAcquireWithRetry_WaitsForHolder(t *testing.T) {
	ctx := context.Background()
	locker := NewMemoryLocker()

	held, err := locker.Acquire(ctx, "issues", time.Minute)
	require.NoError(t, err)

	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = held.Release(context.Background())
	}()

	acquired, err := AcquireWithRetry(ctx, locker, "issues", time.Minute, nil)
	require.NoError(t, err)
	require.NoError(t, acquired.Release(ctx))
}

func TestAcquireWithRetry_HonorsCancellation(t *testing.T) {
	locker := NewMemoryLocker()
	_, err := locker.Acquire(context.Background(), "issues", time.Minute)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err = AcquireWithRetry(ctx, locker, "issues", time.Minute, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
