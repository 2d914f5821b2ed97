package lease

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestTryAcquire(t *testing.T) {
	_, client := setupTestRedis(t)
	ctx := context.Background()

	l := NewRedisLease(client, "gradeflow:consumer:lease", 10*time.Minute)

	handle, err := l.TryAcquire(ctx)
	require.NoError(t, err)
	require.NotNil(t, handle)

	// a second process is rejected while the lease is held
	_, err = l.TryAcquire(ctx)
	assert.ErrorIs(t, err, ErrNotAcquired)

	require.NoError(t, handle.Release(ctx))

	// released lease is immediately available again
	handle2, err := l.TryAcquire(ctx)
	require.NoError(t, err)
	require.NoError(t, handle2.Release(ctx))
}

func TestExpiredLeaseIsReacquirable(t *testing.T) {
	mr, client := setupTestRedis(t)
	ctx := context.Background()

	l := NewRedisLease(client, "gradeflow:consumer:lease", time.Minute)

	_, err := l.TryAcquire(ctx)
	require.NoError(t, err)

	// the original holder crashed; only the TTL frees the schedule
	mr.FastForward(2 * time.Minute)

	handle, err := l.TryAcquire(ctx)
	require.NoError(t, err)
	require.NoError(t, handle.Release(ctx))
}

func TestStaleReleaseDoesNotClobberNewHolder(t *testing.T) {
	mr, client := setupTestRedis(t)
	ctx := context.Background()

	l := NewRedisLease(client, "gradeflow:consumer:lease", time.Minute)

	stale, err := l.TryAcquire(ctx)
	require.NoError(t, err)

	mr.FastForward(2 * time.Minute)

	_, err = l.TryAcquire(ctx)
	require.NoError(t, err)

	// the expired holder's release must not free the new holder's lease
	require.NoError(t, stale.Release(ctx))
	_, err = l.TryAcquire(ctx)
	assert.ErrorIs(t, err, ErrNotAcquired)
}
