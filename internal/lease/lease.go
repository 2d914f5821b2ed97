// Package lease provides the cross-process mutual-exclusion primitive the
// consumer uses to guarantee at most one drain invocation fleet-wide. The
// lease is time-bounded so a crashed holder cannot wedge the schedule.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotAcquired indicates another process currently holds the lease.
var ErrNotAcquired = errors.New("lease held by another process")

// Lease is a time-bounded single-holder lock.
type Lease interface {
	// TryAcquire takes the lease or fails immediately with ErrNotAcquired.
	TryAcquire(ctx context.Context) (Handle, error)
}

// Handle releases one held lease. Release is a no-op for anyone but the
// original holder, so an expired lease reacquired elsewhere is never
// clobbered.
type Handle interface {
	Release(ctx context.Context) error
}

// delete the key only while we still own it
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLease implements Lease on a redis key with a TTL.
type RedisLease struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedisLease constructs a RedisLease. ttl bounds how long a crashed
// holder can block the schedule.
func NewRedisLease(client *redis.Client, key string, ttl time.Duration) *RedisLease {
	return &RedisLease{client: client, key: key, ttl: ttl}
}

// TryAcquire attempts a SETNX with expiry. The stored value is a per-hold
// token so release can verify ownership.
func (l *RedisLease) TryAcquire(ctx context.Context) (Handle, error) {
	token := uuid.New().String()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lease: %w", err)
	}
	if !ok {
		return nil, ErrNotAcquired
	}
	return &redisHandle{lease: l, token: token}, nil
}

type redisHandle struct {
	lease *RedisLease
	token string
}

func (h *redisHandle) Release(ctx context.Context) error {
	if _, err := releaseScript.Run(ctx, h.lease.client, []string{h.lease.key}, h.token).Result(); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}
