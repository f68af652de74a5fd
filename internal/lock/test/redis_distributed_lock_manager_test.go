package test

import (
	"testing"
	"time"

	"github.com/RezaEskandarii/firequeue/internal/lock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisLockManager(t *testing.T) (*miniredis.Miniredis, *lock.RedisDistributedLockManager, *lock.RedisDistributedLockManager) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return mr,
		lock.NewRedisDistributedLockManager(client, "firequeue", time.Minute),
		lock.NewRedisDistributedLockManager(client, "firequeue", time.Minute)
}

func TestRedisDistributedLockManager_Exclusive(t *testing.T) {
	mr, first, second := newRedisLockManager(t)

	ok, err := first.TryAcquire(1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, mr.Exists("firequeue:lock:1"))

	ok, err = second.TryAcquire(1)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.ErrorIs(t, second.Release(1), lock.ErrNotHeld)
	require.NoError(t, first.Release(1))
	assert.False(t, mr.Exists("firequeue:lock:1"))

	require.NoError(t, second.Acquire(1))
	require.NoError(t, second.Release(1))
}

func TestRedisDistributedLockManager_ExpiredLock(t *testing.T) {
	mr, first, second := newRedisLockManager(t)

	ok, err := first.TryAcquire(2)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Minute)

	ok, err = second.TryAcquire(2)
	require.NoError(t, err)
	assert.True(t, ok)

	// the first owner's token no longer matches
	assert.ErrorIs(t, first.Release(2), lock.ErrNotHeld)
	assert.True(t, mr.Exists("firequeue:lock:2"))
}
