package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis"
	"github.com/go-redis/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisLock_MutualExclusion(t *testing.T) {
	withRedisLockFactory(t, func(mr *miniredis.Miniredis, factory *RedisLockFactory) {
		ctx := context.Background()
		first := factory.NewLock("scheduler:default")
		second := factory.NewLock("scheduler:default")

		acquired, err := first.TryLock(ctx, time.Minute)
		require.NoError(t, err)
		assert.True(t, acquired)

		acquired, err = second.TryLock(ctx, time.Minute)
		require.NoError(t, err)
		assert.False(t, acquired)

		require.NoError(t, first.Unlock(ctx))

		acquired, err = second.TryLock(ctx, time.Minute)
		require.NoError(t, err)
		assert.True(t, acquired)
	})
}

func TestRedisLock_DifferentIdsDoNotContend(t *testing.T) {
	withRedisLockFactory(t, func(mr *miniredis.Miniredis, factory *RedisLockFactory) {
		ctx := context.Background()

		acquired, err := factory.NewLock("scheduler:gpu").TryLock(ctx, time.Minute)
		require.NoError(t, err)
		assert.True(t, acquired)

		acquired, err = factory.NewLock("deployment:cycle").TryLock(ctx, time.Minute)
		require.NoError(t, err)
		assert.True(t, acquired)
	})
}

func TestRedisLock_ExpiredLockCanBeReacquired(t *testing.T) {
	withRedisLockFactory(t, func(mr *miniredis.Miniredis, factory *RedisLockFactory) {
		ctx := context.Background()
		first := factory.NewLock("scheduler:default")

		acquired, err := first.TryLock(ctx, time.Minute)
		require.NoError(t, err)
		require.True(t, acquired)

		mr.FastForward(2 * time.Minute)

		second := factory.NewLock("scheduler:default")
		acquired, err = second.TryLock(ctx, time.Minute)
		require.NoError(t, err)
		assert.True(t, acquired)

		// The original holder's release must not free the lock now owned by the
		// second replica.
		require.NoError(t, first.Unlock(ctx))
		acquired, err = factory.NewLock("scheduler:default").TryLock(ctx, time.Minute)
		require.NoError(t, err)
		assert.False(t, acquired)
	})
}

func TestRedisLock_UnlockWithoutHoldingIsNoError(t *testing.T) {
	withRedisLockFactory(t, func(mr *miniredis.Miniredis, factory *RedisLockFactory) {
		assert.NoError(t, factory.NewLock("scheduler:default").Unlock(context.Background()))
	})
}

func withRedisLockFactory(t *testing.T, action func(*miniredis.Miniredis, *RedisLockFactory)) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	action(mr, NewRedisLockFactory(client))
}
