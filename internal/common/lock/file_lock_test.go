package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileLock_AcquireAndRelease(t *testing.T) {
	ctx := context.Background()
	factory := NewFileLockFactory(t.TempDir())
	lock := factory.NewLock("scheduler-default")

	acquired, err := lock.TryLock(ctx, time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)

	require.NoError(t, lock.Unlock(ctx))

	acquired, err = lock.TryLock(ctx, time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)
	require.NoError(t, lock.Unlock(ctx))
}

func TestFileLock_Contention(t *testing.T) {
	ctx := context.Background()
	factory := NewFileLockFactory(t.TempDir())
	first := factory.NewLock("scheduler-default")
	second := factory.NewLock("scheduler-default")

	acquired, err := first.TryLock(ctx, time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	acquired, err = second.TryLock(ctx, time.Minute)
	require.NoError(t, err)
	assert.False(t, acquired)

	require.NoError(t, first.Unlock(ctx))

	acquired, err = second.TryLock(ctx, time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)
	require.NoError(t, second.Unlock(ctx))
}

func TestFileLock_UnlockWithoutHoldingIsNoError(t *testing.T) {
	factory := NewFileLockFactory(t.TempDir())
	assert.NoError(t, factory.NewLock("scheduler-default").Unlock(context.Background()))
}
