package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jkkn/solutionshub-batch/internal/lock/config"
)

func TestMemoryLocker(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	locker := NewMemoryLocker(func() time.Time { return now })

	release, err := locker.Acquire(ctx, "batch", time.Minute)
	require.NoError(t, err)

	// второй запуск не ждет, а сразу получает отказ
	_, err = locker.Acquire(ctx, "batch", time.Minute)
	require.ErrorIs(t, err, ErrLocked)

	// другой ключ независим
	other, err := locker.Acquire(ctx, "other", time.Minute)
	require.NoError(t, err)
	require.NoError(t, other(ctx))

	require.NoError(t, release(ctx))
	release, err = locker.Acquire(ctx, "batch", time.Minute)
	require.NoError(t, err)
	require.NoError(t, release(ctx))
}

func TestMemoryLockerExpires(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	locker := NewMemoryLocker(func() time.Time { return now })

	stale, err := locker.Acquire(ctx, "batch", time.Minute)
	require.NoError(t, err)

	now = now.Add(time.Minute)
	fresh, err := locker.Acquire(ctx, "batch", time.Minute)
	require.NoError(t, err)

	// освобождение просроченной блокировки не снимает новую
	require.NoError(t, stale(ctx))
	_, err = locker.Acquire(ctx, "batch", time.Minute)
	require.ErrorIs(t, err, ErrLocked)

	require.NoError(t, fresh(ctx))
}

func TestNewWithoutRedis(t *testing.T) {
	locker, err := New(context.Background(), config.Config{})
	require.NoError(t, err)
	require.IsType(t, &memoryLocker{}, locker)
}
