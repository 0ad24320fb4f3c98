package redlock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	return mr, rdb
}

func TestAcquireRelease(t *testing.T) {
	_, rdb := newTestRedis(t)
	ctx := context.Background()

	lock := New(rdb, "test:lock", time.Minute)

	acquired, err := lock.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, acquired)

	// Second holder cannot acquire while held
	other := New(rdb, "test:lock", time.Minute)
	acquired, err = other.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, acquired)

	require.NoError(t, lock.Release(ctx))

	acquired, err = other.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestReleaseOnlyOwnToken(t *testing.T) {
	_, rdb := newTestRedis(t)
	ctx := context.Background()

	holder := New(rdb, "test:lock", time.Minute)
	acquired, err := holder.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, acquired)

	// A stranger releasing the same key must not free the holder's lock
	stranger := New(rdb, "test:lock", time.Minute)
	require.NoError(t, stranger.Release(ctx))

	acquired, err = stranger.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, acquired)
}

func TestExpiry(t *testing.T) {
	mr, rdb := newTestRedis(t)
	ctx := context.Background()

	lock := New(rdb, "test:lock", 50*time.Millisecond)
	acquired, err := lock.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, acquired)

	// Simulate a crashed holder: no release, TTL elapses
	mr.FastForward(100 * time.Millisecond)

	other := New(rdb, "test:lock", time.Minute)
	acquired, err = other.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestReleaseIdempotent(t *testing.T) {
	_, rdb := newTestRedis(t)
	ctx := context.Background()

	lock := New(rdb, "test:lock", time.Minute)
	acquired, err := lock.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, acquired)

	require.NoError(t, lock.Release(ctx))
	require.NoError(t, lock.Release(ctx))
}
