package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisLocker_ExcludesSecondHolder(t *testing.T) {
	ctx := context.Background()
	_, client := setupTestRedis(t)
	a := NewRedisLocker(client, "", time.Minute, zap.NewNop())
	b := NewRedisLocker(client, "", time.Minute, zap.NewNop())

	unlock, ok, err := a.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	// WHEN: another process tries while the lock is held
	_, ok, err = b.TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	// THEN: after release it succeeds
	require.NoError(t, unlock(ctx))
	unlockB, ok, err := b.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, unlockB(ctx))
}

func TestRedisLocker_UnlockKeepsForeignToken(t *testing.T) {
	ctx := context.Background()
	mr, client := setupTestRedis(t)
	l := NewRedisLocker(client, "k", time.Minute, nil)

	unlock, ok, err := l.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	// GIVEN: the key expired and someone else took it
	mr.FastForward(2 * time.Minute)
	require.NoError(t, mr.Set("k", "someone-else"))

	// WHEN: the stale holder unlocks
	require.NoError(t, unlock(ctx))

	// THEN: the new holder's key survives
	got, err := mr.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", got)
}

func TestRedisLocker_SetsTTL(t *testing.T) {
	ctx := context.Background()
	mr, client := setupTestRedis(t)
	l := NewRedisLocker(client, "ttl", 30*time.Second, nil)

	unlock, ok, err := l.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	defer unlock(ctx)

	assert.Equal(t, 30*time.Second, mr.TTL("ttl"))
}

func TestRedisLocker_UnlockIsIdempotent(t *testing.T) {
	ctx := context.Background()
	mr, client := setupTestRedis(t)
	l := NewRedisLocker(client, "once", time.Minute, nil)

	unlock, ok, err := l.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, unlock(ctx))
	require.NoError(t, unlock(ctx))
	assert.False(t, mr.Exists("once"))
}
