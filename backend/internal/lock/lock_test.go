package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, redis.UniversalClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestAcquireIsMutuallyExclusive(t *testing.T) {
	_, rdb := newTestRedis(t)
	l := NewLocker(rdb, "calc", zaptest.NewLogger(t))
	ctx := context.Background()

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		leases []Lease
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := l.Acquire(ctx, "R", time.Second)
			assert.NoError(t, err)
			mu.Lock()
			leases = append(leases, lease)
			mu.Unlock()
		}()
	}
	wg.Wait()

	acquired := 0
	for _, le := range leases {
		if le.Acquired {
			acquired++
			assert.NotEmpty(t, le.Token)
		}
	}
	assert.Equal(t, 1, acquired)
}

func TestReleaseRequiresMatchingToken(t *testing.T) {
	mr, rdb := newTestRedis(t)
	l := NewLocker(rdb, "calc", nil)
	ctx := context.Background()

	lease, err := l.Acquire(ctx, "R", time.Minute)
	require.NoError(t, err)
	require.True(t, lease.Acquired)
	assert.True(t, mr.Exists("lock:calc:R"))

	assert.ErrorIs(t, l.Release(ctx, "R", "wrong-token"), ErrNotHeld)
	assert.ErrorIs(t, l.Release(ctx, "R", ""), ErrNotHeld)
	again, err := l.Acquire(ctx, "R", time.Minute)
	require.NoError(t, err)
	assert.False(t, again.Acquired, "still held after a bad release")

	require.NoError(t, l.Release(ctx, "R", lease.Token))
	again, err = l.Acquire(ctx, "R", time.Minute)
	require.NoError(t, err)
	assert.True(t, again.Acquired)
	assert.NotEqual(t, lease.Token, again.Token)
}

func TestLockSelfExpires(t *testing.T) {
	mr, rdb := newTestRedis(t)
	l := NewLocker(rdb, "calc", nil)
	ctx := context.Background()

	first, err := l.Acquire(ctx, "R", 500*time.Millisecond)
	require.NoError(t, err)
	require.True(t, first.Acquired)

	mr.FastForward(time.Second)
	second, err := l.Acquire(ctx, "R", time.Second)
	require.NoError(t, err)
	assert.True(t, second.Acquired)
	// the expired holder can no longer release someone else's lock
	assert.ErrorIs(t, l.Release(ctx, "R", first.Token), ErrNotHeld)
}

func TestTryLock(t *testing.T) {
	mr, rdb := newTestRedis(t)
	l := NewLocker(rdb, "calc", nil)
	ctx := context.Background()

	unlock, ok, err := l.TryLock(ctx, "calc:calc:abc", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryLock(ctx, "calc:calc:abc", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	unlock()
	assert.False(t, mr.Exists("lock:calc:calc:calc:abc"))
}

func TestAcquireReportsStoreErrors(t *testing.T) {
	mr, rdb := newTestRedis(t)
	l := NewLocker(rdb, "calc", nil)
	mr.Close()
	_, ok, err := l.TryLock(context.Background(), "R", time.Second)
	assert.Error(t, err)
	assert.False(t, ok)
}
