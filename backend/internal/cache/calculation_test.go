package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calcsync/backend/internal/retry"
)

type stubLocker struct {
	mu      sync.Mutex
	busy    bool
	err     error
	unlocks int
}

func (l *stubLocker) TryLock(context.Context, string, time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, false, l.err
	}
	if l.busy {
		return nil, false, nil
	}
	return func() {
		l.mu.Lock()
		l.unlocks++
		l.mu.Unlock()
	}, true, nil
}

func fastPoll() retry.Policy {
	return retry.Policy{InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, MaxTries: 3}
}

func TestGetOrComputeCachesResult(t *testing.T) {
	env := newTestEnv(t)
	locker := &stubLocker{}
	calcs := NewCalculations(env.cache, locker, CalcOptions{Poll: fastPoll()})
	ctx := context.Background()
	calls := 0
	compute := func(context.Context) ([]byte, error) {
		calls++
		return []byte(`{"area":12}`), nil
	}

	v, cached, err := calcs.GetOrCompute(ctx, "42", "roof-area", map[string]any{"pitch": 4.0}, compute)
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, `{"area":12}`, string(v))
	assert.Equal(t, 1, locker.unlocks)

	// same inputs, different number formatting
	v, cached, err = calcs.GetOrCompute(ctx, "42", "roof-area", map[string]any{"pitch": 4}, compute)
	require.NoError(t, err)
	assert.True(t, cached)
	assert.Equal(t, `{"area":12}`, string(v))
	assert.Equal(t, 1, calls)

	key, err := calcs.Key("42", "roof-area", map[string]any{"pitch": 4})
	require.NoError(t, err)
	members, err := env.mr.Members(tagKey("calc", SubjectTag("42")))
	require.NoError(t, err)
	assert.Equal(t, []string{key}, members)
}

func TestGetOrComputeDoesNotCacheFailures(t *testing.T) {
	env := newTestEnv(t)
	calcs := NewCalculations(env.cache, nil, CalcOptions{})
	ctx := context.Background()
	boom := errors.New("formula error")
	calls := 0

	_, _, err := calcs.GetOrCompute(ctx, "1", "c", map[string]any{"x": 1}, func(context.Context) ([]byte, error) {
		calls++
		return nil, boom
	})
	require.ErrorIs(t, err, boom)

	v, cached, err := calcs.GetOrCompute(ctx, "1", "c", map[string]any{"x": 1}, func(context.Context) ([]byte, error) {
		calls++
		return []byte("ok"), nil
	})
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, "ok", string(v))
	assert.Equal(t, 2, calls)
}

func TestGetOrComputeWaitsForLockHolder(t *testing.T) {
	env := newTestEnv(t)
	calcs := NewCalculations(env.cache, &stubLocker{busy: true}, CalcOptions{
		Poll: retry.Policy{InitialInterval: 10 * time.Millisecond, MaxInterval: 20 * time.Millisecond, MaxTries: 50},
	})
	ctx := context.Background()
	key, err := calcs.Key("1", "c", map[string]any{"x": 1})
	require.NoError(t, err)

	go func() {
		time.Sleep(30 * time.Millisecond)
		// the peer instance finishes and writes L2 directly
		raw := append([]byte{flagRaw}, []byte("from-peer")...)
		_ = env.rdb.Set(ctx, key, raw, time.Minute).Err()
	}()

	v, cached, err := calcs.GetOrCompute(ctx, "1", "c", map[string]any{"x": 1}, func(context.Context) ([]byte, error) {
		t.Error("compute must not run while a peer holds the lock")
		return nil, nil
	})
	require.NoError(t, err)
	assert.True(t, cached)
	assert.Equal(t, "from-peer", string(v))
}

func TestGetOrComputeRunsAfterPollingGivesUp(t *testing.T) {
	env := newTestEnv(t)
	calcs := NewCalculations(env.cache, &stubLocker{busy: true}, CalcOptions{Poll: fastPoll()})
	v, cached, err := calcs.GetOrCompute(context.Background(), "1", "c", 1, func(context.Context) ([]byte, error) {
		return []byte("mine"), nil
	})
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, "mine", string(v))
}

func TestGetOrComputeWithoutWorkingLock(t *testing.T) {
	env := newTestEnv(t)
	calcs := NewCalculations(env.cache, &stubLocker{err: errors.New("redis down")}, CalcOptions{Poll: fastPoll()})
	var calls atomic.Int32
	var wg sync.WaitGroup
	release := make(chan struct{})
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := calcs.GetOrCompute(context.Background(), "1", "c", 1, func(context.Context) ([]byte, error) {
				calls.Add(1)
				<-release
				return []byte("v"), nil
			})
			assert.NoError(t, err)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	assert.Equal(t, int32(1), calls.Load(), "singleflight still dedupes in process")
}
