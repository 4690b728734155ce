package cache

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetGetRoundTripAndExpiry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.cache.Set(ctx, "calc:quote:1", []byte(`{"total":12}`), 30*time.Second)
	v, ok := env.cache.Get(ctx, "calc:quote:1")
	require.True(t, ok)
	assert.Equal(t, `{"total":12}`, string(v))

	env.clock.Advance(30 * time.Second)
	_, ok = env.cache.Get(ctx, "calc:quote:1")
	assert.False(t, ok, "entry must miss once its ttl elapsed")
	assert.False(t, env.mr.Exists("calc:quote:1"))
}

func TestL2HitRepopulatesL1(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.cache.Set(ctx, "k", []byte("v"), time.Minute)
	env.cache.local.Purge()
	require.Equal(t, 0, env.cache.local.Len())

	v, ok := env.cache.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "v", string(v))
	assert.Equal(t, 1, env.cache.local.Len())

	// L1 copy keeps the remaining L2 ttl, not a fresh one
	e, ok := env.cache.local.Get("k")
	require.True(t, ok)
	assert.LessOrEqual(t, e.TTL, time.Minute)
}

func TestLargeValuesAreCompressedInL2(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.CompressThreshold = 64 })
	ctx := context.Background()
	big := bytes.Repeat([]byte("line-item,"), 200)

	env.cache.Set(ctx, "big", big, time.Minute)
	raw, err := env.mr.Get("big")
	require.NoError(t, err)
	assert.Equal(t, flagZstd, raw[0])
	assert.Less(t, len(raw), len(big))

	e, ok := env.cache.local.Get("big")
	require.True(t, ok)
	assert.True(t, e.Compressed)

	env.cache.local.Purge()
	v, ok := env.cache.Get(ctx, "big")
	require.True(t, ok)
	assert.Equal(t, big, v)
}

func TestSmallValuesStayRaw(t *testing.T) {
	env := newTestEnv(t)
	env.cache.Set(context.Background(), "small", []byte("abc"), time.Minute)
	raw, err := env.mr.Get("small")
	require.NoError(t, err)
	assert.Equal(t, string([]byte{flagRaw})+"abc", raw)
}

func TestTaggedWriteMaintainsTagIndex(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.cache.Set(ctx, "calc:calc:a", []byte("1"), time.Minute, "subject:42")
	env.cache.Set(ctx, "calc:calc:b", []byte("2"), time.Minute, "subject:42")

	members, err := env.mr.Members(tagKey("calc", "subject:42"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"calc:calc:a", "calc:calc:b"}, members)
	assert.Greater(t, env.mr.TTL(tagKey("calc", "subject:42")), time.Duration(0))
}

func TestDelRemovesBothTiers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.cache.Set(ctx, "k", []byte("v"), time.Minute)
	env.cache.Del(ctx, "k")
	_, ok := env.cache.Get(ctx, "k")
	assert.False(t, ok)
	assert.False(t, env.mr.Exists("k"))
}

func TestBatchSetAndBatchGet(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.cache.BatchSet(ctx, []Item{
		{Key: "a", Value: []byte("1")},
		{Key: "b", Value: []byte("2"), TTL: time.Hour},
	})
	env.cache.local.Delete("b")

	got := env.cache.BatchGet(ctx, []string{"a", "b", "missing"})
	assert.Equal(t, map[string][]byte{"a": []byte("1"), "b": []byte("2")}, got)
	assert.Equal(t, 2, env.cache.local.Len())
}

func TestTTLJitterOnlyShortens(t *testing.T) {
	old := randFloat
	randFloat = func() float64 { return 1 }
	t.Cleanup(func() { randFloat = old })

	env := newTestEnv(t, func(o *Options) { o.TTLJitter = 0.1 })
	env.cache.Set(context.Background(), "k", []byte("v"), 100*time.Second)
	e, ok := env.cache.local.Get("k")
	require.True(t, ok)
	assert.Equal(t, 90*time.Second, e.TTL)
	assert.Equal(t, 90*time.Second, env.mr.TTL("k"))
}

func TestDegradedModeServesL1(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.cache.Set(ctx, "k", []byte("v"), time.Minute)

	env.mr.Close()
	assert.NotPanics(t, func() { env.cache.Set(ctx, "k2", []byte("v2"), time.Minute) })
	assert.True(t, env.cache.Degraded())
	assert.True(t, env.cache.Stats().Degraded)

	v, ok := env.cache.Get(ctx, "k2")
	require.True(t, ok)
	assert.Equal(t, "v2", string(v))

	// while cooling down L2 is skipped: a miss is quick and silent
	_, ok = env.cache.Get(ctx, "never-set")
	assert.False(t, ok)
}

func TestDegradedModeRecovers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.mr.Close()
	env.cache.Set(ctx, "k", []byte("v"), time.Minute)
	require.True(t, env.cache.Degraded())

	require.NoError(t, env.mr.Restart())
	env.clock.Advance(10 * time.Second)
	env.cache.Set(ctx, "k", []byte("v"), time.Minute)
	assert.False(t, env.cache.Degraded())
	assert.True(t, env.mr.Exists("k"))
}

func TestL1OnlyWithoutRemote(t *testing.T) {
	c, err := NewTiered(NewLocal(10, 0), nil, Options{})
	require.NoError(t, err)
	defer c.Close()
	ctx := context.Background()
	c.Set(ctx, "k", []byte("v"), time.Minute)
	v, ok := c.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "v", string(v))
	assert.False(t, c.Stats().RemoteOn)
}

func TestGetOrLoadCoalescesConcurrentLoads(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	var calls atomic.Int32
	release := make(chan struct{})

	load := func(context.Context) ([]byte, bool, error) {
		calls.Add(1)
		<-release
		return []byte("loaded"), true, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, found, err := env.cache.GetOrLoad(ctx, "calc:estimate:7", time.Minute, nil, load)
			assert.NoError(t, err)
			assert.True(t, found)
			assert.Equal(t, "loaded", string(v))
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	assert.Equal(t, int32(1), calls.Load())
}

func TestGetOrLoadCachesNotFound(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	calls := 0
	load := func(context.Context) ([]byte, bool, error) {
		calls++
		return nil, false, nil
	}

	_, found, err := env.cache.GetOrLoad(ctx, "calc:estimate:404", time.Minute, nil, load)
	require.NoError(t, err)
	assert.False(t, found)
	_, found, err = env.cache.GetOrLoad(ctx, "calc:estimate:404", time.Minute, nil, load)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, 1, calls)

	// a negative marker is not a value for plain Get
	_, ok := env.cache.Get(ctx, "calc:estimate:404")
	assert.False(t, ok)
}

func TestGetOrLoadDoesNotCacheErrors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	calls := 0
	boom := errors.New("db down")
	load := func(context.Context) ([]byte, bool, error) {
		calls++
		return nil, false, boom
	}
	_, _, err := env.cache.GetOrLoad(ctx, "k", time.Minute, nil, load)
	require.ErrorIs(t, err, boom)
	_, _, err = env.cache.GetOrLoad(ctx, "k", time.Minute, nil, load)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 2, calls)
}

func TestJanitorPurgesExpiredL1Entries(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env.cache.Set(ctx, "short", []byte("a"), time.Second)
	env.cache.Set(ctx, "long", []byte("b"), time.Hour)
	require.Equal(t, 2, env.cache.local.Len())
	env.clock.Advance(2 * time.Second)

	done := make(chan struct{})
	go func() {
		defer close(done)
		env.cache.RunJanitor(ctx, 5*time.Millisecond)
	}()
	require.Eventually(t, func() bool { return env.cache.local.Len() == 1 }, 2*time.Second, 5*time.Millisecond)
	_, ok := env.cache.local.Get("long")
	assert.True(t, ok)

	cancel()
	<-done
}
