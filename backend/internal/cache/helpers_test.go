package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"

	"calcsync/backend/internal/retry"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
	mr  *miniredis.Miniredis
}

func newFakeClock(mr *miniredis.Miniredis) *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC), mr: mr}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the local clock and the miniredis TTL clock together.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	if c.mr != nil {
		c.mr.FastForward(d)
	}
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, redis.UniversalClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

type testEnv struct {
	mr    *miniredis.Miniredis
	rdb   redis.UniversalClient
	clock *fakeClock
	cache *Tiered
}

func newTestEnv(t *testing.T, mutate ...func(*Options)) *testEnv {
	t.Helper()
	mr, rdb := newTestRedis(t)
	clock := newFakeClock(mr)
	opts := Options{
		Namespace:         "calc",
		DefaultTTL:        time.Minute,
		CompressThreshold: 1024,
		OpTimeout:         200 * time.Millisecond,
		Retry:             retry.Policy{InitialInterval: time.Second, MaxInterval: 5 * time.Second, MaxTries: 3},
		Logger:            zaptest.NewLogger(t),
		Now:               clock.Now,
	}
	for _, m := range mutate {
		m(&opts)
	}
	c, err := NewTiered(NewLocal(100, 1<<20), NewRemote(rdb), opts)
	if err != nil {
		t.Fatalf("NewTiered: %v", err)
	}
	t.Cleanup(c.Close)
	return &testEnv{mr: mr, rdb: rdb, clock: clock, cache: c}
}
