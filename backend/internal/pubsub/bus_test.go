package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"calcsync/backend/internal/retry"
)

func newTestBus(t *testing.T) (*miniredis.Miniredis, *Bus) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	bus := NewBus(context.Background(), rdb, retry.Policy{InitialInterval: time.Millisecond, MaxTries: 2}, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = bus.Close() })
	return mr, bus
}

func waitSubscribed(t *testing.T, mr *miniredis.Miniredis, channel string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return mr.PubSubNumSub(channel)[channel] == n
	}, 2*time.Second, 5*time.Millisecond)
}

type recorder struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recorder) add(b []byte) {
	r.mu.Lock()
	r.msgs = append(r.msgs, string(b))
	r.mu.Unlock()
}

func (r *recorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs...)
}

func TestBusPreservesOrderPerChannel(t *testing.T) {
	mr, bus := newTestBus(t)
	ctx := context.Background()
	rec := &recorder{}

	_, err := bus.Subscribe(ctx, "calc:room:r1", rec.add)
	require.NoError(t, err)
	waitSubscribed(t, mr, "calc:room:r1", 1)

	var want []string
	for i := 0; i < 20; i++ {
		msg := fmt.Sprintf("v%d", i)
		want = append(want, msg)
		require.NoError(t, bus.Publish(ctx, "calc:room:r1", []byte(msg)))
	}
	require.Eventually(t, func() bool { return len(rec.get()) == 20 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, want, rec.get())
}

func TestBusSharesOneSubscriptionPerChannel(t *testing.T) {
	mr, bus := newTestBus(t)
	ctx := context.Background()
	a, b := &recorder{}, &recorder{}

	unsubA, err := bus.Subscribe(ctx, "ch", a.add)
	require.NoError(t, err)
	unsubB, err := bus.Subscribe(ctx, "ch", b.add)
	require.NoError(t, err)
	waitSubscribed(t, mr, "ch", 1)

	require.NoError(t, bus.Publish(ctx, "ch", []byte("x")))
	require.Eventually(t, func() bool { return len(a.get()) == 1 && len(b.get()) == 1 }, 2*time.Second, 5*time.Millisecond)

	unsubA()
	waitSubscribed(t, mr, "ch", 1)
	unsubB()
	waitSubscribed(t, mr, "ch", 0)
}

func TestBusNoReplayForLateSubscribers(t *testing.T) {
	mr, bus := newTestBus(t)
	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, "ch", []byte("early")))

	rec := &recorder{}
	_, err := bus.Subscribe(ctx, "ch", rec.add)
	require.NoError(t, err)
	waitSubscribed(t, mr, "ch", 1)
	require.NoError(t, bus.Publish(ctx, "ch", []byte("late")))
	require.Eventually(t, func() bool { return len(rec.get()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"late"}, rec.get())
}

func TestBusSubscribeAfterClose(t *testing.T) {
	_, bus := newTestBus(t)
	require.NoError(t, bus.Close())
	_, err := bus.Subscribe(context.Background(), "ch", func([]byte) {})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestBroadcasterAcrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	newInstance := func(id string) *Broadcaster {
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = rdb.Close() })
		bus := NewBus(ctx, rdb, retry.DefaultPolicy(), zaptest.NewLogger(t))
		t.Cleanup(func() { _ = bus.Close() })
		return NewBroadcaster(bus, "calc", id, zaptest.NewLogger(t))
	}
	a, b := newInstance("a"), newInstance("b")

	var (
		mu  sync.Mutex
		got []RoomEvent
	)
	_, err := b.Subscribe(ctx, "est-1", func(ev RoomEvent) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})
	require.NoError(t, err)
	waitSubscribed(t, mr, "calc:room:est-1", 1)

	require.NoError(t, a.Publish(ctx, "est-1", "calculation-result", "", map[string]any{"calculationVersion": 3}))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "calculation-result", got[0].Type)
	assert.Equal(t, "a", got[0].Origin)
	var payload map[string]int
	require.NoError(t, json.Unmarshal(got[0].Payload, &payload))
	assert.Equal(t, 3, payload["calculationVersion"])
}

func TestLocalTransport(t *testing.T) {
	l := NewLocal()
	rec := &recorder{}
	unsub, err := l.Subscribe(context.Background(), "ch", rec.add)
	require.NoError(t, err)
	require.NoError(t, l.Publish(context.Background(), "ch", []byte("1")))
	unsub()
	require.NoError(t, l.Publish(context.Background(), "ch", []byte("2")))
	assert.Equal(t, []string{"1"}, rec.get())
}
