package pubsub

import (
	"context"
	"errors"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"calcsync/backend/internal/logger"
	"calcsync/backend/internal/retry"
)

// Transport is what the invalidator and the room broadcaster publish on.
type Transport interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string, handler func(payload []byte)) (unsubscribe func(), err error)
}

var ErrClosed = errors.New("pubsub: bus closed")

// Bus multiplexes every channel of this instance over one Redis subscriber
// connection. A single goroutine dispatches, so handlers of one channel see
// messages in publish order.
type Bus struct {
	rdb    redis.UniversalClient
	ps     *redis.PubSub
	policy retry.Policy
	log    *zap.Logger

	mu       sync.RWMutex
	handlers map[string]map[uint64]func([]byte)
	nextID   uint64
	closed   bool

	done chan struct{}
}

func NewBus(ctx context.Context, rdb redis.UniversalClient, policy retry.Policy, log *zap.Logger) *Bus {
	b := &Bus{
		rdb:      rdb,
		ps:       rdb.Subscribe(ctx),
		policy:   policy,
		log:      logger.Component(log, "bus"),
		handlers: make(map[string]map[uint64]func([]byte)),
		done:     make(chan struct{}),
	}
	go b.loop()
	return b
}

func (b *Bus) loop() {
	defer close(b.done)
	for msg := range b.ps.Channel() {
		b.mu.RLock()
		hs := make([]func([]byte), 0, len(b.handlers[msg.Channel]))
		for _, h := range b.handlers[msg.Channel] {
			hs = append(hs, h)
		}
		b.mu.RUnlock()
		for _, h := range hs {
			h([]byte(msg.Payload))
		}
	}
}

// Publish retries transient failures with the shared policy.
func (b *Bus) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.policy.Do(ctx, func() error {
		return b.rdb.Publish(ctx, channel, payload).Err()
	}, func(err error, wait time.Duration) {
		b.log.Debug("publish retry", zap.String("channel", channel), zap.Duration("wait", wait), zap.Error(err))
	})
}

// Subscribe registers handler; the Redis SUBSCRIBE is issued for the first handler of a channel.
func (b *Bus) Subscribe(ctx context.Context, channel string, handler func([]byte)) (func(), error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.nextID++
	id := b.nextID
	first := len(b.handlers[channel]) == 0
	if first {
		b.handlers[channel] = make(map[uint64]func([]byte))
	}
	b.handlers[channel][id] = handler
	b.mu.Unlock()

	if first {
		if err := b.ps.Subscribe(ctx, channel); err != nil {
			b.remove(context.WithoutCancel(ctx), channel, id)
			return nil, err
		}
	}
	var once sync.Once
	return func() {
		once.Do(func() { b.remove(context.Background(), channel, id) })
	}, nil
}

func (b *Bus) remove(ctx context.Context, channel string, id uint64) {
	b.mu.Lock()
	delete(b.handlers[channel], id)
	last := len(b.handlers[channel]) == 0
	if last {
		delete(b.handlers, channel)
	}
	closed := b.closed
	b.mu.Unlock()
	if last && !closed {
		if err := b.ps.Unsubscribe(ctx, channel); err != nil {
			b.log.Warn("unsubscribe", zap.String("channel", channel), zap.Error(err))
		}
	}
}

// Close stops delivery and waits for the dispatch goroutine.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	err := b.ps.Close()
	<-b.done
	return err
}

// Local is an in-process Transport for single-instance runs and tests.
// Delivery is synchronous on the publisher's goroutine.
type Local struct {
	mu       sync.RWMutex
	handlers map[string]map[uint64]func([]byte)
	nextID   uint64
}

func NewLocal() *Local {
	return &Local{handlers: make(map[string]map[uint64]func([]byte))}
}

func (l *Local) Publish(_ context.Context, channel string, payload []byte) error {
	l.mu.RLock()
	hs := make([]func([]byte), 0, len(l.handlers[channel]))
	for _, h := range l.handlers[channel] {
		hs = append(hs, h)
	}
	l.mu.RUnlock()
	for _, h := range hs {
		h(payload)
	}
	return nil
}

func (l *Local) Subscribe(_ context.Context, channel string, handler func([]byte)) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	id := l.nextID
	if l.handlers[channel] == nil {
		l.handlers[channel] = make(map[uint64]func([]byte))
	}
	l.handlers[channel][id] = handler
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.handlers[channel], id)
		if len(l.handlers[channel]) == 0 {
			delete(l.handlers, channel)
		}
	}, nil
}
