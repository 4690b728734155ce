// Package lock holds the correctness-critical Redis primitives: an advisory
// distributed lock and a fixed-window rate limiter. Their keys live under
// "lock:" and "ratelimit:" so cache pattern invalidation never touches them.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"calcsync/backend/internal/logger"
)

var ErrNotHeld = errors.New("lock: not held")

const keyLockFmt = "lock:%s:%s"

// Lease is the outcome of Acquire. Token is empty when Acquired is false.
type Lease struct {
	Resource  string    `json:"resource"`
	Token     string    `json:"token,omitempty"`
	Acquired  bool      `json:"acquired"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

type Locker struct {
	rdb      redis.UniversalClient
	ns       string
	now      func() time.Time
	newToken func() string
	log      *zap.Logger
}

func NewLocker(rdb redis.UniversalClient, ns string, log *zap.Logger) *Locker {
	return &Locker{
		rdb:      rdb,
		ns:       ns,
		now:      time.Now,
		newToken: func() string { return ulid.Make().String() },
		log:      logger.Component(log, "lock"),
	}
}

func (l *Locker) key(resource string) string { return fmt.Sprintf(keyLockFmt, l.ns, resource) }

// Acquire is a single SET NX PX attempt. Contention is Acquired=false, not an
// error; the caller decides whether to retry.
func (l *Locker) Acquire(ctx context.Context, resource string, ttl time.Duration) (Lease, error) {
	token := l.newToken()
	ok, err := l.rdb.SetNX(ctx, l.key(resource), token, ttl).Result()
	if err != nil {
		return Lease{Resource: resource}, fmt.Errorf("acquire %s: %w", resource, err)
	}
	if !ok {
		return Lease{Resource: resource}, nil
	}
	return Lease{Resource: resource, Token: token, Acquired: true, ExpiresAt: l.now().Add(ttl)}, nil
}

// KEYS[1] = lock key, ARGV[1] = token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Release deletes the lock only if token still owns it. A stale or foreign
// token yields ErrNotHeld.
func (l *Locker) Release(ctx context.Context, resource, token string) error {
	if token == "" {
		return ErrNotHeld
	}
	n, err := releaseScript.Run(ctx, l.rdb, []string{l.key(resource)}, token).Int64()
	if err != nil {
		return fmt.Errorf("release %s: %w", resource, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// TryLock adapts Acquire/Release to a scoped unlock func.
func (l *Locker) TryLock(ctx context.Context, resource string, ttl time.Duration) (func(), bool, error) {
	lease, err := l.Acquire(ctx, resource, ttl)
	if err != nil || !lease.Acquired {
		return nil, false, err
	}
	return func() {
		// 调用方的 ctx 可能已取消，释放用独立的短超时
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := l.Release(rctx, resource, lease.Token); err != nil && !errors.Is(err, ErrNotHeld) {
			l.log.Warn("release lock", zap.String("resource", resource), zap.Error(err))
		}
	}, true, nil
}
