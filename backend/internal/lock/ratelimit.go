package lock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"calcsync/backend/internal/logger"
	"calcsync/backend/internal/metrics"
)

const keyRateFmt = "ratelimit:%s:%s:%d"

var errNoStore = errors.New("rate limit store not configured")

type Decision struct {
	Allowed   bool          `json:"allowed"`
	Limit     int           `json:"limit"`
	Remaining int           `json:"remaining"`
	ResetIn   time.Duration `json:"resetIn"`
	// Local 为 true 表示 Redis 不可用，结果来自本实例的兜底限流
	Local bool `json:"local"`
}

type LimiterOptions struct {
	Limit  int
	Window time.Duration
	Logger *zap.Logger
	Now    func() time.Time
}

// Limiter is a fixed-window counter in Redis with a per-instance token bucket
// used while Redis is unreachable.
type Limiter struct {
	rdb      redis.UniversalClient
	ns       string
	opts     LimiterOptions
	log      *zap.Logger
	fallback *lru.Cache[string, *rate.Limiter]
}

func NewLimiter(rdb redis.UniversalClient, ns string, opts LimiterOptions) *Limiter {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if opts.Window < time.Millisecond {
		opts.Window = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	fb, _ := lru.New[string, *rate.Limiter](4096)
	return &Limiter{rdb: rdb, ns: ns, opts: opts, log: logger.Component(opts.Logger, "ratelimit"), fallback: fb}
}

// KEYS[1] = window key, ARGV[1] = window ms. Returns {count, pttl}.
var incrWindowScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return {n, redis.call("PTTL", KEYS[1])}
`)

func (l *Limiter) windowKey(identifier string, window time.Duration, now time.Time) (string, time.Time) {
	start := now.Truncate(window)
	return fmt.Sprintf(keyRateFmt, l.ns, identifier, start.UnixMilli()), start
}

// Allow checks identifier against the configured default limit.
func (l *Limiter) Allow(ctx context.Context, identifier string) Decision {
	return l.Check(ctx, identifier, l.opts.Limit, l.opts.Window)
}

// Check counts one request. It never fails: Redis faults fall back to a local
// bucket, and a non-positive limit or a window under 1ms uses the configured default.
func (l *Limiter) Check(ctx context.Context, identifier string, limit int, window time.Duration) Decision {
	if limit <= 0 || window < time.Millisecond {
		l.log.Debug("invalid rate limit, using default",
			zap.String("identifier", identifier), zap.Int("limit", limit), zap.Duration("window", window))
		if limit <= 0 {
			limit = l.opts.Limit
		}
		if window < time.Millisecond {
			window = l.opts.Window
		}
	}
	if l.rdb == nil {
		return l.checkLocal(identifier, limit, window)
	}
	now := l.opts.Now()
	key, start := l.windowKey(identifier, window, now)
	res, err := incrWindowScript.Run(ctx, l.rdb, []string{key}, window.Milliseconds()).Int64Slice()
	if err != nil || len(res) != 2 {
		l.log.Warn("rate limit store unavailable, using local limiter", zap.String("identifier", identifier), zap.Error(err))
		return l.checkLocal(identifier, limit, window)
	}
	count, pttl := int(res[0]), time.Duration(res[1])*time.Millisecond
	resetIn := start.Add(window).Sub(now)
	if pttl > 0 && pttl < resetIn {
		resetIn = pttl
	}
	d := Decision{Allowed: count <= limit, Limit: limit, Remaining: limit - count, ResetIn: resetIn}
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	if !d.Allowed {
		metrics.RateLimited.WithLabelValues("distributed").Inc()
	}
	return d
}

// Peek reports the current window without counting.
func (l *Limiter) Peek(ctx context.Context, identifier string) (Decision, error) {
	if l.rdb == nil {
		return Decision{}, errNoStore
	}
	now := l.opts.Now()
	limit, window := l.opts.Limit, l.opts.Window
	key, start := l.windowKey(identifier, window, now)
	count, err := l.rdb.Get(ctx, key).Int()
	if err != nil && err != redis.Nil {
		return Decision{}, err
	}
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{Allowed: count < limit, Limit: limit, Remaining: remaining, ResetIn: start.Add(window).Sub(now)}, nil
}

func (l *Limiter) checkLocal(identifier string, limit int, window time.Duration) Decision {
	k := identifier + "|" + strconv.Itoa(limit) + "|" + window.String()
	lim, ok := l.fallback.Get(k)
	if !ok {
		lim = rate.NewLimiter(rate.Every(window/time.Duration(limit)), limit)
		l.fallback.Add(k, lim)
	}
	now := l.opts.Now()
	allowed := lim.AllowN(now, 1)
	remaining := int(lim.TokensAt(now))
	if remaining < 0 {
		remaining = 0
	}
	d := Decision{Allowed: allowed, Limit: limit, Remaining: remaining, Local: true}
	if !allowed {
		d.Remaining = 0
		d.ResetIn = window / time.Duration(limit)
		metrics.RateLimited.WithLabelValues("local").Inc()
	}
	return d
}
