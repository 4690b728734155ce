package cache

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"calcsync/backend/internal/logger"
	"calcsync/backend/internal/metrics"
	"calcsync/backend/internal/retry"
)

const calcService = "calc"

// Locker is the cross-instance mutual exclusion the calculation cache uses to
// keep N instances from computing the same fingerprint at once.
type Locker interface {
	TryLock(ctx context.Context, resource string, ttl time.Duration) (unlock func(), ok bool, err error)
}

// ComputeFunc is the external computation callback. It returns the serialized result.
type ComputeFunc func(ctx context.Context) ([]byte, error)

type CalcOptions struct {
	TTL     time.Duration
	LockTTL time.Duration
	// Poll 抢锁失败后轮询缓存的退避策略，耗尽后自己算
	Poll   retry.Policy
	Logger *zap.Logger
}

// Calculations is the domain façade keyed by fingerprint(computationId, subject, inputs).
type Calculations struct {
	cache  *Tiered
	locker Locker
	opts   CalcOptions
	log    *zap.Logger
	sf     singleflight.Group
}

var errNotReady = errors.New("calculation not cached yet")

// NewCalculations builds the façade; locker may be nil for single-instance use.
func NewCalculations(c *Tiered, locker Locker, opts CalcOptions) *Calculations {
	if opts.TTL <= 0 {
		opts.TTL = 15 * time.Minute
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 10 * time.Second
	}
	if opts.Poll == (retry.Policy{}) {
		opts.Poll = retry.Policy{InitialInterval: 50 * time.Millisecond, MaxInterval: 500 * time.Millisecond, MaxTries: 5}
	}
	return &Calculations{cache: c, locker: locker, opts: opts, log: logger.Component(opts.Logger, "calculations")}
}

// calcParams 参与指纹的内容；同样的输入落在不同 subject 上是两份结果
type calcParams struct {
	Subject string `json:"subject"`
	Inputs  any    `json:"inputs"`
}

// Key is the stable cache key for a computation of one subject and its inputs.
func (c *Calculations) Key(subjectID, computationID string, inputs any) (string, error) {
	return Key(c.cache.Namespace(), calcService, computationID, calcParams{Subject: subjectID, Inputs: inputs})
}

func (c *Calculations) Lookup(ctx context.Context, key string) ([]byte, bool) {
	return c.cache.Get(ctx, key)
}

// Store caches a result tagged with its subject, so a write to the subject clears it.
func (c *Calculations) Store(ctx context.Context, key, subjectID string, value []byte) {
	var tags []string
	if subjectID != "" {
		tags = []string{SubjectTag(subjectID)}
	}
	c.cache.Set(ctx, key, value, c.opts.TTL, tags...)
}

// SubjectTag tags every calculation belonging to one subject.
func SubjectTag(subjectID string) string { return "subject:" + subjectID }

// GetOrCompute returns the cached result or runs compute once across this
// instance (singleflight) and, best effort, across instances (lock). Compute
// errors are returned and never cached.
func (c *Calculations) GetOrCompute(ctx context.Context, subjectID, computationID string, inputs any, compute ComputeFunc) (value []byte, cached bool, err error) {
	key, err := c.Key(subjectID, computationID, inputs)
	if err != nil {
		return nil, false, err
	}
	if v, ok := c.Lookup(ctx, key); ok {
		metrics.Calculations.WithLabelValues("cached").Inc()
		return v, true, nil
	}
	type result struct {
		v      []byte
		cached bool
	}
	res, err, _ := c.sf.Do(key, func() (interface{}, error) {
		if v, ok := c.Lookup(ctx, key); ok {
			return result{v: v, cached: true}, nil
		}
		if c.locker != nil {
			unlock, ok, lerr := c.locker.TryLock(ctx, key, c.opts.LockTTL)
			switch {
			case lerr != nil:
				// 锁不可用时退化为仅进程内去重
				c.log.Debug("calculation lock unavailable", zap.String("key", key), zap.Error(lerr))
			case ok:
				defer unlock()
			default:
				if v, ok := c.awaitPeer(ctx, key); ok {
					return result{v: v, cached: true}, nil
				}
			}
		}
		v, err := c.run(ctx, compute)
		if err != nil {
			return nil, err
		}
		c.Store(ctx, key, subjectID, v)
		return result{v: v}, nil
	})
	if err != nil {
		metrics.Calculations.WithLabelValues("failed").Inc()
		return nil, false, err
	}
	r := res.(result)
	if r.cached {
		metrics.Calculations.WithLabelValues("cached").Inc()
	} else {
		metrics.Calculations.WithLabelValues("computed").Inc()
	}
	return r.v, r.cached, nil
}

// awaitPeer polls the cache while another instance holds the lock.
func (c *Calculations) awaitPeer(ctx context.Context, key string) ([]byte, bool) {
	var v []byte
	err := c.opts.Poll.Do(ctx, func() error {
		got, ok := c.Lookup(ctx, key)
		if !ok {
			return errNotReady
		}
		v = got
		return nil
	})
	return v, err == nil
}

func (c *Calculations) run(ctx context.Context, compute ComputeFunc) ([]byte, error) {
	start := time.Now()
	defer func() { metrics.CalculationDuration.Observe(time.Since(start).Seconds()) }()
	return compute(ctx)
}
