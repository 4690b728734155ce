// Package retry holds the single backoff policy shared by the cache façade,
// the pub/sub bus and the Kafka dispatcher.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

type Policy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// MaxTries 包含第一次调用；0 表示只调用一次
	MaxTries uint
}

func DefaultPolicy() Policy {
	return Policy{InitialInterval: 50 * time.Millisecond, MaxInterval: 2 * time.Second, MaxTries: 3}
}

// NewBackOff returns a fresh exponential backoff; callers own it (not goroutine safe).
func (p Policy) NewBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.Reset()
	return b
}

func (p Policy) tries() uint {
	if p.MaxTries == 0 {
		return 1
	}
	return p.MaxTries
}

// Do runs op until it succeeds, returns a Permanent error, ctx ends or tries run out.
func (p Policy) Do(ctx context.Context, op func() error, notify ...backoff.Notify) error {
	opts := []backoff.RetryOption{
		backoff.WithBackOff(p.NewBackOff()),
		backoff.WithMaxTries(p.tries()),
	}
	if len(notify) > 0 && notify[0] != nil {
		opts = append(opts, backoff.WithNotify(notify[0]))
	}
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, op()
	}, opts...)
	return err
}

// Permanent marks err as not retryable.
func Permanent(err error) error {
	return backoff.Permanent(err)
}
