package cache

import (
	"context"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"
)

var ErrMiss = errors.New("cache: miss")

// Remote is the distributed tier. It works with a single node client or a
// cluster client; multi-key work goes through pipelines of single-key commands
// so keys in different slots are fine.
type Remote struct {
	rdb redis.UniversalClient
}

func NewRemote(rdb redis.UniversalClient) *Remote {
	return &Remote{rdb: rdb}
}

func (r *Remote) Client() redis.UniversalClient { return r.rdb }

func (r *Remote) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

type remoteValue struct {
	raw []byte
	ttl time.Duration // <0: 无过期
}

// Get returns the raw stored bytes and remaining TTL.
func (r *Remote) Get(ctx context.Context, key string) (remoteValue, error) {
	vals, err := r.GetMany(ctx, []string{key})
	if err != nil {
		return remoteValue{}, err
	}
	v, ok := vals[key]
	if !ok {
		return remoteValue{}, ErrMiss
	}
	return v, nil
}

func (r *Remote) GetMany(ctx context.Context, keys []string) (map[string]remoteValue, error) {
	out := make(map[string]remoteValue, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	pipe := r.rdb.Pipeline()
	gets := make([]*redis.StringCmd, len(keys))
	ttls := make([]*redis.DurationCmd, len(keys))
	for i, k := range keys {
		gets[i] = pipe.Get(ctx, k)
		ttls[i] = pipe.PTTL(ctx, k)
	}
	// 部分 key 不存在时 Exec 返回 redis.Nil，不算错误
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	for i, k := range keys {
		b, err := gets[i].Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, err
		}
		ttl := ttls[i].Val()
		if ttl < 0 {
			ttl = -1
		}
		out[k] = remoteValue{raw: b, ttl: ttl}
	}
	return out, nil
}

type remoteWrite struct {
	key  string
	raw  []byte
	ttl  time.Duration
	tags []string // 已是完整 tag 键
}

// SetMany writes values and refreshes the tag index for each tagged value.
func (r *Remote) SetMany(ctx context.Context, writes []remoteWrite, tagTTL time.Duration) error {
	if len(writes) == 0 {
		return nil
	}
	pipe := r.rdb.Pipeline()
	for _, w := range writes {
		pipe.Set(ctx, w.key, w.raw, w.ttl)
		for _, tk := range w.tags {
			pipe.SAdd(ctx, tk, w.key)
			if tagTTL > 0 {
				pipe.Expire(ctx, tk, tagTTL)
			}
		}
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Del removes keys one command each (cluster safe) and returns how many existed.
func (r *Remote) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	pipe := r.rdb.Pipeline()
	cmds := make([]*redis.IntCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.Del(ctx, k)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	var n int64
	for _, c := range cmds {
		n += c.Val()
	}
	return n, nil
}

func (r *Remote) TagMembers(ctx context.Context, tagKey string) ([]string, error) {
	return r.rdb.SMembers(ctx, tagKey).Result()
}

// Scan calls fn with batches of keys matching pattern, on every master when clustered.
func (r *Remote) Scan(ctx context.Context, pattern string, fn func(keys []string) error) error {
	return scanKeys(ctx, r.rdb, pattern, fn)
}

// scanKeys 集群模式下 fn 可能被并发调用
func scanKeys(ctx context.Context, rdb redis.UniversalClient, pattern string, fn func(keys []string) error) error {
	scanOne := func(ctx context.Context, c redis.Cmdable) error {
		var cursor uint64
		for {
			keys, next, err := c.Scan(ctx, cursor, pattern, 500).Result()
			if err != nil {
				return err
			}
			if len(keys) > 0 {
				if err := fn(keys); err != nil {
					return err
				}
			}
			cursor = next
			if cursor == 0 {
				return nil
			}
		}
	}
	if cc, ok := rdb.(*redis.ClusterClient); ok {
		return cc.ForEachMaster(ctx, func(ctx context.Context, c *redis.Client) error {
			return scanOne(ctx, c)
		})
	}
	return scanOne(ctx, rdb)
}
