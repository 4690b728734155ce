package cache

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"calcsync/backend/internal/logger"
	"calcsync/backend/internal/metrics"
	"calcsync/backend/internal/retry"
)

type Options struct {
	Namespace         string
	DefaultTTL        time.Duration
	TagTTL            time.Duration
	NegativeTTL       time.Duration
	CompressThreshold int
	// TTLJitter 为比例（0.1 = 最多缩短 10%），只缩短不延长，保证 ttl 到期后一定 miss
	TTLJitter float64
	// OpTimeout 单次 L2 操作超时
	OpTimeout time.Duration
	Retry     retry.Policy
	Logger    *zap.Logger
	Now       func() time.Time
}

func (o *Options) applyDefaults() {
	if o.Namespace == "" {
		o.Namespace = "calc"
	}
	if o.DefaultTTL <= 0 {
		o.DefaultTTL = 10 * time.Minute
	}
	if o.TagTTL <= 0 {
		o.TagTTL = time.Hour
	}
	if o.NegativeTTL <= 0 {
		o.NegativeTTL = 30 * time.Second
	}
	if o.OpTimeout <= 0 {
		o.OpTimeout = 500 * time.Millisecond
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Retry == (retry.Policy{}) {
		o.Retry = retry.DefaultPolicy()
	}
}

// Item is one value for BatchSet.
type Item struct {
	Key   string
	Value []byte
	TTL   time.Duration
	Tags  []string
}

type Stats struct {
	L1Entries int   `json:"l1Entries"`
	L1Bytes   int64 `json:"l1Bytes"`
	Degraded  bool  `json:"degraded"`
	RemoteOn  bool  `json:"remoteEnabled"`
}

// Tiered is the L1+L2 façade. It never returns cache-layer faults to callers:
// when L2 misbehaves it keeps serving from L1 and retries L2 on a backoff.
type Tiered struct {
	local  *Local
	remote *Remote
	codec  *codec
	opts   Options
	log    *zap.Logger
	health *health
	sf     singleflight.Group
}

// NewTiered builds the façade. remote may be nil for L1-only operation.
func NewTiered(local *Local, remote *Remote, opts Options) (*Tiered, error) {
	opts.applyDefaults()
	c, err := newCodec(opts.CompressThreshold)
	if err != nil {
		return nil, err
	}
	log := logger.Component(opts.Logger, "cache")
	// L1 与 façade 共用同一个时钟，TTL 判断才一致
	local.now = opts.Now
	return &Tiered{
		local:  local,
		remote: remote,
		codec:  c,
		opts:   opts,
		log:    log,
		health: newHealth(opts.Retry, opts.Now, log),
	}, nil
}

func (t *Tiered) Namespace() string { return t.opts.Namespace }
func (t *Tiered) Local() *Local     { return t.local }

// Degraded reports whether the façade is currently running L1-only.
func (t *Tiered) Degraded() bool { return t.health.isDegraded() }

func (t *Tiered) Stats() Stats {
	return Stats{
		L1Entries: t.local.Len(),
		L1Bytes:   t.local.Bytes(),
		Degraded:  t.Degraded(),
		RemoteOn:  t.remote != nil,
	}
}

func (t *Tiered) Close() { t.codec.close() }

// RunJanitor drops expired L1 entries every interval until ctx ends.
func (t *Tiered) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := t.local.PurgeExpired(); n > 0 {
				t.log.Debug("purged expired L1 entries", zap.Int("count", n))
			}
		}
	}
}

// remoteUsable: L2 已配置且不在降级冷却期内
func (t *Tiered) remoteUsable() bool {
	return t.remote != nil && t.health.allow()
}

func (t *Tiered) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, t.opts.OpTimeout)
}

// remoteErr 记录 L2 故障；调用方主动取消的不算
func (t *Tiered) remoteErr(ctx context.Context, op string, err error) {
	if err == nil {
		t.health.ok()
		return
	}
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return
	}
	metrics.CacheL2Errors.WithLabelValues(op).Inc()
	t.health.fail(op, err)
}

// 测试里替换成固定值
var randFloat = rand.Float64

// jitter 缩短 TTL，防止同一批 key 同时过期
func (t *Tiered) jitter(ttl time.Duration) time.Duration {
	if ttl <= 0 || t.opts.TTLJitter <= 0 {
		return ttl
	}
	return ttl - time.Duration(float64(ttl)*t.opts.TTLJitter*randFloat())
}

func (t *Tiered) ttlOrDefault(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return t.opts.DefaultTTL
	}
	return ttl
}

type lookupState int

const (
	stateMiss lookupState = iota
	stateHit
	stateNegative
)

func (t *Tiered) lookup(ctx context.Context, key string) ([]byte, lookupState) {
	if e, ok := t.local.Get(key); ok {
		metrics.CacheHits.WithLabelValues("l1").Inc()
		if e.Negative {
			return nil, stateNegative
		}
		return e.Value, stateHit
	}
	if !t.remoteUsable() {
		metrics.CacheMisses.Inc()
		return nil, stateMiss
	}
	opCtx, cancel := t.opCtx(ctx)
	defer cancel()
	rv, err := t.remote.Get(opCtx, key)
	if errors.Is(err, ErrMiss) {
		t.health.ok()
		metrics.CacheMisses.Inc()
		return nil, stateMiss
	}
	if err != nil {
		t.remoteErr(ctx, "get", err)
		metrics.CacheMisses.Inc()
		return nil, stateMiss
	}
	t.health.ok()
	e, ok := t.fill(key, rv)
	if !ok {
		metrics.CacheMisses.Inc()
		return nil, stateMiss
	}
	metrics.CacheHits.WithLabelValues("l2").Inc()
	if e.Negative {
		return nil, stateNegative
	}
	return e.Value, stateHit
}

// fill 把 L2 命中的值回填 L1
func (t *Tiered) fill(key string, rv remoteValue) (*Entry, bool) {
	d, err := t.codec.decode(rv.raw)
	if err != nil {
		t.log.Warn("drop undecodable L2 value", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	ttl := rv.ttl
	if ttl < 0 {
		ttl = t.opts.DefaultTTL
	}
	e := &Entry{
		Key:        key,
		Value:      d.value,
		CreatedAt:  t.opts.Now(),
		TTL:        ttl,
		Compressed: d.compressed,
		Negative:   d.negative,
	}
	t.local.Set(e)
	return e, true
}

// Get checks L1, then L2 (repopulating L1). ok=false is a miss.
func (t *Tiered) Get(ctx context.Context, key string) ([]byte, bool) {
	v, st := t.lookup(ctx, key)
	return v, st == stateHit
}

// Set writes L1 immediately and L2 best effort.
func (t *Tiered) Set(ctx context.Context, key string, value []byte, ttl time.Duration, tags ...string) {
	t.BatchSet(ctx, []Item{{Key: key, Value: value, TTL: ttl, Tags: tags}})
}

func (t *Tiered) BatchSet(ctx context.Context, items []Item) {
	if len(items) == 0 {
		return
	}
	now := t.opts.Now()
	writes := make([]remoteWrite, 0, len(items))
	for _, it := range items {
		ttl := t.jitter(t.ttlOrDefault(it.TTL))
		raw, compressed := t.codec.encode(it.Value)
		t.local.Set(&Entry{
			Key:        it.Key,
			Value:      it.Value,
			CreatedAt:  now,
			TTL:        ttl,
			Tags:       it.Tags,
			Compressed: compressed,
		})
		writes = append(writes, remoteWrite{key: it.Key, raw: raw, ttl: ttl, tags: t.tagKeys(it.Tags)})
	}
	t.writeRemote(ctx, "set", writes)
}

func (t *Tiered) setNegative(ctx context.Context, key string) {
	ttl := t.opts.NegativeTTL
	t.local.Set(&Entry{Key: key, CreatedAt: t.opts.Now(), TTL: ttl, Negative: true})
	t.writeRemote(ctx, "set_negative", []remoteWrite{{key: key, raw: t.codec.encodeNegative(), ttl: ttl}})
}

func (t *Tiered) writeRemote(ctx context.Context, op string, writes []remoteWrite) {
	if !t.remoteUsable() {
		return
	}
	opCtx, cancel := t.opCtx(ctx)
	defer cancel()
	t.remoteErr(ctx, op, t.remote.SetMany(opCtx, writes, t.opts.TagTTL))
}

func (t *Tiered) tagKeys(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	out := make([]string, len(tags))
	for i, tag := range tags {
		out[i] = tagKey(t.opts.Namespace, tag)
	}
	return out
}

// Del removes keys from both tiers on this instance. Other instances' L1
// copies are cleared through the Invalidator broadcast.
func (t *Tiered) Del(ctx context.Context, keys ...string) {
	t.local.Delete(keys...)
	if !t.remoteUsable() || len(keys) == 0 {
		return
	}
	opCtx, cancel := t.opCtx(ctx)
	defer cancel()
	_, err := t.remote.Del(opCtx, keys...)
	t.remoteErr(ctx, "del", err)
}

// BatchGet returns the hits only.
func (t *Tiered) BatchGet(ctx context.Context, keys []string) map[string][]byte {
	out := make(map[string][]byte, len(keys))
	var missing []string
	for _, k := range keys {
		if e, ok := t.local.Get(k); ok {
			metrics.CacheHits.WithLabelValues("l1").Inc()
			if !e.Negative {
				out[k] = e.Value
			}
			continue
		}
		missing = append(missing, k)
	}
	if len(missing) == 0 {
		return out
	}
	if !t.remoteUsable() {
		metrics.CacheMisses.Add(float64(len(missing)))
		return out
	}
	opCtx, cancel := t.opCtx(ctx)
	defer cancel()
	vals, err := t.remote.GetMany(opCtx, missing)
	if err != nil {
		t.remoteErr(ctx, "mget", err)
		metrics.CacheMisses.Add(float64(len(missing)))
		return out
	}
	t.health.ok()
	for _, k := range missing {
		rv, ok := vals[k]
		if !ok {
			metrics.CacheMisses.Inc()
			continue
		}
		e, ok := t.fill(k, rv)
		if !ok {
			continue
		}
		metrics.CacheHits.WithLabelValues("l2").Inc()
		if !e.Negative {
			out[k] = e.Value
		}
	}
	return out
}

// Loader fetches a value from the system of record. found=false caches a
// short-lived negative marker so repeated lookups of a missing id stay cheap.
type Loader func(ctx context.Context) (value []byte, found bool, err error)

// GetOrLoad is read-through with per-key singleflight. Loader errors are returned
// and nothing is cached for them.
func (t *Tiered) GetOrLoad(ctx context.Context, key string, ttl time.Duration, tags []string, load Loader) ([]byte, bool, error) {
	if v, st := t.lookup(ctx, key); st != stateMiss {
		return v, st == stateHit, nil
	}
	type result struct {
		v     []byte
		found bool
	}
	res, err, _ := t.sf.Do(key, func() (interface{}, error) {
		if v, st := t.lookup(ctx, key); st != stateMiss {
			return result{v: v, found: st == stateHit}, nil
		}
		v, found, err := load(ctx)
		if err != nil {
			return nil, err
		}
		if !found {
			t.setNegative(ctx, key)
			return result{}, nil
		}
		t.Set(ctx, key, v, ttl, tags...)
		return result{v: v, found: true}, nil
	})
	if err != nil {
		return nil, false, err
	}
	r := res.(result)
	return r.v, r.found, nil
}

// deletePattern 删除 L2 中匹配的 key 和本地镜像，返回删除数量
func (t *Tiered) deletePattern(ctx context.Context, pattern string) (int, error) {
	n := t.local.DeletePattern(pattern)
	if !t.remoteUsable() {
		return n, nil
	}
	var removed atomic.Int64
	err := t.remote.Scan(ctx, pattern, func(keys []string) error {
		cnt, err := t.remote.Del(ctx, keys...)
		removed.Add(cnt)
		return err
	})
	t.remoteErr(ctx, "scan", err)
	if int(removed.Load()) > n {
		n = int(removed.Load())
	}
	return n, err
}

// deleteTag 删除标签下所有成员和标签索引本身，返回成员 key
func (t *Tiered) deleteTag(ctx context.Context, tag string) ([]string, error) {
	members := t.local.KeysWithTag(tag)
	var err error
	if t.remoteUsable() {
		tk := tagKey(t.opts.Namespace, tag)
		var remoteMembers []string
		remoteMembers, err = t.remote.TagMembers(ctx, tk)
		if err == nil {
			members = mergeKeys(members, remoteMembers)
			_, err = t.remote.Del(ctx, append(append([]string{}, members...), tk)...)
		}
		t.remoteErr(ctx, "tag", err)
	}
	t.local.Delete(members...)
	return members, err
}

func mergeKeys(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range append(a, b...) {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// health 记录 L2 是否降级；降级后按退避间隔重新探测
type health struct {
	mu       sync.Mutex
	degraded bool
	retryAt  time.Time
	policy   retry.Policy
	b        interface{ NextBackOff() time.Duration }
	now      func() time.Time
	log      *zap.Logger
}

func newHealth(p retry.Policy, now func() time.Time, log *zap.Logger) *health {
	return &health{policy: p, b: p.NewBackOff(), now: now, log: log}
}

func (h *health) isDegraded() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.degraded
}

func (h *health) allow() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.degraded || !h.now().Before(h.retryAt)
}

func (h *health) fail(op string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	wait := h.b.NextBackOff()
	if wait <= 0 {
		wait = h.policy.MaxInterval
	}
	h.retryAt = h.now().Add(wait)
	if !h.degraded {
		h.degraded = true
		metrics.CacheDegraded.Set(1)
		h.log.Warn("distributed cache unreachable, serving L1 only",
			zap.String("op", op), zap.Duration("retry_in", wait), zap.Error(err))
	}
}

func (h *health) ok() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.degraded {
		return
	}
	h.degraded = false
	h.b = h.policy.NewBackOff()
	metrics.CacheDegraded.Set(0)
	h.log.Info("distributed cache recovered")
}
