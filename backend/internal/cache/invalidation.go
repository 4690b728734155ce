package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"go.uber.org/zap"

	"calcsync/backend/internal/logger"
	"calcsync/backend/internal/metrics"
)

// Notifier is the cross-instance bus the invalidator broadcasts on.
type Notifier interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string, handler func(payload []byte)) (func(), error)
}

// invalidation 是广播给其它实例的消息，只作用于它们的 L1
type invalidation struct {
	Origin   string   `json:"origin"`
	Keys     []string `json:"keys,omitempty"`
	Patterns []string `json:"patterns,omitempty"`
	Tags     []string `json:"tags,omitempty"`
}

// Result summarises one invalidation.
type Result struct {
	Keys     int      `json:"keys"`
	Patterns []string `json:"patterns,omitempty"`
	Tags     []string `json:"tags,omitempty"`
	// Partial 为 true 表示 L2 出错，只清理了本地
	Partial bool `json:"partial"`
}

type Invalidator struct {
	cache      *Tiered
	cascades   *Cascades
	notifier   Notifier
	instanceID string
	log        *zap.Logger
	unsub      func()
}

// NewInvalidator wires the engine. notifier may be nil (single instance).
func NewInvalidator(c *Tiered, cascades *Cascades, notifier Notifier, instanceID string, log *zap.Logger) *Invalidator {
	return &Invalidator{
		cache:      c,
		cascades:   cascades,
		notifier:   notifier,
		instanceID: instanceID,
		log:        logger.Component(log, "invalidator"),
	}
}

// Start subscribes to invalidations from other instances.
func (inv *Invalidator) Start(ctx context.Context) error {
	if inv.notifier == nil {
		return nil
	}
	unsub, err := inv.notifier.Subscribe(ctx, invalidateChannel(inv.cache.Namespace()), inv.onRemote)
	if err != nil {
		return err
	}
	inv.unsub = unsub
	return nil
}

func (inv *Invalidator) Stop() {
	if inv.unsub != nil {
		inv.unsub()
	}
}

func (inv *Invalidator) onRemote(payload []byte) {
	var msg invalidation
	if err := json.Unmarshal(payload, &msg); err != nil {
		inv.log.Warn("bad invalidation message", zap.Error(err))
		return
	}
	if msg.Origin == inv.instanceID {
		return
	}
	local := inv.cache.Local()
	n := local.Delete(msg.Keys...)
	for _, p := range msg.Patterns {
		n += local.DeletePattern(p)
	}
	for _, t := range msg.Tags {
		n += local.DeleteTag(t)
	}
	metrics.CacheInvalidated.WithLabelValues("remote").Add(float64(n))
}

func (inv *Invalidator) broadcast(ctx context.Context, msg invalidation) {
	if inv.notifier == nil {
		return
	}
	msg.Origin = inv.instanceID
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := inv.notifier.Publish(ctx, invalidateChannel(inv.cache.Namespace()), b); err != nil {
		// 其它实例的 L1 会在 TTL 到期后自然过期
		inv.log.Warn("invalidation broadcast failed", zap.Error(err))
	}
}

func (inv *Invalidator) fullPattern(p string) string {
	ns := inv.cache.Namespace() + ":"
	if strings.HasPrefix(p, ns) {
		return p
	}
	return ns + p
}

// Invalidate treats input containing '*' as a key pattern and anything else as a tag.
func (inv *Invalidator) Invalidate(ctx context.Context, patternOrTag string) (Result, error) {
	if strings.Contains(patternOrTag, "*") {
		return inv.InvalidatePattern(ctx, patternOrTag)
	}
	return inv.InvalidateTag(ctx, patternOrTag)
}

// InvalidatePattern deletes every key matching pattern (namespace-relative).
func (inv *Invalidator) InvalidatePattern(ctx context.Context, pattern string) (Result, error) {
	full := inv.fullPattern(pattern)
	n, err := inv.cache.deletePattern(ctx, full)
	metrics.CacheInvalidated.WithLabelValues("pattern").Add(float64(n))
	inv.broadcast(ctx, invalidation{Patterns: []string{full}})
	return Result{Keys: n, Patterns: []string{full}, Partial: err != nil}, err
}

// InvalidateTag deletes the tag's members and the tag index entry.
func (inv *Invalidator) InvalidateTag(ctx context.Context, tag string) (Result, error) {
	members, err := inv.cache.deleteTag(ctx, tag)
	metrics.CacheInvalidated.WithLabelValues("tag").Add(float64(len(members)))
	inv.broadcast(ctx, invalidation{Keys: members, Tags: []string{tag}})
	return Result{Keys: len(members), Tags: []string{tag}, Partial: err != nil}, err
}

// InvalidateKeys deletes exact keys everywhere.
func (inv *Invalidator) InvalidateKeys(ctx context.Context, keys ...string) Result {
	inv.cache.Del(ctx, keys...)
	metrics.CacheInvalidated.WithLabelValues("key").Add(float64(len(keys)))
	inv.broadcast(ctx, invalidation{Keys: keys})
	return Result{Keys: len(keys)}
}

// InvalidateEntity applies the cascade declared for entity.
func (inv *Invalidator) InvalidateEntity(ctx context.Context, entity, id string) (Result, error) {
	if inv.cascades == nil {
		return Result{}, errors.New("no cascades configured")
	}
	patterns, tags, err := inv.cascades.Expand(entity, id)
	if err != nil {
		return Result{}, err
	}
	var (
		total Result
		errs  []error
	)
	for _, p := range patterns {
		// 不含通配符的模式直接按 key 删除，省一次 SCAN
		if !strings.Contains(p, "*") {
			r := inv.InvalidateKeys(ctx, inv.fullPattern(p))
			total.Keys += r.Keys
			total.Patterns = append(total.Patterns, inv.fullPattern(p))
			continue
		}
		r, err := inv.InvalidatePattern(ctx, p)
		total.Keys += r.Keys
		total.Patterns = append(total.Patterns, r.Patterns...)
		if err != nil {
			errs = append(errs, err)
		}
	}
	for _, t := range tags {
		r, err := inv.InvalidateTag(ctx, t)
		total.Keys += r.Keys
		total.Tags = append(total.Tags, t)
		if err != nil {
			errs = append(errs, err)
		}
	}
	total.Partial = len(errs) > 0
	return total, errors.Join(errs...)
}
