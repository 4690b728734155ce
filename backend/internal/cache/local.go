package cache

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/ryanuber/go-glob"

	"calcsync/backend/internal/metrics"
)

// Local is the in-process tier: LRU ordered, bounded by entry count and by bytes.
// Expired entries are dropped lazily on access and by PurgeExpired.
type Local struct {
	mu       sync.Mutex
	lru      *simplelru.LRU[string, *Entry]
	maxBytes int64
	bytes    int64
	now      func() time.Time
}

func NewLocal(maxEntries int, maxBytes int64) *Local {
	if maxEntries <= 0 {
		maxEntries = 10_000
	}
	l := &Local{maxBytes: maxBytes, now: time.Now}
	// onEvict 在 l.mu 持有期间同步回调，不能再加锁
	lru, err := simplelru.NewLRU[string, *Entry](maxEntries, func(_ string, e *Entry) {
		l.bytes -= e.size()
	})
	if err != nil {
		// 仅在 size <= 0 时出错，上面已兜底
		panic(err)
	}
	l.lru = lru
	return l
}

func (l *Local) Get(key string) (*Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.lru.Get(key)
	if !ok {
		return nil, false
	}
	if e.Expired(l.now()) {
		l.lru.Remove(key)
		return nil, false
	}
	return e, true
}

// Set stores e; an entry larger than the byte budget is not kept at all.
func (l *Local) Set(e *Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = l.now()
	}
	sz := e.size()
	if l.maxBytes > 0 && sz > l.maxBytes {
		l.lru.Remove(e.Key)
		return
	}
	// 覆盖已有 key 时 simplelru 不会回调 onEvict，先手动扣减
	if old, ok := l.lru.Peek(e.Key); ok {
		l.bytes -= old.size()
	}
	if evicted := l.lru.Add(e.Key, e); evicted {
		metrics.CacheEvictions.Inc()
	}
	l.bytes += sz
	for l.maxBytes > 0 && l.bytes > l.maxBytes && l.lru.Len() > 1 {
		if _, _, ok := l.lru.RemoveOldest(); !ok {
			break
		}
		metrics.CacheEvictions.Inc()
	}
}

func (l *Local) Delete(keys ...string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, k := range keys {
		if l.lru.Remove(k) {
			n++
		}
	}
	return n
}

// DeletePattern removes keys matching a glob with '*' wildcards.
func (l *Local) DeletePattern(pattern string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, k := range l.lru.Keys() {
		if glob.Glob(pattern, k) {
			l.lru.Remove(k)
			n++
		}
	}
	return n
}

// KeysWithTag lists local keys carrying tag. Used when the tag index in L2 is unreachable.
func (l *Local) KeysWithTag(tag string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var keys []string
	for _, k := range l.lru.Keys() {
		if e, ok := l.lru.Peek(k); ok && e.HasTag(tag) {
			keys = append(keys, k)
		}
	}
	return keys
}

func (l *Local) DeleteTag(tag string) int {
	keys := l.KeysWithTag(tag)
	return l.Delete(keys...)
}

// PurgeExpired drops every expired entry and returns how many were removed.
func (l *Local) PurgeExpired() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	n := 0
	for _, k := range l.lru.Keys() {
		if e, ok := l.lru.Peek(k); ok && e.Expired(now) {
			l.lru.Remove(k)
			n++
		}
	}
	return n
}

func (l *Local) Purge() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lru.Purge()
	l.bytes = 0
}

func (l *Local) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lru.Len()
}

func (l *Local) Bytes() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.bytes
}
