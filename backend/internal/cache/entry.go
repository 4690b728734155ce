package cache

import "time"

// Entry is one cached value as held by a tier.
type Entry struct {
	Key        string
	Value      []byte
	CreatedAt  time.Time
	TTL        time.Duration
	Tags       []string
	Compressed bool
	// Negative 表示空值标记（防缓存穿透），Value 为空
	Negative bool
}

// ExpiresAt is the zero time when the entry never expires.
func (e *Entry) ExpiresAt() time.Time {
	if e.TTL <= 0 {
		return time.Time{}
	}
	return e.CreatedAt.Add(e.TTL)
}

func (e *Entry) Expired(now time.Time) bool {
	exp := e.ExpiresAt()
	return !exp.IsZero() && !now.Before(exp)
}

func (e *Entry) HasTag(tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// size 估算占用：key + value + tags
func (e *Entry) size() int64 {
	n := len(e.Key) + len(e.Value)
	for _, t := range e.Tags {
		n += len(t)
	}
	return int64(n)
}
