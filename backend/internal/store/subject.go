package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"calcsync/backend/internal/cache"
)

const subjectEntity = "estimate"

// SubjectStore answers whether an estimate exists, read-through the tiered
// cache so joins do not hit MySQL every time. Invalidating the "estimate"
// entity drops the cached answer.
type SubjectStore struct {
	cache *cache.Tiered
	ttl   time.Duration
	find  func(ctx context.Context, id string) (bool, error)
}

// NewSubjectStore: db 为 nil 时不做校验，所有 subject 都视为存在
func NewSubjectStore(db *gorm.DB, c *cache.Tiered, ttl time.Duration) *SubjectStore {
	s := &SubjectStore{cache: c, ttl: ttl}
	if db != nil {
		s.find = func(ctx context.Context, id string) (bool, error) {
			var est Estimate
			err := db.WithContext(ctx).Select("id").Where("id = ?", id).First(&est).Error
			if err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return false, nil
				}
				return false, err
			}
			return true, nil
		}
	}
	return s
}

func (s *SubjectStore) Exists(ctx context.Context, subjectID string) (bool, error) {
	if s.find == nil {
		return true, nil
	}
	if s.cache == nil {
		return s.find(ctx, subjectID)
	}
	key := cache.EntityKey(s.cache.Namespace(), subjectEntity, subjectID)
	_, found, err := s.cache.GetOrLoad(ctx, key, s.ttl, []string{subjectEntity + ":" + subjectID},
		func(ctx context.Context) ([]byte, bool, error) {
			ok, err := s.find(ctx, subjectID)
			if err != nil || !ok {
				return nil, false, err
			}
			return []byte("1"), true, nil
		})
	return found, err
}
