package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Presence mirrors room participants into Redis so every instance can list
// members connected anywhere.
type Presence interface {
	AddMember(ctx context.Context, roomID string, m PresenceMember, ttl time.Duration) error
	RemoveMember(ctx context.Context, roomID, userID string) error
	AliveMembers(ctx context.Context, roomID string) ([]PresenceMember, error)
	Rooms(ctx context.Context) ([]string, error)
	SetCursor(ctx context.Context, roomID, userID string, jsonData []byte, ttl time.Duration) error
	GetCursor(ctx context.Context, roomID, userID string) ([]byte, error)
}

type PresenceMember struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
	Role        string `json:"role,omitempty"`
}

// 具体实现：基于 redis 的 Presence
type redisPresence struct {
	rdb redis.UniversalClient
	ns  string
	now func() time.Time
}

func NewRedisPresence(rdb redis.UniversalClient, ns string, now func() time.Time) Presence {
	if now == nil {
		now = time.Now
	}
	return &redisPresence{rdb: rdb, ns: ns, now: now}
}

func (p *redisPresence) AddMember(ctx context.Context, roomID string, m PresenceMember, ttl time.Duration) error {
	profile, err := json.Marshal(m)
	if err != nil {
		return err
	}
	// 刷新TTL也直接调用AddMember即可；两个键同 hash tag，集群下可以用事务
	tx := p.rdb.TxPipeline()
	// ZSET score 使用 expireAt（Unix 秒），用于表达“逻辑 TTL”
	expireAt := p.now().Add(ttl).Unix()
	tx.ZAdd(ctx, presenceRoomKey(p.ns, roomID), redis.Z{Score: float64(expireAt), Member: m.UserID})
	tx.HSet(ctx, presenceNamesKey(p.ns, roomID), m.UserID, profile)
	_, err = tx.Exec(ctx)
	return err
}

func (p *redisPresence) RemoveMember(ctx context.Context, roomID, userID string) error {
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, presenceRoomKey(p.ns, roomID), userID)
	tx.HDel(ctx, presenceNamesKey(p.ns, roomID), userID)
	_, err := tx.Exec(ctx)
	if err != nil {
		return err
	}
	return p.rdb.Del(ctx, presenceCursorKey(p.ns, roomID, userID)).Err()
}

func (p *redisPresence) Rooms(ctx context.Context) ([]string, error) {
	prefix := "presence:" + p.ns + ":room:"
	var (
		mu    sync.Mutex
		rooms []string
	)
	err := scanKeys(ctx, p.rdb, prefix+"*", func(keys []string) error {
		mu.Lock()
		defer mu.Unlock()
		for _, k := range keys {
			id := strings.TrimSuffix(strings.TrimPrefix(strings.TrimPrefix(k, prefix), "{"), "}")
			if id != "" {
				rooms = append(rooms, id)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rooms, nil
}

func (p *redisPresence) SetCursor(ctx context.Context, roomID, userID string, jsonData []byte, ttl time.Duration) error {
	return p.rdb.Set(ctx, presenceCursorKey(p.ns, roomID, userID), jsonData, ttl).Err()
}

// GetCursor returns ErrMiss when the member has no live cursor.
func (p *redisPresence) GetCursor(ctx context.Context, roomID, userID string) ([]byte, error) {
	cursor, err := p.rdb.Get(ctx, presenceCursorKey(p.ns, roomID, userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, err
	}
	return cursor, nil
}

// KEYS[1] = presenceRoomKey, KEYS[2] = presenceNamesKey, ARGV[1] = now (unix seconds)
var sweepPresenceScript = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`)

func (p *redisPresence) AliveMembers(ctx context.Context, roomID string) ([]PresenceMember, error) {
	// step1: 清理过期成员
	// 约定：score=expireAt（Unix 秒），expireAt <= now 视为过期
	now := p.now().Unix()
	roomKey, namesKey := presenceRoomKey(p.ns, roomID), presenceNamesKey(p.ns, roomID)
	if err := sweepPresenceScript.Run(ctx, p.rdb, []string{roomKey, namesKey}, now).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	// step2: 查询在线成员
	aliveIDs, err := p.rdb.ZRangeByScore(ctx, roomKey, &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10), // > now
		Max: "+inf",
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if len(aliveIDs) == 0 {
		return nil, nil
	}

	// step3: 批量获取资料
	profiles, err := p.rdb.HMGet(ctx, namesKey, aliveIDs...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	members := make([]PresenceMember, 0, len(aliveIDs))
	for i, v := range profiles {
		m := PresenceMember{UserID: aliveIDs[i]}
		if s, ok := v.(string); ok {
			_ = json.Unmarshal([]byte(s), &m)
			m.UserID = aliveIDs[i]
		}
		members = append(members, m)
	}
	return members, nil
}
