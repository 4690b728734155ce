package cache

import "fmt"

// 键语义：
// - cacheKey(ns,service,hash):   缓存值（String，带 TTL，首字节为编码标记）
// - tagKey(ns,tag):              标签索引（Set<cacheKey>，每次带标签写入时刷新 TTL）
// - invalidateChannel(ns):       跨实例 L1 失效广播频道
// - presenceRoomKey(ns,roomID):  房间成员（ZSET<userId>，score=逻辑过期时间 unix 秒）
// - presenceNamesKey(ns,roomID): 成员资料（Hash<userId -> JSON>）
// - presenceCursorKey:           成员光标/焦点 JSON（String，带 TTL）
//
// presence 键用 {roomID} 作 hash tag，集群下同一房间落在同一个 slot，方便 TxPipeline。
// 锁与限流键不在这里，见 lock 包（独立前缀，避免被缓存的模式失效误删）。

const (
	keyCacheFmt          = "%s:%s:%s"
	keyTagFmt            = "%s:tag:%s"
	keyInvalidateChanFmt = "%s:invalidate"
	keyPresenceRoomFmt   = "presence:%s:room:{%s}"
	keyPresenceNamesFmt  = "presence:%s:names:{%s}"
	keyPresenceCursorFmt = "presence:%s:cursor:{%s}:%s"
)

func cacheKey(ns, service, hash string) string  { return fmt.Sprintf(keyCacheFmt, ns, service, hash) }
func tagKey(ns, tag string) string              { return fmt.Sprintf(keyTagFmt, ns, tag) }
func invalidateChannel(ns string) string        { return fmt.Sprintf(keyInvalidateChanFmt, ns) }
func presenceRoomKey(ns, roomID string) string  { return fmt.Sprintf(keyPresenceRoomFmt, ns, roomID) }
func presenceNamesKey(ns, roomID string) string { return fmt.Sprintf(keyPresenceNamesFmt, ns, roomID) }
func presenceCursorKey(ns, roomID, userID string) string {
	return fmt.Sprintf(keyPresenceCursorFmt, ns, roomID, userID)
}

// EntityKey is the plain (unhashed) key for a single entity, e.g. calc:estimate:42.
func EntityKey(ns, entity, id string) string { return cacheKey(ns, entity, id) }
