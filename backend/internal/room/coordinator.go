package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"calcsync/backend/internal/cache"
	"calcsync/backend/internal/logger"
	"calcsync/backend/internal/metrics"
	"calcsync/backend/internal/protocol"
	"calcsync/backend/internal/pubsub"
)

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrNotInRoom    = errors.New("not in room")
)

const keyVersionFmt = "room:%s:%s:version"

// Delivery hands an encoded event to a local connection. It reports false
// when the connection is gone or its queue is full.
type Delivery interface {
	Send(connID string, payload []byte) bool
}

type Options struct {
	Namespace   string
	IdleTimeout time.Duration
	PresenceTTL time.Duration
	// VersionTTL 房间最后一次出结果后，版本高水位（本地与 Redis）保留多久
	VersionTTL time.Duration
	Logger     *zap.Logger
	Now        func() time.Time
}

// Coordinator tracks the rooms that have participants on this instance.
// Cross-instance state (presence, version, broadcast) goes through Redis.
type Coordinator struct {
	mu    sync.Mutex
	rooms map[string]*Room

	// vmu 只保护 versions；加锁顺序 c.mu / versionMu 在前
	vmu      sync.Mutex
	versions map[string]versionMark

	opts        Options
	rdb         redis.UniversalClient
	presence    cache.Presence
	broadcaster *pubsub.Broadcaster
	delivery    Delivery
	log         *zap.Logger
}

// NewCoordinator: rdb and presence may be nil (single instance, L1-only).
func NewCoordinator(rdb redis.UniversalClient, presence cache.Presence, b *pubsub.Broadcaster, d Delivery, opts Options) *Coordinator {
	if opts.Namespace == "" {
		opts.Namespace = "calc"
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 5 * time.Minute
	}
	if opts.PresenceTTL <= 0 {
		opts.PresenceTTL = time.Minute
	}
	if opts.VersionTTL <= 0 {
		opts.VersionTTL = 24 * time.Hour
	}
	if opts.VersionTTL < 2*opts.IdleTimeout {
		opts.VersionTTL = 2 * opts.IdleTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Coordinator{
		rooms:       make(map[string]*Room),
		versions:    make(map[string]versionMark),
		opts:        opts,
		rdb:         rdb,
		presence:    presence,
		broadcaster: b,
		delivery:    d,
		log:         logger.Component(opts.Logger, "room"),
	}
}

// Join creates the room if needed and adds or refreshes the participant.
// The returned snapshot is for the joiner only; the rest of the room gets
// participant-joined and presence-update.
func (c *Coordinator) Join(ctx context.Context, roomID, subjectID string, p Participant) (Snapshot, error) {
	now := c.opts.Now()
	c.mu.Lock()
	r, ok := c.rooms[roomID]
	if !ok {
		r = newRoom(roomID, subjectID, now)
		// 回收过的房间从高水位继续，版本号不回退
		r.version = c.highWater(roomID)
		c.rooms[roomID] = r
		metrics.ActiveRooms.Set(float64(len(c.rooms)))
	}
	_, rejoin := r.participants[p.UserID]
	p.JoinedAt = now
	r.participants[p.UserID] = &p
	r.emptySince = time.Time{}
	r.lastActivity = now
	subscribe := r.unsub == nil && !r.subscribing && c.broadcaster != nil
	if subscribe {
		r.subscribing = true
	}
	c.mu.Unlock()

	// SUBSCRIBE 是网络 I/O，不在 c.mu 内做
	if subscribe {
		if err := c.subscribe(ctx, r); err != nil {
			c.mu.Lock()
			if !rejoin {
				delete(r.participants, p.UserID)
			}
			if len(r.participants) == 0 && c.rooms[roomID] == r {
				delete(c.rooms, roomID)
				metrics.ActiveRooms.Set(float64(len(c.rooms)))
			}
			c.mu.Unlock()
			return Snapshot{}, fmt.Errorf("subscribe room %s: %w", roomID, err)
		}
	}

	c.mu.Lock()
	local := r.participantList()
	subject := r.SubjectID
	c.mu.Unlock()

	if !ok {
		c.log.Info("room created", zap.String("room", roomID), zap.String("subject", subjectID))
	}
	c.addPresence(ctx, roomID, p)
	participants := c.mergePresence(ctx, roomID, local)

	c.publish(ctx, roomID, protocol.TypeParticipantJoined, p.UserID, protocol.ParticipantEvent{
		Type: protocol.TypeParticipantJoined, RoomID: roomID, UserID: p.UserID, Timestamp: now,
	})
	c.publish(ctx, roomID, protocol.TypePresenceUpdate, p.UserID, protocol.PresenceUpdate{
		Type: protocol.TypePresenceUpdate, RoomID: roomID, Participants: participants,
	})
	return Snapshot{
		RoomID:             roomID,
		SubjectID:          subject,
		Participants:       participants,
		CalculationVersion: r.currentVersion(),
		LastActivity:       now,
	}, nil
}

// subscribe attaches the room channel. If the room was reaped meanwhile the
// subscription is dropped again.
func (c *Coordinator) subscribe(ctx context.Context, r *Room) error {
	unsub, err := c.broadcaster.Subscribe(ctx, r.ID, c.deliverFunc(r.ID))
	c.mu.Lock()
	r.subscribing = false
	if err != nil {
		c.mu.Unlock()
		return err
	}
	live := c.rooms[r.ID] == r
	if live {
		r.unsub = unsub
	}
	c.mu.Unlock()
	if !live {
		unsub()
	}
	return nil
}

// Leave removes the participant; an emptied room starts its idle window.
func (c *Coordinator) Leave(ctx context.Context, roomID, userID string) error {
	now := c.opts.Now()
	c.mu.Lock()
	r, ok := c.rooms[roomID]
	if !ok {
		c.mu.Unlock()
		return ErrRoomNotFound
	}
	if _, in := r.participants[userID]; !in {
		c.mu.Unlock()
		return ErrNotInRoom
	}
	delete(r.participants, userID)
	r.lastActivity = now
	if len(r.participants) == 0 {
		r.emptySince = now
	}
	local := r.participantList()
	c.mu.Unlock()

	if c.presence != nil {
		if err := c.presence.RemoveMember(ctx, roomID, userID); err != nil {
			c.log.Warn("presence remove", zap.String("room", roomID), zap.Error(err))
		}
	}
	participants := c.mergePresence(ctx, roomID, local)
	c.publish(ctx, roomID, protocol.TypeParticipantLeft, "", protocol.ParticipantEvent{
		Type: protocol.TypeParticipantLeft, RoomID: roomID, UserID: userID, Timestamp: now,
	})
	c.publish(ctx, roomID, protocol.TypePresenceUpdate, "", protocol.PresenceUpdate{
		Type: protocol.TypePresenceUpdate, RoomID: roomID, Participants: participants,
	})
	return nil
}

// LeaveConn is called by the connection layer when a socket closes.
func (c *Coordinator) LeaveConn(ctx context.Context, connID string) {
	type membership struct{ room, user string }
	var ms []membership
	c.mu.Lock()
	for id, r := range c.rooms {
		for uid, p := range r.participants {
			if p.ConnID == connID {
				ms = append(ms, membership{id, uid})
			}
		}
	}
	c.mu.Unlock()
	for _, m := range ms {
		if err := c.Leave(ctx, m.room, m.user); err != nil && !errors.Is(err, ErrNotInRoom) {
			c.log.Debug("leave on disconnect", zap.String("room", m.room), zap.Error(err))
		}
	}
}

// Member returns the participant if userID is in roomID on this instance.
func (c *Coordinator) Member(roomID, userID string) (Participant, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.rooms[roomID]
	if !ok {
		return Participant{}, ErrRoomNotFound
	}
	p, ok := r.participants[userID]
	if !ok {
		return Participant{}, ErrNotInRoom
	}
	return *p, nil
}

// Snapshot returns the current state of a room known to this instance.
func (c *Coordinator) Snapshot(ctx context.Context, roomID string) (Snapshot, error) {
	c.mu.Lock()
	r, ok := c.rooms[roomID]
	if !ok {
		c.mu.Unlock()
		return Snapshot{}, ErrRoomNotFound
	}
	local := r.participantList()
	s := Snapshot{RoomID: r.ID, SubjectID: r.SubjectID, LastActivity: r.lastActivity}
	c.mu.Unlock()
	s.Participants = c.mergePresence(ctx, roomID, local)
	s.CalculationVersion = r.currentVersion()
	return s, nil
}

// Sync is request-sync: the snapshot plus the latest result per computation.
func (c *Coordinator) Sync(ctx context.Context, roomID, userID string) (protocol.SyncState, error) {
	if _, err := c.Member(roomID, userID); err != nil {
		return protocol.SyncState{}, err
	}
	s, err := c.Snapshot(ctx, roomID)
	if err != nil {
		return protocol.SyncState{}, err
	}
	c.mu.Lock()
	var results []protocol.CalculationResult
	if r, ok := c.rooms[roomID]; ok {
		results = r.results()
	}
	c.mu.Unlock()
	return protocol.SyncState{
		Type:               protocol.TypeSyncState,
		RoomID:             roomID,
		Participants:       s.Participants,
		CalculationVersion: s.CalculationVersion,
		Results:            results,
		Cursors:            c.cursors(ctx, roomID, s.Participants, userID),
	}, nil
}

// cursors collects the last stored cursor or focus of every other participant.
func (c *Coordinator) cursors(ctx context.Context, roomID string, participants []protocol.Participant, self string) []protocol.CursorRelay {
	if c.presence == nil {
		return nil
	}
	var out []protocol.CursorRelay
	for _, p := range participants {
		if p.UserID == self {
			continue
		}
		raw, err := c.presence.GetCursor(ctx, roomID, p.UserID)
		if err != nil {
			if !errors.Is(err, cache.ErrMiss) {
				c.log.Debug("load cursor", zap.String("room", roomID), zap.String("user", p.UserID), zap.Error(err))
			}
			continue
		}
		var relay protocol.CursorRelay
		if err := json.Unmarshal(raw, &relay); err != nil {
			continue
		}
		out = append(out, relay)
	}
	return out
}

// ClusterRooms lists rooms with live presence on any instance. Without
// presence it is this instance's rooms.
func (c *Coordinator) ClusterRooms(ctx context.Context) ([]string, error) {
	var ids []string
	if c.presence == nil {
		c.mu.Lock()
		for id := range c.rooms {
			ids = append(ids, id)
		}
		c.mu.Unlock()
	} else {
		var err error
		if ids, err = c.presence.Rooms(ctx); err != nil {
			return nil, err
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// RecordResult remembers the latest result of a computation for sync recovery.
func (c *Coordinator) RecordResult(res protocol.CalculationResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.rooms[res.RoomID]
	if !ok {
		return
	}
	if prev, ok := r.latest[res.ComputationID]; ok && prev.CalculationVersion > res.CalculationVersion {
		return
	}
	r.latest[res.ComputationID] = res
	r.lastActivity = c.opts.Now()
}

// SubjectID returns the subject of a room known to this instance.
func (c *Coordinator) SubjectID(roomID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.rooms[roomID]
	if !ok {
		return "", ErrRoomNotFound
	}
	return r.SubjectID, nil
}

// Touch refreshes presence for every room connID is in (heartbeat).
func (c *Coordinator) Touch(ctx context.Context, connID string) {
	var ps []struct {
		room string
		p    Participant
	}
	now := c.opts.Now()
	c.mu.Lock()
	for id, r := range c.rooms {
		for _, p := range r.participants {
			if p.ConnID == connID {
				r.lastActivity = now
				ps = append(ps, struct {
					room string
					p    Participant
				}{id, *p})
			}
		}
	}
	c.mu.Unlock()
	for _, m := range ps {
		c.addPresence(ctx, m.room, m.p)
	}
}

// Publish broadcasts an event to every participant of the room on every
// instance, except excludeUserID.
func (c *Coordinator) Publish(ctx context.Context, roomID, eventType, excludeUserID string, payload any) error {
	if c.broadcaster == nil {
		c.deliverLocal(roomID, excludeUserID, encode(payload))
		return nil
	}
	return c.broadcaster.Publish(ctx, roomID, eventType, excludeUserID, payload)
}

func (c *Coordinator) publish(ctx context.Context, roomID, eventType, excludeUserID string, payload any) {
	if err := c.Publish(ctx, roomID, eventType, excludeUserID, payload); err != nil {
		c.log.Warn("room broadcast failed", zap.String("room", roomID), zap.String("type", eventType), zap.Error(err))
	}
}

// SendToUser delivers to one participant's local connection only.
func (c *Coordinator) SendToUser(roomID, userID string, payload any) bool {
	p, err := c.Member(roomID, userID)
	if err != nil || c.delivery == nil {
		return false
	}
	return c.delivery.Send(p.ConnID, encode(payload))
}

// Relay stores a cursor or focus update and forwards it to the rest of the room.
func (c *Coordinator) Relay(ctx context.Context, relay protocol.CursorRelay) error {
	if _, err := c.Member(relay.RoomID, relay.UserID); err != nil {
		return err
	}
	if c.presence != nil {
		if err := c.presence.SetCursor(ctx, relay.RoomID, relay.UserID, encode(relay), c.opts.PresenceTTL); err != nil {
			c.log.Debug("store cursor", zap.Error(err))
		}
	}
	return c.Publish(ctx, relay.RoomID, relay.Type, relay.UserID, relay)
}

func (c *Coordinator) deliverFunc(roomID string) func(pubsub.RoomEvent) {
	return func(ev pubsub.RoomEvent) {
		c.deliverLocal(roomID, ev.ExcludeUserID, ev.Payload)
	}
}

func (c *Coordinator) deliverLocal(roomID, excludeUserID string, payload []byte) {
	if c.delivery == nil {
		return
	}
	c.mu.Lock()
	r, ok := c.rooms[roomID]
	var conns []string
	if ok {
		for uid, p := range r.participants {
			if uid != excludeUserID {
				conns = append(conns, p.ConnID)
			}
		}
	}
	c.mu.Unlock()
	for _, id := range conns {
		if !c.delivery.Send(id, payload) {
			c.log.Debug("drop event for slow or closed connection", zap.String("conn", id), zap.String("room", roomID))
		}
	}
}

func (c *Coordinator) addPresence(ctx context.Context, roomID string, p Participant) {
	if c.presence == nil {
		return
	}
	m := cache.PresenceMember{UserID: p.UserID, DisplayName: p.DisplayName, Role: p.Role}
	if err := c.presence.AddMember(ctx, roomID, m, c.opts.PresenceTTL); err != nil {
		c.log.Warn("presence add", zap.String("room", roomID), zap.Error(err))
	}
}

// mergePresence adds members connected to other instances; on a presence
// error the local list is used as is.
func (c *Coordinator) mergePresence(ctx context.Context, roomID string, local []protocol.Participant) []protocol.Participant {
	if c.presence == nil {
		return local
	}
	remote, err := c.presence.AliveMembers(ctx, roomID)
	if err != nil {
		c.log.Debug("presence list, using local participants", zap.String("room", roomID), zap.Error(err))
		return local
	}
	seen := make(map[string]struct{}, len(local))
	out := append([]protocol.Participant(nil), local...)
	for _, p := range local {
		seen[p.UserID] = struct{}{}
	}
	for _, m := range remote {
		if _, ok := seen[m.UserID]; ok {
			continue
		}
		out = append(out, protocol.Participant{UserID: m.UserID, DisplayName: m.DisplayName, Role: m.Role})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// NextVersion advances the room's calculationVersion. With Redis the counter
// is shared by all instances (INCR); locally it is max(local+1, remote), so
// it never repeats or goes backwards even across a Redis outage. The last
// value outlives the room for VersionTTL, so a reaped and re-created room
// continues from it.
func (c *Coordinator) NextVersion(ctx context.Context, roomID string) (int64, error) {
	c.mu.Lock()
	r, ok := c.rooms[roomID]
	c.mu.Unlock()
	if !ok {
		return 0, ErrRoomNotFound
	}
	r.versionMu.Lock()
	defer r.versionMu.Unlock()
	next := r.version + 1
	if c.rdb != nil {
		key := fmt.Sprintf(keyVersionFmt, c.opts.Namespace, roomID)
		var incr *redis.IntCmd
		_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			incr = pipe.Incr(ctx, key)
			pipe.Expire(ctx, key, c.opts.VersionTTL)
			return nil
		})
		if err != nil {
			c.log.Warn("shared version counter unavailable, advancing locally", zap.String("room", roomID), zap.Error(err))
		} else if remote := incr.Val(); remote > next {
			next = remote
		}
	}
	r.version = next
	c.markVersion(roomID, next)
	return next, nil
}

type versionMark struct {
	version int64
	at      time.Time
}

func (c *Coordinator) markVersion(roomID string, v int64) {
	c.vmu.Lock()
	defer c.vmu.Unlock()
	if m, ok := c.versions[roomID]; ok && m.version > v {
		return
	}
	c.versions[roomID] = versionMark{version: v, at: c.opts.Now()}
}

func (c *Coordinator) highWater(roomID string) int64 {
	c.vmu.Lock()
	defer c.vmu.Unlock()
	return c.versions[roomID].version
}

// pruneVersions drops marks of rooms that are gone and idle past VersionTTL.
// Caller holds c.mu.
func (c *Coordinator) pruneVersions(now time.Time) {
	c.vmu.Lock()
	defer c.vmu.Unlock()
	for id, m := range c.versions {
		if _, live := c.rooms[id]; live {
			continue
		}
		if now.Sub(m.at) >= c.opts.VersionTTL {
			delete(c.versions, id)
		}
	}
}

// Rooms summarises every room held by this instance.
func (c *Coordinator) Rooms() []Summary {
	c.mu.Lock()
	rooms := make([]*Room, 0, len(c.rooms))
	out := make([]Summary, 0, len(c.rooms))
	for _, r := range c.rooms {
		rooms = append(rooms, r)
		out = append(out, Summary{
			RoomID:       r.ID,
			SubjectID:    r.SubjectID,
			Participants: len(r.participants),
			LastActivity: r.lastActivity,
			Idle:         len(r.participants) == 0,
		})
	}
	c.mu.Unlock()
	for i, r := range rooms {
		out[i].CalculationVersion = r.currentVersion()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })
	return out
}

func (c *Coordinator) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.rooms)
}

// Sweep reaps rooms that have had zero participants for at least the idle timeout.
func (c *Coordinator) Sweep() int {
	now := c.opts.Now()
	var reaped []*Room
	c.mu.Lock()
	for id, r := range c.rooms {
		if len(r.participants) == 0 && !r.emptySince.IsZero() && now.Sub(r.emptySince) >= c.opts.IdleTimeout {
			delete(c.rooms, id)
			reaped = append(reaped, r)
		}
	}
	c.pruneVersions(now)
	metrics.ActiveRooms.Set(float64(len(c.rooms)))
	c.mu.Unlock()
	for _, r := range reaped {
		if r.unsub != nil {
			r.unsub()
		}
		c.log.Info("room reaped", zap.String("room", r.ID))
	}
	return len(reaped)
}

// Run sweeps every interval until ctx ends.
func (c *Coordinator) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}
