package room

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"calcsync/backend/internal/protocol"
)

// Participant holds only the connection id; the connection layer owns the socket.
type Participant struct {
	UserID      string
	DisplayName string
	Role        string
	ConnID      string
	JoinedAt    time.Time
}

func (p *Participant) public() protocol.Participant {
	return protocol.Participant{UserID: p.UserID, DisplayName: p.DisplayName, Role: p.Role}
}

// Room is one collaborative session on a subject. Fields are guarded by the
// Coordinator's lock except version, which has its own.
type Room struct {
	ID           string
	SubjectID    string
	participants map[string]*Participant
	lastActivity time.Time
	// emptySince 非零表示房间已无成员，等待回收
	emptySince time.Time
	// latest 每个 computationId 最近一次的 calculation-result
	latest map[string]protocol.CalculationResult
	unsub  func()
	// subscribing 有一个 Join 正在订阅房间频道
	subscribing bool

	versionMu sync.Mutex
	version   int64
}

func newRoom(id, subjectID string, now time.Time) *Room {
	return &Room{
		ID:           id,
		SubjectID:    subjectID,
		participants: make(map[string]*Participant),
		lastActivity: now,
		latest:       make(map[string]protocol.CalculationResult),
	}
}

func (r *Room) participantList() []protocol.Participant {
	out := make([]protocol.Participant, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, p.public())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (r *Room) results() []protocol.CalculationResult {
	out := make([]protocol.CalculationResult, 0, len(r.latest))
	for _, res := range r.latest {
		out = append(out, res)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ComputationID < out[j].ComputationID })
	return out
}

func (r *Room) currentVersion() int64 {
	r.versionMu.Lock()
	defer r.versionMu.Unlock()
	return r.version
}

// Snapshot is the room state sent to a joining participant.
type Snapshot struct {
	RoomID             string
	SubjectID          string
	Participants       []protocol.Participant
	CalculationVersion int64
	LastActivity       time.Time
}

func (s Snapshot) RoomJoined() protocol.RoomJoined {
	return protocol.RoomJoined{
		Type:               protocol.TypeRoomJoined,
		RoomID:             s.RoomID,
		SubjectID:          s.SubjectID,
		Participants:       s.Participants,
		CalculationVersion: s.CalculationVersion,
	}
}

// Summary is the admin view of a room.
type Summary struct {
	RoomID             string    `json:"roomId"`
	SubjectID          string    `json:"subjectId"`
	Participants       int       `json:"participants"`
	CalculationVersion int64     `json:"calculationVersion"`
	LastActivity       time.Time `json:"lastActivity"`
	Idle               bool      `json:"idle"`
}

func encode(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}
