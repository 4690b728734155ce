// Package protocol defines the socket event variants exchanged with clients.
// Every inbound event is decoded into its own type and validated before it
// reaches the room or dispatcher.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrInvalidEvent = errors.New("invalid event")

// 入站事件
const (
	TypeJoinRoom          = "join-room"
	TypeLeaveRoom         = "leave-room"
	TypeCalculationUpdate = "calculation-update"
	TypeRequestSync       = "request-sync"
	TypeCursorPosition    = "cursor-position"
	TypeFieldFocus        = "field-focus"
	TypeHeartbeat         = "heartbeat"
)

// 出站事件
const (
	TypeRoomJoined        = "room-joined"
	TypeParticipantJoined = "participant-joined"
	TypeParticipantLeft   = "participant-left"
	TypeCalculationResult = "calculation-result"
	TypeCalculationError  = "calculation-error"
	TypePresenceUpdate    = "presence-update"
	TypeSyncState         = "sync-state"
	TypeError             = "error"
)

// 错误码
const (
	CodeInvalidEvent    = "invalid_event"
	CodeRoomNotFound    = "room_not_found"
	CodeNotInRoom       = "not_in_room"
	CodeRateLimited     = "rate_limited"
	CodeSubjectNotFound = "subject_not_found"
	CodeInternal        = "internal"
)

// Inbound is one validated client event.
type Inbound interface {
	EventType() string
	Validate() error
}

type JoinRoom struct {
	RoomID      string `json:"roomId"`
	SubjectID   string `json:"subjectId"`
	DisplayName string `json:"displayName,omitempty"`
	Role        string `json:"role,omitempty"`
}

type LeaveRoom struct {
	RoomID string `json:"roomId"`
}

type CalculationUpdate struct {
	RoomID        string          `json:"roomId"`
	ComputationID string          `json:"computationId"`
	Inputs        json.RawMessage `json:"inputs"`
}

type RequestSync struct {
	RoomID string `json:"roomId"`
}

type CursorPosition struct {
	RoomID string   `json:"roomId"`
	X      *float64 `json:"x"`
	Y      *float64 `json:"y"`
}

type FieldFocus struct {
	RoomID  string `json:"roomId"`
	FieldID string `json:"fieldId"`
}

type Heartbeat struct{}

func (JoinRoom) EventType() string          { return TypeJoinRoom }
func (LeaveRoom) EventType() string         { return TypeLeaveRoom }
func (CalculationUpdate) EventType() string { return TypeCalculationUpdate }
func (RequestSync) EventType() string       { return TypeRequestSync }
func (CursorPosition) EventType() string    { return TypeCursorPosition }
func (FieldFocus) EventType() string        { return TypeFieldFocus }
func (Heartbeat) EventType() string         { return TypeHeartbeat }

func missing(field string) error { return fmt.Errorf("%w: %s is required", ErrInvalidEvent, field) }

func (e JoinRoom) Validate() error {
	if e.RoomID == "" {
		return missing("roomId")
	}
	if e.SubjectID == "" {
		return missing("subjectId")
	}
	return nil
}

func (e LeaveRoom) Validate() error {
	if e.RoomID == "" {
		return missing("roomId")
	}
	return nil
}

func (e CalculationUpdate) Validate() error {
	if e.RoomID == "" {
		return missing("roomId")
	}
	if e.ComputationID == "" {
		return missing("computationId")
	}
	trimmed := bytes.TrimSpace(e.Inputs)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return fmt.Errorf("%w: inputs must be an object", ErrInvalidEvent)
	}
	return nil
}

func (e RequestSync) Validate() error {
	if e.RoomID == "" {
		return missing("roomId")
	}
	return nil
}

func (e CursorPosition) Validate() error {
	if e.RoomID == "" {
		return missing("roomId")
	}
	if e.X == nil || e.Y == nil {
		return missing("x/y")
	}
	return nil
}

func (e FieldFocus) Validate() error {
	if e.RoomID == "" {
		return missing("roomId")
	}
	if e.FieldID == "" {
		return missing("fieldId")
	}
	return nil
}

func (Heartbeat) Validate() error { return nil }

// Decode reads the envelope type, decodes the matching variant and validates it.
func Decode(raw []byte) (Inbound, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	var ev Inbound
	switch env.Type {
	case TypeJoinRoom:
		ev = decodeAs[JoinRoom](raw)
	case TypeLeaveRoom:
		ev = decodeAs[LeaveRoom](raw)
	case TypeCalculationUpdate:
		ev = decodeAs[CalculationUpdate](raw)
	case TypeRequestSync:
		ev = decodeAs[RequestSync](raw)
	case TypeCursorPosition:
		ev = decodeAs[CursorPosition](raw)
	case TypeFieldFocus:
		ev = decodeAs[FieldFocus](raw)
	case TypeHeartbeat:
		return Heartbeat{}, nil
	case "":
		return nil, missing("type")
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, env.Type)
	}
	if ev == nil {
		return nil, fmt.Errorf("%w: malformed %s", ErrInvalidEvent, env.Type)
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return ev, nil
}

func decodeAs[T Inbound](raw []byte) Inbound {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}

// Participant is the public view of a room member.
type Participant struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
	Role        string `json:"role,omitempty"`
}

type RoomJoined struct {
	Type               string        `json:"type"`
	RoomID             string        `json:"roomId"`
	SubjectID          string        `json:"subjectId"`
	Participants       []Participant `json:"participants"`
	CalculationVersion int64         `json:"calculationVersion"`
}

// ParticipantEvent is participant-joined or participant-left.
type ParticipantEvent struct {
	Type      string    `json:"type"`
	RoomID    string    `json:"roomId"`
	UserID    string    `json:"userId"`
	Timestamp time.Time `json:"timestamp"`
}

type CalculationResult struct {
	Type               string          `json:"type"`
	RoomID             string          `json:"roomId"`
	ComputationID      string          `json:"computationId"`
	Result             json.RawMessage `json:"result"`
	CalculationVersion int64           `json:"calculationVersion"`
	RequesterID        string          `json:"requesterId"`
	Cached             bool            `json:"cached"`
}

type CalculationError struct {
	Type          string `json:"type"`
	RoomID        string `json:"roomId"`
	ComputationID string `json:"computationId"`
	Message       string `json:"message"`
}

type PresenceUpdate struct {
	Type         string        `json:"type"`
	RoomID       string        `json:"roomId"`
	Participants []Participant `json:"participants"`
}

type SyncState struct {
	Type               string              `json:"type"`
	RoomID             string              `json:"roomId"`
	Participants       []Participant       `json:"participants"`
	CalculationVersion int64               `json:"calculationVersion"`
	Results            []CalculationResult `json:"results"`
	// Cursors 其他成员最近一次的光标 / 焦点
	Cursors []CursorRelay `json:"cursors,omitempty"`
}

type HeartbeatOut struct {
	Type                  string    `json:"type"`
	Timestamp             time.Time `json:"timestamp"`
	ActiveRoomCount       int       `json:"activeRoomCount"`
	ActiveConnectionCount int       `json:"activeConnectionCount"`
}

// CursorRelay carries cursor-position or field-focus from one member to the rest.
type CursorRelay struct {
	Type    string   `json:"type"`
	RoomID  string   `json:"roomId"`
	UserID  string   `json:"userId"`
	X       *float64 `json:"x,omitempty"`
	Y       *float64 `json:"y,omitempty"`
	FieldID string   `json:"fieldId,omitempty"`
}

type Error struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewError(code, message string) Error {
	return Error{Type: TypeError, Code: code, Message: message}
}
