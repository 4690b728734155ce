package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"calcsync/backend/internal/lock"
	"calcsync/backend/internal/logger"
	"calcsync/backend/internal/protocol"
	"calcsync/backend/internal/room"
)

// 允许本地开发环境的来源
var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" { // 一些环境可能不发送 Origin，或为 "null"
		return true
	}
	allowedPrefixes := []string{
		"http://localhost",
		"http://127.0.0.1",
		"https://localhost",
		"https://127.0.0.1",
	}
	for _, p := range allowedPrefixes {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}}

// Rooms is what the connection layer needs from the room coordinator.
type Rooms interface {
	Join(ctx context.Context, roomID, subjectID string, p room.Participant) (room.Snapshot, error)
	Leave(ctx context.Context, roomID, userID string) error
	LeaveConn(ctx context.Context, connID string)
	Member(roomID, userID string) (room.Participant, error)
	Sync(ctx context.Context, roomID, userID string) (protocol.SyncState, error)
	Relay(ctx context.Context, relay protocol.CursorRelay) error
	Touch(ctx context.Context, connID string)
	Count() int
}

type Submitter interface {
	Submit(roomID, computationID string, inputs json.RawMessage, requesterID string) error
}

type RateLimiter interface {
	Allow(ctx context.Context, identifier string) lock.Decision
}

type SubjectChecker interface {
	Exists(ctx context.Context, subjectID string) (bool, error)
}

type ResultHistory interface {
	Latest(ctx context.Context, roomID string) ([]protocol.CalculationResult, error)
}

type Options struct {
	InboundRPS   float64
	InboundBurst int
	Logger       *zap.Logger
}

type Manager struct {
	hub        *Hub
	rooms      Rooms
	dispatcher Submitter
	limiter    RateLimiter
	subjects   SubjectChecker
	history    ResultHistory
	opts       Options
	log        *zap.Logger
}

// NewManager: limiter, subjects and history may be nil.
func NewManager(h *Hub, rooms Rooms, d Submitter, limiter RateLimiter, subjects SubjectChecker, history ResultHistory, opts Options) *Manager {
	if opts.InboundRPS <= 0 {
		opts.InboundRPS = 50
	}
	if opts.InboundBurst <= 0 {
		opts.InboundBurst = 100
	}
	return &Manager{
		hub:        h,
		rooms:      rooms,
		dispatcher: d,
		limiter:    limiter,
		subjects:   subjects,
		history:    history,
		opts:       opts,
		log:        logger.Component(opts.Logger, "ws"),
	}
}

func (m *Manager) WebSocketConnect(c *gin.Context) {
	userID := c.GetString("userId")
	username := c.GetString("username")
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "UNAUTHENTICATED"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		m.log.Info("websocket upgrade", zap.Error(err), zap.String("origin", c.Request.Header.Get("Origin")))
		return
	}
	wsConn := newConn(conn, m, ulid.Make().String(), userID, username)
	m.hub.register(wsConn)

	// 先启动写循环，确保后续写入 send 通道的消息可以被及时发送
	go wsConn.writeLoop()
	// 读循环阻塞至连接关闭；请求 ctx 在 hijack 后仍然有效
	wsConn.readLoop(c.Request.Context())

	m.hub.unregister(wsConn)
	// 请求 ctx 可能已取消，离开房间用独立的短超时
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	m.rooms.LeaveConn(ctx, wsConn.id)
}
