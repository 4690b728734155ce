package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"calcsync/backend/internal/metrics"
	"calcsync/backend/internal/protocol"
	"calcsync/backend/internal/room"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 64 << 10
	sendQueueSize  = 64
)

type Conn struct {
	id       string
	userID   string
	username string
	ws       *websocket.Conn
	m        *Manager
	log      *zap.Logger

	// send 是出站队列，满了直接丢弃，慢客户端不拖慢房间
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	// 单个 socket 的入站限速
	inbound *rate.Limiter
}

func newConn(ws *websocket.Conn, m *Manager, id, userID, username string) *Conn {
	return &Conn{
		id:       id,
		userID:   userID,
		username: username,
		ws:       ws,
		m:        m,
		log:      m.log.With(zap.String("conn", id), zap.String("user", userID)),
		send:     make(chan []byte, sendQueueSize),
		done:     make(chan struct{}),
		inbound:  rate.NewLimiter(rate.Limit(m.opts.InboundRPS), m.opts.InboundBurst),
	}
}

func (c *Conn) enqueue(payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *Conn) sendEvent(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		c.log.Error("encode outbound event", zap.Error(err))
		return
	}
	if !c.enqueue(b) {
		c.log.Debug("outbound queue full, drop event")
	}
}

func (c *Conn) sendError(code, msg string) {
	c.sendEvent(protocol.NewError(code, msg))
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *Conn) readLoop(ctx context.Context) {
	defer c.close()
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("read error", zap.Error(err))
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		if !c.inbound.Allow() {
			metrics.RateLimited.WithLabelValues("inbound").Inc()
			c.sendError(protocol.CodeRateLimited, "too many messages")
			continue
		}
		ev, err := protocol.Decode(raw)
		if err != nil {
			c.sendError(protocol.CodeInvalidEvent, err.Error())
			continue
		}
		c.handle(ctx, ev)
	}
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Conn) handle(ctx context.Context, ev protocol.Inbound) {
	switch e := ev.(type) {
	case protocol.JoinRoom:
		c.handleJoin(ctx, e)
	case protocol.LeaveRoom:
		if err := c.m.rooms.Leave(ctx, e.RoomID, c.userID); err != nil {
			c.sendRoomError(err)
		}
	case protocol.CalculationUpdate:
		c.handleCalculationUpdate(ctx, e)
	case protocol.RequestSync:
		c.handleSync(ctx, e)
	case protocol.CursorPosition:
		err := c.m.rooms.Relay(ctx, protocol.CursorRelay{
			Type: protocol.TypeCursorPosition, RoomID: e.RoomID, UserID: c.userID, X: e.X, Y: e.Y,
		})
		if err != nil {
			c.sendRoomError(err)
		}
	case protocol.FieldFocus:
		err := c.m.rooms.Relay(ctx, protocol.CursorRelay{
			Type: protocol.TypeFieldFocus, RoomID: e.RoomID, UserID: c.userID, FieldID: e.FieldID,
		})
		if err != nil {
			c.sendRoomError(err)
		}
	case protocol.Heartbeat:
		c.m.rooms.Touch(ctx, c.id)
		c.sendEvent(c.m.hub.heartbeat(time.Now(), c.m.rooms.Count()))
	}
}

func (c *Conn) handleJoin(ctx context.Context, e protocol.JoinRoom) {
	if c.m.subjects != nil {
		ok, err := c.m.subjects.Exists(ctx, e.SubjectID)
		if err != nil {
			c.log.Warn("subject lookup", zap.String("subject", e.SubjectID), zap.Error(err))
			c.sendError(protocol.CodeInternal, "subject lookup failed")
			return
		}
		if !ok {
			c.sendError(protocol.CodeSubjectNotFound, "subject "+e.SubjectID+" not found")
			return
		}
	}
	name := e.DisplayName
	if name == "" {
		name = c.username
	}
	snap, err := c.m.rooms.Join(ctx, e.RoomID, e.SubjectID, room.Participant{
		UserID: c.userID, DisplayName: name, Role: e.Role, ConnID: c.id,
	})
	if err != nil {
		c.log.Warn("join room", zap.String("room", e.RoomID), zap.Error(err))
		c.sendError(protocol.CodeInternal, "join failed")
		return
	}
	c.sendEvent(snap.RoomJoined())
}

func (c *Conn) handleCalculationUpdate(ctx context.Context, e protocol.CalculationUpdate) {
	if _, err := c.m.rooms.Member(e.RoomID, c.userID); err != nil {
		c.sendRoomError(err)
		return
	}
	if c.m.limiter != nil {
		if d := c.m.limiter.Allow(ctx, c.userID); !d.Allowed {
			c.sendError(protocol.CodeRateLimited, "calculation rate exceeded, retry in "+d.ResetIn.Round(time.Second).String())
			return
		}
	}
	if err := c.m.dispatcher.Submit(e.RoomID, e.ComputationID, e.Inputs, c.userID); err != nil {
		c.sendError(protocol.CodeInternal, err.Error())
	}
}

func (c *Conn) handleSync(ctx context.Context, e protocol.RequestSync) {
	state, err := c.m.rooms.Sync(ctx, e.RoomID, c.userID)
	if err != nil {
		c.sendRoomError(err)
		return
	}
	// 本实例没有结果（刚接手房间）时查历史
	if len(state.Results) == 0 && c.m.history != nil {
		res, err := c.m.history.Latest(ctx, e.RoomID)
		if err != nil {
			c.log.Warn("load result history", zap.String("room", e.RoomID), zap.Error(err))
		} else {
			state.Results = res
		}
	}
	if state.Results == nil {
		state.Results = []protocol.CalculationResult{}
	}
	c.sendEvent(state)
}

func (c *Conn) sendRoomError(err error) {
	switch {
	case errors.Is(err, room.ErrRoomNotFound):
		c.sendError(protocol.CodeRoomNotFound, err.Error())
	case errors.Is(err, room.ErrNotInRoom):
		c.sendError(protocol.CodeNotInRoom, err.Error())
	default:
		c.log.Warn("room operation", zap.Error(err))
		c.sendError(protocol.CodeInternal, "internal error")
	}
}
