package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"calcsync/backend/internal/logger"
	"calcsync/backend/internal/metrics"
)

const roomChannelFmt = "%s:room:%s"

// RoomEvent is what travels on a room channel. Payload is the outbound socket
// event, already encoded, so receiving instances forward it untouched.
type RoomEvent struct {
	RoomID string `json:"roomId"`
	Type   string `json:"type"`
	// ExcludeUserID 不投递给该用户（例如光标事件的发送者）
	ExcludeUserID string          `json:"excludeUserId,omitempty"`
	Origin        string          `json:"origin"`
	Payload       json.RawMessage `json:"payload"`
}

// Broadcaster fans room events out to every instance holding sockets for the room.
type Broadcaster struct {
	transport  Transport
	ns         string
	instanceID string
	log        *zap.Logger
}

func NewBroadcaster(t Transport, ns, instanceID string, log *zap.Logger) *Broadcaster {
	return &Broadcaster{transport: t, ns: ns, instanceID: instanceID, log: logger.Component(log, "broadcaster")}
}

func (b *Broadcaster) channel(roomID string) string { return fmt.Sprintf(roomChannelFmt, b.ns, roomID) }

// Publish encodes ev and sends it to the room channel.
func (b *Broadcaster) Publish(ctx context.Context, roomID, eventType, excludeUserID string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", eventType, err)
	}
	msg, err := json.Marshal(RoomEvent{
		RoomID:        roomID,
		Type:          eventType,
		ExcludeUserID: excludeUserID,
		Origin:        b.instanceID,
		Payload:       raw,
	})
	if err != nil {
		return err
	}
	if err := b.transport.Publish(ctx, b.channel(roomID), msg); err != nil {
		return fmt.Errorf("publish %s to room %s: %w", eventType, roomID, err)
	}
	metrics.PublishedEvents.WithLabelValues(eventType).Inc()
	return nil
}

// Subscribe delivers decoded events of one room to handler.
func (b *Broadcaster) Subscribe(ctx context.Context, roomID string, handler func(RoomEvent)) (func(), error) {
	return b.transport.Subscribe(ctx, b.channel(roomID), func(payload []byte) {
		var ev RoomEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			b.log.Warn("drop malformed room event", zap.String("room", roomID), zap.Error(err))
			return
		}
		handler(ev)
	})
}
