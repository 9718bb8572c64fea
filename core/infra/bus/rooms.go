package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/eemployee/chat/core/infra/logging"
)

const (
	// RoomSubject carries frames from members attached directly to an
	// instance towards relay members of the same room.
	RoomSubject = "chat.rooms"

	// roomQueue makes exactly one gateway node handle each room event.
	roomQueue = "chat-gateway"
)

var errNilHandler = errors.New("nil room handler")

// RoomEvent is a frame for the relay members of one room. Exclude names the
// email of the member that produced it.
type RoomEvent struct {
	TenantID string          `json:"tenantId"`
	RoomKey  string          `json:"roomKey"`
	Exclude  string          `json:"exclude,omitempty"`
	Frame    json.RawMessage `json:"frame"`
}

// RoomHandler consumes room events.
type RoomHandler func(ctx context.Context, ev RoomEvent)

// RoomPublisher is the instance side of room relaying.
type RoomPublisher interface {
	PublishRoom(ev RoomEvent) error
}

// RoomSubscriber is the gateway side of room relaying.
type RoomSubscriber interface {
	SubscribeRooms(h RoomHandler) error
}

// PublishRoom publishes ev without waiting for a consumer.
func (b *PushBus) PublishRoom(ev RoomEvent) error {
	if b == nil || b.nc == nil {
		return errNilBus
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode room event: %w", err)
	}
	if err := b.nc.Publish(RoomSubject, data); err != nil {
		return fmt.Errorf("publish room event: %w", err)
	}
	return nil
}

// SubscribeRooms joins the gateway queue group for room events.
func (b *PushBus) SubscribeRooms(h RoomHandler) error {
	if b == nil || b.nc == nil {
		return errNilBus
	}
	if h == nil {
		return errNilHandler
	}
	sub, err := b.nc.QueueSubscribe(RoomSubject, roomQueue, func(msg *nats.Msg) {
		var ev RoomEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			logging.Warn("bus", "dropping malformed room event", "error", err)
			return
		}
		h(context.Background(), ev)
	})
	if err != nil {
		return fmt.Errorf("subscribe rooms: %w", err)
	}
	b.mu.Lock()
	if b.roomSub != nil {
		_ = b.roomSub.Unsubscribe()
	}
	b.roomSub = sub
	b.mu.Unlock()
	return nil
}

// PublishRoom hands ev to every handler in this process, in order.
func (b *LocalBus) PublishRoom(ev RoomEvent) error {
	if b == nil {
		return errNilBus
	}
	b.mu.RLock()
	handlers := append([]RoomHandler(nil), b.rooms...)
	b.mu.RUnlock()
	for _, h := range handlers {
		h(context.Background(), ev)
	}
	return nil
}

func (b *LocalBus) SubscribeRooms(h RoomHandler) error {
	if b == nil {
		return errNilBus
	}
	if h == nil {
		return errNilHandler
	}
	b.mu.Lock()
	b.rooms = append(b.rooms, h)
	b.mu.Unlock()
	return nil
}
