package instance

import (
	"github.com/eemployee/chat/core/chat/registry"
	"github.com/eemployee/chat/core/infra/bus"
	"github.com/eemployee/chat/core/infra/logging"
)

// RelayRooms publishes frames from direct members as room events for the
// relay gateway.
func RelayRooms(pub bus.RoomPublisher) registry.RelayFunc {
	return func(tenantID, roomKey, exclude string, data []byte) {
		ev := bus.RoomEvent{TenantID: tenantID, RoomKey: roomKey, Exclude: exclude, Frame: data}
		if err := pub.PublishRoom(ev); err != nil {
			logging.Warn("chat-instance", "room relay failed", "room", roomKey, "error", err)
		}
	}
}
