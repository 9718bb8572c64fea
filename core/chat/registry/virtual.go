package registry

import (
	"encoding/json"

	"github.com/eemployee/chat/core/chat/protocol"
	"github.com/eemployee/chat/core/infra/logging"
)

// Join adds a gateway-relayed member to roomKey and returns the room roster.
// The email is removed from every other room first, and any direct session
// for the same email in roomKey is evicted.
func (h *Hub) Join(roomKey string, user protocol.User) ([]protocol.User, error) {
	var roster []protocol.User
	err := h.call(func() {
		for key, r := range h.rooms {
			if key == roomKey {
				continue
			}
			if _, ok := r.virtual[user.Email]; ok {
				h.removeVirtual(r, user.Email)
			}
		}
		r := h.room(roomKey)
		evicted := h.evict(r, user.Email)
		r.virtual[user.Email] = user
		if evicted == 0 {
			h.broadcast(roomKey, protocol.MustEncode(protocol.UserJoined{User: user}), nil, user.Email)
		}
		h.metrics.SetRooms(len(h.rooms))
		logging.Info("registry", "relay member joined", "email", user.Email, "room", roomKey)
		roster = r.roster()
	})
	return roster, err
}

// Leave removes a gateway-relayed member. Unknown members are ignored.
func (h *Hub) Leave(roomKey, email string) error {
	return h.call(func() {
		r, ok := h.rooms[roomKey]
		if !ok {
			return
		}
		if _, ok := r.virtual[email]; !ok {
			return
		}
		h.removeVirtual(r, email)
		logging.Info("registry", "relay member left", "email", email, "room", roomKey)
	})
}

// Message stamps a broadcast from a relayed member and delivers it to the
// room's direct members. The broadcast is returned for the gateway to fan out.
func (h *Hub) Message(roomKey, from string, payload, iv json.RawMessage) (protocol.Broadcast, error) {
	var b protocol.Broadcast
	err := h.call(func() {
		h.metrics.IncFrames(string(protocol.KindMessage))
		b = protocol.NewBroadcast(from, payload, iv, h.clock.Now())
		h.broadcast(roomKey, protocol.MustEncode(b), nil, from)
	})
	return b, err
}

func (h *Hub) removeVirtual(r *room, email string) {
	delete(r.virtual, email)
	if r.empty() {
		delete(h.rooms, r.key)
		h.metrics.SetRooms(len(h.rooms))
		return
	}
	h.broadcast(r.key, protocol.MustEncode(protocol.UserLeft{Email: email}), nil, "")
}
