package registry

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/eemployee/chat/core/chat/protocol"
)

func TestVirtualMemberPresenceReachesDirectMembers(t *testing.T) {
	h, _, _ := newTestHub(t)
	a, _ := join(t, h, "tok-a")

	roster, err := h.Join("x", protocol.User{Email: "v@x.com", DisplayName: "Relay"})
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if len(roster) != 2 || roster[0].Email != "a@x.com" || roster[1].Email != "v@x.com" {
		t.Fatalf("unexpected roster %+v", roster)
	}
	if joined := a.all("user_joined"); len(joined) != 1 || joined[0]["email"] != "v@x.com" {
		t.Fatalf("expected user_joined for relay member, got %v", a.kinds())
	}

	b, err := h.Message("x", "v@x.com", json.RawMessage(`"p"`), json.RawMessage(`"i"`))
	if err != nil {
		t.Fatalf("message: %v", err)
	}
	if b.Type != protocol.KindMessage || b.From != "v@x.com" || b.Timestamp == "" {
		t.Fatalf("unexpected broadcast %+v", b)
	}
	if msgs := a.all("message"); len(msgs) != 1 || msgs[0]["from"] != "v@x.com" {
		t.Fatalf("expected relayed message at direct member, got %v", a.kinds())
	}

	if err := h.Leave("x", "v@x.com"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if left := a.all("user_left"); len(left) != 1 || left[0]["email"] != "v@x.com" {
		t.Fatalf("expected user_left for relay member, got %v", a.kinds())
	}
}

func TestVirtualJoinMovesBetweenRooms(t *testing.T) {
	h, _, _ := newTestHub(t)
	if _, err := h.Join("store-1", protocol.User{Email: "v@x.com"}); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := h.Join("store-2", protocol.User{Email: "v@x.com"}); err != nil {
		t.Fatalf("join: %v", err)
	}
	if s := h.Stats(); s.Rooms != 1 || s.Users != 1 {
		t.Fatalf("expected member only in latest room, got %+v", s)
	}
	if err := h.Leave("store-2", "v@x.com"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if s := h.Stats(); s.Rooms != 0 {
		t.Fatalf("expected empty room deleted, got %+v", s)
	}
}

func TestVirtualJoinEvictsDirectSession(t *testing.T) {
	h, _, _ := newTestHub(t)
	observer, _ := join(t, h, "tok-b")
	a, _ := join(t, h, "tok-a")

	roster, err := h.Join("x", protocol.User{Email: "a@x.com", DisplayName: "Alice"})
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if !a.isClosed() {
		t.Fatalf("direct session should be evicted")
	}
	if len(roster) != 2 {
		t.Fatalf("unexpected roster %+v", roster)
	}
	if observer.count("user_joined") != 1 || observer.count("user_left") != 0 {
		t.Fatalf("eviction must not change presence, got %v", observer.kinds())
	}
}

func TestLeaveUnknownIsNoop(t *testing.T) {
	h, _, _ := newTestHub(t)
	if err := h.Leave("missing", "nobody@x.com"); err != nil {
		t.Fatalf("leave: %v", err)
	}
}

type relayed struct {
	tenant, room, exclude string
	frame                 map[string]any
}

type relayRecorder struct {
	mu  sync.Mutex
	got []relayed
}

func (r *relayRecorder) relay(tenantID, roomKey, exclude string, data []byte) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		panic(err)
	}
	r.mu.Lock()
	r.got = append(r.got, relayed{tenant: tenantID, room: roomKey, exclude: exclude, frame: m})
	r.mu.Unlock()
}

func (r *relayRecorder) all() []relayed {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]relayed(nil), r.got...)
}

func TestDirectTrafficForwardedToRelayMembers(t *testing.T) {
	rec := &relayRecorder{}
	h, _, stub := newTestHub(t, WithRelay(rec.relay))
	stub.ids["tok-s1"] = protocol.Identity{Email: "s1@x.com", DisplayName: "S1", TenantID: "x", SubUnitID: "store-1"}

	// No relay members yet: nothing leaves the instance.
	_, _ = join(t, h, "tok-a")
	if len(rec.all()) != 0 {
		t.Fatalf("unexpected relay traffic %+v", rec.all())
	}

	if _, err := h.Join("store-1", protocol.User{Email: "v@x.com"}); err != nil {
		t.Fatalf("join: %v", err)
	}
	conn, c := join(t, h, "tok-s1")
	h.Frame(c, []byte(`{"type":"message","payload":"p","iv":"i"}`))
	h.Stats()
	h.Detach(c)
	h.Stats()

	got := rec.all()
	if len(got) != 3 {
		t.Fatalf("expected joined, message and left to be relayed, got %+v", got)
	}
	for i, kind := range []string{"user_joined", "message", "user_left"} {
		if got[i].frame["type"] != kind {
			t.Fatalf("event %d: expected %s, got %v", i, kind, got[i].frame)
		}
		if got[i].tenant != "x" || got[i].room != "store-1" || got[i].exclude != "s1@x.com" {
			t.Fatalf("event %d: unexpected routing %+v", i, got[i])
		}
	}
	if got[1].frame["from"] != "s1@x.com" {
		t.Fatalf("unexpected message %v", got[1].frame)
	}
	if conn.count("message") != 0 {
		t.Fatalf("sender must not receive its own message")
	}
}
